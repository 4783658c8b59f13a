package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/openmined/cardsync/internal/directory"
	"github.com/openmined/cardsync/internal/remote"
)

const (
	CodeOk                   string = "OK"
	CodeQueued               string = "QUEUED"
	ErrCodeBadRequest        string = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized      string = "ERR_UNAUTHORIZED"
	ErrCodeDirectoryNotFound string = "ERR_DIRECTORY_NOT_FOUND"
	ErrCodeCardNotFound      string = "ERR_CARD_NOT_FOUND"
	ErrCodeConflict          string = "ERR_CONFLICT"
	ErrCodeDuplicateUID      string = "ERR_DUPLICATE_UID"
	ErrCodeMalformedPayload  string = "ERR_MALFORMED_PAYLOAD"
	ErrCodeSyncRunning       string = "ERR_SYNC_RUNNING"
	ErrCodeRemoteUnavailable string = "ERR_REMOTE_UNAVAILABLE"
	ErrCodeUnknownError      string = "ERR_UNKNOWN_ERROR"
)

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// abortWithMappedError picks the status and code from the error chain.
func abortWithMappedError(c *gin.Context, err error) {
	status, code := classifyError(err)
	AbortWithError(c, status, code, err)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, directory.ErrUnknownDirectory):
		return http.StatusNotFound, ErrCodeDirectoryNotFound
	case errors.Is(err, cardsync.ErrCardNotFound):
		return http.StatusNotFound, ErrCodeCardNotFound
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, cardsync.ErrDuplicateUID):
		return http.StatusConflict, ErrCodeDuplicateUID
	case errors.Is(err, cardsync.ErrSyncAlreadyRunning):
		return http.StatusConflict, ErrCodeSyncRunning
	case errors.Is(err, card.ErrMalformedPayload):
		return http.StatusUnprocessableEntity, ErrCodeMalformedPayload
	case errors.Is(err, cardsync.ErrInvalidChange):
		return http.StatusBadRequest, ErrCodeBadRequest
	case remote.IsTransport(err), errors.Is(err, remote.ErrNotFound):
		return http.StatusBadGateway, ErrCodeRemoteUnavailable
	}
	return http.StatusInternalServerError, ErrCodeUnknownError
}
