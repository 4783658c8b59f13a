package carddav

import (
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
	"github.com/openmined/cardsync/internal/remote"
)

// checkResponse maps an HTTP exchange onto the remote error taxonomy.
func checkResponse(op, href string, resp *req.Response, err error) error {
	if err != nil {
		return &remote.TransportError{Op: op, Href: href, StatusCode: statusCode(resp), Err: err}
	}

	switch code := statusCode(resp); {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%s %s: %w", op, href, remote.ErrNotFound)
	case code == http.StatusPreconditionFailed:
		return fmt.Errorf("%s %s: %w", op, href, remote.ErrConflict)
	case code >= http.StatusBadRequest || code < http.StatusOK:
		return &remote.TransportError{Op: op, Href: href, StatusCode: code}
	}
	return nil
}

func statusCode(resp *req.Response) int {
	if resp == nil {
		return 0
	}
	return resp.GetStatusCode()
}
