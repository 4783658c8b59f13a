package controlplane

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/openmined/cardsync/internal/directory"
	"github.com/openmined/cardsync/internal/version"
)

type Handler struct {
	registry *directory.Registry
}

func NewHandler(registry *directory.Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, IndexResponse{App: version.AppName, Version: version.Detailed()})
}

func (h *Handler) ListDirectories(c *gin.Context) {
	dirs := h.registry.List()
	statuses := make([]*directory.Status, 0, len(dirs))
	for _, d := range dirs {
		st, err := d.Status()
		if err != nil {
			abortWithMappedError(c, fmt.Errorf("status %s: %w", d.Name, err))
			return
		}
		statuses = append(statuses, st)
	}
	c.JSON(http.StatusOK, DirectoriesResponse{Directories: statuses})
}

// SyncDirectory runs a pass and waits for it.
func (h *Handler) SyncDirectory(c *gin.Context) {
	res, err := h.registry.Sync(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Code: CodeOk, Result: res})
}

func (h *Handler) ListCards(c *gin.Context) {
	d, ok := h.directory(c)
	if !ok {
		return
	}

	cards, err := d.Store.GetAll()
	if err != nil {
		abortWithMappedError(c, err)
		return
	}

	resp := CardsResponse{Cards: make([]CardResponse, 0, len(cards))}
	for _, cc := range cards {
		resp.Cards = append(resp.Cards, *newCardResponse(cc, false))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetCard(c *gin.Context) {
	d, ok := h.directory(c)
	if !ok {
		return
	}

	existing, err := d.Store.GetByUID(c.Param("uid"))
	if err != nil {
		abortWithMappedError(c, err)
		return
	}
	if existing == nil {
		AbortWithError(c, http.StatusNotFound, ErrCodeCardNotFound, fmt.Errorf("card %q not found", c.Param("uid")))
		return
	}
	c.JSON(http.StatusOK, newCardResponse(existing, true))
}

func (h *Handler) CreateCard(c *gin.Context) {
	d, ok := h.directory(c)
	if !ok {
		return
	}

	var req CreateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if req.Payload == "" && req.DisplayName == "" {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("payload or display_name is required"))
		return
	}

	newCard := &card.Card{UID: req.UID, DisplayName: req.DisplayName, Payload: []byte(req.Payload)}
	stored, err := d.Reconciler.PushLocalChange(c.Request.Context(), cardsync.LocalChange{Kind: cardsync.ChangeCreate, Card: newCard})
	if errors.Is(err, cardsync.ErrQueued) {
		c.JSON(http.StatusAccepted, CardMutationResponse{Code: CodeQueued, Card: newCardResponse(stored, false)})
		return
	} else if err != nil {
		abortWithMappedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CardMutationResponse{Code: CodeOk, Card: newCardResponse(stored, false)})
}

func (h *Handler) UpdateCard(c *gin.Context) {
	d, ok := h.directory(c)
	if !ok {
		return
	}

	var req UpdateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if req.Payload == nil && req.DisplayName == nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("payload or display_name is required"))
		return
	}

	uid := c.Param("uid")
	existing, err := d.Store.GetByUID(uid)
	if err != nil {
		abortWithMappedError(c, err)
		return
	}
	if existing == nil {
		AbortWithError(c, http.StatusNotFound, ErrCodeCardNotFound, fmt.Errorf("card %q not found", uid))
		return
	}

	if req.Payload != nil {
		if err := existing.SetPayload([]byte(*req.Payload)); err != nil {
			abortWithMappedError(c, err)
			return
		}
	}
	if req.DisplayName != nil {
		if err := existing.SetDisplayName(*req.DisplayName); err != nil {
			abortWithMappedError(c, err)
			return
		}
	}

	stored, err := d.Reconciler.PushLocalChange(c.Request.Context(), cardsync.LocalChange{Kind: cardsync.ChangeUpdate, Card: existing})
	if errors.Is(err, cardsync.ErrQueued) {
		c.JSON(http.StatusAccepted, CardMutationResponse{Code: CodeQueued, Card: newCardResponse(stored, false)})
		return
	} else if err != nil {
		abortWithMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, CardMutationResponse{Code: CodeOk, Card: newCardResponse(stored, false)})
}

func (h *Handler) DeleteCard(c *gin.Context) {
	d, ok := h.directory(c)
	if !ok {
		return
	}

	_, err := d.Reconciler.PushLocalChange(c.Request.Context(), cardsync.LocalChange{Kind: cardsync.ChangeDelete, UID: c.Param("uid")})
	if err != nil {
		abortWithMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, CardMutationResponse{Code: CodeOk})
}

func (h *Handler) directory(c *gin.Context) (*directory.Directory, bool) {
	d, err := h.registry.Get(c.Param("name"))
	if err != nil {
		abortWithMappedError(c, err)
		return nil, false
	}
	return d, true
}
