package controlplane

import (
	"time"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/openmined/cardsync/internal/directory"
)

type IndexResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
}

type DirectoriesResponse struct {
	Directories []*directory.Status `json:"directories"`
}

type SyncResponse struct {
	Code   string               `json:"code"`
	Result *cardsync.SyncResult `json:"result"`
}

type CardResponse struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"display_name"`
	Href        string    `json:"href,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Pending     bool      `json:"pending"`
	UpdatedAt   time.Time `json:"updated_at"`
	Payload     string    `json:"payload,omitempty"`
}

type CardsResponse struct {
	Cards []CardResponse `json:"cards"`
}

// CardMutationResponse is returned by create, update and delete. Code is
// QUEUED when the card was stored locally but could not reach the server.
type CardMutationResponse struct {
	Code string        `json:"code"`
	Card *CardResponse `json:"card,omitempty"`
}

type CreateCardRequest struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	// Payload is a full vCard. When empty a card is built from UID and DisplayName.
	Payload string `json:"payload"`
}

type UpdateCardRequest struct {
	DisplayName *string `json:"display_name"`
	Payload     *string `json:"payload"`
}

func newCardResponse(c *card.Card, withPayload bool) *CardResponse {
	resp := &CardResponse{
		UID:         c.UID,
		DisplayName: c.DisplayName,
		Href:        c.Href,
		ETag:        c.ETag,
		Pending:     !c.IsSynced(),
		UpdatedAt:   c.UpdatedAt,
	}
	if withPayload {
		resp.Payload = string(c.Payload)
	}
	return resp
}
