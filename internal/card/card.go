// Package card holds the contact card model and its vCard encoding.
package card

import (
	"time"
)

// Card is a contact as kept by the local store. Payload is the vCard text as
// last written or fetched; UID and DisplayName are derived from it.
type Card struct {
	UID         string
	DisplayName string
	Payload     []byte

	// Href and ETag locate the last known remote version. Both are empty
	// until the card has been synced.
	Href string
	ETag string

	UpdatedAt time.Time
}

// IsSynced reports whether the card is bound to a remote resource.
func (c *Card) IsSynced() bool {
	return c.Href != ""
}

func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp
}
