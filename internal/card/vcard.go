package card

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"
)

const defaultVersion = "4.0"

var (
	ErrMalformedPayload = errors.New("card: malformed payload")
	ErrMissingUID       = fmt.Errorf("%w: missing UID", ErrMalformedPayload)
)

// Parse decodes a vCard payload and extracts the fields the synchronizer needs.
// The payload itself is kept verbatim.
func Parse(payload []byte) (*Card, error) {
	vc, err := decode(payload)
	if err != nil {
		return nil, err
	}

	uid := strings.TrimSpace(vc.Value(vcard.FieldUID))
	if uid == "" {
		return nil, ErrMissingUID
	}

	return &Card{
		UID:         uid,
		DisplayName: displayName(vc),
		Payload:     append([]byte(nil), payload...),
	}, nil
}

// New builds a minimal vCard. An empty uid gets a generated one.
func New(uid, name string) (*Card, error) {
	if uid == "" {
		uid = uuid.NewString()
	}

	vc := make(vcard.Card)
	vc.SetValue(vcard.FieldVersion, defaultVersion)
	vc.SetValue(vcard.FieldUID, uid)
	vc.SetValue(vcard.FieldFormattedName, name)

	payload, err := encode(vc)
	if err != nil {
		return nil, err
	}

	return &Card{UID: uid, DisplayName: name, Payload: payload}, nil
}

// EnsureUID parses payload and, when it carries no UID, adds a generated one.
func EnsureUID(payload []byte) (*Card, error) {
	vc, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(vc.Value(vcard.FieldUID)) != "" {
		return Parse(payload)
	}

	vc.SetValue(vcard.FieldUID, uuid.NewString())
	encoded, err := encode(vc)
	if err != nil {
		return nil, err
	}
	return Parse(encoded)
}

// SetDisplayName rewrites the FN property of the payload.
func (c *Card) SetDisplayName(name string) error {
	vc, err := decode(c.Payload)
	if err != nil {
		return err
	}
	vc.SetValue(vcard.FieldFormattedName, name)

	payload, err := encode(vc)
	if err != nil {
		return err
	}
	c.Payload = payload
	c.DisplayName = name
	return nil
}

// SetPayload replaces the payload, refusing one that changes the card's UID.
func (c *Card) SetPayload(payload []byte) error {
	parsed, err := Parse(payload)
	if err != nil {
		return err
	}
	if c.UID != "" && parsed.UID != c.UID {
		return fmt.Errorf("%w: UID %q does not match card %q", ErrMalformedPayload, parsed.UID, c.UID)
	}
	c.UID = parsed.UID
	c.Payload = parsed.Payload
	c.DisplayName = parsed.DisplayName
	return nil
}

func decode(payload []byte) (vcard.Card, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	vc, err := vcard.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no vcard found", ErrMalformedPayload)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return vc, nil
}

func encode(vc vcard.Card) ([]byte, error) {
	if vc.Value(vcard.FieldVersion) == "" {
		vc.SetValue(vcard.FieldVersion, defaultVersion)
	}

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(vc); err != nil {
		return nil, fmt.Errorf("card: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func displayName(vc vcard.Card) string {
	if fn := vc.PreferredValue(vcard.FieldFormattedName); fn != "" {
		return fn
	}
	if n := vc.Name(); n != nil {
		if name := strings.TrimSpace(n.GivenName + " " + n.FamilyName); name != "" {
			return name
		}
	}
	return vc.PreferredValue(vcard.FieldEmail)
}
