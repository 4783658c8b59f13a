package card

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keepMe = "BEGIN:VCARD\r\nUID:keep-me\r\nFN:I'm going to stay.\r\nEND:VCARD\r\n"

func TestParse(t *testing.T) {
	c, err := Parse([]byte(keepMe))
	require.NoError(t, err)

	assert.Equal(t, "keep-me", c.UID)
	assert.Equal(t, "I'm going to stay.", c.DisplayName)
	assert.Equal(t, keepMe, string(c.Payload))
	assert.False(t, c.IsSynced())
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"whitespace":  "  \r\n",
		"not a vcard": "hello world",
		"missing uid": "BEGIN:VCARD\r\nFN:Nobody\r\nEND:VCARD\r\n",
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestParse_MissingUIDIsDistinct(t *testing.T) {
	_, err := Parse([]byte("BEGIN:VCARD\r\nFN:Nobody\r\nEND:VCARD\r\n"))
	assert.ErrorIs(t, err, ErrMissingUID)
}

func TestNew_RoundTrip(t *testing.T) {
	c, err := New("another-new", "I'm another new contact.")
	require.NoError(t, err)

	parsed, err := Parse(c.Payload)
	require.NoError(t, err)
	assert.Equal(t, "another-new", parsed.UID)
	assert.Equal(t, "I'm another new contact.", parsed.DisplayName)
}

func TestNew_GeneratesUID(t *testing.T) {
	c, err := New("", "Anonymous")
	require.NoError(t, err)
	assert.NotEmpty(t, c.UID)

	parsed, err := Parse(c.Payload)
	require.NoError(t, err)
	assert.Equal(t, c.UID, parsed.UID)
}

func TestEnsureUID(t *testing.T) {
	c, err := EnsureUID([]byte("BEGIN:VCARD\r\nVERSION:4.0\r\nFN:No UID yet\r\nEND:VCARD\r\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.UID)
	assert.Equal(t, "No UID yet", c.DisplayName)

	kept, err := EnsureUID([]byte(keepMe))
	require.NoError(t, err)
	assert.Equal(t, "keep-me", kept.UID)
}

func TestSetDisplayName(t *testing.T) {
	c, err := Parse([]byte("BEGIN:VCARD\r\nVERSION:4.0\r\nUID:change-me\r\nFN:I'm going to be changed.\r\nEND:VCARD\r\n"))
	require.NoError(t, err)

	require.NoError(t, c.SetDisplayName("I've been changed again!"))
	assert.Equal(t, "I've been changed again!", c.DisplayName)

	parsed, err := Parse(c.Payload)
	require.NoError(t, err)
	assert.Equal(t, "change-me", parsed.UID)
	assert.Equal(t, "I've been changed again!", parsed.DisplayName)
}

func TestSetPayload_RejectsUIDChange(t *testing.T) {
	c, err := Parse([]byte(keepMe))
	require.NoError(t, err)

	err = c.SetPayload([]byte("BEGIN:VCARD\r\nUID:someone-else\r\nFN:x\r\nEND:VCARD\r\n"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Equal(t, "keep-me", c.UID)

	require.NoError(t, c.SetPayload([]byte("BEGIN:VCARD\r\nUID:keep-me\r\nFN:Still here\r\nEND:VCARD\r\n")))
	assert.Equal(t, "Still here", c.DisplayName)
}

func TestClone(t *testing.T) {
	c := &Card{UID: "a", Payload: []byte("x"), Href: "/a.vcf", ETag: "1"}
	cp := c.Clone()
	cp.Payload[0] = 'y'
	cp.ETag = "2"

	assert.Equal(t, "x", string(c.Payload))
	assert.Equal(t, "1", c.ETag)
	assert.True(t, cp.IsSynced())
	assert.Nil(t, (*Card)(nil).Clone())
}
