package carddav

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/openmined/cardsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keepMe = "BEGIN:VCARD\r\nUID:keep-me\r\nFN:I'm going to stay.\r\nEND:VCARD\r\n"

func newTestClient(t *testing.T, serverURL, password string) *Client {
	t.Helper()
	c, err := New(Options{
		URL:        serverURL + testCollection,
		Username:   testUser,
		Password:   password,
		Timeout:    5 * time.Second,
		RetryCount: -1,
	})
	require.NoError(t, err)
	return c
}

func TestClient_ListAndFetch(t *testing.T) {
	fs, srv := newFakeServer(t)
	etag := fs.add("keep-me.vcf", keepMe)
	fs.add("other.vcf", "BEGIN:VCARD\r\nUID:other\r\nEND:VCARD\r\n")

	c := newTestClient(t, srv.URL, testPassword)
	ctx := context.Background()

	refs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, remote.ResourceRef{Href: testCollection + "keep-me.vcf", ETag: etag}, refs[0])

	res, err := c.Fetch(ctx, refs[0].Href)
	require.NoError(t, err)
	assert.Equal(t, keepMe, string(res.Payload))
	assert.Equal(t, etag, res.ETag)
}

func TestClient_ListKeepsEntriesWithoutETag(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("keep-me.vcf", keepMe)
	fs.cards[testCollection+"keep-me.vcf"].hideETag = true

	refs, err := newTestClient(t, srv.URL, testPassword).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []remote.ResourceRef{{Href: testCollection + "keep-me.vcf"}}, refs)
}

func TestClient_FetchNotFound(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, testPassword)

	_, err := c.Fetch(context.Background(), testCollection+"missing.vcf")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClient_PutCreateAndUpdate(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, testPassword)
	ctx := context.Background()

	created, err := c.Put(ctx, "", []byte(keepMe), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Href, testCollection))
	assert.True(t, strings.HasSuffix(created.Href, remote.CardExt))
	assert.NotEmpty(t, created.ETag)

	_, err = c.Put(ctx, created.Href, []byte(keepMe), "stale")
	assert.ErrorIs(t, err, remote.ErrConflict)

	updated, err := c.Put(ctx, created.Href, []byte(keepMe), created.ETag)
	require.NoError(t, err)
	assert.Equal(t, created.Href, updated.Href)
	assert.NotEqual(t, created.ETag, updated.ETag)
	assert.Equal(t, 3, fs.count(http.MethodPut))
}

func TestClient_PutResolvesMissingETag(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.omitPutETag = true
	c := newTestClient(t, srv.URL, testPassword)

	ref, err := c.Put(context.Background(), "", []byte(keepMe), "")
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ETag)
	assert.Equal(t, 1, fs.count(http.MethodHead))
}

func TestClient_Delete(t *testing.T) {
	fs, srv := newFakeServer(t)
	etag := fs.add("delete-me.vcf", keepMe)
	href := testCollection + "delete-me.vcf"
	c := newTestClient(t, srv.URL, testPassword)
	ctx := context.Background()

	assert.ErrorIs(t, c.Delete(ctx, href, "stale"), remote.ErrConflict)
	require.NoError(t, c.Delete(ctx, href, etag))
	assert.ErrorIs(t, c.Delete(ctx, href, etag), remote.ErrNotFound)
}

func TestClient_TransportErrors(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("keep-me.vcf", keepMe)
	ctx := context.Background()

	unauthorized := newTestClient(t, srv.URL, "wrong")
	_, err := unauthorized.List(ctx)
	assert.True(t, remote.IsTransport(err))

	_, err = unauthorized.Fetch(ctx, testCollection+"keep-me.vcf")
	var te *remote.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)

	fs.failGet = 1
	c := newTestClient(t, srv.URL, testPassword)
	_, err = c.Fetch(ctx, testCollection+"keep-me.vcf")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestClient_RetriesReads(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("keep-me.vcf", keepMe)
	fs.failGet = 1

	c, err := New(Options{
		URL:           srv.URL + testCollection,
		Username:      testUser,
		Password:      testPassword,
		RetryCount:    2,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := c.Fetch(context.Background(), testCollection+"keep-me.vcf")
	require.NoError(t, err)
	assert.Equal(t, keepMe, string(res.Payload))
	assert.Equal(t, 2, fs.count(http.MethodGet))
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/ab/", "http:///ab/", "://"} {
		_, err := New(Options{URL: raw})
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestParseCollectionURL_AddsTrailingSlash(t *testing.T) {
	u, err := parseCollectionURL("https://dav.example.com/ab/default")
	require.NoError(t, err)
	assert.Equal(t, "/ab/default/", u.Path)
}

func TestDiscover(t *testing.T) {
	_, srv := newFakeServer(t)

	books, err := Discover(context.Background(), Options{
		URL:        srv.URL,
		Username:   testUser,
		Password:   testPassword,
		RetryCount: -1,
	})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, testCollection, books[0].Path)
	assert.Equal(t, "Contacts", books[0].Name)
	assert.Equal(t, srv.URL+testCollection, books[0].URL)
}
