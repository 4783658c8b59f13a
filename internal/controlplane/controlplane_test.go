package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/config"
	"github.com/openmined/cardsync/internal/directory"
	"github.com/openmined/cardsync/internal/notify"
	"github.com/openmined/cardsync/internal/remote"
	"github.com/openmined/cardsync/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

func vcard(uid, fn string) string {
	return "BEGIN:VCARD\r\nVERSION:4.0\r\nUID:" + uid + "\r\nFN:" + fn + "\r\nEND:VCARD\r\n"
}

type testEnv struct {
	server   *remotetest.Collection
	registry *directory.Registry
	handler  http.Handler
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		DataDir:      t.TempDir(),
		SyncInterval: time.Hour,
		Directories:  []config.DirectoryConfig{{Name: "personal", Type: config.TypeS3, Bucket: "cards"}},
	}
	require.NoError(t, cfg.Validate())

	coll := remotetest.New()
	coll.PutInternal("/ab/alice.vcf", vcard("alice", "Alice"))

	reg, err := directory.Open(context.Background(), cfg, directory.Options{
		Backends: func(context.Context, config.DirectoryConfig, time.Duration) (remote.Collection, error) {
			return coll, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	_, err = reg.Sync(context.Background(), "personal")
	require.NoError(t, err)

	return &testEnv{
		server:   coll,
		registry: reg,
		handler:  SetupRoutes(reg, RouteConfig{Token: testToken, RateLimit: 1000}),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestIndexAndMetrics(t *testing.T) {
	env := setup(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cardsync", decode[IndexResponse](t, w).App)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cardsync_sync_duration_seconds")
}

func TestTokenAuth(t *testing.T) {
	env := setup(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/directories", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[ControlPlaneError](t, w).ErrorCode)

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/directories?token="+testToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListDirectories(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/v1/directories", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[DirectoriesResponse](t, w)
	require.Len(t, resp.Directories, 1)
	assert.Equal(t, "personal", resp.Directories[0].Name)
	assert.Equal(t, 1, resp.Directories[0].Cards)
}

func TestSyncDirectory(t *testing.T) {
	env := setup(t)
	env.server.PutInternal("/ab/bob.vcf", vcard("bob", "Bob"))

	w := env.do(t, http.MethodPost, "/v1/directories/personal/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[SyncResponse](t, w)
	assert.Equal(t, []string{"bob"}, resp.Result.Created)

	w = env.do(t, http.MethodPost, "/v1/directories/nope/sync", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeDirectoryNotFound, decode[ControlPlaneError](t, w).ErrorCode)
}

func TestCards_CRUD(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/v1/directories/personal/cards", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[CardsResponse](t, w)
	require.Len(t, list.Cards, 1)
	assert.Equal(t, "alice", list.Cards[0].UID)
	assert.Empty(t, list.Cards[0].Payload)

	w = env.do(t, http.MethodGet, "/v1/directories/personal/cards/alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[CardResponse](t, w).Payload, "UID:alice")

	w = env.do(t, http.MethodPost, "/v1/directories/personal/cards", `{"uid":"bob","display_name":"Bob"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[CardMutationResponse](t, w)
	assert.Equal(t, "bob", created.Card.UID)
	assert.False(t, created.Card.Pending)
	assert.NotNil(t, env.server.Get(created.Card.Href))

	w = env.do(t, http.MethodPut, "/v1/directories/personal/cards/bob", `{"display_name":"Robert"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Robert", decode[CardMutationResponse](t, w).Card.DisplayName)

	onServer, err := card.Parse(env.server.Get(created.Card.Href).Payload)
	require.NoError(t, err)
	assert.Equal(t, "Robert", onServer.DisplayName)

	w = env.do(t, http.MethodDelete, "/v1/directories/personal/cards/bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.server.Get(created.Card.Href))

	w = env.do(t, http.MethodGet, "/v1/directories/personal/cards/bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeCardNotFound, decode[ControlPlaneError](t, w).ErrorCode)
}

func TestCards_ErrorMapping(t *testing.T) {
	env := setup(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"duplicate uid", http.MethodPost, "/v1/directories/personal/cards", `{"uid":"alice","display_name":"Alice 2"}`, http.StatusConflict, ErrCodeDuplicateUID},
		{"malformed payload", http.MethodPost, "/v1/directories/personal/cards", `{"payload":"garbage"}`, http.StatusUnprocessableEntity, ErrCodeMalformedPayload},
		{"empty create", http.MethodPost, "/v1/directories/personal/cards", `{}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"uid change", http.MethodPut, "/v1/directories/personal/cards/alice", `{"payload":"` + strings.ReplaceAll(vcard("mallory", "M"), "\r\n", `\r\n`) + `"}`, http.StatusUnprocessableEntity, ErrCodeMalformedPayload},
		{"update unknown", http.MethodPut, "/v1/directories/personal/cards/ghost", `{"display_name":"x"}`, http.StatusNotFound, ErrCodeCardNotFound},
		{"unknown directory", http.MethodGet, "/v1/directories/nope/cards", "", http.StatusNotFound, ErrCodeDirectoryNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode[ControlPlaneError](t, w).ErrorCode)
		})
	}
}

func TestCards_UpdateConflict(t *testing.T) {
	env := setup(t)
	env.server.PutInternal("/ab/alice.vcf", vcard("alice", "Edited elsewhere"))

	w := env.do(t, http.MethodPut, "/v1/directories/personal/cards/alice", `{"display_name":"Mine"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeConflict, decode[ControlPlaneError](t, w).ErrorCode)
}

func TestCards_CreateQueued(t *testing.T) {
	env := setup(t)
	env.server.PutErr = &remote.TransportError{Op: "PUT", StatusCode: 503}

	w := env.do(t, http.MethodPost, "/v1/directories/personal/cards", `{"uid":"bob","display_name":"Bob"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[CardMutationResponse](t, w)
	assert.Equal(t, CodeQueued, resp.Code)
	assert.True(t, resp.Card.Pending)
}

func TestClassifyError(t *testing.T) {
	status, code := classifyError(&remote.TransportError{Op: "GET", StatusCode: 500})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, ErrCodeRemoteUnavailable, code)

	status, code = classifyError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, ErrCodeUnknownError, code)
}

func TestEvents_SSE(t *testing.T) {
	env := setup(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?directory=personal&token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	notifier := env.registry.Notifier()
	require.Eventually(t, func() bool { return notifier.Len() > 0 }, 5*time.Second, 10*time.Millisecond)

	notifier.Emit(notify.Event{Directory: "other", Kind: notify.KindCreated, UID: "skipped"})
	notifier.Emit(notify.Event{Directory: "personal", Kind: notify.KindDeleted, UID: "alice"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: contact-deleted", lines[0])

	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, "alice", ev.UID)
	assert.Equal(t, "personal", ev.Directory)
}

func TestEvents_WebSocket(t *testing.T) {
	env := setup(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	notifier := env.registry.Notifier()
	require.Eventually(t, func() bool { return notifier.Len() > 0 }, 5*time.Second, 10*time.Millisecond)
	notifier.Emit(notify.Event{Directory: "personal", Kind: notify.KindUpdated, UID: "alice"})

	var ev notify.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, notify.KindUpdated, ev.Kind)
	assert.Equal(t, "alice", ev.UID)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return notifier.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
