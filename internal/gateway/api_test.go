// ABOUTME: Tests for the HTTP API handlers and the SSE stream
// ABOUTME: Drives the full gateway handler against an in-memory store with real JWTs

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusfind/campusfind-messenger/internal/config"
	"github.com/campusfind/campusfind-messenger/internal/conversation"
	"github.com/campusfind/campusfind-messenger/internal/store"
)

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Driver: "memory"},
		Auth:     config.AuthConfig{JWTSecret: "gateway-test-secret-with-32-byte", TokenTTL: time.Hour},
		Messaging: config.MessagingConfig{
			StoreTimeout: time.Second,
			SSEKeepalive: time.Minute,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := newGateway(cfg, store.NewMemoryStore(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func tokenFor(t *testing.T, gw *Gateway, uid string) string {
	t.Helper()
	token, err := gw.verifier.Generate(uid, time.Hour)
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, gw *Gateway, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, gw, uid))
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)
	rec := doRequest(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAPI_RequiresToken(t *testing.T) {
	gw := newTestGateway(t)
	for _, path := range []string{"/api/conversations", "/api/profile", "/api/stream"} {
		rec := doRequest(t, gw, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateConversation_SameIDFromBothSides(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[conversation.ConversationView](t, rec)
	assert.Equal(t, "u1_u2", first.ID)
	assert.Equal(t, []string{"u1", "u2"}, first.Participants)
	assert.Equal(t, "u2", first.OtherUser.UID)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations", "u2", CreateConversationRequest{OtherUID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[conversation.ConversationView](t, rec)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "u1", second.OtherUser.UID)
}

func TestSendAndReadFlow(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/u1_u2/messages", "u1", SendMessageRequest{Text: "  Is this yours?  "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decodeBody[store.Message](t, rec)
	assert.Equal(t, "Is this yours?", sent.Text)
	assert.Equal(t, "u2", sent.RecipientID)
	assert.Equal(t, int64(1), sent.Seq)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/u1_u2/messages", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	log := decodeBody[MessagesResponse](t, rec)
	require.Len(t, log.Messages, 1)
	assert.Equal(t, sent.ID, log.Messages[0].ID)
	assert.False(t, log.Messages[0].Read)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ConversationsResponse](t, rec)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.Conversations[0].UnreadCount)
	require.NotNil(t, list.Conversations[0].LastMessage)
	assert.Equal(t, "Is this yours?", list.Conversations[0].LastMessage.Text)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/u1_u2/read", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[MarkReadResponse](t, rec).Marked)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/u1_u2", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[conversation.ConversationView](t, rec).UnreadCount)
}

func TestSendMessage_ClientMessageIDIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u2"})

	req := SendMessageRequest{Text: "hello", ClientMessageID: "local-1"}
	first := doRequest(t, gw, http.MethodPost, "/api/conversations/u1_u2/messages", "u1", req)
	second := doRequest(t, gw, http.MethodPost, "/api/conversations/u1_u2/messages", "u1", req)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decodeBody[store.Message](t, first).ID, decodeBody[store.Message](t, second).ID)

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/u1_u2/messages", "u1", nil)
	assert.Len(t, decodeBody[MessagesResponse](t, rec).Messages, 1)
}

func TestAPI_ErrorMapping(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u2"})

	tests := []struct {
		name   string
		method string
		path   string
		uid    string
		body   any
		status int
	}{
		{"message yourself", http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u1"}, http.StatusConflict},
		{"missing other uid", http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{}, http.StatusBadRequest},
		{"malformed other uid", http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "a b"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/conversations", "u1", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/conversations", "u1", `{"other":"u2"}`, http.StatusBadRequest},
		{"not a participant", http.MethodGet, "/api/conversations/u1_u2", "u3", nil, http.StatusForbidden},
		{"not a participant send", http.MethodPost, "/api/conversations/u1_u2/messages", "u3", SendMessageRequest{Text: "hi"}, http.StatusForbidden},
		{"unknown conversation", http.MethodGet, "/api/conversations/u1_u3", "u1", nil, http.StatusNotFound},
		{"malformed conversation id", http.MethodGet, "/api/conversations/nounderscore/messages", "u1", nil, http.StatusBadRequest},
		{"empty text", http.MethodPost, "/api/conversations/u1_u2/messages", "u1", SendMessageRequest{Text: "   "}, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/conversations/u1_u2", "u1", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, tt.method, tt.path, tt.uid, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{conversation.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", conversation.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", conversation.ErrNotParticipant), http.StatusForbidden},
		{conversation.ErrInvalidOperation, http.StatusConflict},
		{conversation.ErrDuplicateSend, http.StatusConflict},
		{conversation.ErrConversationNotFound, http.StatusNotFound},
		{fmt.Errorf("append: %w: %w", conversation.ErrStoreUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable},
		{conversation.ErrNotificationUnavailable, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}

	assert.Equal(t, "service unavailable", publicMessage(fmt.Errorf("x: %w: disk on fire", conversation.ErrStoreUnavailable)))
}

func TestProfile(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/profile", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodPut, "/api/profile", "u2", ProfileRequest{DisplayName: " Bob ", Email: "bob@campus.edu"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/profile", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decodeBody[store.User](t, rec)
	assert.Equal(t, "u2", profile.UID)
	assert.Equal(t, "Bob", profile.DisplayName)

	rec = doRequest(t, gw, http.MethodPut, "/api/profile", "u2", ProfileRequest{Email: "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid email", errorOf(t, rec))

	// Views carry the other participant's profile.
	rec = doRequest(t, gw, http.MethodPost, "/api/conversations", "u1", CreateConversationRequest{OtherUID: "u2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bob", decodeBody[conversation.ConversationView](t, rec).OtherUser.DisplayName)
}

type sseFrame struct {
	event   string
	data    string
	comment string
}

func readSSE(body io.Reader) <-chan sseFrame {
	ch := make(chan sseFrame, 256)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		var f sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				ch <- f
				f = sseFrame{}
			case strings.HasPrefix(line, ":"):
				f.comment = strings.TrimSpace(line[1:])
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func waitFrame(t *testing.T, frames <-chan sseFrame, match func(sseFrame) bool) sseFrame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended")
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE frame")
		}
	}
}

func openStream(t *testing.T, gw *Gateway, uid, query string) (*http.Response, <-chan sseFrame) {
	t.Helper()

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, gw, uid))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, readSSE(resp.Body)
}

func TestStream_DeliversSnapshots(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Service().GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	resp, frames := openStream(t, gw, "u2", "?conversation=u1_u2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f := waitFrame(t, frames, func(f sseFrame) bool { return f.event == "conversations" })
	var list ConversationsResponse
	require.NoError(t, json.Unmarshal([]byte(f.data), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "u1_u2", list.Conversations[0].ID)

	waitFrame(t, frames, func(f sseFrame) bool { return f.event == "messages" })

	_, err = gw.Service().SendMessage(ctx, conversation.SendRequest{
		ConversationID: "u1_u2",
		SenderID:       "u1",
		Text:           "Is this yours?",
	})
	require.NoError(t, err)

	f = waitFrame(t, frames, func(f sseFrame) bool {
		return f.event == "messages" && strings.Contains(f.data, "Is this yours?")
	})
	var msgs StreamMessagesEvent
	require.NoError(t, json.Unmarshal([]byte(f.data), &msgs))
	assert.Equal(t, "u1_u2", msgs.ConversationID)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "u1", msgs.Messages[0].SenderID)
	assert.False(t, msgs.Messages[0].Pending)
}

func TestStream_WithStartsChat(t *testing.T) {
	gw := newTestGateway(t)

	resp, frames := openStream(t, gw, "u1", "?with=u2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f := waitFrame(t, frames, func(f sseFrame) bool { return f.event == "messages" })
	assert.Contains(t, f.data, `"conversation_id":"u1_u2"`)

	_, err := gw.Service().GetConversation(context.Background(), "u2", "u1_u2")
	assert.NoError(t, err)
}

func TestStream_RejectsForeignConversation(t *testing.T) {
	gw := newTestGateway(t)
	_, err := gw.Service().GetOrCreateConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)

	resp, _ := openStream(t, gw, "u3", "?conversation=u1_u2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStream_Keepalive(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Messaging.SSEKeepalive = 20 * time.Millisecond })

	_, frames := openStream(t, gw, "u1", "")
	f := waitFrame(t, frames, func(f sseFrame) bool { return f.comment != "" })
	assert.Equal(t, "keepalive", f.comment)
}
