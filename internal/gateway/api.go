// ABOUTME: HTTP API handlers exposing conversations, messages and profiles as JSON
// ABOUTME: Provides GET /api/stream, a Server-Sent Events feed driven by a messenger session

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/campusfind/campusfind-messenger/internal/auth"
	"github.com/campusfind/campusfind-messenger/internal/conversation"
	"github.com/campusfind/campusfind-messenger/internal/messenger"
	"github.com/campusfind/campusfind-messenger/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	OtherUID string `json:"other_uid" validate:"required"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// ProfileRequest is the JSON request body for PUT /api/profile.
type ProfileRequest struct {
	DisplayName string `json:"display_name" validate:"max=100"`
	PhotoURL    string `json:"photo_url,omitempty" validate:"omitempty,url,max=2048"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
}

// ConversationsResponse is the JSON response for GET /api/conversations.
type ConversationsResponse struct {
	Conversations []conversation.ConversationView `json:"conversations"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	ConversationID string `json:"conversation_id"`
	Marked         int    `json:"marked"`
}

// StreamMessagesEvent is the payload of a "messages" SSE event.
type StreamMessagesEvent struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []messenger.Entry `json:"messages"`
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := g.service.ListConversations(r.Context(), auth.UIDFromContext(r.Context()))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if views == nil {
		views = []conversation.ConversationView{}
	}
	g.sendJSON(w, http.StatusOK, ConversationsResponse{Conversations: views})
}

// handleCreateConversation handles POST /api/conversations. It returns the
// existing conversation when there already is one.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := g.service.GetOrCreateConversation(r.Context(), auth.UIDFromContext(r.Context()), req.OtherUID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	view, err := g.service.GetConversation(r.Context(), auth.UIDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := g.service.ListMessages(r.Context(), auth.UIDFromContext(r.Context()), id)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	g.sendJSON(w, http.StatusOK, MessagesResponse{ConversationID: id, Messages: messages})
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.service.SendMessage(r.Context(), conversation.SendRequest{
		ConversationID:  r.PathValue("id"),
		SenderID:        auth.UIDFromContext(r.Context()),
		Text:            req.Text,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, msg)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := g.service.MarkRead(r.Context(), auth.UIDFromContext(r.Context()), id)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MarkReadResponse{ConversationID: id, Marked: n})
}

// handleGetProfile handles GET /api/profile.
func (g *Gateway) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := g.store.GetProfile(r.Context(), auth.UIDFromContext(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load profile", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	g.sendJSON(w, http.StatusOK, user)
}

// handlePutProfile handles PUT /api/profile.
func (g *Gateway) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := &store.User{
		UID:         auth.UIDFromContext(r.Context()),
		DisplayName: strings.TrimSpace(req.DisplayName),
		PhotoURL:    req.PhotoURL,
		Email:       req.Email,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := g.store.UpsertProfile(r.Context(), user); err != nil {
		g.logger.Error("failed to save profile", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	g.sendJSON(w, http.StatusOK, user)
}

// handleStream handles GET /api/stream. The stream carries the caller's
// conversation list and, when ?conversation=ID or ?with=UID is given, the
// message log of that conversation.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := auth.UIDFromContext(ctx)
	conversationID := r.URL.Query().Get("conversation")
	with := r.URL.Query().Get("with")

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := make(chan SSEEvent, 16)
	emit := func(ev SSEEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	session := messenger.New(g.service, g.lookupUser(ctx, uid),
		messenger.WithLogger(g.logger),
		messenger.WithListener(messenger.Listener{
			OnConversations: func(views []conversation.ConversationView) {
				emit(SSEEvent{Event: "conversations", Data: ConversationsResponse{Conversations: nonNil(views)}})
			},
			OnMessages: func(id string, entries []messenger.Entry) {
				emit(SSEEvent{Event: "messages", Data: StreamMessagesEvent{ConversationID: id, Messages: nonNil(entries)}})
			},
			OnError: func(err error) {
				emit(SSEEvent{Event: "error", Data: map[string]string{"error": publicMessage(err)}})
			},
		}),
	)
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	switch {
	case conversationID != "":
		if err := session.OpenConversation(ctx, conversationID); err != nil {
			g.sendServiceError(w, r, err)
			return
		}
	case with != "":
		if _, err := session.StartChat(ctx, with); err != nil {
			g.sendServiceError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("stream opened", "uid", uid, "conversation_id", session.OpenConversationID())
	g.streamEvents(ctx, w, flusher, events)
	g.logger.Debug("stream closed", "uid", uid)
}

// streamEvents writes queued events and keepalive comments until ctx is done.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan SSEEvent) {
	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := g.writeSSEEvent(w, ev.Event, ev.Data); err != nil {
				g.logger.Debug("stream write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// lookupUser returns the caller's profile, or a bare record when none is stored.
func (g *Gateway) lookupUser(ctx context.Context, uid string) *store.User {
	user, err := g.store.GetProfile(ctx, uid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("profile lookup failed", "uid", uid, "error", err)
		}
		return &store.User{UID: uid}
	}
	return user
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	_, err = io.WriteString(w, formatSSEEvent(event, string(dataJSON)))
	return err
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s", strings.ToLower(verrs[0].Field()))
		}
		return errors.New("invalid request")
	}
	return nil
}

// statusFor maps the messaging error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidOperation),
		errors.Is(err, conversation.ErrDuplicateSend):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrStoreUnavailable),
		errors.Is(err, conversation.ErrNotificationUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the client-facing text for err. Server-side failures are
// not described beyond their class.
func publicMessage(err error) string {
	switch status := statusFor(err); status {
	case http.StatusServiceUnavailable:
		return "service unavailable"
	case http.StatusInternalServerError:
		return "internal server error"
	default:
		return err.Error()
	}
}

// sendServiceError logs and writes err with its mapped status.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	g.sendJSONError(w, status, publicMessage(err))
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
