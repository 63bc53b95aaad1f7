// ABOUTME: Service is the messaging core facade: get-or-create, send, read markers and live feeds
// ABOUTME: Every mutation is persisted first and only then published to subscribers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/campusfind/campusfind-messenger/internal/dedupe"
	"github.com/campusfind/campusfind-messenger/internal/store"
)

// Defaults applied by New for zero-valued Options.
const (
	DefaultStoreTimeout     = 5 * time.Second
	DefaultMaxMessageLength = 2000
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxEntries = 10000
)

// Options tunes the service.
type Options struct {
	// StoreTimeout bounds every store call and snapshot load.
	StoreTimeout time.Duration
	// MaxMessageLength is the maximum message length in runes.
	MaxMessageLength int
	// DedupeTTL is how long a client message id is remembered.
	DedupeTTL time.Duration
	// DedupeMaxEntries caps the number of remembered client message ids.
	DedupeMaxEntries int

	Logger *slog.Logger
}

// ConversationView is a conversation as seen by one participant, enriched
// with the other participant's profile. It is computed per delivery and
// never stored.
type ConversationView struct {
	*store.Conversation

	OtherUser   *store.User `json:"otherUser"`
	UnreadCount int         `json:"unreadCount"`
}

// SendRequest describes one outgoing message.
type SendRequest struct {
	// ConversationID may be empty when RecipientID is set; the conversation
	// is then resolved (and created if needed) from the pair.
	ConversationID string
	SenderID       string
	RecipientID    string
	Text           string `validate:"required"`

	// ClientMessageID makes the send idempotent for DedupeTTL.
	ClientMessageID string `validate:"omitempty,max=128"`
}

// Service implements the messaging operations on top of a Store. It owns the
// two snapshot brokers so every write path publishes consistently.
type Service struct {
	store    store.Store
	profiles store.ProfileStore
	logger   *slog.Logger

	storeTimeout     time.Duration
	maxMessageLength int

	conversations *Broker[[]ConversationView]
	messages      *Broker[[]*store.Message]
	sent          *dedupe.Cache[*store.Message]
}

// New creates a Service. profiles may be nil, in which case views carry only
// the other participant's uid.
func New(st store.Store, profiles store.ProfileStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.DedupeMaxEntries <= 0 {
		opts.DedupeMaxEntries = DefaultDedupeMaxEntries
	}

	s := &Service{
		store:            st,
		profiles:         profiles,
		logger:           logger.With("component", "conversation"),
		storeTimeout:     opts.StoreTimeout,
		maxMessageLength: opts.MaxMessageLength,
		sent:             dedupe.New[*store.Message](opts.DedupeTTL, opts.DedupeMaxEntries),
	}
	s.conversations = NewBroker("conversations", s.loadConversationViews, opts.StoreTimeout, logger)
	s.messages = NewBroker("messages", s.loadMessages, opts.StoreTimeout, logger)
	return s
}

// Close shuts down both brokers and the dedupe cache. The store is owned by
// the caller and left open.
func (s *Service) Close() {
	s.conversations.Close()
	s.messages.Close()
	s.sent.Close()
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func requireActor(actor string) error {
	if actor == "" {
		return ErrUnauthenticated
	}
	return ValidateUID(actor)
}

// GetOrCreateConversation returns the conversation between actor and other,
// creating it on first contact. Concurrent first contacts from either side
// resolve to the same record.
func (s *Service) GetOrCreateConversation(ctx context.Context, actor, other string) (*ConversationView, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(other) == "" {
		return nil, fmt.Errorf("%w: other participant is required", ErrInvalidOperation)
	}
	id, err := DeriveID(actor, other)
	if err != nil {
		return nil, err
	}

	conv, err := s.getOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, conv, actor), nil
}

func (s *Service) getOrCreate(ctx context.Context, id string) (*store.Conversation, error) {
	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(sctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError("get conversation", err)
	}

	pair, err := ParticipantsOf(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	conv, created, err := s.store.CreateConversationIfAbsent(sctx, &store.Conversation{
		ID:           id,
		Participants: pair[:],
		Unread:       map[string]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, storeError("create conversation", err)
	}

	if created {
		s.logger.Info("conversation created", "conversation_id", id)
		s.conversations.Publish(conv.Participants...)
	}
	return conv, nil
}

// GetConversation returns one conversation the actor takes part in.
func (s *Service) GetConversation(ctx context.Context, actor, conversationID string) (*ConversationView, error) {
	conv, err := s.authorize(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, conv, actor), nil
}

// authorize loads the conversation and checks that actor is a participant.
func (s *Service) authorize(ctx context.Context, actor, conversationID string) (*store.Conversation, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	pair, err := ParticipantsOf(conversationID)
	if err != nil {
		return nil, err
	}
	if pair[0] != actor && pair[1] != actor {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, actor, conversationID)
	}

	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(sctx, conversationID)
	if err != nil {
		return nil, storeError("get conversation", err)
	}
	return conv, nil
}

// ListConversations returns the actor's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, actor string) ([]ConversationView, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.loadConversationViews(ctx, actor)
}

// ListMessages returns the full ordered log of a conversation.
func (s *Service) ListMessages(ctx context.Context, actor, conversationID string) ([]*store.Message, error) {
	if _, err := s.authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, conversationID)
}

// SendMessage validates and appends one message, then publishes the new log
// to the conversation's subscribers and the new summary to both
// participants' list subscribers. A failed append leaves no partial state
// and is not retried here.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := requireActor(req.SenderID); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(req.Text)
	req.Text = text
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	if n := len([]rune(text)); n > s.maxMessageLength {
		return nil, fmt.Errorf("%w: message is %d characters, limit is %d", ErrValidation, n, s.maxMessageLength)
	}

	conv, err := s.resolveForSend(ctx, req)
	if err != nil {
		return nil, err
	}
	recipient := conv.OtherParticipant(req.SenderID)
	if req.RecipientID != "" && req.RecipientID != recipient {
		return nil, fmt.Errorf("%w: %s is not the other participant of %s", ErrInvalidOperation, req.RecipientID, conv.ID)
	}

	var dedupeKey string
	if req.ClientMessageID != "" {
		dedupeKey = conv.ID + ":" + req.SenderID + ":" + req.ClientMessageID
		prev, status := s.sent.Reserve(dedupeKey)
		switch status {
		case dedupe.StatusDone:
			s.logger.Debug("duplicate send returned original",
				"conversation_id", conv.ID,
				"client_message_id", req.ClientMessageID,
				"message_id", prev.ID)
			return prev.Clone(), nil
		case dedupe.StatusPending:
			return nil, fmt.Errorf("client message %s: %w", req.ClientMessageID, ErrDuplicateSend)
		}
	}

	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored, err := s.store.AppendMessage(sctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		RecipientID:    recipient,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		if dedupeKey != "" {
			s.sent.Release(dedupeKey)
		}
		return nil, storeError("append message", err)
	}
	if dedupeKey != "" {
		s.sent.Complete(dedupeKey, stored.Clone())
	}

	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"seq", stored.Seq,
		"sender", req.SenderID)

	s.messages.Publish(conv.ID)
	s.conversations.Publish(conv.Participants...)

	return stored, nil
}

func (s *Service) resolveForSend(ctx context.Context, req SendRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		return s.authorize(ctx, req.SenderID, req.ConversationID)
	}
	if req.RecipientID == "" {
		return nil, fmt.Errorf("%w: conversation or recipient is required", ErrInvalidOperation)
	}
	id, err := DeriveID(req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}
	return s.getOrCreate(ctx, id)
}

// MarkRead flags every message addressed to actor in the conversation as
// read and clears actor's unread counter. Ordering is unaffected.
func (s *Service) MarkRead(ctx context.Context, actor, conversationID string) (int, error) {
	conv, err := s.authorize(ctx, actor, conversationID)
	if err != nil {
		return 0, err
	}

	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	changed, err := s.store.MarkRead(sctx, conversationID, actor)
	if err != nil {
		return 0, storeError("mark read", err)
	}
	if changed > 0 {
		s.messages.Publish(conversationID)
		s.conversations.Publish(conv.Participants...)
	}
	return changed, nil
}

// SubscribeConversations delivers actor's full conversation list now and on
// every change to any conversation actor takes part in.
func (s *Service) SubscribeConversations(ctx context.Context, actor string, handler Handler[[]ConversationView]) (*Subscription, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.conversations.Subscribe(ctx, actor, handler)
}

// SubscribeMessages delivers the conversation's full message log now and on
// every append or read marker.
func (s *Service) SubscribeMessages(ctx context.Context, actor, conversationID string, handler Handler[[]*store.Message]) (*Subscription, error) {
	if _, err := s.authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.messages.Subscribe(ctx, conversationID, handler)
}

func (s *Service) loadConversationViews(ctx context.Context, uid string) ([]ConversationView, error) {
	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	convs, err := s.store.ListConversationsForUser(sctx, uid)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	return lo.Map(convs, func(c *store.Conversation, _ int) ConversationView {
		return *s.view(ctx, c, uid)
	}), nil
}

func (s *Service) loadMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	messages, err := s.store.ListMessages(sctx, conversationID)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return messages, nil
}

// view enriches conv for viewer. A missing or failing profile lookup falls
// back to a bare uid.
func (s *Service) view(ctx context.Context, conv *store.Conversation, viewer string) *ConversationView {
	other := conv.OtherParticipant(viewer)
	v := &ConversationView{
		Conversation: conv,
		OtherUser:    &store.User{UID: other},
		UnreadCount:  conv.UnreadFor(viewer),
	}
	if s.profiles == nil || other == "" {
		return v
	}

	sctx, cancel := s.withTimeout(ctx)
	defer cancel()

	profile, err := s.profiles.GetProfile(sctx, other)
	switch {
	case err == nil:
		v.OtherUser = profile
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Warn("profile lookup failed", "uid", other, "error", err)
	}
	return v
}
