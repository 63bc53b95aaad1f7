// ABOUTME: Session is the client-facing coordinator for one signed-in user
// ABOUTME: Owns the list and chat subscriptions and reconciles optimistic sends with confirmed snapshots

package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/campusfind/campusfind-messenger/internal/conversation"
	"github.com/campusfind/campusfind-messenger/internal/store"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoConversationOpen is returned by Send when no chat is open.
	ErrNoConversationOpen = fmt.Errorf("%w: no conversation open", conversation.ErrInvalidOperation)
)

// Messaging is the subset of conversation.Service a session drives.
type Messaging interface {
	GetOrCreateConversation(ctx context.Context, actor, other string) (*conversation.ConversationView, error)
	GetConversation(ctx context.Context, actor, conversationID string) (*conversation.ConversationView, error)
	SendMessage(ctx context.Context, req conversation.SendRequest) (*store.Message, error)
	MarkRead(ctx context.Context, actor, conversationID string) (int, error)
	SubscribeConversations(ctx context.Context, actor string, handler conversation.Handler[[]conversation.ConversationView]) (*conversation.Subscription, error)
	SubscribeMessages(ctx context.Context, actor, conversationID string, handler conversation.Handler[[]*store.Message]) (*conversation.Subscription, error)
}

// ListState tracks the conversation-list subscription.
type ListState int

const (
	ListIdle ListState = iota
	ListLoading
	ListReady
	ListFailed
	ListClosed
)

func (s ListState) String() string {
	switch s {
	case ListIdle:
		return "idle"
	case ListLoading:
		return "loading"
	case ListReady:
		return "ready"
	case ListFailed:
		return "failed"
	case ListClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChatState tracks the open conversation, independently of ListState.
type ChatState int

const (
	NoConversationOpen ChatState = iota
	MessagesLoading
	MessagesReady
)

func (s ChatState) String() string {
	switch s {
	case NoConversationOpen:
		return "none"
	case MessagesLoading:
		return "loading"
	case MessagesReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Entry is one row of the open conversation as the user should see it.
// Pending entries are local sends not yet confirmed by a snapshot; their ID
// is the local id.
type Entry struct {
	*store.Message

	Pending bool   `json:"pending,omitempty"`
	LocalID string `json:"localId,omitempty"`
}

// SendError is returned when a send fails. Draft holds the text so the
// caller can put it back in the input box.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string {
	return "send failed: " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Listener receives state changes. Callbacks run one at a time on the
// session's dispatch goroutine, in the order the changes happened, and may
// call back into the session.
type Listener struct {
	OnConversations func(views []conversation.ConversationView)
	OnMessages      func(conversationID string, entries []Entry)
	OnError         func(err error)
}

// Option configures a Session.
type Option func(*Session)

// WithInitialConversation opens conversationID automatically as soon as it
// shows up in the user's conversation list.
func WithInitialConversation(conversationID string) Option {
	return func(s *Session) {
		s.initialID = conversationID
	}
}

// WithListener registers callbacks for state changes.
func WithListener(l Listener) Option {
	return func(s *Session) {
		s.listener = l
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type pendingSend struct {
	localID   string
	messageID string // set once the store accepted it
	text      string
	createdAt time.Time
}

// Session coordinates one user's view of their conversations. The zero
// value is not usable; create sessions with New.
type Session struct {
	svc    Messaging
	user   *store.User
	logger *slog.Logger

	initialID string
	listener  Listener

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	closed        bool
	listState     ListState
	chatState     ChatState
	conversations []conversation.ConversationView
	listSub       *conversation.Subscription
	initialDone   bool
	lastErr       error

	openID   string
	openGen  uint64
	msgSub   *conversation.Subscription
	messages []*store.Message
	pending  []*pendingSend

	events    []func()
	eventWake chan struct{}
	done      chan struct{}
}

// New creates a session for user. A nil user yields a session whose
// operations fail with conversation.ErrUnauthenticated.
func New(svc Messaging, user *store.User, opts ...Option) *Session {
	s := &Session{
		svc:       svc,
		user:      user,
		logger:    slog.Default(),
		eventWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	uid := ""
	if user != nil {
		uid = user.UID
	}
	s.logger = s.logger.With("component", "messenger", "uid", uid)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.dispatch()
	return s
}

func (s *Session) uid() (string, error) {
	if s.user == nil || s.user.UID == "" {
		return "", conversation.ErrUnauthenticated
	}
	return s.user.UID, nil
}

// Start subscribes to the user's conversation list. The first snapshot
// moves the session from ListLoading to ListReady. Calling Start again is a
// no-op.
func (s *Session) Start(ctx context.Context) error {
	uid, err := s.uid()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.listState == ListLoading || s.listState == ListReady {
		s.mu.Unlock()
		return nil
	}
	s.listState = ListLoading
	s.mu.Unlock()

	sub, err := s.svc.SubscribeConversations(s.ctx, uid, s.onConversations)
	if err != nil {
		s.mu.Lock()
		s.listState = ListFailed
		s.lastErr = err
		s.enqueueError(err)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Cancel()
		return ErrSessionClosed
	}
	s.listSub = sub
	s.logger.Debug("conversation list subscribed")
	return nil
}

func (s *Session) onConversations(views []conversation.ConversationView, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.lastErr = err
		if s.listState == ListLoading {
			s.listState = ListFailed
		}
		s.enqueueError(err)
		s.mu.Unlock()
		return
	}

	s.conversations = views
	s.listState = ListReady
	s.enqueueConversations()

	var autoOpen *conversation.ConversationView
	if s.initialID != "" && !s.initialDone && s.openID == "" {
		if v, ok := lo.Find(views, func(v conversation.ConversationView) bool {
			return v.ID == s.initialID
		}); ok {
			s.initialDone = true
			autoOpen = &v
		}
	}
	s.mu.Unlock()

	if autoOpen != nil {
		if err := s.openView(s.ctx, autoOpen); err != nil {
			s.logger.Warn("failed to open initial conversation", "conversation_id", autoOpen.ID, "error", err)
		}
	}
}

// StartChat opens the conversation with other, creating it on first contact.
func (s *Session) StartChat(ctx context.Context, other string) (*conversation.ConversationView, error) {
	uid, err := s.uid()
	if err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	view, err := s.svc.GetOrCreateConversation(ctx, uid, other)
	if err != nil {
		return nil, err
	}
	if err := s.openView(ctx, view); err != nil {
		return nil, err
	}
	return view, nil
}

// OpenConversation opens an existing conversation by id.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	uid, err := s.uid()
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	view, err := s.svc.GetConversation(ctx, uid, conversationID)
	if err != nil {
		return err
	}
	return s.openView(ctx, view)
}

func (s *Session) openView(ctx context.Context, view *conversation.ConversationView) error {
	uid, _ := s.uid()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.openID == view.ID {
		s.mu.Unlock()
		return nil
	}
	previous := s.resetChatLocked()
	s.openID = view.ID
	s.chatState = MessagesLoading
	gen := s.openGen
	s.mu.Unlock()

	previous.Cancel()

	sub, err := s.svc.SubscribeMessages(s.ctx, uid, view.ID, s.messageHandler(view.ID, gen))
	if err != nil {
		s.mu.Lock()
		if s.openGen == gen {
			s.resetChatLocked()
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed || s.openGen != gen {
		s.mu.Unlock()
		sub.Cancel()
		return nil
	}
	s.msgSub = sub
	s.mu.Unlock()

	s.logger.Debug("conversation opened", "conversation_id", view.ID)
	s.markRead(ctx, view.ID)
	return nil
}

// resetChatLocked clears the open conversation and returns its
// subscription for the caller to cancel outside the lock.
func (s *Session) resetChatLocked() *conversation.Subscription {
	sub := s.msgSub
	s.msgSub = nil
	s.openID = ""
	s.openGen++
	s.chatState = NoConversationOpen
	s.messages = nil
	s.pending = nil
	return sub
}

func (s *Session) messageHandler(conversationID string, gen uint64) conversation.Handler[[]*store.Message] {
	return func(messages []*store.Message, err error) {
		uid, _ := s.uid()

		s.mu.Lock()
		if s.closed || s.openGen != gen {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.lastErr = err
			s.enqueueError(err)
			s.mu.Unlock()
			return
		}

		s.messages = messages
		s.chatState = MessagesReady
		confirmed := lo.SliceToMap(messages, func(m *store.Message) (string, struct{}) {
			return m.ID, struct{}{}
		})
		s.pending = lo.Reject(s.pending, func(p *pendingSend, _ int) bool {
			_, ok := confirmed[p.messageID]
			return ok
		})
		s.enqueueMessages()

		unread := lo.ContainsBy(messages, func(m *store.Message) bool {
			return m.RecipientID == uid && !m.Read
		})
		s.mu.Unlock()

		if unread {
			s.markRead(s.ctx, conversationID)
		}
	}
}

func (s *Session) markRead(ctx context.Context, conversationID string) {
	uid, _ := s.uid()
	if _, err := s.svc.MarkRead(ctx, uid, conversationID); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to mark conversation read", "conversation_id", conversationID, "error", err)
	}
}

// Send appends text to the open conversation. A pending entry is visible
// through Messages until the message shows up in a snapshot. On failure the
// pending entry is dropped and a *SendError carrying the draft is returned.
func (s *Session) Send(ctx context.Context, text string) (*store.Message, error) {
	uid, err := s.uid()
	if err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SendError{Draft: text, Err: ErrSessionClosed}
	}
	conversationID := s.openID
	if conversationID == "" {
		s.mu.Unlock()
		return nil, &SendError{Draft: text, Err: ErrNoConversationOpen}
	}
	p := &pendingSend{
		localID:   uuid.New().String(),
		text:      strings.TrimSpace(text),
		createdAt: time.Now().UTC(),
	}
	if p.text != "" {
		s.pending = append(s.pending, p)
		s.enqueueMessages()
	}
	s.mu.Unlock()

	msg, err := s.svc.SendMessage(ctx, conversation.SendRequest{
		ConversationID:  conversationID,
		SenderID:        uid,
		Text:            text,
		ClientMessageID: p.localID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.Index(s.pending, p)
	if err != nil {
		if idx >= 0 {
			s.pending = slices.Delete(s.pending, idx, idx+1)
			s.enqueueMessages()
		}
		s.logger.Debug("send failed", "conversation_id", conversationID, "error", err)
		return nil, &SendError{Draft: text, Err: err}
	}

	if idx >= 0 {
		if lo.ContainsBy(s.messages, func(m *store.Message) bool { return m.ID == msg.ID }) {
			s.pending = slices.Delete(s.pending, idx, idx+1)
			s.enqueueMessages()
		} else {
			p.messageID = msg.ID
		}
	}
	return msg, nil
}

// CloseConversation cancels the message subscription. The list stays live.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	if s.openID == "" {
		s.mu.Unlock()
		return
	}
	sub := s.resetChatLocked()
	s.mu.Unlock()

	sub.Cancel()
}

// Close cancels every subscription and stops callbacks. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listSub := s.listSub
	s.listSub = nil
	msgSub := s.resetChatLocked()
	s.listState = ListClosed
	s.events = nil
	s.mu.Unlock()

	listSub.Cancel()
	msgSub.Cancel()
	s.cancel()
	close(s.done)
	s.logger.Debug("session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ListState returns the conversation-list state.
func (s *Session) ListState() ListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listState
}

// ChatState returns the open-conversation state.
func (s *Session) ChatState() ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatState
}

// OpenConversationID returns the open conversation, or "".
func (s *Session) OpenConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Conversations returns the latest conversation list snapshot.
func (s *Session) Conversations() []conversation.ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// Messages returns the open conversation: confirmed messages in order
// followed by pending local sends.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked()
}

// Err returns the most recent subscription error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) entriesLocked() []Entry {
	entries := lo.Map(s.messages, func(m *store.Message, _ int) Entry {
		return Entry{Message: m}
	})
	if len(s.pending) == 0 {
		return entries
	}

	uid, _ := s.uid()
	recipient := ""
	if pair, err := conversation.ParticipantsOf(s.openID); err == nil {
		recipient = lo.Ternary(pair[0] == uid, pair[1], pair[0])
	}
	for _, p := range s.pending {
		entries = append(entries, Entry{
			Message: &store.Message{
				ID:             p.localID,
				ConversationID: s.openID,
				SenderID:       uid,
				RecipientID:    recipient,
				Text:           p.text,
				Timestamp:      p.createdAt,
			},
			Pending: true,
			LocalID: p.localID,
		})
	}
	return entries
}

// Event dispatch. Events are queued under mu so callbacks observe changes
// in order, then run on a single goroutine outside the lock.

func (s *Session) enqueueConversations() {
	if s.listener.OnConversations == nil {
		return
	}
	views := slices.Clone(s.conversations)
	s.enqueue(func() { s.listener.OnConversations(views) })
}

func (s *Session) enqueueMessages() {
	if s.listener.OnMessages == nil {
		return
	}
	id := s.openID
	entries := s.entriesLocked()
	s.enqueue(func() { s.listener.OnMessages(id, entries) })
}

func (s *Session) enqueueError(err error) {
	if s.listener.OnError == nil {
		return
	}
	s.enqueue(func() { s.listener.OnError(err) })
}

func (s *Session) enqueue(fn func()) {
	s.events = append(s.events, fn)
	select {
	case s.eventWake <- struct{}{}:
	default:
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.eventWake:
		}

		s.mu.Lock()
		batch := s.events
		s.events = nil
		s.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.runCallback(fn)
		}
	}
}

func (s *Session) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}
