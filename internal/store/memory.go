// ABOUTME: In-memory Store implementation for tests and demo deployments
// ABOUTME: Per-conversation locking plus an incrementally ordered per-user index

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memConversation holds one conversation and its log. mu guards both and
// serialises appends to this conversation only.
type memConversation struct {
	mu       sync.Mutex
	conv     *Conversation
	messages []*Message
}

// MemoryStore is an in-memory Backend. Operations on different
// conversations never wait on each other except for the brief per-user
// index update.
//
// Lock order: mu -> memConversation.mu -> indexMu.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation

	indexMu sync.RWMutex
	byUser  map[string][]*Conversation // ordered UpdatedAt desc, copies

	profilesMu sync.RWMutex
	profiles   map[string]*User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*memConversation),
		byUser:        make(map[string][]*Conversation),
		profiles:      make(map[string]*User),
	}
}

func (m *MemoryStore) entry(id string) (*memConversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conversations[id]
	return e, ok
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

// CreateConversationIfAbsent inserts conv unless its id is already taken.
func (m *MemoryStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conversations[conv.ID]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.conv.Clone(), false, nil
	}

	stored := conv.Clone()
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	if stored.Unread == nil {
		stored.Unread = make(map[string]int)
	}
	m.conversations[stored.ID] = &memConversation{conv: stored}
	m.reindex(stored)

	return stored.Clone(), true, nil
}

// AppendMessage appends msg and applies it to its conversation atomically.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := m.entry(msg.ConversationID)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stored := msg.Clone()
	stored.Seq, stored.Timestamp = nextMessageState(e.conv, msg)
	stored.Read = false

	e.messages = append(e.messages, stored)
	applyMessage(e.conv, stored)
	m.reindex(e.conv)

	return stored.Clone(), nil
}

// reindex moves conv to its ordered position in every participant's list.
// Callers hold the lock that protects conv.
func (m *MemoryStore) reindex(conv *Conversation) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	for _, uid := range conv.Participants {
		list := m.byUser[uid]
		for i, c := range list {
			if c.ID == conv.ID {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		// Newest first; a just-updated conversation goes ahead of equal timestamps.
		pos := len(list)
		for i, c := range list {
			if !conv.UpdatedAt.Before(c.UpdatedAt) {
				pos = i
				break
			}
		}
		list = append(list, nil)
		copy(list[pos+1:], list[pos:])
		list[pos] = conv.Clone()
		m.byUser[uid] = list
	}
}

// ListConversationsForUser returns uid's conversations newest first.
func (m *MemoryStore) ListConversationsForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()

	list := m.byUser[uid]
	result := make([]*Conversation, len(list))
	for i, c := range list {
		result[i] = c.Clone()
	}
	return result, nil
}

// ListMessages returns copies of a conversation's log in Seq order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := m.entry(conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]*Message, len(e.messages))
	for i, msg := range e.messages {
		result[i] = msg.Clone()
	}
	return result, nil
}

// MarkRead flags messages addressed to readerUID as read.
func (m *MemoryStore) MarkRead(ctx context.Context, conversationID, readerUID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, ok := m.entry(conversationID)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := 0
	for _, msg := range e.messages {
		if msg.RecipientID == readerUID && !msg.Read {
			msg.Read = true
			changed++
		}
	}
	if last := e.conv.LastMessage; last != nil && last.RecipientID == readerUID {
		last.Read = true
	}
	if e.conv.Unread[readerUID] == 0 && changed == 0 {
		return 0, nil
	}
	e.conv.Unread[readerUID] = 0
	m.reindex(e.conv)
	return changed, nil
}

// GetProfile retrieves a profile by uid.
func (m *MemoryStore) GetProfile(ctx context.Context, uid string) (*User, error) {
	m.profilesMu.RLock()
	defer m.profilesMu.RUnlock()

	u, ok := m.profiles[uid]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// UpsertProfile creates or replaces a profile.
func (m *MemoryStore) UpsertProfile(ctx context.Context, user *User) error {
	if user.UID == "" {
		return fmt.Errorf("profile uid is required")
	}
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()

	u := *user
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	m.profiles[u.UID] = &u
	return nil
}

// DeleteProfile removes a profile. Deleting a missing profile is ErrNotFound.
func (m *MemoryStore) DeleteProfile(ctx context.Context, uid string) error {
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()

	if _, ok := m.profiles[uid]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, uid)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
