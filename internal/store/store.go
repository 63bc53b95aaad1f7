// ABOUTME: Store interfaces and record types for messenger persistence
// ABOUTME: Defines Conversation, Message, User and the capability set every backend implements

package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// User is a profile record owned by the profile store. The messaging core
// only reads it to enrich conversation views.
type User struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	Email       string    `json:"email,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one immutable entry of a conversation's log.
// Seq is assigned by the store and is strictly increasing per conversation;
// Timestamp is non-decreasing in Seq order.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
}

// Clone returns a copy of the message, or nil for a nil receiver.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Conversation is the record for a two-party thread. Participants is always
// sorted so that Participants[0] + "_" + Participants[1] == ID.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	LastMessage  *Message       `json:"lastMessage,omitempty"`
	LastSeq      int64          `json:"lastSeq"`
	Unread       map[string]int `json:"unread,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.LastMessage = c.LastMessage.Clone()
	if c.Unread != nil {
		out.Unread = maps.Clone(c.Unread)
	}
	return &out
}

// HasParticipant reports whether uid is one of the two participants.
func (c *Conversation) HasParticipant(uid string) bool {
	return slices.Contains(c.Participants, uid)
}

// OtherParticipant returns the participant that is not uid, or "" when uid
// does not take part in the conversation.
func (c *Conversation) OtherParticipant(uid string) string {
	if !c.HasParticipant(uid) {
		return ""
	}
	for _, p := range c.Participants {
		if p != uid {
			return p
		}
	}
	return ""
}

// UnreadFor returns the unread counter of uid.
func (c *Conversation) UnreadFor(uid string) int {
	return c.Unread[uid]
}

// Store is the persistence capability set the messaging core depends on:
// get, set-if-absent, ordered append and query-by-membership.
type Store interface {
	// GetConversation returns ErrNotFound when no conversation has the id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// CreateConversationIfAbsent inserts conv unless a conversation with the
	// same id exists. It returns the stored record and whether this call
	// created it. Safe under concurrent calls for the same id.
	CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (*Conversation, bool, error)

	// AppendMessage stores msg at the tail of its conversation and applies it
	// as the conversation's last message in one atomic step. The store
	// assigns Seq, clamps Timestamp so it never goes backwards and bumps the
	// recipient's unread counter. Returns ErrNotFound for an unknown
	// conversation.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// ListConversationsForUser returns uid's conversations, most recently
	// updated first.
	ListConversationsForUser(ctx context.Context, uid string) ([]*Conversation, error)

	// ListMessages returns the full log of a conversation in Seq order.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// MarkRead flags every message addressed to readerUID as read, resets
	// the reader's unread counter and returns how many messages changed.
	MarkRead(ctx context.Context, conversationID, readerUID string) (int, error)

	// Close releases any resources held by the store
	Close() error
}

// ProfileStore is the external user-profile collaborator.
type ProfileStore interface {
	GetProfile(ctx context.Context, uid string) (*User, error)
	UpsertProfile(ctx context.Context, user *User) error
	DeleteProfile(ctx context.Context, uid string) error
}

// Backend is implemented by every store in this package.
type Backend interface {
	Store
	ProfileStore
}

// nextMessageState computes the seq and clamped timestamp for a message
// appended after last.
func nextMessageState(conv *Conversation, msg *Message) (int64, time.Time) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	if conv.LastMessage != nil && ts.Before(conv.LastMessage.Timestamp) {
		ts = conv.LastMessage.Timestamp
	}
	return conv.LastSeq + 1, ts
}

// applyMessage mutates conv to reflect stored as its newest message.
func applyMessage(conv *Conversation, stored *Message) {
	conv.LastMessage = stored.Clone()
	conv.LastSeq = stored.Seq
	if stored.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = stored.Timestamp
	}
	if conv.Unread == nil {
		conv.Unread = make(map[string]int)
	}
	conv.Unread[stored.RecipientID]++
}
