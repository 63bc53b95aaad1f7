// ABOUTME: Badger implementation of the Store interfaces for embedded key-value deployments
// ABOUTME: Zero-padded key prefixes keep message logs and membership indexes ordered on disk

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxTxnRetries bounds how often a conflicting read-modify-write is retried.
const maxTxnRetries = 100

const valueLogGCInterval = 5 * time.Minute

// Key layout. NUL separates components because uids are printable ASCII.
//
//	conv:{id}                          -> Conversation (JSON)
//	msg:{id}\x00{seq %019d}            -> Message (JSON)
//	member:{uid}\x00{inverted ns}\x00{id} -> empty, newest first
//	profile:{uid}                      -> User (JSON)
const (
	prefixConversation = "conv:"
	prefixMessage      = "msg:"
	prefixMember       = "member:"
	prefixProfile      = "profile:"
	keySep             = "\x00"
)

func conversationKey(id string) []byte {
	return []byte(prefixConversation + id)
}

func messagePrefix(conversationID string) []byte {
	return []byte(prefixMessage + conversationID + keySep)
}

func messageKey(conversationID string, seq int64) []byte {
	return fmt.Appendf(messagePrefix(conversationID), "%019d", seq)
}

func memberPrefix(uid string) []byte {
	return []byte(prefixMember + uid + keySep)
}

// memberKey inverts the timestamp so a forward prefix scan yields the most
// recently updated conversation first.
func memberKey(uid string, updatedAt time.Time, conversationID string) []byte {
	inverted := math.MaxInt64 - toNanos(updatedAt)
	return fmt.Appendf(memberPrefix(uid), "%019d%s%s", inverted, keySep, conversationID)
}

func profileKey(uid string) []byte {
	return []byte(prefixProfile + uid)
}

// BadgerStore implements Backend on top of an embedded Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBadgerStore opens (or creates) a Badger database at path. An empty path
// or ":memory:" opens an in-memory database.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "badger")

	inMemory := path == "" || path == ":memory:"
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if !inMemory {
		s.wg.Add(1)
		go s.gcLoop()
	}

	logger.Info("Badger store initialized", "path", path, "in_memory", inMemory)
	return s, nil
}

// gcLoop periodically reclaims value log space.
func (s *BadgerStore) gcLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(valueLogGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Info("closing Badger store")
		err = s.db.Close()
	})
	return err
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxTxnRetries {
			return fmt.Errorf("transaction retries exhausted: %w", err)
		}
		s.logger.Debug("retrying conflicting transaction", "attempt", attempt+1)
	}
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func readConversation(txn *badger.Txn, id string) (*Conversation, error) {
	var conv Conversation
	if err := getJSON(txn, conversationKey(id), &conv); err != nil {
		return nil, err
	}
	if conv.Unread == nil {
		conv.Unread = make(map[string]int)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *BadgerStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conv *Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		conv, err = readConversation(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateConversationIfAbsent inserts conv unless its key is taken. Two racing
// inserts conflict at commit; the retry observes the winner.
func (s *BadgerStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	var (
		stored  *Conversation
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := readConversation(txn, conv.ID)
		if err == nil {
			stored, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		c := conv.Clone()
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		if c.Unread == nil {
			c.Unread = make(map[string]int)
		}
		if err := setJSON(txn, conversationKey(c.ID), c); err != nil {
			return err
		}
		for _, uid := range c.Participants {
			if err := txn.Set(memberKey(uid, c.UpdatedAt, c.ID), nil); err != nil {
				return err
			}
		}
		stored, created = c, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Debug("created conversation", "id", conv.ID)
	}
	return stored, created, nil
}

// AppendMessage writes the message, the updated conversation record and the
// moved membership keys in one transaction.
func (s *BadgerStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	var stored *Message
	err := s.update(ctx, func(txn *badger.Txn) error {
		conv, err := readConversation(txn, msg.ConversationID)
		if err != nil {
			return err
		}
		previous := conv.UpdatedAt

		m := msg.Clone()
		m.Seq, m.Timestamp = nextMessageState(conv, msg)
		m.Read = false
		applyMessage(conv, m)

		if err := setJSON(txn, messageKey(m.ConversationID, m.Seq), m); err != nil {
			return err
		}
		if err := setJSON(txn, conversationKey(conv.ID), conv); err != nil {
			return err
		}
		if !conv.UpdatedAt.Equal(previous) {
			for _, uid := range conv.Participants {
				if err := txn.Delete(memberKey(uid, previous, conv.ID)); err != nil {
					return err
				}
				if err := txn.Set(memberKey(uid, conv.UpdatedAt, conv.ID), nil); err != nil {
					return err
				}
			}
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("appended message", "conversation_id", stored.ConversationID, "message_id", stored.ID, "seq", stored.Seq)
	return stored, nil
}

// ListConversationsForUser scans uid's membership keys, newest first.
func (s *BadgerStore) ListConversationsForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conversations []*Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(uid)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key()[len(prefix):])
			_, id, ok := strings.Cut(key, keySep)
			if !ok {
				return fmt.Errorf("malformed member key %q", it.Item().Key())
			}
			conv, err := readConversation(txn, id)
			if err != nil {
				return fmt.Errorf("reading conversation %s: %w", id, err)
			}
			conversations = append(conversations, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

// ListMessages returns the conversation's log in seq order.
func (s *BadgerStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := []*Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(conversationKey(conversationID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		prefix := messagePrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead flags messages addressed to readerUID as read and clears the
// reader's unread counter. Ordering keys are untouched.
func (s *BadgerStore) MarkRead(ctx context.Context, conversationID, readerUID string) (int, error) {
	var changed int
	err := s.update(ctx, func(txn *badger.Txn) error {
		changed = 0
		conv, err := readConversation(txn, conversationID)
		if err != nil {
			return err
		}

		prefix := messagePrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var updates []*Message
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decoding message: %w", err)
			}
			if msg.RecipientID == readerUID && !msg.Read {
				msg.Read = true
				updates = append(updates, &msg)
			}
		}
		it.Close()

		for _, msg := range updates {
			if err := setJSON(txn, messageKey(conversationID, msg.Seq), msg); err != nil {
				return err
			}
		}

		if last := conv.LastMessage; last != nil && last.RecipientID == readerUID {
			last.Read = true
		}
		if len(updates) == 0 && conv.Unread[readerUID] == 0 {
			return nil
		}
		conv.Unread[readerUID] = 0
		changed = len(updates)
		return setJSON(txn, conversationKey(conversationID), conv)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// GetProfile retrieves a profile by uid.
func (s *BadgerStore) GetProfile(ctx context.Context, uid string) (*User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, profileKey(uid), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertProfile creates or replaces a profile.
func (s *BadgerStore) UpsertProfile(ctx context.Context, user *User) error {
	if user.UID == "" {
		return fmt.Errorf("profile uid is required")
	}
	u := *user
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, profileKey(u.UID), &u)
	})
}

// DeleteProfile removes a profile.
func (s *BadgerStore) DeleteProfile(ctx context.Context, uid string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(profileKey(uid)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(profileKey(uid))
	})
}

// badgerLogger routes Badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
