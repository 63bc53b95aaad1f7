// ABOUTME: SQLite implementation of the Store interfaces using modernc.org/sqlite
// ABOUTME: Conversations, ordered message logs, membership index and profiles with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Backend using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "sqlite")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// Immediate transactions take the write lock up front, which serialises
	// concurrent appends instead of failing them at commit time.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			participant_a   TEXT NOT NULL,
			participant_b   TEXT NOT NULL,
			last_message_id TEXT,
			last_seq        INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,

			CHECK (participant_a < participant_b)
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			uid             TEXT NOT NULL,
			unread          INTEGER NOT NULL DEFAULT 0,
			updated_at      INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, uid)
		);

		CREATE INDEX IF NOT EXISTS idx_members_uid_updated
			ON conversation_members(uid, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			text            TEXT NOT NULL,
			timestamp       INTEGER NOT NULL,
			read            INTEGER NOT NULL DEFAULT 0,

			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread
			ON messages(conversation_id, recipient_id, read);

		CREATE TABLE IF NOT EXISTS profiles (
			uid          TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			photo_url    TEXT NOT NULL DEFAULT '',
			email        TEXT NOT NULL DEFAULT '',
			updated_at   INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// selectConversation joins the last message and both members' unread counters.
const selectConversation = `
	SELECT c.id, c.participant_a, c.participant_b, c.last_seq, c.created_at, c.updated_at,
		COALESCE(ua.unread, 0), COALESCE(ub.unread, 0),
		m.id, m.seq, m.sender_id, m.recipient_id, m.text, m.timestamp, m.read
	FROM conversations c
	LEFT JOIN conversation_members ua ON ua.conversation_id = c.id AND ua.uid = c.participant_a
	LEFT JOIN conversation_members ub ON ub.conversation_id = c.id AND ub.uid = c.participant_b
	LEFT JOIN messages m ON m.id = c.last_message_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                 Conversation
		a, b                 string
		createdAt, updatedAt int64
		unreadA, unreadB     int
		msgID, sender, recip sql.NullString
		text                 sql.NullString
		seq, ts, read        sql.NullInt64
	)
	if err := row.Scan(
		&conv.ID, &a, &b, &conv.LastSeq, &createdAt, &updatedAt,
		&unreadA, &unreadB,
		&msgID, &seq, &sender, &recip, &text, &ts, &read,
	); err != nil {
		return nil, err
	}

	conv.Participants = []string{a, b}
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	conv.Unread = map[string]int{a: unreadA, b: unreadB}
	if msgID.Valid {
		conv.LastMessage = &Message{
			ID:             msgID.String,
			ConversationID: conv.ID,
			Seq:            seq.Int64,
			SenderID:       sender.String,
			RecipientID:    recip.String,
			Text:           text.String,
			Timestamp:      fromNanos(ts.Int64),
			Read:           read.Int64 != 0,
		}
	}
	return &conv, nil
}

func (s *SQLiteStore) getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	conv, err := scanConversation(q.QueryRowContext(ctx, selectConversation+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

// CreateConversationIfAbsent inserts the conversation and its two membership
// rows unless the id already exists. The primary key makes the insert
// atomic; a losing concurrent caller reads back the winner's row.
func (s *SQLiteStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	if len(conv.Participants) != 2 {
		return nil, false, fmt.Errorf("conversation %s must have two participants", conv.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		conv.ID,
		conv.Participants[0],
		conv.Participants[1],
		toNanos(conv.CreatedAt),
		toNanos(conv.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}
	created := rowsAffected == 1

	if created {
		for _, uid := range conv.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_members (conversation_id, uid, unread, updated_at)
				VALUES (?, ?, 0, ?)
			`, conv.ID, uid, toNanos(conv.UpdatedAt)); err != nil {
				return nil, false, fmt.Errorf("inserting member %s: %w", uid, err)
			}
		}
	}

	stored, err := s.getConversation(ctx, tx, conv.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing conversation: %w", err)
	}

	if created {
		s.logger.Debug("created conversation", "id", conv.ID)
	}
	return stored, created, nil
}

// AppendMessage inserts the message and updates the conversation summary,
// membership ordering and unread counter in a single transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := s.getConversation(ctx, tx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	stored := msg.Clone()
	stored.Seq, stored.Timestamp = nextMessageState(conv, msg)
	stored.Read = false
	applyMessage(conv, stored)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, recipient_id, text, timestamp, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`,
		stored.ID,
		stored.ConversationID,
		stored.Seq,
		stored.SenderID,
		stored.RecipientID,
		stored.Text,
		toNanos(stored.Timestamp),
	); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_seq = ?, updated_at = ?
		WHERE id = ?
	`, stored.ID, stored.Seq, toNanos(conv.UpdatedAt), conv.ID); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members
		SET updated_at = ?, unread = unread + CASE WHEN uid = ? THEN 1 ELSE 0 END
		WHERE conversation_id = ?
	`, toNanos(conv.UpdatedAt), stored.RecipientID, conv.ID); err != nil {
		return nil, fmt.Errorf("updating members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "conversation_id", conv.ID, "message_id", stored.ID, "seq", stored.Seq)
	return stored, nil
}

// ListConversationsForUser walks the (uid, updated_at) index, newest first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, uid string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, selectConversation+`
		JOIN conversation_members me ON me.conversation_id = c.id
		WHERE me.uid = ?
		ORDER BY me.updated_at DESC, c.id
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// ListMessages returns the conversation's log in seq order.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender_id, recipient_id, text, timestamp, read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var ts int64
		var read int
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.SenderID,
			&msg.RecipientID,
			&msg.Text,
			&ts,
			&read,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Timestamp = fromNanos(ts)
		msg.Read = read != 0
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkRead flags messages addressed to readerUID as read and clears the
// reader's unread counter.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerUID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying conversation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE conversation_id = ? AND recipient_id = ? AND read = 0
	`, conversationID, readerUID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members SET unread = 0
		WHERE conversation_id = ? AND uid = ?
	`, conversationID, readerUID); err != nil {
		return 0, fmt.Errorf("resetting unread counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read marker: %w", err)
	}
	return int(changed), nil
}

// GetProfile retrieves a profile by uid.
// Returns ErrNotFound if no profile exists.
func (s *SQLiteStore) GetProfile(ctx context.Context, uid string) (*User, error) {
	var u User
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, display_name, photo_url, email, updated_at
		FROM profiles WHERE uid = ?
	`, uid).Scan(&u.UID, &u.DisplayName, &u.PhotoURL, &u.Email, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	u.UpdatedAt = fromNanos(updatedAt)
	return &u, nil
}

// UpsertProfile creates or replaces a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, user *User) error {
	if user.UID == "" {
		return fmt.Errorf("profile uid is required")
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (uid, display_name, photo_url, email, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			display_name = excluded.display_name,
			photo_url = excluded.photo_url,
			email = excluded.email,
			updated_at = excluded.updated_at
	`, user.UID, user.DisplayName, user.PhotoURL, user.Email, toNanos(updatedAt))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile.
// Returns ErrNotFound if no profile exists.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, uid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Timestamps are stored as UTC nanoseconds so ordering survives sub-second writes.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
