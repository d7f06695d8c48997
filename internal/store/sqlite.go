package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// messageNamespace derives stable ids for messages submitted without one,
// so re-applying the same history yields the same rows.
var messageNamespace = uuid.MustParse("6f1c1d2e-5b0a-4c84-9d53-2f4f3a8f0e11")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys are enforced per connection.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, locks: newKeyedMutex(), now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (conversation_id, position)
	);

	CREATE TABLE IF NOT EXISTS parts (
		conversation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (conversation_id, position, ordinal),
		FOREIGN KEY (conversation_id, position) REFERENCES messages(conversation_id, position) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertConversation creates or fully replaces a conversation in one
// transaction. Concurrent writes to the same conversation are serialised;
// a failed or cancelled write leaves the previous state untouched.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, ownerID, conversationID, title string, messages []domain.Message) (bool, error) {
	if ownerID == "" || conversationID == "" {
		return false, errors.New("owner and conversation id are required")
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return false, fmt.Errorf("message %d: %w", i, err)
		}
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var created bool
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, "upsert_conversation", func() error {
		var err error
		created, err = s.upsertConversationTx(ctx, ownerID, conversationID, title, messages)
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *SQLiteStore) upsertConversationTx(ctx context.Context, ownerID, conversationID, title string, messages []domain.Message) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back conversation upsert", "chat_id", conversationID, "error", rbErr)
			}
		}
	}()

	now := s.now().UnixNano()

	var existingOwner string
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM conversations WHERE id = ?`, conversationID).Scan(&existingOwner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			conversationID, ownerID, title, now, now,
		); err != nil {
			return false, fmt.Errorf("insert conversation: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("lookup conversation: %w", err)
	case existingOwner != ownerID:
		err = ErrOwnershipConflict
		return false, err
	default:
		if _, err = tx.ExecContext(ctx,
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			title, now, conversationID,
		); err != nil {
			return false, fmt.Errorf("update conversation: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM parts WHERE conversation_id = ?`,
			conversationID,
		); err != nil {
			return false, fmt.Errorf("delete parts: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return false, fmt.Errorf("delete messages: %w", err)
		}
	}

	if err = insertMessages(ctx, tx, conversationID, messages); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return created, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, conversationID string, messages []domain.Message) error {
	msgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (conversation_id, position, id, role) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() { _ = msgStmt.Close() }()

	partStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO parts (conversation_id, position, ordinal, kind, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare part insert: %w", err)
	}
	defer func() { _ = partStmt.Close() }()

	for pos, m := range messages {
		id := m.ID
		if id == "" {
			id = uuid.NewSHA1(messageNamespace, []byte(conversationID+"/"+strconv.Itoa(pos))).String()
		}
		if _, err := msgStmt.ExecContext(ctx, conversationID, pos, id, string(m.Role)); err != nil {
			return fmt.Errorf("insert message %d: %w", pos, err)
		}
		for ord, p := range m.Parts {
			payload, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode part %d of message %d: %w", ord, pos, err)
			}
			if _, err := partStmt.ExecContext(ctx, conversationID, pos, ord, string(p.Type), string(payload)); err != nil {
				return fmt.Errorf("insert part %d of message %d: %w", ord, pos, err)
			}
		}
	}
	return nil
}

// GetConversation returns an owned conversation with ordered messages.
func (s *SQLiteStore) GetConversation(ctx context.Context, ownerID, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID, ownerID,
	).Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(0, createdAt)
	conv.UpdatedAt = time.Unix(0, updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.role, m.position, p.payload
		FROM messages m
		LEFT JOIN parts p ON p.conversation_id = m.conversation_id AND p.position = m.position
		WHERE m.conversation_id = ?
		ORDER BY m.position, p.ordinal`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	conv.Messages = []domain.Message{}
	for rows.Next() {
		var (
			id, role string
			position int
			payload  sql.NullString
		)
		if err := rows.Scan(&id, &role, &position, &payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		n := len(conv.Messages)
		if n == 0 || conv.Messages[n-1].Position != position {
			conv.Messages = append(conv.Messages, domain.Message{
				ID:       id,
				Role:     domain.Role(role),
				Parts:    []domain.Part{},
				Position: position,
			})
			n++
		}
		if !payload.Valid {
			continue
		}
		var part domain.Part
		if err := json.Unmarshal([]byte(payload.String), &part); err != nil {
			return nil, fmt.Errorf("decode part of message %d: %w", position, err)
		}
		conv.Messages[n-1].Parts = append(conv.Messages[n-1].Parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return &conv, nil
}

// ListConversations returns the owner's conversations, newest update first.
func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations WHERE owner_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	out := []*domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv.CreatedAt = time.Unix(0, createdAt)
		conv.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, last_seen_at, created_at, updated_at FROM users WHERE user_id = ?`, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, "upsert_user", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`,
		lastSeen.Unix(), s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
