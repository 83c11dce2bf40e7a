package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/timeline"
)

// SQLiteStore is a sqlite-backed ConversationStore, used by the CLI to keep
// conversation history across runs.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ ConversationStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate sqlite database")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type conversationRow struct {
	ConversationID string    `db:"conversation_id"`
	TenantID       string    `db:"tenant_id"`
	Title          string    `db:"title"`
	MessageCount   int       `db:"message_count"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type messageRow struct {
	MessageID      string         `db:"message_id"`
	ConversationID string         `db:"conversation_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	Citations      sql.NullString `db:"citations"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r conversationRow) toConversation() directory.Conversation {
	return directory.Conversation{
		ID:           r.ConversationID,
		Title:        r.Title,
		MessageCount: r.MessageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string) ([]directory.Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		 FROM conversations WHERE tenant_id = ? ORDER BY updated_at DESC`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	out := make([]directory.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConversation())
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (directory.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT conversation_id, tenant_id, title, message_count, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return directory.Conversation{}, errors.Wrap(err, "failed to get conversation")
	}
	return row.toConversation(), nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]*timeline.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT message_id, conversation_id, role, content, citations, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get messages")
	}

	out := make([]*timeline.Message, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.MessageID)
		if err != nil {
			id = uuid.New()
		}
		msg := timeline.NewMessage(timeline.Role(r.Role), r.Content,
			timeline.WithID(id),
			timeline.WithConversationID(r.ConversationID),
			timeline.WithTime(r.CreatedAt),
		)
		if r.Citations.Valid && r.Citations.String != "" {
			var citations []timeline.Citation
			if err := json.Unmarshal([]byte(r.Citations.String), &citations); err != nil {
				log.Warn().Err(err).Str("message_id", r.MessageID).Msg("failed to decode stored citations")
			} else {
				msg.Citations = citations
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// SaveTurn persists one completed user/assistant exchange and bumps the
// conversation metadata. Used by the CLI after each finished stream.
func (s *SQLiteStore) SaveTurn(ctx context.Context, tenantID, conversationID, title string, messages ...*timeline.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, tenant_id, title, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, tenantID, title, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to upsert conversation")
	}

	for _, m := range messages {
		var citations any
		if len(m.Citations) > 0 {
			b, err := json.Marshal(m.Citations)
			if err != nil {
				return errors.Wrap(err, "failed to encode citations")
			}
			citations = string(b)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, conversation_id, role, content, citations, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(message_id) DO UPDATE SET content = excluded.content, citations = excluded.citations`,
			m.ID.String(), conversationID, string(m.Role), m.Content, citations, m.Time.UTC())
		if err != nil {
			return errors.Wrap(err, "failed to insert message")
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?)
		 WHERE conversation_id = ?`,
		conversationID, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to update message count")
	}

	return tx.Commit()
}

func (s *SQLiteStore) Rename(ctx context.Context, conversationID string, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`,
		title, time.Now().UTC(), conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to rename conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}
