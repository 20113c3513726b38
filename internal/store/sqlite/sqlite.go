// Package sqlite provides SQLite-backed conversation, artifact and capability
// storage.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

// DB wraps an SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens the database at path, creating parent directories, and applies
// pending migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; WAL lets readers proceed.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

var migrations = []struct {
	version int
	sql     string
}{
	{1, `
		CREATE TABLE conversations (
			id          TEXT PRIMARY KEY,
			object_id   TEXT NOT NULL DEFAULT '',
			object_type TEXT NOT NULL DEFAULT '',
			messages    TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX idx_conversations_object ON conversations(object_id, object_type);

		CREATE TABLE artifacts (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			summary    TEXT NOT NULL DEFAULT '',
			object_id  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX idx_artifacts_kind ON artifacts(kind, object_id);
	`},
	{2, `
		CREATE TABLE model_capabilities (
			model_id   TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			checked_at INTEGER NOT NULL
		);
	`},
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// ConversationStore adapts DB to conversation.Store.
type ConversationStore struct{ db *DB }

// Conversations returns the conversation store view.
func (db *DB) Conversations() *ConversationStore {
	return &ConversationStore{db: db}
}

// Load returns nil when the conversation does not exist.
func (s *ConversationStore) Load(ctx context.Context, id string) (*llm.Conversation, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT id, object_id, object_type, messages, updated_at FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// Save upserts a conversation.
func (s *ConversationStore) Save(ctx context.Context, conv *llm.Conversation) error {
	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO conversations (id, object_id, object_type, messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			object_id = excluded.object_id,
			object_type = excluded.object_type,
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		conv.ID, conv.ObjectID, conv.ObjectType, string(msgs), updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ListByObject returns conversations tagged with objectID, newest first. An
// empty objectType matches any type.
func (s *ConversationStore) ListByObject(ctx context.Context, objectID, objectType string) ([]*llm.Conversation, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, object_id, object_type, messages, updated_at FROM conversations
		WHERE object_id = ? AND (? = '' OR object_type = ?)
		ORDER BY updated_at DESC`, objectID, objectType, objectType)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*llm.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*llm.Conversation, error) {
	var (
		conv    llm.Conversation
		msgs    string
		updated int64
	)
	if err := row.Scan(&conv.ID, &conv.ObjectID, &conv.ObjectType, &msgs, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgs), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", conv.ID, err)
	}
	conv.UpdatedAt = time.UnixMilli(updated).UTC()
	return &conv, nil
}

// ArtifactStore adapts DB to artifact.Store.
type ArtifactStore struct{ db *DB }

// Artifacts returns the artifact store view.
func (db *DB) Artifacts() *ArtifactStore {
	return &ArtifactStore{db: db}
}

// Get implements artifact.Reader.
func (s *ArtifactStore) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	var (
		a       artifact.Artifact
		kind    string
		created int64
	)
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, kind, title, body, summary, object_id, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &kind, &a.Title, &a.Text, &a.Summary, &a.ObjectID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, artifact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.Kind = artifact.Kind(kind)
	a.CreatedAt = time.UnixMilli(created).UTC()
	return &a, nil
}

// List implements artifact.Reader.
func (s *ArtifactStore) List(ctx context.Context, filter artifact.Filter) ([]artifact.Summary, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, kind, title, body, summary FROM artifacts
		WHERE (? = '' OR kind = ?) AND (? = '' OR object_id = ?)
		ORDER BY created_at, id`,
		string(filter.Kind), string(filter.Kind), filter.ObjectID, filter.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []artifact.Summary
	for rows.Next() {
		var a artifact.Artifact
		var kind string
		if err := rows.Scan(&a.ID, &kind, &a.Title, &a.Text, &a.Summary); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = artifact.Kind(kind)
		out = append(out, artifact.Summarize(&a))
	}
	return out, rows.Err()
}

// Put implements artifact.Store.
func (s *ArtifactStore) Put(ctx context.Context, a *artifact.Artifact) error {
	if a.ID == "" {
		return errors.New("artifact id is required")
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO artifacts (id, kind, title, body, summary, object_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			body = excluded.body,
			summary = excluded.summary,
			object_id = excluded.object_id`,
		a.ID, string(a.Kind), a.Title, a.Text, a.Summary, a.ObjectID, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// Delete implements artifact.Store.
func (s *ArtifactStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// SaveCapabilities stores capability records so the validator can start warm.
func (db *DB) SaveCapabilities(ctx context.Context, records []capability.Record) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO model_capabilities (model_id, record, checked_at) VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET record = excluded.record, checked_at = excluded.checked_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		// failure history is session state
		r.Failures = capability.FailureHistory{}
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ModelID, err)
		}
		checked := r.CheckedAt
		if checked.IsZero() {
			checked = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.ModelID, string(b), checked.UnixMilli()); err != nil {
			return fmt.Errorf("save record %s: %w", r.ModelID, err)
		}
	}
	return tx.Commit()
}

// LoadCapabilities returns records checked no earlier than since.
func (db *DB) LoadCapabilities(ctx context.Context, since time.Time) ([]capability.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT record FROM model_capabilities WHERE checked_at >= ? ORDER BY model_id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	defer rows.Close()

	var out []capability.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		var r capability.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode capability: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
