// Package session persists per-sender conversation state in SQLite:
// the ordered turn history fed back to the model, and the last-sent
// timestamp the pacing layer compares against.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zapbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SessionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		sender        TEXT PRIMARY KEY,
		last_sent_at  DATETIME,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sender      TEXT NOT NULL REFERENCES conversations(sender) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_sender ON turns(sender, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ensureConversation upserts the sender row so turns and pace state
// always have a parent.
func (s *SQLiteStore) ensureConversation(ctx context.Context, sender string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (sender) VALUES (?)`, sender,
	)
	return err
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sender, role, content string) error {
	if err := s.ensureConversation(ctx, sender); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (sender, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sender, role, content, now,
	)
	if err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE sender = ?`, now, sender,
	)
	return nil
}

func (s *SQLiteStore) GetTurns(ctx context.Context, sender string, limit int) ([]domain.SessionTurn, error) {
	if limit <= 0 {
		limit = 50
	}

	// Last N turns, then reversed to chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, role, content, created_at
		 FROM turns WHERE sender = ?
		 ORDER BY id DESC LIMIT ?`, sender, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.SessionTurn
	for rows.Next() {
		var t domain.SessionTurn
		var content sql.NullString
		if err := rows.Scan(&t.ID, &t.Sender, &t.Role, &content, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Content = content.String
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) LastSentAt(ctx context.Context, sender string) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at FROM conversations WHERE sender = ?`, sender,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

func (s *SQLiteStore) SetLastSentAt(ctx context.Context, sender string, t time.Time) error {
	if err := s.ensureConversation(ctx, sender); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_sent_at = ?, updated_at = ? WHERE sender = ?`,
		t, time.Now(), sender,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
