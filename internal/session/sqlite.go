// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: Keeps resume state across controller restarts with automatic schema creation

package session

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

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session_store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS shard_sessions (
			shard_id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			shard_count INTEGER NOT NULL,
			resume_url TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get loads the session for shardID.
func (s *SQLiteStore) Get(ctx context.Context, shardID int) (*Info, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, sequence, shard_count, resume_url
		FROM shard_sessions WHERE shard_id = ?
	`, shardID)

	info := Info{ShardID: shardID}
	err := row.Scan(&info.SessionID, &info.Sequence, &info.ShardCount, &info.ResumeURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session for shard %d: %w", shardID, err)
	}
	return &info, nil
}

// Set upserts the session for shardID. A nil info deletes it.
func (s *SQLiteStore) Set(ctx context.Context, shardID int, info *Info) error {
	if info == nil {
		return s.Delete(ctx, shardID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_sessions (shard_id, session_id, sequence, shard_count, resume_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			sequence = excluded.sequence,
			shard_count = excluded.shard_count,
			resume_url = excluded.resume_url,
			updated_at = excluded.updated_at
	`, shardID, info.SessionID, info.Sequence, info.ShardCount, info.ResumeURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving session for shard %d: %w", shardID, err)
	}
	return nil
}

// Delete removes the session for shardID.
func (s *SQLiteStore) Delete(ctx context.Context, shardID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE shard_id = ?`, shardID); err != nil {
		return fmt.Errorf("deleting session for shard %d: %w", shardID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
