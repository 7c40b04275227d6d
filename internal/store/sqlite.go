// Package store provides storage backends for PromptRelay.
//
// This file implements an SQLite-backed store for sessions and inbound dedup records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/PromptRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serializing through one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: cfg.Clock}, nil
}

func (s *SQLiteStore) GetOrCreateThreadID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	var threadID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, thread_id, last_activity_at) VALUES (?, '', ?)
		ON CONFLICT(user_id) DO UPDATE SET last_activity_at = excluded.last_activity_at
		RETURNING thread_id`, userID, toMillis(s.now())).Scan(&threadID)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateThreadID failed", "error", err, "user_id", userID)
		return "", fmt.Errorf("failed to upsert session for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore GetOrCreateThreadID succeeded", "user_id", userID, "has_thread", threadID != "")
	return threadID, nil
}

func (s *SQLiteStore) SetThreadID(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if threadID == "" {
		return models.ErrEmptyThreadID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, thread_id, last_activity_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET thread_id = excluded.thread_id, last_activity_at = excluded.last_activity_at`,
		userID, threadID, toMillis(s.now()))
	if err != nil {
		slog.Error("SQLiteStore SetThreadID failed", "error", err, "user_id", userID)
		return fmt.Errorf("failed to store thread for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore SetThreadID succeeded", "user_id", userID, "thread_id", threadID)
	return nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, thread_id, last_activity_at FROM sessions ORDER BY user_id`)
	if err != nil {
		slog.Error("SQLiteStore ListAll query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var sess models.Session
		var lastActivity int64
		if err := rows.Scan(&sess.UserID, &sess.ThreadID, &lastActivity); err != nil {
			slog.Error("SQLiteStore ListAll scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.LastActivityAt = fromMillis(lastActivity)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListAll rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore ListAll succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *SQLiteStore) ExpireOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := toMillis(s.now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ExpireOlderThan failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore ExpireOlderThan succeeded", "removed", n)
	return int(n), nil
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, userID string, claimTTL time.Duration) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET user_id = excluded.user_id, received_at = excluded.received_at
		WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at <= ?`,
		messageID, userID, toMillis(now), claimCutoff(now, claimTTL))
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, toMillis(s.now()), messageID); err != nil {
		slog.Error("SQLiteStore MarkProcessed failed", "error", err, "message_id", messageID)
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
