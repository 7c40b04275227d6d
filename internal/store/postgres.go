// Package store provides storage backends for PromptRelay.
//
// This file implements a PostgreSQL-backed store for sessions and inbound dedup records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/PromptRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: cfg.Clock}, nil
}

func (s *PostgresStore) GetOrCreateThreadID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	var threadID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, thread_id, last_activity_at) VALUES ($1, '', $2)
		ON CONFLICT (user_id) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at
		RETURNING thread_id`, userID, toMillis(s.now())).Scan(&threadID)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateThreadID failed", "error", err, "user_id", userID)
		return "", fmt.Errorf("failed to upsert session for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore GetOrCreateThreadID succeeded", "user_id", userID, "has_thread", threadID != "")
	return threadID, nil
}

func (s *PostgresStore) SetThreadID(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if threadID == "" {
		return models.ErrEmptyThreadID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, thread_id, last_activity_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET thread_id = EXCLUDED.thread_id, last_activity_at = EXCLUDED.last_activity_at`,
		userID, threadID, toMillis(s.now()))
	if err != nil {
		slog.Error("PostgresStore SetThreadID failed", "error", err, "user_id", userID)
		return fmt.Errorf("failed to store thread for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore SetThreadID succeeded", "user_id", userID, "thread_id", threadID)
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, thread_id, last_activity_at FROM sessions ORDER BY user_id`)
	if err != nil {
		slog.Error("PostgresStore ListAll query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var sess models.Session
		var lastActivity int64
		if err := rows.Scan(&sess.UserID, &sess.ThreadID, &lastActivity); err != nil {
			slog.Error("PostgresStore ListAll scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.LastActivityAt = fromMillis(lastActivity)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListAll rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("PostgresStore ListAll succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) ExpireOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := toMillis(s.now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ExpireOlderThan failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore ExpireOlderThan succeeded", "removed", n)
	return int(n), nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, userID string, claimTTL time.Duration) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET user_id = EXCLUDED.user_id, received_at = EXCLUDED.received_at
		WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at <= $4`,
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

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, toMillis(s.now()), messageID); err != nil {
		slog.Error("PostgresStore MarkProcessed failed", "error", err, "message_id", messageID)
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
