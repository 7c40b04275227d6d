// Package store provides storage backends for PromptRelay.
//
// It tracks which remote assistant thread belongs to which messaging user and which inbound
// message ids were already seen. An in-memory store is the default; SQLite and PostgreSQL
// backends keep sessions across restarts.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// SessionStore maps a user identifier to a conversation thread and its last activity.
// Every operation is atomic for a single user id.
type SessionStore interface {
	// GetOrCreateThreadID returns the user's thread id and refreshes the last activity time.
	// When the user has no session yet, one is created with an empty thread id and "" is returned.
	GetOrCreateThreadID(ctx context.Context, userID string) (string, error)

	// SetThreadID upserts the user's session with the given thread id, refreshing the last activity time.
	SetThreadID(ctx context.Context, userID, threadID string) error

	// ListAll returns every session ordered by user id.
	ListAll(ctx context.Context) ([]models.Session, error)

	// ExpireOlderThan removes every session idle for longer than retention and returns how many were removed.
	ExpireOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// Store is implemented by every backend.
type Store interface {
	SessionStore
	DedupRepo

	// Close releases resources held by the backend.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN   string           // database connection string; empty selects the in-memory store
	Clock func() time.Time // time source, defaults to time.Now
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithClock overrides the time source used for activity timestamps and expiry.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

func applyOptions(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for PostgreSQL URLs
// and libpq key=value strings, "sqlite3" for everything else (file paths and file: URIs).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if !strings.HasPrefix(dsn, "file:") {
		for _, key := range []string{"host=", "user=", "dbname="} {
			if strings.Contains(dsn, key) {
				return "postgres"
			}
		}
	}
	return "sqlite3"
}

// NewStore builds the backend selected by the configured DSN.
func NewStore(opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		slog.Info("NewStore: no DSN configured, using in-memory session store")
		return NewInMemoryStore(opts...), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("NewStore: detected PostgreSQL DSN")
		return NewPostgresStore(opts...)
	}
	slog.Debug("NewStore: detected SQLite DSN", "path", cfg.DSN)
	return NewSQLiteStore(opts...)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
