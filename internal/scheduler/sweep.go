package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/store"
)

const (
	// DefaultSweepSchedule is how often idle sessions are expired.
	DefaultSweepSchedule = "@every 24h"
	// DefaultRetention is how long a session may stay idle before it expires.
	DefaultRetention = 7 * 24 * time.Hour

	sweepTimeout = time.Minute
)

// SessionSweeper expires idle sessions and drops old de-duplication records.
type SessionSweeper struct {
	sessions  store.SessionStore
	dedup     store.DedupRepo // optional
	retention time.Duration
	now       func() time.Time
}

// NewSessionSweeper creates a sweeper removing sessions idle for longer than retention.
// dedup may be nil.
func NewSessionSweeper(sessions store.SessionStore, dedup store.DedupRepo, retention time.Duration) *SessionSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SessionSweeper{sessions: sessions, dedup: dedup, retention: retention, now: time.Now}
}

// Sweep runs one expiry pass and returns the number of removed sessions and dedup records.
func (s *SessionSweeper) Sweep(ctx context.Context) (int, int, error) {
	sessions, err := s.sessions.ExpireOlderThan(ctx, s.retention)
	if err != nil {
		return 0, 0, fmt.Errorf("expire sessions: %w", err)
	}
	var inbound int
	if s.dedup != nil {
		inbound, err = s.dedup.PurgeInboundBefore(ctx, s.now().Add(-s.retention))
		if err != nil {
			return sessions, 0, fmt.Errorf("purge inbound records: %w", err)
		}
	}
	return sessions, inbound, nil
}

// ScheduleSessionSweep registers sweeper on sched with the given cron expression.
func ScheduleSessionSweep(sched *Scheduler, expr string, sweeper *SessionSweeper) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	return sched.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		sessions, inbound, err := sweeper.Sweep(ctx)
		if err != nil {
			slog.Error("SessionSweeper.Sweep: failed", "error", err)
			return
		}
		slog.Info("SessionSweeper.Sweep: completed", "expired_sessions", sessions, "purged_inbound", inbound, "retention", sweeper.retention)
	})
}
