package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// InMemoryStore keeps sessions and dedup records in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	inbound  map[string]*inboundRecord
	now      func() time.Time
}

type inboundRecord struct {
	receivedAt time.Time
	processed  bool
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store. Only WithClock is honored.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		inbound:  make(map[string]*inboundRecord),
		now:      cfg.Clock,
	}
}

func (s *InMemoryStore) GetOrCreateThreadID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[userID]; ok {
		sess.LastActivityAt = now
		return sess.ThreadID, nil
	}
	s.sessions[userID] = &models.Session{UserID: userID, LastActivityAt: now}
	slog.Debug("InMemoryStore.GetOrCreateThreadID: session created", "user_id", userID)
	return "", nil
}

func (s *InMemoryStore) SetThreadID(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if threadID == "" {
		return models.ErrEmptyThreadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[userID]; ok {
		sess.ThreadID = threadID
		sess.LastActivityAt = now
	} else {
		s.sessions[userID] = &models.Session{UserID: userID, ThreadID: threadID, LastActivityAt: now}
	}
	slog.Debug("InMemoryStore.SetThreadID: thread stored", "user_id", userID, "thread_id", threadID)
	return nil
}

func (s *InMemoryStore) ListAll(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })
	return sessions, nil
}

func (s *InMemoryStore) ExpireOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for userID, sess := range s.sessions {
		if sess.Expired(now, retention) {
			delete(s.sessions, userID)
			removed++
		}
	}
	slog.Debug("InMemoryStore.ExpireOlderThan: sweep finished", "removed", removed, "remaining", len(s.sessions))
	return removed, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string, claimTTL time.Duration) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, seen := s.inbound[messageID]
	if !seen {
		s.inbound[messageID] = &inboundRecord{receivedAt: now}
		return true, nil
	}
	if rec.processed || claimTTL <= 0 || now.Sub(rec.receivedAt) < claimTTL {
		return false, nil
	}
	slog.Debug("InMemoryStore.RecordInbound: taking over stale claim", "message_id", messageID, "user_id", userID)
	rec.receivedAt = now
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.inbound[messageID]; ok {
		rec.processed = true
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.inbound {
		if rec.receivedAt.Before(cutoff) {
			delete(s.inbound, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
