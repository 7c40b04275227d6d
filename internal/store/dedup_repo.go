// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRepo records inbound provider message ids so a redelivered webhook is answered once.
//
// A record is claimed by RecordInbound when a task starts and marked processed once the reply
// went out. A claim that was never marked processed can be taken over after claimTTL, which
// lets a redelivery through when the task that claimed it died mid-way.
type DedupRepo interface {
	// RecordInbound claims messageID for processing. It returns false when the message was
	// already processed or was claimed less than claimTTL ago. A non-positive claimTTL never
	// lets a claim go. An empty message id is never considered a duplicate.
	RecordInbound(ctx context.Context, messageID, userID string, claimTTL time.Duration) (bool, error)

	// MarkProcessed records that the reply to messageID was delivered.
	MarkProcessed(ctx context.Context, messageID string) error

	// PurgeInboundBefore drops records received before cutoff and returns how many were removed.
	PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// claimCutoff returns the newest received_at (unix ms) a stale claim may carry, or -1 when
// claims never go stale.
func claimCutoff(now time.Time, claimTTL time.Duration) int64 {
	if claimTTL <= 0 {
		return -1
	}
	return toMillis(now.Add(-claimTTL))
}
