// Package relay turns inbound chat messages into replies.
//
// Every message is handled by its own goroutine with a private recover boundary and timeout,
// so a slow or panicking message never affects the others in the same webhook batch.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
)

const (
	// DefaultMessageTimeout bounds the work done for a single inbound message.
	DefaultMessageTimeout = 2 * time.Minute

	// FallbackReply is sent when producing a reply failed unexpectedly.
	FallbackReply = "I'm sorry, I encountered an error while processing your message."
)

// Responder produces the reply text for a user's message. It never fails; errors are
// expressed as apology text.
type Responder interface {
	GetResponse(ctx context.Context, userID, message string) string
}

// Opts holds configuration options for the Relay.
type Opts struct {
	MessageTimeout time.Duration
	Dedup          store.DedupRepo // optional; nil disables duplicate detection
}

// Option defines a configuration option for the Relay.
type Option func(*Opts)

// WithMessageTimeout sets the per-message processing budget.
func WithMessageTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.MessageTimeout = d
	}
}

// WithDedup enables skipping of redelivered provider message ids.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) {
		o.Dedup = repo
	}
}

// Relay dispatches inbound messages to the responder and sends the replies.
type Relay struct {
	responder Responder
	sender    messaging.Sender
	dedup     store.DedupRepo
	timeout   time.Duration
	wg        sync.WaitGroup
}

// New creates a Relay that answers with responder and delivers through sender.
func New(responder Responder, sender messaging.Sender, opts ...Option) *Relay {
	cfg := Opts{MessageTimeout: DefaultMessageTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	slog.Debug("Relay.New: configured", "message_timeout", cfg.MessageTimeout, "dedup", cfg.Dedup != nil)
	return &Relay{
		responder: responder,
		sender:    sender,
		dedup:     cfg.Dedup,
		timeout:   cfg.MessageTimeout,
	}
}

// Dispatch starts one independent task per message and returns immediately. Tasks outlive
// ctx's cancellation but keep its values.
func (r *Relay) Dispatch(ctx context.Context, msgs []models.InboundMessage) {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			slog.Warn("Relay.Dispatch: skipping invalid message", "error", err, "id", msg.ID)
			continue
		}
		r.wg.Add(1)
		go r.process(context.WithoutCancel(ctx), msg)
	}
}

// Wait blocks until every dispatched task has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Pump dispatches messages received on ch until it is closed or ctx is done.
func (r *Relay) Pump(ctx context.Context, ch <-chan models.InboundMessage) {
	slog.Info("Relay.Pump: started")
	defer slog.Info("Relay.Pump: stopped")
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				slog.Debug("Relay.Pump: inbound channel closed")
				return
			}
			r.Dispatch(ctx, []models.InboundMessage{msg})
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) process(ctx context.Context, msg models.InboundMessage) {
	defer r.wg.Done()

	taskID := uuid.NewString()
	log := slog.With("task_id", taskID, "from", msg.From, "message_id", msg.ID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Relay.process: panic while handling message", "panic", fmt.Sprint(rec))
		}
	}()

	claimed := false
	if r.dedup != nil && msg.ID != "" {
		// A claim is never older than the task budget while its task is alive.
		fresh, err := r.dedup.RecordInbound(ctx, msg.ID, msg.From, r.timeout)
		if err != nil {
			log.Warn("Relay.process: dedup check failed, processing anyway", "error", err)
		} else if !fresh {
			log.Info("Relay.process: duplicate message skipped")
			return
		} else {
			claimed = true
		}
	}

	start := time.Now()
	reply := r.reply(ctx, log, msg)
	if err := r.sender.SendMessage(ctx, msg.From, reply); err != nil {
		log.Error("Relay.process: failed to send reply", "error", err)
		return
	}
	log.Info("Relay.process: reply sent", "reply_length", len(reply), "duration", time.Since(start))

	if claimed {
		if err := r.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			log.Warn("Relay.process: failed to mark message processed", "error", err)
		}
	}
}

// reply asks the responder and substitutes FallbackReply if it panics.
func (r *Relay) reply(ctx context.Context, log *slog.Logger, msg models.InboundMessage) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Relay.reply: responder panicked", "panic", fmt.Sprint(rec))
			text = FallbackReply
		}
	}()
	text = r.responder.GetResponse(ctx, msg.From, msg.Text)
	if text == "" {
		log.Warn("Relay.reply: responder returned empty text")
		text = FallbackReply
	}
	return text
}
