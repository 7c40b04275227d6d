// Package api provides the HTTP server of PromptRelay.
//
// It receives WhatsApp webhooks, acknowledges them immediately and hands the messages to the
// relay. Run also owns the lifecycle of the messaging backend, the session sweeper and the store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/relay"
	"github.com/BTreeMap/PromptRelay/internal/scheduler"
	"github.com/BTreeMap/PromptRelay/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":4006"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Deps are the components Run wires together.
type Deps struct {
	Messaging  messaging.Service
	Store      store.Store
	Responder  relay.Responder
	FAQEntries int
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Listener        net.Listener // overrides Addr when set
	AdminToken      string
	MessageTimeout  time.Duration
	Retention       time.Duration
	SweepSchedule   string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithListener serves on an existing listener instead of opening Addr.
func WithListener(ln net.Listener) Option {
	return func(o *Opts) { o.Listener = ln }
}

// WithAdminToken enables the /sessions diagnostics route.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithMessageTimeout sets the per-message processing budget.
func WithMessageTimeout(d time.Duration) Option {
	return func(o *Opts) { o.MessageTimeout = d }
}

// WithSessionRetention sets how long idle sessions are kept.
func WithSessionRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}

// WithSweepSchedule sets the cron expression of the session sweeper.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Run serves until ctx is cancelled, then shuts everything down in order: HTTP server,
// in-flight messages, messaging backend, scheduler, store.
func Run(ctx context.Context, deps Deps, opts ...Option) error {
	cfg := Opts{
		Addr:            DefaultAddr,
		Retention:       scheduler.DefaultRetention,
		SweepSchedule:   scheduler.DefaultSweepSchedule,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Messaging == nil || deps.Store == nil || deps.Responder == nil {
		return fmt.Errorf("api.Run: messaging, store and responder are required")
	}
	slog.Debug("api.Run: options", "addr", cfg.Addr, "listener_set", cfg.Listener != nil,
		"admin_token_set", cfg.AdminToken != "", "retention", cfg.Retention, "sweep_schedule", cfg.SweepSchedule)

	sched := scheduler.NewScheduler()
	sweeper := scheduler.NewSessionSweeper(deps.Store, deps.Store, cfg.Retention)
	if err := scheduler.ScheduleSessionSweep(sched, cfg.SweepSchedule, sweeper); err != nil {
		sched.Stop()
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	rl := relay.New(deps.Responder, deps.Messaging,
		relay.WithMessageTimeout(cfg.MessageTimeout),
		relay.WithDedup(deps.Store))

	if err := deps.Messaging.Start(ctx); err != nil {
		sched.Stop()
		return fmt.Errorf("failed to start messaging service %s: %w", deps.Messaging.Name(), err)
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	if src, ok := deps.Messaging.(messaging.InboundSource); ok {
		go func() {
			defer close(pumpDone)
			rl.Pump(pumpCtx, src.Responses())
		}()
	} else {
		close(pumpDone)
	}

	server := NewServer(deps.Messaging, rl, deps.Store, deps.FAQEntries, cfg.AdminToken)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Listener != nil {
			slog.Info("PromptRelay API listening", "addr", cfg.Listener.Addr().String(), "backend", deps.Messaging.Name())
			err = httpServer.Serve(cfg.Listener)
		} else {
			slog.Info("PromptRelay API listening", "addr", cfg.Addr, "backend", deps.Messaging.Name())
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown requested")
	case err := <-serveErr:
		if err != nil {
			slog.Error("api.Run: HTTP server failed", "error", err)
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: HTTP shutdown failed", "error", err)
	}

	stopPump()
	<-pumpDone
	rl.Wait()

	if err := deps.Messaging.Stop(); err != nil {
		slog.Error("api.Run: failed to stop messaging service", "error", err)
	}
	sched.Stop()
	if err := deps.Store.Close(); err != nil {
		slog.Error("api.Run: failed to close store", "error", err)
	}
	slog.Info("api.Run: shutdown complete")
	return runErr
}
