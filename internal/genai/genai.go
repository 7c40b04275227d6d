// Package genai relays user messages to a hosted conversational assistant.
//
// An Assistant answers from the FAQ when it can. Otherwise it keeps one remote thread per
// user, appends the message, starts a run and polls it until the run finishes or the wait
// deadline passes. GetResponse never fails: every error resolves to a fixed apology.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
)

// Fixed replies sent to the user when the assistant cannot produce an answer.
const (
	ReplyRunFailed = "I'm sorry, I wasn't able to process your request."
	ReplyNoAnswer  = "I'm sorry, I don't have a response for that."
	ReplyError     = "I'm sorry, I encountered an error while processing your request."
	ReplyTimedOut  = "I'm sorry, that took too long. Please try again in a moment."
)

// Default polling bounds.
const (
	DefaultPollInterval   = time.Second
	DefaultRunTimeout     = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultAPIVersion     = "2025-01-01-preview"

	cancelTimeout = 5 * time.Second
)

var (
	ErrNoAPIKey      = errors.New("assistant API key not set")
	ErrNoAssistantID = errors.New("assistant id not set")
)

// Opts holds configuration for the assistant client.
type Opts struct {
	APIKey         string        // API key for OpenAI or Azure OpenAI
	BaseURL        string        // non-Azure base URL override
	AzureEndpoint  string        // Azure OpenAI resource endpoint; enables Azure mode
	APIVersion     string        // Azure API version
	AssistantID    string        // assistant that runs on every thread
	PollInterval   time.Duration // delay between run status checks
	RunTimeout     time.Duration // upper bound on waiting for one run
	RequestTimeout time.Duration // per-request HTTP timeout
}

// Option defines a configuration option for the assistant client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL overrides the OpenAI base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithAzureEndpoint switches the client to an Azure OpenAI resource.
func WithAzureEndpoint(endpoint string) Option {
	return func(o *Opts) {
		o.AzureEndpoint = endpoint
	}
}

// WithAPIVersion sets the Azure API version.
func WithAPIVersion(version string) Option {
	return func(o *Opts) {
		o.APIVersion = version
	}
}

// WithAssistantID sets the assistant used for runs.
func WithAssistantID(id string) Option {
	return func(o *Opts) {
		o.AssistantID = id
	}
}

// WithPollInterval sets the delay between run status checks.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithRunTimeout bounds how long a single run is awaited.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RunTimeout = d
	}
}

// WithRequestTimeout sets the per-request HTTP timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RequestTimeout = d
	}
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		APIVersion:     DefaultAPIVersion,
		PollInterval:   DefaultPollInterval,
		RunTimeout:     DefaultRunTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return cfg
}

// threadsAPI is the subset of the remote assistants API the relay needs.
type threadsAPI interface {
	CreateThread(ctx context.Context) (string, error)
	AddUserMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (models.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (models.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	// ListMessages returns the messages produced for runID, newest first.
	ListMessages(ctx context.Context, threadID, runID string) ([]models.AssistantMessage, error)
}

// FAQLookup answers a question from static data.
type FAQLookup interface {
	Match(query string) (string, bool)
}

// Assistant produces replies for inbound user messages.
type Assistant struct {
	threads      threadsAPI
	sessions     store.SessionStore
	faq          FAQLookup
	assistantID  string
	pollInterval time.Duration
	runTimeout   time.Duration
	locks        *keyedMutex
}

// NewAssistant builds an Assistant backed by the OpenAI (or Azure OpenAI) assistants API.
// faq may be nil.
func NewAssistant(sessions store.SessionStore, faq FAQLookup, opts ...Option) (*Assistant, error) {
	cfg := applyOptions(opts)
	if cfg.AssistantID == "" {
		return nil, ErrNoAssistantID
	}
	threads, err := NewOpenAIThreads(opts...)
	if err != nil {
		return nil, err
	}
	return newAssistant(threads, sessions, faq, cfg), nil
}

func newAssistant(threads threadsAPI, sessions store.SessionStore, faq FAQLookup, cfg Opts) *Assistant {
	return &Assistant{
		threads:      threads,
		sessions:     sessions,
		faq:          faq,
		assistantID:  cfg.AssistantID,
		pollInterval: cfg.PollInterval,
		runTimeout:   cfg.RunTimeout,
		locks:        newKeyedMutex(),
	}
}

// GetResponse returns the reply for message sent by userID. It never returns an empty string.
func (a *Assistant) GetResponse(ctx context.Context, userID, message string) string {
	if a.faq != nil {
		if answer, ok := a.faq.Match(message); ok {
			slog.Info("Assistant.GetResponse: found FAQ answer", "user_id", userID)
			return answer
		}
	}

	// One conversation step per user at a time: the thread is created once and no message
	// is appended while a run on that thread is still active.
	unlock, err := a.locks.Lock(ctx, userID)
	if err != nil {
		slog.Warn("Assistant.GetResponse: gave up waiting for the previous message", "error", err, "user_id", userID)
		return ReplyTimedOut
	}
	defer unlock()

	reply, err := a.converse(ctx, userID, message)
	if err != nil {
		slog.Error("Assistant.GetResponse: assistant request failed", "error", err, "user_id", userID)
		return ReplyError
	}
	return reply
}

func (a *Assistant) converse(ctx context.Context, userID, message string) (string, error) {
	threadID, err := a.ensureThread(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := a.threads.AddUserMessage(ctx, threadID, message); err != nil {
		return "", fmt.Errorf("add message to thread %s: %w", threadID, err)
	}

	run, err := a.threads.CreateRun(ctx, threadID, a.assistantID)
	if err != nil {
		return "", fmt.Errorf("create run on thread %s: %w", threadID, err)
	}
	slog.Debug("Assistant.converse: run started", "user_id", userID, "thread_id", threadID, "run_id", run.ID)

	outcome, run, err := a.waitForRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}

	switch outcome {
	case models.RunOutcomeCompleted:
		msgs, err := a.threads.ListMessages(ctx, threadID, run.ID)
		if err != nil {
			return "", fmt.Errorf("list messages of thread %s: %w", threadID, err)
		}
		reply, ok := latestAssistantText(msgs)
		if !ok {
			slog.Warn("Assistant.converse: run completed without an assistant reply", "thread_id", threadID, "run_id", run.ID)
			return ReplyNoAnswer, nil
		}
		slog.Info("Assistant.converse: assistant replied", "user_id", userID, "thread_id", threadID, "run_id", run.ID)
		return reply, nil
	case models.RunOutcomeTimedOut:
		slog.Warn("Assistant.converse: run timed out", "user_id", userID, "thread_id", threadID, "run_id", run.ID, "status", run.Status)
		return ReplyTimedOut, nil
	default:
		slog.Warn("Assistant.converse: run did not complete", "user_id", userID, "thread_id", threadID,
			"run_id", run.ID, "status", run.Status, "last_error", run.LastError)
		return ReplyRunFailed, nil
	}
}

// ensureThread returns the user's thread id, creating and persisting a remote thread on first use.
func (a *Assistant) ensureThread(ctx context.Context, userID string) (string, error) {
	threadID, err := a.sessions.GetOrCreateThreadID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if threadID != "" {
		return threadID, nil
	}

	threadID, err = a.threads.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := a.sessions.SetThreadID(ctx, userID, threadID); err != nil {
		return "", fmt.Errorf("store thread: %w", err)
	}
	slog.Info("Assistant.ensureThread: created new thread", "user_id", userID, "thread_id", threadID)
	return threadID, nil
}

// waitForRun polls the run until it reaches a terminal status or the run timeout elapses.
// A run asking for tool outputs is cancelled and reported as failed.
func (a *Assistant) waitForRun(ctx context.Context, threadID string, run models.Run) (models.RunOutcome, models.Run, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	timer := time.NewTimer(a.pollInterval)
	defer timer.Stop()

	for !run.Status.IsTerminal() {
		if run.Status == models.RunStatusRequiresAction {
			// Tool outputs are never submitted, so the run would only sit there until it expires.
			a.cancelRun(ctx, threadID, run.ID)
			return models.RunOutcomeFailed, run, nil
		}
		select {
		case <-waitCtx.Done():
			a.cancelRun(ctx, threadID, run.ID)
			return models.RunOutcomeTimedOut, run, nil
		case <-timer.C:
		}

		next, err := a.threads.GetRun(waitCtx, threadID, run.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				a.cancelRun(ctx, threadID, run.ID)
				return models.RunOutcomeTimedOut, run, nil
			}
			return "", run, fmt.Errorf("retrieve run %s: %w", run.ID, err)
		}
		run = next
		timer.Reset(a.pollInterval)
	}
	return models.OutcomeFor(run.Status), run, nil
}

// cancelRun asks the API to stop a run we no longer wait for. Failures are only logged.
func (a *Assistant) cancelRun(ctx context.Context, threadID, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := a.threads.CancelRun(cctx, threadID, runID); err != nil {
		slog.Warn("Assistant.cancelRun: failed to cancel run", "error", err, "thread_id", threadID, "run_id", runID)
	}
}

// latestAssistantText picks the newest assistant-authored message and returns its text.
func latestAssistantText(msgs []models.AssistantMessage) (string, bool) {
	sorted := make([]models.AssistantMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })

	for _, m := range sorted {
		if m.Role != models.MessageRoleAssistant {
			continue
		}
		if m.Text == "" {
			return "", false
		}
		return m.Text, true
	}
	return "", false
}
