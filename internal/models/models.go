// Package models defines the core data structures for PromptRelay.
//
// It includes conversation sessions, FAQ entries, inbound chat messages and the
// SDK-independent view of assistant threads, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound and outbound messages
const (
	// MaxMessageBodyLength is the longest text body the WhatsApp send API accepts in one message.
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID    = errors.New("user id cannot be empty")
	ErrEmptyThreadID  = errors.New("thread id cannot be empty")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Session maps a messaging user to the remote assistant thread holding their conversation.
// ThreadID stays empty until the assistant lazily creates a thread for the user.
type Session struct {
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Expired reports whether the session has been idle for longer than retention at now.
func (s Session) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(s.LastActivityAt) > retention
}

// FAQEntry is one question/answer pair of the static FAQ.
type FAQEntry struct {
	Question string `json:"question" yaml:"question" toml:"question"`
	Answer   string `json:"answer" yaml:"answer" toml:"answer"`
}

// FAQData is the on-disk envelope of the FAQ file.
type FAQData struct {
	Questions []FAQEntry `json:"questions" yaml:"questions" toml:"questions"`
}

// InboundMessage is a text message received from a messaging provider.
// It is derived per request and never persisted.
type InboundMessage struct {
	ID          string `json:"id,omitempty"`           // provider message id, used for de-duplication
	From        string `json:"from"`                   // sender identifier (phone number)
	Text        string `json:"text"`                   // message body
	Timestamp   int64  `json:"timestamp,omitempty"`    // provider timestamp, unix seconds
	ProfileName string `json:"profile_name,omitempty"` // sender display name when provided
}

// Validate checks that the message carries a sender and a body.
func (m InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptyRecipient
	}
	if m.Text == "" {
		return ErrEmptyBody
	}
	return nil
}

// MessageRole identifies the author of a thread message.
type MessageRole string

const (
	// MessageRoleUser marks messages written by the end user.
	MessageRoleUser MessageRole = "user"
	// MessageRoleAssistant marks messages produced by the assistant.
	MessageRoleAssistant MessageRole = "assistant"
)

// AssistantMessage is a message of a remote assistant thread.
type AssistantMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	CreatedAt int64       `json:"created_at"` // unix seconds
	Text      string      `json:"text"`       // first text block, empty if none
}

// RunStatus is the lifecycle status of an assistant run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusIncomplete     RunStatus = "incomplete"
	RunStatusExpired        RunStatus = "expired"
)

// IsTerminal reports whether the run will not change status anymore.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	default:
		return false
	}
}

// Run is the SDK-independent view of an assistant run.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	LastError string    `json:"last_error,omitempty"`
}

// RunOutcome is the result of waiting for a run to finish.
type RunOutcome string

const (
	// RunOutcomeCompleted means the run completed and its messages can be read.
	RunOutcomeCompleted RunOutcome = "completed"
	// RunOutcomeFailed covers failed, cancelled, expired and incomplete runs.
	RunOutcomeFailed RunOutcome = "failed"
	// RunOutcomeTimedOut means the wait deadline passed before the run reached a terminal status.
	RunOutcomeTimedOut RunOutcome = "timed_out"
)

// OutcomeFor maps a terminal run status to the outcome the relay acts on.
func OutcomeFor(status RunStatus) RunOutcome {
	if status == RunStatusCompleted {
		return RunOutcomeCompleted
	}
	return RunOutcomeFailed
}
