// Package messaging connects PromptRelay to WhatsApp message providers.
//
// Three transports are supported: the WhatsApp Business Cloud API (webhook inbound, Graph API
// outbound), Twilio's WhatsApp channel, and a direct whatsmeow connection.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Backend names accepted by configuration.
const (
	BackendCloudAPI  = "cloudapi"
	BackendTwilio    = "twilio"
	BackendWhatsmeow = "whatsmeow"
)

// MinRecipientDigits is the shortest phone number accepted after canonicalization.
const MinRecipientDigits = 6

var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrNotConfigured  = errors.New("messaging service not configured")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers a text message to a recipient. A nil error means the provider accepted it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Service is a pluggable message transport.
type Service interface {
	Sender

	// Name returns the backend name used in logs and health output.
	Name() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// InboundSource is implemented by transports that receive messages on their own connection
// instead of through an HTTP webhook.
type InboundSource interface {
	Responses() <-chan models.InboundMessage
}

// CanonicalizeRecipient removes every non-digit character and requires at least
// MinRecipientDigits digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}

	if recipient != canonical {
		slog.Debug("CanonicalizeRecipient: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
