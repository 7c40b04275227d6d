package messaging

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service on top of Twilio's WhatsApp channel.
type TwilioService struct {
	client     twiliowhatsapp.Sender // real Twilio client or MockClient
	validator  *twiliowhatsapp.WebhookValidator
	webhookURL string
	mu         sync.RWMutex
	stopped    bool
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithTwilioSignatureCheck enables X-Twilio-Signature validation. webhookURL must be the
// public URL Twilio posts to, exactly as configured in the Twilio console.
func WithTwilioSignatureCheck(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		if authToken == "" || webhookURL == "" {
			return
		}
		s.validator = twiliowhatsapp.NewWebhookValidator(authToken)
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("NewTwilioService: created", "signature_check", s.validator != nil)
	return s
}

func (s *TwilioService) Name() string { return BackendTwilio }

// ValidateAndCanonicalizeRecipient strips the "whatsapp:" prefix and every non-digit.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(strings.TrimPrefix(recipient, twiliowhatsapp.AddressPrefix))
}

// Start is a no-op for Twilio; inbound messages arrive through the HTTP webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped; later sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage sends body via Twilio, splitting it at Twilio's length limit.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if body == "" {
		return models.ErrEmptyBody
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: recipient validation error", "error", err, "to", to)
		return err
	}

	for _, chunk := range splitBody(body, twiliowhatsapp.MaxBodyLength) {
		if err := s.client.SendMessage(ctx, canonicalTo, chunk); err != nil {
			return err
		}
	}
	slog.Info("TwilioService.SendMessage: message sent", "to", canonicalTo)
	return nil
}

// VerifyRequest checks the Twilio signature of a posted form. Without a configured auth token
// and webhook URL every request is accepted.
func (s *TwilioService) VerifyRequest(form url.Values, signature string) bool {
	if s.validator == nil {
		return true
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.webhookURL, params, signature)
}

// ParseTwilioForm converts Twilio's form-encoded inbound webhook into an InboundMessage.
// It returns false for requests without a sender or a text body (e.g. media-only messages).
func ParseTwilioForm(form url.Values) (models.InboundMessage, bool) {
	from := form.Get("From")
	body := form.Get("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		slog.Debug("ParseTwilioForm: skipping message without sender or text", "from_set", from != "", "num_media", form.Get("NumMedia"))
		return models.InboundMessage{}, false
	}

	sender, err := CanonicalizeRecipient(strings.TrimPrefix(from, twiliowhatsapp.AddressPrefix))
	if err != nil {
		slog.Warn("ParseTwilioForm: invalid sender", "error", err)
		return models.InboundMessage{}, false
	}

	return models.InboundMessage{
		ID:          form.Get("MessageSid"),
		From:        sender,
		Text:        body,
		Timestamp:   time.Now().Unix(),
		ProfileName: form.Get("ProfileName"),
	}, true
}
