package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Cloud API defaults.
const (
	DefaultGraphAPIURL     = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v18.0"
	DefaultSendTimeout     = 30 * time.Second

	// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
	SignatureHeader = "X-Hub-Signature-256"

	handshakeModeSubscribe = "subscribe"
	signaturePrefix        = "sha256="
)

// CloudAPIOpts holds configuration for the WhatsApp Business Cloud API transport.
type CloudAPIOpts struct {
	APIKey        string        // bearer token for the Graph API
	PhoneNumberID string        // sending phone number id
	VerifyToken   string        // webhook handshake secret
	AppSecret     string        // webhook payload signature secret, optional
	BaseURL       string        // Graph API base URL
	APIVersion    string        // Graph API version path segment
	Timeout       time.Duration // per-request timeout
}

// CloudAPIOption defines a configuration option for CloudAPI.
type CloudAPIOption func(*CloudAPIOpts)

// WithAPIKey sets the Graph API bearer token.
func WithAPIKey(key string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIKey = key }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithVerifyToken sets the webhook handshake secret.
func WithVerifyToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.VerifyToken = token }
}

// WithAppSecret enables webhook payload signature checks.
func WithAppSecret(secret string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AppSecret = secret }
}

// WithGraphAPIURL overrides the Graph API base URL.
func WithGraphAPIURL(url string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = url }
}

// WithGraphAPIVersion overrides the Graph API version.
func WithGraphAPIVersion(version string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIVersion = version }
}

// WithSendTimeout sets the per-request timeout.
func WithSendTimeout(d time.Duration) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Timeout = d }
}

// CloudAPI sends messages through the WhatsApp Business Cloud API and validates its webhooks.
type CloudAPI struct {
	client        *resty.Client
	phoneNumberID string
	verifyToken   string
	appSecret     []byte
}

var _ Service = (*CloudAPI)(nil)

// NewCloudAPI builds the Cloud API transport.
func NewCloudAPI(opts ...CloudAPIOption) (*CloudAPI, error) {
	cfg := CloudAPIOpts{
		BaseURL:    DefaultGraphAPIURL,
		APIVersion: DefaultGraphAPIVersion,
		Timeout:    DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewCloudAPI: config loaded",
		"APIKey_set", cfg.APIKey != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"VerifyToken_set", cfg.VerifyToken != "",
		"AppSecret_set", cfg.AppSecret != "",
		"base_url", cfg.BaseURL, "api_version", cfg.APIVersion)

	if cfg.APIKey == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("%w: API key and phone number id must be provided", ErrNotConfigured)
	}
	if cfg.VerifyToken == "" {
		return nil, fmt.Errorf("%w: webhook verify token must be provided", ErrNotConfigured)
	}

	base := strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.APIVersion, "/")
	client := resty.New().
		SetBaseURL(base).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &CloudAPI{
		client:        client,
		phoneNumberID: cfg.PhoneNumberID,
		verifyToken:   cfg.VerifyToken,
		appSecret:     []byte(cfg.AppSecret),
	}, nil
}

func (c *CloudAPI) Name() string { return BackendCloudAPI }

// Start is a no-op; inbound messages arrive through the HTTP webhook.
func (c *CloudAPI) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (c *CloudAPI) Stop() error { return nil }

func (c *CloudAPI) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

// VerifyHandshake reports whether a subscription handshake presents the configured verify token.
func (c *CloudAPI) VerifyHandshake(mode, token string) bool {
	if mode != handshakeModeSubscribe || c.verifyToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.verifyToken)) == 1
}

// SignatureRequired reports whether webhook payloads must carry a valid signature.
func (c *CloudAPI) SignatureRequired() bool {
	return len(c.appSecret) > 0
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw body. Without a
// configured app secret every payload is accepted.
func (c *CloudAPI) VerifySignature(body []byte, header string) bool {
	if !c.SignatureRequired() {
		return true
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.appSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type textMessageRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	RecipientType    string      `json:"recipient_type"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             textPayload `json:"text"`
}

type textPayload struct {
	Body string `json:"body"`
}

type graphErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type sendMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendMessage posts a text message. Bodies longer than the provider limit are sent as
// consecutive messages.
func (c *CloudAPI) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyBody
	}

	chunks := splitBody(body, models.MaxMessageBodyLength)
	for i, chunk := range chunks {
		if err := c.sendText(ctx, to, chunk); err != nil {
			slog.Error("CloudAPI.SendMessage: failed to send message", "error", err, "to", to, "part", i+1, "parts", len(chunks))
			return err
		}
	}
	slog.Info("CloudAPI.SendMessage: message sent", "to", to, "parts", len(chunks))
	return nil
}

func (c *CloudAPI) sendText(ctx context.Context, to, body string) error {
	var result sendMessageResponse
	var apiErr graphErrorResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(textMessageRequest{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             textPayload{Body: body},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/" + c.phoneNumberID + "/messages")
	if err != nil {
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	if res.IsError() {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("send message to %s: status %d: %s (code %d)", to, res.StatusCode(), apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("send message to %s: status %d: %s", to, res.StatusCode(), res.String())
	}
	if len(result.Messages) > 0 {
		slog.Debug("CloudAPI.sendText: accepted", "to", to, "message_id", result.Messages[0].ID)
	}
	return nil
}

// splitBody cuts s into pieces of at most limit runes.
func splitBody(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	parts := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
