package messaging

import (
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Cloud API webhook payload. Every level is decoded leniently: json.RawMessage keeps one
// malformed item from discarding its siblings.
type webhookPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type webhookEntry struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type webhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type webhookValue struct {
	Contacts []json.RawMessage `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Timestamp json.Number `json:"timestamp"`
	Type      string      `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

// ParseWebhookPayload extracts the text messages of a Cloud API webhook body. Anything
// missing or malformed skips only the item it belongs to; a body that is not a JSON object
// yields an empty slice.
func ParseWebhookPayload(raw []byte) []models.InboundMessage {
	msgs := []models.InboundMessage{}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("ParseWebhookPayload: malformed payload", "error", err)
		return msgs
	}

	for _, rawEntry := range payload.Entry {
		var entry webhookEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			slog.Debug("ParseWebhookPayload: skipping malformed entry", "error", err)
			continue
		}
		for _, rawChange := range entry.Changes {
			var change webhookChange
			if err := json.Unmarshal(rawChange, &change); err != nil {
				slog.Debug("ParseWebhookPayload: skipping malformed change", "error", err)
				continue
			}
			if change.Field != "messages" || len(change.Value) == 0 {
				continue
			}
			var value webhookValue
			if err := json.Unmarshal(change.Value, &value); err != nil {
				slog.Debug("ParseWebhookPayload: skipping malformed change value", "error", err)
				continue
			}
			msgs = append(msgs, parseValueMessages(value)...)
		}
	}
	return msgs
}

func parseValueMessages(value webhookValue) []models.InboundMessage {
	names := make(map[string]string, len(value.Contacts))
	for _, rawContact := range value.Contacts {
		var contact webhookContact
		if err := json.Unmarshal(rawContact, &contact); err != nil {
			continue
		}
		if contact.WaID != "" && contact.Profile.Name != "" {
			names[contact.WaID] = contact.Profile.Name
		}
	}

	var out []models.InboundMessage
	for _, rawMsg := range value.Messages {
		var m webhookMessage
		if err := json.Unmarshal(rawMsg, &m); err != nil {
			slog.Debug("ParseWebhookPayload: skipping malformed message", "error", err)
			continue
		}
		if m.Type != "text" || m.Text == nil || m.Text.Body == "" || m.From == "" {
			slog.Debug("ParseWebhookPayload: skipping non-text message", "type", m.Type, "id", m.ID)
			continue
		}
		msg := models.InboundMessage{
			ID:          m.ID,
			From:        m.From,
			Text:        m.Text.Body,
			ProfileName: names[m.From],
		}
		if ts, err := m.Timestamp.Int64(); err == nil {
			msg.Timestamp = ts
		}
		out = append(out, msg)
	}
	return out
}
