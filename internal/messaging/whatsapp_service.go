package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/whatsapp"
)

// Constants for WhatsmeowService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// eventSource is implemented by *whatsapp.Client; mocks only send.
type eventSource interface {
	AddEventHandler(handler func(evt any)) uint32
	RemoveEventHandler(id uint32)
	Disconnect()
}

// WhatsmeowService implements Service over a direct whatsmeow connection.
type WhatsmeowService struct {
	client    whatsapp.WhatsAppSender
	events    eventSource
	responses chan models.InboundMessage
	handlerID uint32
	mu        sync.RWMutex
	started   bool
	stopped   bool
}

var (
	_ Service       = (*WhatsmeowService)(nil)
	_ InboundSource = (*WhatsmeowService)(nil)
)

// NewWhatsmeowService wraps client. Inbound events are only received when client is a full
// *whatsapp.Client.
func NewWhatsmeowService(client whatsapp.WhatsAppSender) *WhatsmeowService {
	s := &WhatsmeowService{
		client:    client,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if src, ok := client.(eventSource); ok {
		s.events = src
		slog.Debug("WhatsmeowService created with full client for event handling")
	} else {
		slog.Debug("WhatsmeowService created with send-only client (likely mock)")
	}
	return s
}

func (s *WhatsmeowService) Name() string { return BackendWhatsmeow }

func (s *WhatsmeowService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsmeowService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return nil
	}
	s.started = true
	if s.events != nil {
		s.handlerID = s.events.AddEventHandler(s.handleEvent)
		slog.Debug("WhatsmeowService event handler registered")
	}
	return nil
}

// Stop unregisters the event handler, disconnects and closes the Responses channel.
func (s *WhatsmeowService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.events != nil {
		if s.started {
			s.events.RemoveEventHandler(s.handlerID)
		}
		s.events.Disconnect()
	}
	close(s.responses)
	slog.Info("WhatsmeowService stopped and channel closed")
	return nil
}

// Responses returns the channel of inbound text messages.
func (s *WhatsmeowService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// SendMessage sends body to the canonicalized recipient, split at the WhatsApp length limit.
func (s *WhatsmeowService) SendMessage(ctx context.Context, to string, body string) error {
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
		slog.Error("WhatsmeowService.SendMessage: recipient validation error", "error", err, "to", to)
		return err
	}
	for _, chunk := range splitBody(body, models.MaxMessageBodyLength) {
		if err := s.client.SendMessage(ctx, canonicalTo, chunk); err != nil {
			slog.Error("WhatsmeowService.SendMessage: send failed", "error", err, "to", canonicalTo)
			return err
		}
	}
	slog.Info("WhatsmeowService.SendMessage: message sent", "to", canonicalTo)
	return nil
}

func (s *WhatsmeowService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsmeowService connected")
	case *events.Disconnected:
		slog.Warn("WhatsmeowService disconnected")
	}
}

// handleIncomingMessage forwards one-to-one text messages to the Responses channel.
func (s *WhatsmeowService) handleIncomingMessage(evt *events.Message) {
	msg, ok := inboundFromEvent(evt)
	if !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsmeowService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.responses <- msg:
		slog.Debug("WhatsmeowService inbound message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsmeowService responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, false
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return models.InboundMessage{}, false
	}

	var text string
	if evt.Message.Conversation != nil {
		text = evt.Message.GetConversation()
	} else if evt.Message.ExtendedTextMessage != nil {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		slog.Debug("WhatsmeowService ignoring non-text message", "from", evt.Info.Sender.String())
		return models.InboundMessage{}, false
	}

	return models.InboundMessage{
		ID:          string(evt.Info.ID),
		From:        evt.Info.Sender.User,
		Text:        text,
		Timestamp:   evt.Info.Timestamp.Unix(),
		ProfileName: evt.Info.PushName,
	}, true
}
