package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// SentMessage is a message recorded by MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService records outgoing messages instead of delivering them. Used by tests of the
// relay and the HTTP layer.
type MockService struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
	responses    chan models.InboundMessage
	started      bool
	stopped      bool
}

var (
	_ Service       = (*MockService)(nil)
	_ InboundSource = (*MockService)(nil)
)

func NewMockService() *MockService {
	return &MockService{responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (m *MockService) Name() string { return "mock" }

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

func (m *MockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.responses)
	}
	return nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Responses returns the channel fed by Deliver.
func (m *MockService) Responses() <-chan models.InboundMessage {
	return m.responses
}

// Deliver simulates an inbound message arriving on the service's own connection.
func (m *MockService) Deliver(msg models.InboundMessage) {
	m.responses <- msg
}

// Sent returns a copy of the recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// Started reports whether Start was called.
func (m *MockService) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}
