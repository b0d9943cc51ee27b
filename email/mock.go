package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is one email captured by MockProvider.
type Message struct {
	To      string
	Subject string
	Body    string
}

// MockProvider logs emails instead of sending them and keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger
	err    error
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// FailWith makes subsequent sends return err.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: htmlBody})
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns a copy of every captured email.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
