package notify

import (
	"context"
	"log/slog"

	"bluesky-notifier/pkg/notifier"
)

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// MockChannel logs notifications instead of delivering them. Used in mock
// mode and in tests.
type MockChannel struct {
	logger      *slog.Logger
	channelName string
}

// NewMockChannel creates a mock channel answering to the given name.
func NewMockChannel(name string, logger *slog.Logger) *MockChannel {
	return &MockChannel{logger: logger, channelName: name}
}

// Name implements Channel.
func (m *MockChannel) Name() string { return m.channelName }

// Send logs the notification instead of delivering it.
func (m *MockChannel) Send(_ context.Context, event *notifier.Event) error {
	m.logger.Info("MOCK NOTIFICATION",
		"channel", m.channelName,
		"handle", event.Account.Handle,
		"post_id", event.Post.ID,
		"title", event.Title())
	return nil
}
