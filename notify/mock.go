package notify

import (
	"context"
	"log/slog"
)

// MockProvider is a mock provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, recipient, text string) error {
	m.logger.Info("MOCK MESSAGE",
		"recipient", recipient,
		"text", text)
	return nil
}
