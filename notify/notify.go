// Package notify delivers availability messages to recipients through a
// pluggable messaging provider.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers text to a single recipient.
	Send(ctx context.Context, recipient, text string) error
}

// DeliveryError indicates the messaging API rejected or never received a message.
type DeliveryError struct {
	Err         error
	Recipient   string
	Description string // API supplied reason, if any
	StatusCode  int
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("deliver to %s: HTTP %d: %s", e.Recipient, e.StatusCode, e.Description)
	case e.Err != nil:
		return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
	default:
		return fmt.Sprintf("deliver to %s: HTTP %d", e.Recipient, e.StatusCode)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError checks if an error is a DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Sender sends messages using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Send delivers one message to one recipient.
func (s *Sender) Send(ctx context.Context, recipient, text string) error {
	s.logger.Info("Sending message", "recipient", recipient, "length", len(text))

	startTime := time.Now()
	if err := s.provider.Send(ctx, recipient, text); err != nil {
		return err
	}

	s.logger.Info("Message sent", "recipient", recipient, "duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
