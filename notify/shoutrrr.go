package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// RecipientPlaceholder is replaced with the recipient id in Shoutrrr URL templates.
const RecipientPlaceholder = "{recipient}"

// TelegramShoutrrrURL builds a Shoutrrr Telegram URL template for a bot token.
func TelegramShoutrrrURL(token string) string {
	return "telegram://" + token + "@telegram?chats=" + RecipientPlaceholder
}

// ShoutrrrProvider sends via nicholas-fedor/shoutrrr, building one service URL
// per recipient from a template.
type ShoutrrrProvider struct {
	logger    *slog.Logger
	template  string
	parseMode string
	timeout   time.Duration
}

// NewShoutrrrProvider creates a provider for a URL template containing {recipient}.
func NewShoutrrrProvider(template, parseMode string, timeout time.Duration, logger *slog.Logger) *ShoutrrrProvider {
	return &ShoutrrrProvider{
		logger:    logger,
		template:  template,
		parseMode: parseMode,
		timeout:   timeout,
	}
}

// Send delivers text through the service URL built for recipient.
func (p *ShoutrrrProvider) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	serviceURL := strings.ReplaceAll(p.template, RecipientPlaceholder, url.QueryEscape(recipient))
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		// The URL may hold credentials, so only the scheme is reported.
		return &DeliveryError{Recipient: recipient, Err: errors.New("invalid service URL for scheme " + scheme(serviceURL))}
	}
	if p.timeout > 0 {
		sender.Timeout = p.timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	if p.parseMode != "" {
		params["parsemode"] = p.parseMode
	}

	p.logger.Info("Shoutrrr send starting", "scheme", scheme(serviceURL), "recipient", recipient)
	for _, sendErr := range sender.Send(text, &params) {
		if sendErr != nil {
			return &DeliveryError{Recipient: recipient, Err: sendErr}
		}
	}
	return nil
}

func scheme(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i]
	}
	return "unknown"
}
