package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramProvider sends messages with the Telegram Bot API sendMessage method.
type TelegramProvider struct {
	client    *http.Client
	logger    *slog.Logger
	token     string
	apiURL    string
	parseMode string
}

// TelegramOptions tunes the Telegram provider. Zero values get defaults.
type TelegramOptions struct {
	Client    *http.Client
	APIURL    string
	ParseMode string // Passed through as parse_mode when set
	Timeout   time.Duration
}

// NewTelegramProvider creates a new Telegram provider for a bot token.
func NewTelegramProvider(token string, opts TelegramOptions, logger *slog.Logger) *TelegramProvider {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	apiURL := strings.TrimSuffix(opts.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &TelegramProvider{
		client:    client,
		logger:    logger,
		token:     token,
		apiURL:    apiURL,
		parseMode: opts.ParseMode,
	}
}

type telegramResponse struct {
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	OK          bool   `json:"ok"`
}

// Send sends a message via the Bot API.
func (p *TelegramProvider) Send(ctx context.Context, recipient, text string) error {
	form := url.Values{}
	form.Set("chat_id", recipient)
	form.Set("text", text)
	if p.parseMode != "" {
		form.Set("parse_mode", p.parseMode)
	}

	endpoint := p.apiURL + "/bot" + p.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &DeliveryError{Recipient: recipient, Err: errors.New("create request")}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p.logger.Info("Telegram API request starting",
		"method", "POST",
		"endpoint", "sendMessage",
		"chat_id", recipient)

	startTime := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		// url.Error carries the endpoint, which contains the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		p.logger.Warn("Telegram API request failed",
			"chat_id", recipient,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &DeliveryError{Recipient: recipient, StatusCode: resp.StatusCode, Err: err}
	}

	var parsed telegramResponse
	jsonErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (jsonErr == nil && !parsed.OK) {
		p.logger.Warn("Telegram API returned an error",
			"status_code", resp.StatusCode,
			"chat_id", recipient,
			"description", parsed.Description)
		return &DeliveryError{
			Recipient:   recipient,
			StatusCode:  resp.StatusCode,
			Description: parsed.Description,
		}
	}

	p.logger.Info("Telegram API request completed",
		"endpoint", "sendMessage",
		"chat_id", recipient,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
