package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"reversalBot/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier sends operator messages through the Telegram Bot API.
type Notifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   ports.Logger
}

// Config holds Telegram configuration.
type Config struct {
	BotToken string
	ChatID   string
	BaseURL  string // Overridable for tests
	Logger   ports.Logger
}

// New creates a Telegram notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram bot token and chat id are required: %w", ports.ErrConfigurationError)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   cfg.Logger,
	}, nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Notify delivers text. Failures are logged and swallowed.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if err := n.send(ctx, text); err != nil {
		n.logger.Warn(ctx, "Telegram notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func (n *Notifier) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: n.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the logger. Used when Telegram is not configured.
type LogNotifier struct {
	Logger ports.Logger
}

func (l LogNotifier) Notify(ctx context.Context, text string) {
	l.Logger.Info(ctx, "Notification", map[string]interface{}{"text": text})
}
