package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramTransport delivers alerts through a bot using the sendMessage
// method of the Telegram Bot API.
type TelegramTransport struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`

	// BaseURL overrides the API host, for tests.
	BaseURL string `mapstructure:"base_url"`

	client *http.Client
}

func (t *TelegramTransport) Name() string {
	return "telegram"
}

func (t *TelegramTransport) validate() error {
	if t.BotToken == "" {
		return errors.New("telegram bot_token is required")
	}
	if t.ChatID == "" {
		return errors.New("telegram chat_id is required")
	}
	return nil
}

func (t *TelegramTransport) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.ChatID,
		"text":    fmt.Sprintf("[%s] %s\nnode: %s", alert.Category, alert.Text, alert.Node),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode sendMessage payload")
	}

	base := t.BaseURL
	if base == "" {
		base = telegramAPIBase
	}
	return postJSON(ctx, t.httpClient(), fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken), payload)
}

func (t *TelegramTransport) httpClient() *http.Client {
	if t.client != nil {
		return t.client
	}
	return defaultTransportClient
}
