package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const transportHTTPTimeout = 10 * time.Second

var defaultTransportClient = &http.Client{
	Timeout: transportHTTPTimeout,
}

// WebhookTransport posts alerts as a JSON document to a chat-room webhook.
type WebhookTransport struct {
	URL string `mapstructure:"url"`

	client *http.Client
}

type webhookPayload struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Node     string `json:"node"`
}

func (t *WebhookTransport) Name() string {
	return "webhook"
}

func (t *WebhookTransport) validate() error {
	if t.URL == "" {
		return errors.New("webhook url is required")
	}
	return nil
}

func (t *WebhookTransport) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(webhookPayload{
		Text:     alert.Text,
		Category: string(alert.Category),
		Node:     alert.Node,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}
	return postJSON(ctx, t.httpClient(), t.URL, payload)
}

func (t *WebhookTransport) httpClient() *http.Client {
	if t.client != nil {
		return t.client
	}
	return defaultTransportClient
}

// postJSON is shared by all HTTP-backed transports. Any response outside the
// 2xx range is an error, carrying a snippet of the body for the log line.
func postJSON(ctx context.Context, client *http.Client, url string, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create http.Request")
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if ctx.Err() != nil {
		return errors.New("http request timed out or interrupted")
	}
	if err != nil {
		return errors.Wrap(err, "error making http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("got status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
