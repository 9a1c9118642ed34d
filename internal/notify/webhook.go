package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBackoff = 200 * time.Millisecond
)

// WebhookNotifier POSTs each notification as JSON. Network errors and 5xx
// responses are retried with exponential backoff; 4xx responses are not.
type WebhookNotifier struct {
	URL        string
	Secret     string
	Client     *http.Client
	MaxRetries uint64
	Backoff    time.Duration
}

func NewWebhookNotifier(url, secret string, timeout time.Duration, maxRetries uint64) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		URL:        url,
		Secret:     secret,
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		Backoff:    defaultWebhookBackoff,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	delivery := uuid.NewString()
	base := w.Backoff
	if base <= 0 {
		base = defaultWebhookBackoff
	}
	backoff := retry.WithMaxRetries(w.MaxRetries, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.post(ctx, delivery, string(n.Type), data)
		if err == nil {
			return nil
		}
		if se, ok := err.(*statusError); ok && se.Code < 500 {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (w *WebhookNotifier) post(ctx context.Context, delivery, typ string, data []byte) error {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auditflow-Notification", typ)
	req.Header.Set("X-Auditflow-Delivery", delivery)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Auditflow-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &statusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
