package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultRetryAfter applies when a 429 carries no usable hint.
const defaultRetryAfter = 5 * time.Second

type webhookSink struct {
	url    string
	client *http.Client
}

func newWebhookSink(url string, client *http.Client) *webhookSink {
	return &webhookSink{url: url, client: client}
}

type webhookPayload struct {
	Content string `json:"content"`
}

// post sends text as {"content": text}. HTTP 429 yields a *RateLimitError
// whose wait is measured against now.
func (w *webhookSink) post(ctx context.Context, text string, now func() time.Time) error {
	data, err := json.Marshal(webhookPayload{Content: text})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), body, now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// retryAfter reads the wait from a Retry-After header (seconds or HTTP
// date, relative to now) or a JSON body carrying retry_after in seconds.
func retryAfter(header string, body []byte, now time.Time) time.Duration {
	if header = strings.TrimSpace(header); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
		}
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return defaultRetryAfter
}
