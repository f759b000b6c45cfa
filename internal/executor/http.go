package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/model"
)

const maxResponseSize = 1 << 20

// Webhook executes actions by POSTing them to a downstream service that
// performs the side effect. Transport errors and 5xx responses are
// reported as temporary; 4xx responses are final.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewWebhook returns a Webhook executor for url.
func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	Kind   string         `json:"kind"`
	Target string         `json:"target"`
	Params map[string]any `json:"params,omitempty"`
}

// Execute sends one action downstream.
func (w *Webhook) Execute(ctx context.Context, kind model.ActionKind, target string, params map[string]any) (gateway.Output, error) {
	body, err := json.Marshal(webhookRequest{Kind: string(kind), Target: target, Params: params})
	if err != nil {
		return gateway.Output{}, fmt.Errorf("encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return gateway.Output{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chaingate-executor")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return gateway.Output{}, &TemporaryError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gateway.Output{}, &TemporaryError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return gateway.Output{
			Body: string(data),
			Metadata: map[string]string{
				"http_status":  strconv.Itoa(resp.StatusCode),
				"content_type": resp.Header.Get("Content-Type"),
			},
		}, nil
	case resp.StatusCode >= 500:
		return gateway.Output{}, &TemporaryError{Err: fmt.Errorf("executor server error: HTTP %d", resp.StatusCode)}
	default:
		return gateway.Output{}, fmt.Errorf("executor rejected action: HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
}

// TemporaryError marks a failure worth retrying for idempotent actions.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Temporary() bool { return true }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
