package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bookgen/api/internal/logger"
)

const (
	DefaultCallbackTimeout = 30 * time.Second
	callbackAttempts       = 3
	userAgent              = "bookgen-notifier/1.0"
)

// CallbackClient POSTs JSON events to client-supplied URLs.
type CallbackClient struct {
	http     *http.Client
	attempts uint
	delay    time.Duration
	log      *logger.Logger
}

func NewCallbackClient(timeout time.Duration, log *logger.Logger) *CallbackClient {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CallbackClient{
		http:     &http.Client{Timeout: timeout},
		attempts: callbackAttempts,
		delay:    time.Second,
		log:      log.With("component", "callback"),
	}
}

// StatusError is a non-2xx callback response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned status %d: %s", e.Code, e.Body)
}

// Post delivers payload to url. 5xx responses and transport errors are
// retried with exponential backoff; 4xx responses are not. It returns the
// number of attempts made.
func (c *CallbackClient) Post(ctx context.Context, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	attempts := 0
	err = retry.Do(
		func() error {
			attempts++
			return c.post(ctx, url, body)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("callback attempt failed", "url", url, "attempt", n+1, "error", err)
		}),
	)
	return attempts, err
}

func (c *CallbackClient) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(statusErr)
	}
	return statusErr
}
