package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bookgen/api/internal/logger"
)

const (
	defaultCheckTimeout  = 10 * time.Second
	defaultCheckAttempts = 2
	checkUserAgent       = "bookgen-source-checker/1.0"
)

// Checker reports whether a source URL answers with a success status.
type Checker struct {
	http     *http.Client
	attempts uint
	delay    time.Duration
	log      *logger.Logger
}

func NewChecker(timeout time.Duration, log *logger.Logger) *Checker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Checker{
		http:     &http.Client{Timeout: timeout},
		attempts: defaultCheckAttempts,
		delay:    500 * time.Millisecond,
		log:      log.With("component", "source_checker"),
	}
}

// Accessible issues a HEAD request, falling back to GET when the server
// refuses HEAD. Server errors and transport failures are retried; a 4xx
// answer is final.
func (c *Checker) Accessible(ctx context.Context, url string) (bool, error) {
	err := retry.Do(
		func() error { return c.check(ctx, url) },
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("source check failed", "url", url, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Checker) check(ctx context.Context, url string) error {
	code, err := c.do(ctx, http.MethodHead, url)
	if err != nil {
		return err
	}
	if code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented {
		if code, err = c.do(ctx, http.MethodGet, url); err != nil {
			return err
		}
	}
	switch {
	case code >= 200 && code < 400:
		return nil
	case code >= 400 && code < 500:
		return retry.Unrecoverable(fmt.Errorf("source returned status %d", code))
	default:
		return fmt.Errorf("source returned status %d", code)
	}
}

func (c *Checker) do(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", checkUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
