package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const maxRetries = 3

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// backoff is the wait before retry n (1-based): n² seconds plus up to 50%
// jitter, scaled by unit so tests can run fast.
func backoff(n int, unit time.Duration) time.Duration {
	base := time.Duration(n*n) * unit
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// doWithRetry executes an HTTP request, retrying network failures, 5xx and
// 429 with backoff. Other responses are returned to the caller as is.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), unit time.Duration, logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, unit)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("gave up after %d retries: %w", maxRetries, lastErr)
}
