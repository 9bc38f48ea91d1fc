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

// transientStatus reports whether an HTTP status is worth retrying.
// 5xx and 429 only; 4xx request errors never heal on their own.
func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// backoffFor returns the sleep before retry attempt n (1-based):
// quadratic base plus up to 50% jitter.
func backoffFor(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// serverError carries the upstream status and body through the retry
// loop so the final wrapped error says what the API actually returned.
type serverError struct {
	status int
	body   string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// doWithRetry runs an HTTP request with up to maxRetries retries on
// network failures and transient statuses. buildReq is invoked per
// attempt: request bodies are consumed on send and must be rebuilt.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
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
		switch {
		case err != nil:
			lastErr = err
			logger.Warn("request failed", "attempt", attempt+1, "error", err)
		case transientStatus(resp.StatusCode):
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &serverError{status: resp.StatusCode, body: string(body)}
			logger.Warn("server error", "attempt", attempt+1, "status", resp.StatusCode)
		default:
			return resp, nil
		}

		if attempt >= maxRetries {
			return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
		}
	}
}
