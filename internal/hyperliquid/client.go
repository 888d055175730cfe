package hyperliquid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Error kinds surfaced by the venue clients. Transient errors are retried
// inside the client; once the retry budget is exhausted the failure
// escalates to fatal, which halts further order placement upstream.
var (
	ErrVenueTransient = errors.New("venue transient error")
	ErrVenueFatal     = errors.New("venue fatal error")
	ErrSanity         = errors.New("value outside sanity range")
)

const (
	maxAttempts    = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// backoffDelay returns base × 2^(attempt-1) capped at maxBackoff, plus up
// to 25% jitter so synchronized clients do not stampede.
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// postJSON posts a pre-marshaled body and retries transient failures
// (network errors, 5xx, 429). Non-retryable HTTP statuses and exhausted
// budgets come back wrapped in ErrVenueFatal.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, logger zerolog.Logger) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrVenueTransient, err)
			logger.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("venue request failed")
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: read body: %v", ErrVenueTransient, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return data, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: status %d: %s", ErrVenueTransient, resp.StatusCode, truncateBody(data))
			logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("venue returned retryable status")
			continue
		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrVenueFatal, resp.StatusCode, truncateBody(data))
		}
	}
	return nil, fmt.Errorf("%w: retry budget exhausted: %v", ErrVenueFatal, lastErr)
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
