package checker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	collyfetcher "github.com/JakeFAU/restock-monitor/internal/fetcher/colly"
)

// RetryPolicy decides whether and when to retry a failed page fetch.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds an exponential policy. attempts counts the first try.
func NewRetryPolicy(attempts int, base time.Duration) *RetryPolicy {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	return &RetryPolicy{
		maxAttempts: attempts,
		baseDelay:   base,
		maxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether err after the given attempt (1-based) is worth
// another try. Client errors other than 408 and 429 are final.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *collyfetcher.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code >= http.StatusInternalServerError ||
			code == http.StatusTooManyRequests ||
			code == http.StatusRequestTimeout
	}
	return true
}

// Backoff returns the wait before attempt+1: base*2^(attempt-1), half fixed
// and half jitter, capped at maxDelay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
