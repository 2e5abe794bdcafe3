// Package checker fetches candidate pages and turns them into verdicts.
package checker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/detector"
	collyfetcher "github.com/JakeFAU/restock-monitor/internal/fetcher/colly"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// PageFetcher retrieves a single page.
type PageFetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Limiter throttles fetches per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config bounds each check.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Checker implements monitor.Checker.
type Checker struct {
	fetcher  PageFetcher
	registry *detector.Registry
	limiter  Limiter
	retry    *RetryPolicy
	clock    monitor.Clock
	timeout  time.Duration
	logger   *zap.Logger
}

// New wires a Checker. limiter may be nil to disable throttling.
func New(
	fetcher PageFetcher,
	registry *detector.Registry,
	limiter Limiter,
	clk monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Checker {
	if registry == nil {
		registry = detector.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Checker{
		fetcher:  fetcher,
		registry: registry,
		limiter:  limiter,
		retry:    NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase),
		clock:    clk,
		timeout:  timeout,
		logger:   logger.Named("checker"),
	}
}

// Check fetches the candidate page and applies the matching detector. Fetch
// and parse failures produce an unknown verdict alongside the error.
func (c *Checker) Check(ctx context.Context, candidate monitor.Candidate) (monitor.Verdict, error) {
	verdict := monitor.Verdict{
		URL:          candidate.URL,
		Title:        candidate.Title,
		Availability: monitor.Unknown,
	}

	resp, attempts, err := c.fetch(ctx, candidate.URL)
	verdict.CheckedAt = c.clock.Now()
	if err != nil {
		verdict.RawSignal = "fetch_failed"
		c.logger.Warn("fetch failed",
			zap.String("url", candidate.URL),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		fetchErr := &monitor.FetchError{URL: candidate.URL, Err: err}
		var statusErr *collyfetcher.StatusError
		if errors.As(err, &statusErr) {
			fetchErr.StatusCode = statusErr.StatusCode
		}
		return verdict, fetchErr
	}

	det, name, err := c.registry.Detect(candidate.URL, resp.Body)
	verdict.Detector = name
	verdict.Price = det.Price
	verdict.RawSignal = det.RawSignal()
	if det.Title != "" && verdict.Title == "" {
		verdict.Title = det.Title
	}
	if err != nil {
		c.logger.Info("no availability signal",
			zap.String("url", candidate.URL),
			zap.String("detector", name),
			zap.Error(err),
		)
		return verdict, err
	}
	verdict.Availability = det.Availability
	c.logger.Debug("page checked",
		zap.String("url", candidate.URL),
		zap.String("detector", name),
		zap.String("availability", string(det.Availability)),
		zap.Int("attempts", attempts),
		zap.Duration("duration", resp.Duration),
	)
	return verdict, nil
}

func (c *Checker) fetch(ctx context.Context, rawURL string) (collyfetcher.Response, int, error) {
	req := collyfetcher.Request{URL: rawURL, Headers: BrowserHeaders(rawURL)}
	var (
		resp collyfetcher.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if werr := c.limiter.Wait(ctx, rawURL); werr != nil {
				return resp, attempt - 1, werr
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err = c.fetcher.Fetch(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, attempt, nil
		}
		if ctx.Err() != nil || !c.retry.ShouldRetry(err, attempt) {
			return resp, attempt, err
		}
		if serr := sleepCtx(ctx, c.retry.Backoff(attempt)); serr != nil {
			return resp, attempt, err
		}
	}
}

// BrowserHeaders returns browser-like request headers with site-specific
// adjustments. The User-Agent is set by the fetcher.
func BrowserHeaders(rawURL string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "ja,en-US;q=0.9,en;q=0.8")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")

	host := monitor.Hostname(rawURL)
	switch {
	case strings.Contains(host, "amazon"):
		h.Set("Accept-Language", "ja,en;q=0.9")
	case strings.Contains(host, "louisvuitton"):
		h.Set("Cache-Control", "no-cache")
	}
	return h
}
