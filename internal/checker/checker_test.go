package checker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-monitor/internal/detector"
	collyfetcher "github.com/JakeFAU/restock-monitor/internal/fetcher/colly"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

const inStockPage = `<html><body>
<span id="productTitle">iPhone 15 Pro Max</span>
<div class="a-price"><span>￥189,800</span></div>
<div id="availability">在庫あり</div>
<input id="add-to-cart-button" type="submit">
</body></html>`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu        sync.Mutex
	responses []fetchResult
	requests  []collyfetcher.Request
}

type fetchResult struct {
	resp collyfetcher.Response
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return collyfetcher.Response{}, errors.New("no scripted response")
	}
	next := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return next.resp, next.err
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

var checkedAt = time.Date(2024, 9, 22, 9, 0, 0, 0, time.UTC)

func newChecker(f PageFetcher, l Limiter) *Checker {
	return New(f, detector.Default(), l, fixedClock{now: checkedAt},
		Config{Timeout: time.Second, MaxAttempts: 3, BackoffBase: time.Millisecond}, nil)
}

func TestCheckAvailable(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: []fetchResult{{resp: collyfetcher.Response{StatusCode: 200, Body: []byte(inStockPage)}}}}
	limiter := &countingLimiter{}
	c := newChecker(f, limiter)

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://www.amazon.co.jp/dp/X"})
	require.NoError(t, err)
	require.Equal(t, monitor.Available, v.Availability)
	require.Equal(t, "amazon", v.Detector)
	require.Equal(t, "iPhone 15 Pro Max", v.Title)
	require.NotNil(t, v.Price)
	require.Equal(t, checkedAt, v.CheckedAt)
	require.Equal(t, 1, limiter.waits)
	require.Equal(t, "ja,en;q=0.9", f.requests[0].Headers.Get("Accept-Language"))
}

func TestCheckRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: []fetchResult{
		{err: errors.New("connection reset")},
		{err: &collyfetcher.StatusError{StatusCode: http.StatusBadGateway, Err: errors.New("Bad Gateway")}},
		{resp: collyfetcher.Response{StatusCode: 200, Body: []byte(inStockPage)}},
	}}
	c := newChecker(f, nil)

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://www.amazon.co.jp/dp/X", Title: "from search"})
	require.NoError(t, err)
	require.Equal(t, monitor.Available, v.Availability)
	require.Equal(t, "from search", v.Title)
	require.Equal(t, 3, f.calls())
}

func TestCheckFetchErrorIsUnknown(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: []fetchResult{
		{err: &collyfetcher.StatusError{StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}},
	}}
	c := newChecker(f, nil)

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://shop.example.com/gone"})
	require.ErrorIs(t, err, monitor.ErrFetch)
	var fetchErr *monitor.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.Equal(t, monitor.Unknown, v.Availability)
	require.Equal(t, 1, f.calls(), "404 is not retried")
}

func TestCheckGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: []fetchResult{{err: errors.New("timeout")}}}
	c := newChecker(f, nil)

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://shop.example.com/slow"})
	require.ErrorIs(t, err, monitor.ErrFetch)
	require.Equal(t, monitor.Unknown, v.Availability)
	require.Equal(t, 3, f.calls())
}

func TestCheckParseErrorIsUnknown(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: []fetchResult{{resp: collyfetcher.Response{StatusCode: 200, Body: []byte("<html><body>hello</body></html>")}}}}
	c := newChecker(f, nil)

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://shop.example.com/x"})
	require.ErrorIs(t, err, monitor.ErrParse)
	require.Equal(t, monitor.Unknown, v.Availability)
	require.Equal(t, "generic", v.Detector)
}

func TestCheckLimiterErrorStopsFetch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c := newChecker(f, &countingLimiter{err: context.Canceled})

	v, err := c.Check(context.Background(), monitor.Candidate{URL: "https://shop.example.com/x"})
	require.ErrorIs(t, err, monitor.ErrFetch)
	require.Equal(t, monitor.Unknown, v.Availability)
	require.Zero(t, f.calls())
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond)
	require.True(t, p.ShouldRetry(errors.New("reset"), 1))
	require.False(t, p.ShouldRetry(errors.New("reset"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.True(t, p.ShouldRetry(&collyfetcher.StatusError{StatusCode: http.StatusTooManyRequests}, 1))
	require.False(t, p.ShouldRetry(&collyfetcher.StatusError{StatusCode: http.StatusForbidden}, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt <= 3; attempt++ {
		full := 100 * time.Millisecond << (attempt - 1)
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, full/2)
		require.LessOrEqual(t, d, full)
	}
}

func TestBrowserHeaders(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ja,en-US;q=0.9,en;q=0.8", BrowserHeaders("https://item.rakuten.co.jp/x").Get("Accept-Language"))
	require.Equal(t, "no-cache", BrowserHeaders("https://jp.louisvuitton.com/x").Get("Cache-Control"))
	require.Empty(t, BrowserHeaders("https://www.amazon.co.jp/x").Get("Cache-Control"))
}
