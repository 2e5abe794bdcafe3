package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
)

func init() {
	metrics.Init()
}

func TestLimiterWaitThrottlesSameDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.amazon.co.jp/dp/A"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://amazon.co.jp/dp/B"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.amazon.co.jp/dp/A"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://item.rakuten.co.jp/shop/x"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterContextCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "amazon.co.jp", Domain("https://WWW.Amazon.co.jp/dp/A"))
	require.Equal(t, "item.rakuten.co.jp", Domain("https://item.rakuten.co.jp/x"))
	require.Equal(t, "unknown", Domain("::bad"))
}
