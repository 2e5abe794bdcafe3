package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"product url", "https://www.amazon.co.jp/dp/B0CHX1W1XY", "amazon.co.jp"},
		{"mixed case", "https://Item.Rakuten.co.jp/shop/item", "item.rakuten.co.jp"},
		{"bare site", "louisvuitton.com", "louisvuitton.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if runsTotal == nil || verdictsTotal == nil || busyWorkers == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	ObserveRun("success", 2*time.Second)
	if val := testutil.ToFloat64(runsTotal.WithLabelValues("success")); val < 1 {
		t.Errorf("expected success runs >= 1, got %f", val)
	}

	before := testutil.ToFloat64(verdictsTotal.WithLabelValues("amazon.co.jp", "available"))
	ObserveVerdict("https://www.amazon.co.jp/dp/X", "available")
	if val := testutil.ToFloat64(verdictsTotal.WithLabelValues("amazon.co.jp", "available")); val != before+1 {
		t.Errorf("expected verdict counter to increase by one, got %f", val-before)
	}

	IncBusyWorkers()
	IncBusyWorkers()
	DecBusyWorkers()
	if val := testutil.ToFloat64(busyWorkers); val != 1 {
		t.Errorf("expected one busy worker, got %f", val)
	}
	DecBusyWorkers()

	ObserveSearchFailure("rakuten.co.jp")
	ObserveDegradedFiltering()
	ObserveNotification("sent")
	ObserveRateLimitDelay("amazon.co.jp", 300*time.Millisecond)
	if val := testutil.ToFloat64(degradedFilteringTotal); val < 1 {
		t.Errorf("expected degraded counter >= 1, got %f", val)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://amazon.co.jp", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
