package email

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

type fakeClient struct {
	mu      sync.Mutex
	errs    []error
	sent    []*mail.Msg
	dialErr error
	calls   int
}

func (f *fakeClient) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *fakeClient) DialWithContext(context.Context) error { return f.dialErr }

func (f *fakeClient) Close() error { return nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newNotifier(t *testing.T, fc *fakeClient) *Notifier {
	t.Helper()
	metrics.Init()
	n := New(Config{Host: "smtp.example.com", Port: 587, From: "monitor@example.com", FromName: "Restock Monitor"}, nil, zap.NewNop())
	n.newClient = func() (client, error) { return fc, nil }
	return n
}

var (
	task = monitor.Task{ID: "t1", Keyword: "iPhone 15 Pro Max", NotificationEmail: "user@example.com"}
	cand = monitor.Candidate{URL: "https://www.amazon.co.jp/dp/B0CHX1W1XY", Title: "Apple iPhone 15 Pro Max", SourceSite: "amazon.co.jp"}
)

func render(t *testing.T, msg *mail.Msg) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestNotifySendsBackInStock(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	n := newNotifier(t, fc)
	price := 189800.0
	delivered, err := n.Notify(context.Background(), task, cand,
		monitor.Verdict{Availability: monitor.Unavailable},
		monitor.Verdict{Availability: monitor.Available, Price: &price, CheckedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Len(t, fc.sent, 1)

	subject := fc.sent[0].GetGenHeader(mail.HeaderSubject)
	require.Equal(t, []string{"Back in stock: Apple iPhone 15 Pro Max"}, subject)
	to := fc.sent[0].GetToString()
	require.Equal(t, []string{"<user@example.com>"}, to)

	body := render(t, fc.sent[0])
	require.Contains(t, body, "unavailable -> available")
	require.Contains(t, body, "189800")
	require.Contains(t, body, "text/html")
}

func TestNotifySkipsTasksWithoutEmail(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	n := newNotifier(t, fc)
	noEmail := task
	noEmail.NotificationEmail = "  "
	delivered, err := n.Notify(context.Background(), noEmail, cand, monitor.Verdict{}, monitor.Verdict{Availability: monitor.Available})
	require.NoError(t, err)
	require.False(t, delivered)
	require.Zero(t, fc.calls)
}

func TestNotifyRetriesOnce(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{errs: []error{errors.New("421 try later"), nil}}
	n := newNotifier(t, fc)
	delivered, err := n.Notify(context.Background(), task, cand,
		monitor.Verdict{Availability: monitor.Available},
		monitor.Verdict{Availability: monitor.Unavailable})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, 2, fc.calls)
	require.Equal(t, []string{"Out of stock: Apple iPhone 15 Pro Max"}, fc.sent[0].GetGenHeader(mail.HeaderSubject))
}

func TestNotifyReturnsDeliveryErrorAfterRetry(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{errs: []error{errors.New("550 rejected"), errors.New("550 rejected")}}
	n := newNotifier(t, fc)
	delivered, err := n.Notify(context.Background(), task, cand,
		monitor.Verdict{Availability: monitor.Unavailable},
		monitor.Verdict{Availability: monitor.Available})
	require.False(t, delivered)
	require.ErrorIs(t, err, monitor.ErrDelivery)
	var de *monitor.DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 2, de.Attempts)
	require.Equal(t, "user@example.com", de.To)
	require.Equal(t, 2, fc.calls)
}

func TestUnconfiguredNotifier(t *testing.T) {
	t.Parallel()

	metrics.Init()
	n := New(Config{}, nil, nil)
	require.False(t, n.Configured())
	delivered, err := n.Notify(context.Background(), task, cand, monitor.Verdict{}, monitor.Verdict{Availability: monitor.Available})
	require.NoError(t, err)
	require.False(t, delivered, "an unconfigured relay drops the message")
	require.ErrorIs(t, n.SendTest(context.Background(), "user@example.com"), ErrNotConfigured)
	require.ErrorIs(t, n.Ping(context.Background()), ErrNotConfigured)
}

func TestSendTestAndPing(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	n := newNotifier(t, fc)
	require.NoError(t, n.SendTest(context.Background(), "user@example.com"))
	require.Equal(t, []string{"Restock monitor test email"}, fc.sent[0].GetGenHeader(mail.HeaderSubject))
	require.NoError(t, n.Ping(context.Background()))

	fc.dialErr = errors.New("connection refused")
	require.Error(t, n.Ping(context.Background()))
}

func TestSendTestStampsInjectedClock(t *testing.T) {
	t.Parallel()

	metrics.Init()
	fc := &fakeClient{}
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	n := New(Config{Host: "smtp.example.com", From: "monitor@example.com"}, fixedClock{now: at}, nil)
	n.newClient = func() (client, error) { return fc, nil }

	require.NoError(t, n.SendTest(context.Background(), "user@example.com"))
	require.Len(t, fc.sent, 1)
	require.Contains(t, render(t, fc.sent[0]), "2024-03-01T09:30:00Z")
}

func TestSubjectFallsBackToURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Availability unknown: https://a/1",
		subjectFor(monitor.Unknown, displayTitle(monitor.Candidate{URL: "https://a/1"}, monitor.Verdict{})))
	require.Equal(t, "from page",
		displayTitle(monitor.Candidate{URL: "https://a/1"}, monitor.Verdict{Title: "from page"}))
}
