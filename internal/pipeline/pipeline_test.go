package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
	"github.com/JakeFAU/restock-monitor/internal/notifier/email"
	memorypublisher "github.com/JakeFAU/restock-monitor/internal/publisher/memory"
	"github.com/JakeFAU/restock-monitor/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeSearcher struct {
	result monitor.SearchResult
	err    error
}

func (f *fakeSearcher) Search(context.Context, string, []string) (monitor.SearchResult, error) {
	return f.result, f.err
}

type passFilter struct{ degraded bool }

func (p passFilter) Filter(_ context.Context, _ string, _ []string, c []monitor.Candidate) monitor.FilterResult {
	return monitor.FilterResult{Candidates: c, Degraded: p.degraded}
}

type fakeChecker struct {
	mu     sync.Mutex
	states map[string]monitor.Availability
	errs   map[string]error
}

func (f *fakeChecker) set(url string, a monitor.Availability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[url] = a
}

func (f *fakeChecker) Check(_ context.Context, c monitor.Candidate) (monitor.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[c.URL]; err != nil {
		return monitor.Verdict{URL: c.URL, Availability: monitor.Unknown}, err
	}
	return monitor.Verdict{URL: c.URL, Title: c.Title, Availability: f.states[c.URL], Detector: "fake"}, nil
}

type notification struct {
	to       string
	url      string
	previous monitor.Availability
	current  monitor.Availability
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, task monitor.Task, c monitor.Candidate, prev, cur monitor.Verdict) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.sent = append(f.sent, notification{to: task.NotificationEmail, url: c.URL, previous: prev.Availability, current: cur.Availability})
	return true, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const (
	amazonURL  = "https://www.amazon.co.jp/dp/B0CHX1W1XY"
	rakutenURL = "https://item.rakuten.co.jp/apple/iphone15promax"
)

type harness struct {
	store     *memory.TaskStore
	checker   *fakeChecker
	notifier  *fakeNotifier
	publisher *memorypublisher.Publisher
	searcher  *fakeSearcher
	runner    *Runner
	task      monitor.Task
}

func newHarness(t *testing.T, filter monitor.RelevanceFilter) *harness {
	t.Helper()
	metrics.Init()

	h := &harness{
		store:     memory.NewTaskStore(),
		checker:   &fakeChecker{states: map[string]monitor.Availability{}, errs: map[string]error{}},
		notifier:  &fakeNotifier{},
		publisher: memorypublisher.New(0, nil),
		searcher: &fakeSearcher{result: monitor.SearchResult{Candidates: []monitor.Candidate{
			{URL: amazonURL, Title: "Apple iPhone 15 Pro Max 256GB", SourceSite: "amazon.co.jp"},
			{URL: rakutenURL, Title: "iPhone 15 Pro Max SIMフリー", SourceSite: "rakuten.co.jp"},
		}}},
		task: monitor.Task{
			ID:                "task-1",
			Keyword:           "iPhone 15 Pro Max",
			TargetSites:       []string{"amazon.co.jp", "rakuten.co.jp"},
			NotificationEmail: "user@example.com",
			CreatedAt:         time.Date(2024, 9, 22, 9, 0, 0, 0, time.UTC),
		},
	}
	if filter == nil {
		filter = passFilter{}
	}
	_, err := h.store.CreateTask(context.Background(), h.task)
	require.NoError(t, err)

	h.runner, err = New(Deps{
		Store:     h.store,
		Searcher:  h.searcher,
		Filter:    filter,
		Checker:   h.checker,
		Notifier:  h.notifier,
		Publisher: h.publisher,
		Clock:     &fakeClock{now: h.task.CreatedAt},
	}, Config{CheckConcurrency: 2}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func TestRunIPhoneScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	h.checker.set(amazonURL, monitor.Unavailable)
	h.checker.set(rakutenURL, monitor.Available)
	first, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)
	require.Len(t, first.Verdicts, 2)
	require.Empty(t, first.Changes, "the first check only establishes the baseline")
	require.Zero(t, h.notifier.count())
	require.Equal(t, 1, first.AvailableCount())
	require.Equal(t, "found 2 relevant products, 1 in stock", first.Summary)

	h.checker.set(amazonURL, monitor.Available)
	second, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)
	require.Len(t, second.Changes, 1)
	require.Equal(t, amazonURL, second.Changes[0].URL)
	require.True(t, second.Changes[0].Notified)

	require.Equal(t, 1, h.notifier.count())
	sent := h.notifier.sent[0]
	require.Equal(t, "user@example.com", sent.to)
	require.Equal(t, monitor.Unavailable, sent.previous)
	require.Equal(t, monitor.Available, sent.current)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	event := msgs[0].Event
	require.Equal(t, h.task.ID, event.TaskID)
	require.Equal(t, amazonURL, event.URL)
	require.Equal(t, monitor.Available, event.Current)

	stored, err := h.store.GetLastVerdict(ctx, h.task.ID, amazonURL)
	require.NoError(t, err)
	require.Equal(t, monitor.Available, stored.Availability)

	task, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.NotNil(t, task.LastCheckedAt)

	third, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)
	require.Empty(t, third.Changes, "unchanged verdicts never notify")
	require.Equal(t, 1, h.notifier.count())
}

func TestRunPartialSearchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.searcher.result = monitor.SearchResult{
		Candidates:  []monitor.Candidate{{URL: amazonURL, SourceSite: "amazon.co.jp"}},
		FailedSites: []string{"rakuten.co.jp"},
	}
	h.checker.set(amazonURL, monitor.Available)

	res, err := h.runner.Run(context.Background(), h.task)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 1)
	require.Equal(t, []string{"rakuten.co.jp"}, res.FailedSites)
	require.Contains(t, res.Warnings, "search unavailable for rakuten.co.jp")
}

func TestRunSearchOutageStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.searcher.result = monitor.SearchResult{FailedSites: []string{"amazon.co.jp", "rakuten.co.jp"}}
	h.searcher.err = &monitor.SearchUnavailableError{Site: "amazon.co.jp", Err: errors.New("503")}

	res, err := h.runner.Run(context.Background(), h.task)
	require.NoError(t, err)
	require.Empty(t, res.Verdicts)
	require.Len(t, res.Warnings, 2)
	require.Equal(t, "no relevant products found", res.Summary)
}

func TestRunDegradedFiltering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, passFilter{degraded: true})
	res, err := h.runner.Run(context.Background(), h.task)
	require.NoError(t, err)
	require.True(t, res.DegradedFiltering)
	require.Len(t, res.Candidates, 2)
}

func TestRunCheckErrorsBecomeUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.set(rakutenURL, monitor.Available)
	h.checker.errs[amazonURL] = &monitor.FetchError{URL: amazonURL, StatusCode: 503, Err: errors.New("service unavailable")}

	res, err := h.runner.Run(context.Background(), h.task)
	require.NoError(t, err)
	require.Equal(t, monitor.Unknown, res.Verdicts[0].Availability)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "503")
}

func TestRunNotificationFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.checker.set(amazonURL, monitor.Unavailable)
	_, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)

	h.notifier.err = &monitor.DeliveryError{To: "user@example.com", Attempts: 2, Err: errors.New("550")}
	h.checker.set(amazonURL, monitor.Available)
	res, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	require.False(t, res.Changes[0].Notified)
	require.Len(t, h.publisher.Messages(), 1, "the change event is still published")
}

func TestRunUnconfiguredRelayIsNotNotified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	runner, err := New(Deps{
		Store:     h.store,
		Searcher:  h.searcher,
		Filter:    passFilter{},
		Checker:   h.checker,
		Notifier:  email.New(email.Config{}, nil, nil),
		Publisher: h.publisher,
		Clock:     &fakeClock{now: h.task.CreatedAt},
	}, Config{CheckConcurrency: 1}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	h.checker.set(amazonURL, monitor.Available)
	h.checker.set(rakutenURL, monitor.Available)
	_, err = runner.Run(ctx, h.task)
	require.NoError(t, err)

	h.checker.set(amazonURL, monitor.Unavailable)
	res, err := runner.Run(ctx, h.task)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	require.False(t, res.Changes[0].Notified, "no relay means no email left the process")
	require.Len(t, h.publisher.Messages(), 1)
}

func TestRunDeletedTaskAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.store.DeleteTask(context.Background(), h.task.ID))

	_, err := h.runner.Run(context.Background(), h.task)
	require.ErrorIs(t, err, monitor.ErrTaskNotFound)
	tasks, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

type failingStore struct {
	*memory.TaskStore
}

func (failingStore) PutVerdict(context.Context, string, string, monitor.Verdict) error {
	return monitor.StoreError("put verdict", errors.New("disk full"))
}

func TestRunStoreFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	runner, err := New(Deps{
		Store:    failingStore{h.store},
		Searcher: h.searcher,
		Filter:   passFilter{},
		Checker:  h.checker,
		Notifier: h.notifier,
		Clock:    &fakeClock{},
	}, Config{CheckConcurrency: 1}, nil)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), h.task)
	require.ErrorIs(t, err, monitor.ErrStore)
}

func TestConcurrentRunsNotifyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.checker.set(amazonURL, monitor.Unavailable)
	h.checker.set(rakutenURL, monitor.Unavailable)
	_, err := h.runner.Run(ctx, h.task)
	require.NoError(t, err)

	h.checker.set(amazonURL, monitor.Available)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Run(ctx, h.task)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.notifier.count())
	require.Zero(t, h.runner.locks.size())
}

func TestRunCapsCandidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.runner.cfg.MaxCandidates = 1
	res, err := h.runner.Run(context.Background(), h.task)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 1)
	require.Equal(t, amazonURL, res.Verdicts[0].URL)
}

func TestRunCanceledContextWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx, h.task)
	require.ErrorIs(t, err, context.Canceled)
	all, err := h.store.ListVerdicts(context.Background(), h.task.ID)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestKeyedMutexSerializes(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()
	unlock := km.Lock("a")
	acquired := make(chan struct{})
	go func() {
		release := km.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}
	otherUnlock := km.Lock("b")
	otherUnlock()

	unlock()
	<-acquired
	require.Eventually(t, func() bool { return km.size() == 0 }, time.Second, 5*time.Millisecond)
}
