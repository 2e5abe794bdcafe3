// Package storetest holds behavior tests shared by monitor.Store backends.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) monitor.Store

// Run exercises the monitor.Store contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create list get", func(t *testing.T) { testCreateListGet(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("verdicts", func(t *testing.T) { testVerdicts(t, newStore(t)) })
	t.Run("mark checked", func(t *testing.T) { testMarkChecked(t, newStore(t)) })
	t.Run("concurrent puts", func(t *testing.T) { testConcurrentPuts(t, newStore(t)) })
}

var created = time.Date(2024, 9, 22, 9, 0, 0, 0, time.UTC)

func task(id, keyword string, sites ...string) monitor.Task {
	return monitor.Task{
		ID:                id,
		Keyword:           keyword,
		TargetSites:       sites,
		NotificationEmail: "user@example.com",
		CreatedAt:         created,
	}
}

func testCreateListGet(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	id, err := s.CreateTask(ctx, task("t1", "iPhone 15 Pro Max", "amazon.co.jp", "rakuten.co.jp"))
	require.NoError(t, err)
	require.Equal(t, "t1", id)
	_, err = s.CreateTask(ctx, task("t2", "Neverfull", "louisvuitton.com"))
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, "t2", tasks[1].ID)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "iPhone 15 Pro Max", got.Keyword)
	require.Equal(t, []string{"amazon.co.jp", "rakuten.co.jp"}, got.TargetSites)
	require.Equal(t, "user@example.com", got.NotificationEmail)
	require.True(t, created.Equal(got.CreatedAt))
	require.Nil(t, got.LastCheckedAt)

	_, err = s.GetTask(ctx, "missing")
	require.ErrorIs(t, err, monitor.ErrTaskNotFound)
	require.NoError(t, s.Ping(ctx))
}

func testDelete(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	_, err := s.CreateTask(ctx, task("t1", "k", "amazon.co.jp"))
	require.NoError(t, err)
	require.NoError(t, s.PutVerdict(ctx, "t1", "https://a/1", monitor.Verdict{Availability: monitor.Available, CheckedAt: created}))

	require.ErrorIs(t, s.DeleteTask(ctx, "missing"), monitor.ErrTaskNotFound)
	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "deleting an unknown id changes nothing")

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	tasks, err = s.ListTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
	v, err := s.GetLastVerdict(ctx, "t1", "https://a/1")
	require.NoError(t, err)
	require.Nil(t, v)
	require.ErrorIs(t, s.DeleteTask(ctx, "t1"), monitor.ErrTaskNotFound)
}

func testVerdicts(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	_, err := s.CreateTask(ctx, task("t1", "k", "amazon.co.jp"))
	require.NoError(t, err)

	v, err := s.GetLastVerdict(ctx, "t1", "https://a/1")
	require.NoError(t, err)
	require.Nil(t, v)

	price := 189800.0
	first := monitor.Verdict{
		Title:        "iPhone",
		Availability: monitor.Unavailable,
		Price:        &price,
		Detector:     "amazon",
		RawSignal:    "out_of_stock_text",
		CheckedAt:    created,
	}
	require.NoError(t, s.PutVerdict(ctx, "t1", "https://a/1", first))
	require.NoError(t, s.PutVerdict(ctx, "t1", "https://a/2", monitor.Verdict{Availability: monitor.Unknown, CheckedAt: created}))

	second := first
	second.Availability = monitor.Available
	second.RawSignal = "buy_button_enabled,price_found"
	second.CheckedAt = created.Add(5 * time.Minute)
	require.NoError(t, s.PutVerdict(ctx, "t1", "https://a/1", second))

	v, err = s.GetLastVerdict(ctx, "t1", "https://a/1")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, monitor.Available, v.Availability)
	require.Equal(t, "https://a/1", v.URL)
	require.Equal(t, "amazon", v.Detector)
	require.NotNil(t, v.Price)
	require.InDelta(t, price, *v.Price, 0.001)
	require.True(t, second.CheckedAt.Equal(v.CheckedAt))

	all, err := s.ListVerdicts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 2, "only the latest verdict per url is kept")

	require.ErrorIs(t, s.PutVerdict(ctx, "missing", "https://a/1", first), monitor.ErrTaskNotFound)
}

func testMarkChecked(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	_, err := s.CreateTask(ctx, task("t1", "k", "amazon.co.jp"))
	require.NoError(t, err)

	at := created.Add(time.Hour)
	require.NoError(t, s.MarkChecked(ctx, "t1", at))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckedAt)
	require.True(t, at.Equal(*got.LastCheckedAt))

	require.ErrorIs(t, s.MarkChecked(ctx, "missing", at), monitor.ErrTaskNotFound)
}

func testConcurrentPuts(t *testing.T, s monitor.Store) {
	ctx := context.Background()
	_, err := s.CreateTask(ctx, task("t1", "k", "amazon.co.jp"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://a/%d", i%2)
			_ = s.PutVerdict(ctx, "t1", url, monitor.Verdict{Availability: monitor.Available, CheckedAt: created})
		}(i)
	}
	wg.Wait()

	all, err := s.ListVerdicts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
