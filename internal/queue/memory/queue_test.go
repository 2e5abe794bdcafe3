package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan monitor.RunRequest, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.True(t, q.TryEnqueue(monitor.RunRequest{TaskID: "task-1", Reason: "tick"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "task-1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCancelationAndCapacity(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.True(t, full.TryEnqueue(monitor.RunRequest{TaskID: "primed"}))
	require.Equal(t, 1, full.Len())
	require.Equal(t, 1, full.Cap())
	require.False(t, full.TryEnqueue(monitor.RunRequest{TaskID: "overflow"}))
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.True(t, q.TryEnqueue(monitor.RunRequest{TaskID: "pending"}))
	require.True(t, q.TryEnqueue(monitor.RunRequest{TaskID: "second"}))
	q.Close()
	q.Close()
	require.False(t, q.TryEnqueue(monitor.RunRequest{TaskID: "late"}))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pending", got.TaskID)
	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
