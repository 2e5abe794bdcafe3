package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0, zap.NewNop())
	id1, err := pub.Publish(context.Background(), monitor.ChangeEvent{TaskID: "a", Current: monitor.Available})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), monitor.ChangeEvent{TaskID: "b", Current: monitor.Unavailable})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Event.TaskID)
	require.Equal(t, "b", msgs[1].Event.TaskID)

	msgs[0].Event.TaskID = "modified"
	require.Equal(t, "a", pub.Messages()[0].Event.TaskID, "Messages() returns a copy")
}

func TestPublisherKeepsMostRecent(t *testing.T) {
	t.Parallel()

	pub := New(2, nil)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), monitor.ChangeEvent{TaskID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "t1", msgs[0].Event.TaskID)
	require.Equal(t, "memory-3", msgs[1].ID)
}
