// Package memory records change events in process when no broker is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// Publisher stores published change events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	seq      uint64
	limit    int
	logger   *zap.Logger
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID    string
	Event monitor.ChangeEvent
}

// New returns a memory Publisher that keeps at most limit messages (0 keeps all).
func New(limit int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{limit: limit, logger: logger.Named("memory_publisher")}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event monitor.ChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Event: event})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	p.logger.Debug("change event recorded",
		zap.String("id", id),
		zap.String("task_id", event.TaskID),
		zap.String("url", event.URL))
	return id, nil
}

// Messages returns the recorded events, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
