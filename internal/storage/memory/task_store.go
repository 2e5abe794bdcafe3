// Package memory provides an in-process monitor.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// TaskStore keeps tasks and their latest verdicts in maps guarded by an RWMutex.
type TaskStore struct {
	mu       sync.RWMutex
	order    []string
	tasks    map[string]monitor.Task
	verdicts map[string]map[string]monitor.Verdict
	urls     map[string][]string
	closed   bool
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:    make(map[string]monitor.Task),
		verdicts: make(map[string]map[string]monitor.Verdict),
		urls:     make(map[string][]string),
	}
}

// CreateTask stores a task under its pre-assigned ID.
func (s *TaskStore) CreateTask(_ context.Context, task monitor.Task) (string, error) {
	if task.ID == "" {
		return "", fmt.Errorf("create task: %w: missing id", monitor.ErrInvalidTask)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return "", monitor.StoreError("create task", fmt.Errorf("task %s already exists", task.ID))
	}
	s.tasks[task.ID] = cloneTask(task)
	s.order = append(s.order, task.ID)
	return task.ID, nil
}

// ListTasks returns tasks in creation order.
func (s *TaskStore) ListTasks(_ context.Context) ([]monitor.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneTask(s.tasks[id]))
	}
	return out, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (monitor.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return monitor.Task{}, monitor.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// DeleteTask removes a task and all of its verdicts.
func (s *TaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return monitor.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	delete(s.verdicts, taskID)
	delete(s.urls, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetLastVerdict returns the stored verdict for (task, url) or nil.
func (s *TaskStore) GetLastVerdict(_ context.Context, taskID, url string) (*monitor.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[taskID][url]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// PutVerdict overwrites the verdict for (task, url). Writes for deleted tasks
// are dropped so a run that races a delete cannot resurrect it.
func (s *TaskStore) PutVerdict(_ context.Context, taskID, url string, verdict monitor.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return monitor.ErrTaskNotFound
	}
	byURL, ok := s.verdicts[taskID]
	if !ok {
		byURL = make(map[string]monitor.Verdict)
		s.verdicts[taskID] = byURL
	}
	if _, seen := byURL[url]; !seen {
		s.urls[taskID] = append(s.urls[taskID], url)
	}
	verdict.URL = url
	byURL[url] = verdict
	return nil
}

// ListVerdicts returns the latest verdict per URL in first-seen order.
func (s *TaskStore) ListVerdicts(_ context.Context, taskID string) ([]monitor.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := s.urls[taskID]
	out := make([]monitor.Verdict, 0, len(urls))
	for _, u := range urls {
		out = append(out, s.verdicts[taskID][u])
	}
	return out, nil
}

// MarkChecked records when a task's run last completed.
func (s *TaskStore) MarkChecked(_ context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return monitor.ErrTaskNotFound
	}
	at = at.UTC()
	task.LastCheckedAt = &at
	s.tasks[taskID] = task
	return nil
}

// Ping reports whether the store is open.
func (s *TaskStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return monitor.StoreError("ping", fmt.Errorf("store closed"))
	}
	return nil
}

// Close marks the store closed.
func (s *TaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneTask(t monitor.Task) monitor.Task {
	t.TargetSites = append([]string(nil), t.TargetSites...)
	if t.LastCheckedAt != nil {
		at := *t.LastCheckedAt
		t.LastCheckedAt = &at
	}
	return t
}
