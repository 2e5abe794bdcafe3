package monitor

import (
	"context"
	"time"
)

// Store persists monitor tasks and the last known verdict per (task, url).
type Store interface {
	CreateTask(ctx context.Context, task Task) (string, error)
	ListTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	GetLastVerdict(ctx context.Context, taskID, url string) (*Verdict, error)
	PutVerdict(ctx context.Context, taskID, url string, verdict Verdict) error
	ListVerdicts(ctx context.Context, taskID string) ([]Verdict, error)
	MarkChecked(ctx context.Context, taskID string, at time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// Searcher enumerates candidate product pages for a keyword across sites.
type Searcher interface {
	Search(ctx context.Context, keyword string, sites []string) (SearchResult, error)
}

// RelevanceFilter keeps only the candidates that match the keyword's intent.
type RelevanceFilter interface {
	Filter(ctx context.Context, keyword string, sites []string, candidates []Candidate) FilterResult
}

// Checker fetches a product page and produces a verdict. Failures are reported
// through the returned error while the verdict is still populated as unknown.
type Checker interface {
	Check(ctx context.Context, candidate Candidate) (Verdict, error)
}

// Notifier delivers a change notification for a task. The boolean reports
// whether a message actually left the process; a skipped notification (no
// recipient, no relay) returns false with a nil error.
type Notifier interface {
	Notify(ctx context.Context, task Task, candidate Candidate, previous, current Verdict) (bool, error)
}

// Publisher pushes verdict change events to the configured sink.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) (string, error)
}

// Pinger reports whether an external dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RunRequest is a queued request to run the pipeline for a task.
type RunRequest struct {
	TaskID    string
	Reason    string
	Submitted time.Time
}
