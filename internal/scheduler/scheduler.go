// Package scheduler re-runs every monitor task on a fixed interval through a
// bounded worker pool, never running the same task twice at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
	queuememory "github.com/JakeFAU/restock-monitor/internal/queue/memory"
)

// ErrTaskBusy is returned when a run is requested for a task that is already
// running or waiting in the queue.
var ErrTaskBusy = errors.New("task already running")

// State is the scheduling state of a single task.
type State string

// Task states.
const (
	StateIdle    State = "idle"
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// Run reasons attached to queued requests.
const (
	ReasonTick    = "tick"
	ReasonCreated = "created"
	ReasonManual  = "manual"
)

// TaskRunner executes one pipeline pass.
type TaskRunner interface {
	Run(ctx context.Context, task monitor.Task) (monitor.RunResult, error)
}

// TaskSource is the part of the store the scheduler reads.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]monitor.Task, error)
	GetTask(ctx context.Context, taskID string) (monitor.Task, error)
}

// Config controls scheduling cadence and parallelism.
type Config struct {
	Interval   time.Duration
	Workers    int
	RunTimeout time.Duration
	RunOnStart bool
}

type taskState struct {
	state     State
	lastRun   time.Time
	lastError string
	runs      int
}

// TaskStatus is the externally visible state of a task.
type TaskStatus struct {
	State     State      `json:"state"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
}

// Status summarizes scheduler health.
type Status struct {
	Running       bool                  `json:"running"`
	Interval      string                `json:"interval"`
	LastTick      *time.Time            `json:"last_tick,omitempty"`
	Workers       int                   `json:"workers"`
	BusyWorkers   int                   `json:"busy_workers"`
	QueueDepth    int                   `json:"queue_depth"`
	QueueCapacity int                   `json:"queue_capacity"`
	Tasks         map[string]TaskStatus `json:"tasks"`
}

// Scheduler owns the tick loop and the worker pool.
type Scheduler struct {
	source TaskSource
	runner TaskRunner
	queue  *queuememory.Queue
	clock  monitor.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	states   map[string]*taskState
	lastTick time.Time
	running  bool
	busy     atomic.Int32
	// slots caps concurrent runs at cfg.Workers across pool and direct runs.
	slots chan struct{}
}

// New constructs a Scheduler.
func New(
	source TaskSource,
	runner TaskRunner,
	queue *queuememory.Queue,
	clk monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source: source,
		runner: runner,
		queue:  queue,
		clock:  clk,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
		states: make(map[string]*taskState),
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Run starts the workers and the ticker and blocks until ctx is canceled and
// all workers have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.setRunning(true)
	defer s.setRunning(false)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			s.work(ctx, s.logger.With(zap.Int("worker", index)))
		}(i)
	}
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers))

	if s.cfg.RunOnStart {
		s.Tick(ctx)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues a run for every task that is neither running nor already
// queued, and returns how many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	tasks, err := s.source.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		return 0
	}
	s.prune(tasks)

	enqueued := 0
	for _, task := range tasks {
		if !s.markQueued(task.ID) {
			s.logger.Debug("skipping busy task", zap.String("task_id", task.ID))
			continue
		}
		req := monitor.RunRequest{TaskID: task.ID, Reason: ReasonTick, Submitted: now}
		if !s.queue.TryEnqueue(req) {
			s.restore(task.ID)
			s.logger.Warn("run queue full; task deferred to next tick", zap.String("task_id", task.ID))
			continue
		}
		enqueued++
	}
	s.logger.Debug("tick complete", zap.Int("tasks", len(tasks)), zap.Int("enqueued", enqueued))
	return enqueued
}

// Enqueue requests an asynchronous run for taskID.
func (s *Scheduler) Enqueue(taskID, reason string) error {
	if !s.markQueued(taskID) {
		return ErrTaskBusy
	}
	if !s.queue.TryEnqueue(monitor.RunRequest{TaskID: taskID, Reason: reason, Submitted: s.clock.Now()}) {
		s.restore(taskID)
		return fmt.Errorf("enqueue %s: run queue full", taskID)
	}
	return nil
}

// RunNow runs task synchronously on the caller's goroutine. It shares the
// worker cap with the pool and waits for a free slot until ctx is done.
func (s *Scheduler) RunNow(ctx context.Context, task monitor.Task) (monitor.RunResult, error) {
	if !s.begin(task.ID, false) {
		return monitor.RunResult{}, ErrTaskBusy
	}
	return s.execute(ctx, task, s.logger)
}

// Forget drops scheduling state for a deleted task.
func (s *Scheduler) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok && st.state != StateRunning {
		delete(s.states, taskID)
	}
}

// Status returns a snapshot of scheduler health.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:       s.running,
		Interval:      s.cfg.Interval.String(),
		Workers:       s.cfg.Workers,
		BusyWorkers:   int(s.busy.Load()),
		QueueDepth:    s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		Tasks:         make(map[string]TaskStatus, len(s.states)),
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTick = &t
	}
	for id, ts := range s.states {
		out := TaskStatus{State: ts.state, LastError: ts.lastError, Runs: ts.runs}
		if !ts.lastRun.IsZero() {
			t := ts.lastRun
			out.LastRun = &t
		}
		st.Tasks[id] = out
	}
	return st
}

// TaskState reports the state of one task.
func (s *Scheduler) TaskState(taskID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok {
		return st.state
	}
	return StateIdle
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Scheduler) stateLocked(taskID string) *taskState {
	st, ok := s.states[taskID]
	if !ok {
		st = &taskState{state: StateIdle}
		s.states[taskID] = st
	}
	return st
}

func (s *Scheduler) markQueued(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(taskID)
	if st.state == StateRunning || st.state == StateQueued {
		return false
	}
	st.state = StateQueued
	return true
}

// restore undoes markQueued when the request could not be enqueued.
func (s *Scheduler) restore(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok && st.state == StateQueued {
		st.state = StateIdle
	}
}

// begin moves a task to running. Queued requests may only start a task that is
// still queued; direct runs may start any task that is not running.
func (s *Scheduler) begin(taskID string, fromQueue bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromQueue {
		st, ok := s.states[taskID]
		if !ok || st.state != StateQueued {
			return false
		}
		st.state = StateRunning
		return true
	}
	st := s.stateLocked(taskID)
	if st.state == StateRunning {
		return false
	}
	st.state = StateRunning
	return true
}

func (s *Scheduler) finish(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(taskID)
	st.lastRun = s.clock.Now()
	st.runs++
	if err != nil {
		st.state = StateFailed
		st.lastError = err.Error()
		return
	}
	st.state = StateIdle
	st.lastError = ""
}

func (s *Scheduler) prune(tasks []monitor.Task) {
	live := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		live[t.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.states {
		if _, ok := live[id]; !ok && st.state != StateRunning && st.state != StateQueued {
			delete(s.states, id)
		}
	}
}
