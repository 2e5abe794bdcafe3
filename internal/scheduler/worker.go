package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// work consumes run requests until the context finishes.
func (s *Scheduler) work(ctx context.Context, logger *zap.Logger) {
	for {
		req, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		logger.Debug("dequeued run",
			zap.String("task_id", req.TaskID),
			zap.String("reason", req.Reason))
		s.process(ctx, req, logger)
	}
}

func (s *Scheduler) process(ctx context.Context, req monitor.RunRequest, logger *zap.Logger) {
	if !s.begin(req.TaskID, true) {
		logger.Debug("dropping run for busy or forgotten task", zap.String("task_id", req.TaskID))
		return
	}
	task, err := s.source.GetTask(ctx, req.TaskID)
	if err != nil {
		s.finish(req.TaskID, err)
		if errors.Is(err, monitor.ErrTaskNotFound) {
			s.Forget(req.TaskID)
			logger.Info("task deleted before run", zap.String("task_id", req.TaskID))
			return
		}
		logger.Error("load task failed", zap.String("task_id", req.TaskID), zap.Error(err))
		return
	}
	_, _ = s.execute(ctx, task, logger)
}

// execute runs a task that is already in the running state and records the
// outcome. Panics are converted to the failed state.
func (s *Scheduler) execute(ctx context.Context, task monitor.Task, logger *zap.Logger) (result monitor.RunResult, err error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		err = fmt.Errorf("wait for worker slot: %w", ctx.Err())
		s.finish(task.ID, err)
		return monitor.RunResult{}, err
	}
	defer func() { <-s.slots }()

	metrics.IncBusyWorkers()
	s.busy.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			logger.Error("run panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		s.busy.Add(-1)
		metrics.DecBusyWorkers()
		s.finish(task.ID, err)
		if errors.Is(err, monitor.ErrTaskNotFound) {
			s.Forget(task.ID)
		}
	}()

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	result, err = s.runner.Run(runCtx, task)
	if err != nil {
		logger.Warn("task run failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	return result, err
}
