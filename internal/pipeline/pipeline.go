// Package pipeline runs one monitoring pass for a task: search, relevance
// filtering, availability checks, and the verdict diff that drives notifications.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/restock-monitor/internal/logging"
	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
	"github.com/JakeFAU/restock-monitor/internal/telemetry"
)

// Run outcomes recorded in metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Config bounds a single run.
type Config struct {
	CheckConcurrency int
	MaxCandidates    int
}

// Deps are the collaborators a Runner drives. Publisher may be nil.
type Deps struct {
	Store     monitor.Store
	Searcher  monitor.Searcher
	Filter    monitor.RelevanceFilter
	Checker   monitor.Checker
	Notifier  monitor.Notifier
	Publisher monitor.Publisher
	Clock     monitor.Clock
}

// Runner executes the monitoring pipeline.
type Runner struct {
	deps   Deps
	cfg    Config
	locks  *keyedMutex
	logger *zap.Logger
}

// New constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Searcher == nil:
		return nil, errors.New("pipeline: searcher is required")
	case deps.Filter == nil:
		return nil, errors.New("pipeline: relevance filter is required")
	case deps.Checker == nil:
		return nil, errors.New("pipeline: checker is required")
	case deps.Notifier == nil:
		return nil, errors.New("pipeline: notifier is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	}
	if cfg.CheckConcurrency <= 0 {
		cfg.CheckConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger.Named("pipeline"),
	}, nil
}

// Run performs one pass for task. Search, classification, fetch, parse, and
// delivery failures are reported as warnings on the result; store failures and
// cancellation abort the run with an error.
func (r *Runner) Run(ctx context.Context, task monitor.Task) (monitor.RunResult, error) {
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.StringSlice("task.sites", task.TargetSites),
	)

	log := logging.ForTask(r.logger, task.ID, task.Keyword)
	result := monitor.RunResult{
		TaskID:    task.ID,
		Keyword:   task.Keyword,
		StartedAt: r.deps.Clock.Now(),
	}

	err := r.run(ctx, task, &result, log)
	result.FinishedAt = r.deps.Clock.Now()
	duration := result.FinishedAt.Sub(result.StartedAt)
	if err != nil {
		metrics.ObserveRun(OutcomeFailed, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("run failed", zap.Error(err), zap.Duration("duration", duration))
		return result, err
	}
	result.Summary = summarize(result)
	metrics.ObserveRun(OutcomeSuccess, duration)
	span.SetAttributes(
		attribute.Int("run.candidates", len(result.Candidates)),
		attribute.Int("run.changes", len(result.Changes)),
		attribute.Bool("run.degraded_filtering", result.DegradedFiltering),
	)
	log.Info("run complete",
		zap.Int("searched", result.Searched),
		zap.Int("checked", len(result.Verdicts)),
		zap.Int("available", result.AvailableCount()),
		zap.Int("changes", len(result.Changes)),
		zap.Bool("degraded_filtering", result.DegradedFiltering),
		zap.Duration("duration", duration),
	)
	return result, nil
}

func (r *Runner) run(ctx context.Context, task monitor.Task, result *monitor.RunResult, log *zap.Logger) error {
	search, err := r.deps.Searcher.Search(ctx, task.Keyword, task.TargetSites)
	if ctx.Err() != nil {
		return fmt.Errorf("search: %w", ctx.Err())
	}
	result.Searched = len(search.Candidates)
	result.FailedSites = search.FailedSites
	for _, site := range search.FailedSites {
		result.Warnings = append(result.Warnings, fmt.Sprintf("search unavailable for %s", site))
	}
	if err != nil {
		log.Warn("search returned no usable results", zap.Error(err))
	}

	filtered := r.deps.Filter.Filter(ctx, task.Keyword, task.TargetSites, search.Candidates)
	result.DegradedFiltering = filtered.Degraded
	if filtered.Degraded {
		result.Warnings = append(result.Warnings, "relevance classification unavailable; candidates not filtered")
	}
	candidates := filtered.Candidates
	if r.cfg.MaxCandidates > 0 && len(candidates) > r.cfg.MaxCandidates {
		candidates = candidates[:r.cfg.MaxCandidates]
	}
	result.Candidates = candidates

	if err := r.checkAll(ctx, task, candidates, result, log); err != nil {
		return err
	}

	if err := r.deps.Store.MarkChecked(ctx, task.ID, r.deps.Clock.Now()); err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

type outcome struct {
	verdict monitor.Verdict
	change  *monitor.Change
	warning string
}

func (r *Runner) checkAll(
	ctx context.Context,
	task monitor.Task,
	candidates []monitor.Candidate,
	result *monitor.RunResult,
	log *zap.Logger,
) error {
	outcomes := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.CheckConcurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			out, err := r.checkOne(gctx, task, cand, log)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, out := range outcomes {
		result.Verdicts = append(result.Verdicts, out.verdict)
		if out.change != nil {
			result.Changes = append(result.Changes, *out.change)
		}
		if out.warning != "" {
			result.Warnings = append(result.Warnings, out.warning)
		}
	}
	return nil
}

func (r *Runner) checkOne(ctx context.Context, task monitor.Task, cand monitor.Candidate, log *zap.Logger) (outcome, error) {
	verdict, checkErr := r.deps.Checker.Check(ctx, cand)
	// A check cut short by shutdown must not overwrite the stored verdict.
	if ctx.Err() != nil {
		return outcome{verdict: verdict}, fmt.Errorf("check %s: %w", cand.URL, ctx.Err())
	}
	verdict.URL = cand.URL
	if !verdict.Availability.Valid() {
		verdict.Availability = monitor.Unknown
	}
	out := outcome{verdict: verdict}
	if checkErr != nil {
		out.warning = checkErr.Error()
	}
	metrics.ObserveVerdict(cand.URL, string(verdict.Availability))

	change, err := r.record(ctx, task, cand, verdict, log)
	if err != nil {
		return out, err
	}
	out.change = change
	return out, nil
}

// record compares verdict with the stored one and persists it. The read and
// write for one (task, url) happen under a single lock so concurrent runs
// cannot both observe the same previous verdict.
func (r *Runner) record(
	ctx context.Context,
	task monitor.Task,
	cand monitor.Candidate,
	verdict monitor.Verdict,
	log *zap.Logger,
) (*monitor.Change, error) {
	unlock := r.locks.Lock(task.ID + "\x00" + cand.URL)
	defer unlock()

	prev, err := r.deps.Store.GetLastVerdict(ctx, task.ID, cand.URL)
	if err != nil {
		return nil, fmt.Errorf("load verdict for %s: %w", cand.URL, err)
	}
	if err := r.deps.Store.PutVerdict(ctx, task.ID, cand.URL, verdict); err != nil {
		return nil, fmt.Errorf("store verdict for %s: %w", cand.URL, err)
	}
	if prev == nil {
		log.Debug("baseline verdict recorded",
			zap.String("url", cand.URL),
			zap.String("availability", string(verdict.Availability)))
		return nil, nil
	}
	if prev.Availability == verdict.Availability {
		return nil, nil
	}

	change := &monitor.Change{
		TaskID:   task.ID,
		URL:      cand.URL,
		Title:    firstNonEmpty(cand.Title, verdict.Title),
		Previous: prev.Availability,
		Current:  verdict.Availability,
	}
	log.Info("availability changed",
		zap.String("url", cand.URL),
		zap.String("previous", string(prev.Availability)),
		zap.String("current", string(verdict.Availability)))

	delivered, err := r.deps.Notifier.Notify(ctx, task, cand, *prev, verdict)
	if err != nil {
		log.Warn("notification failed", zap.String("url", cand.URL), zap.Error(err))
	}
	change.Notified = delivered && err == nil
	r.publish(ctx, task, change, verdict, log)
	return change, nil
}

func (r *Runner) publish(ctx context.Context, task monitor.Task, change *monitor.Change, verdict monitor.Verdict, log *zap.Logger) {
	if r.deps.Publisher == nil {
		return
	}
	event := monitor.ChangeEvent{
		TaskID:    task.ID,
		Keyword:   task.Keyword,
		URL:       change.URL,
		Title:     change.Title,
		Previous:  change.Previous,
		Current:   change.Current,
		Price:     verdict.Price,
		CheckedAt: verdict.CheckedAt,
	}
	if _, err := r.deps.Publisher.Publish(ctx, event); err != nil {
		log.Warn("change event publish failed", zap.String("url", change.URL), zap.Error(err))
	}
}

func summarize(res monitor.RunResult) string {
	n := len(res.Verdicts)
	if n == 0 {
		return "no relevant products found"
	}
	noun := "products"
	if n == 1 {
		noun = "product"
	}
	if avail := res.AvailableCount(); avail > 0 {
		return fmt.Sprintf("found %d relevant %s, %d in stock", n, noun, avail)
	}
	return fmt.Sprintf("found %d relevant %s, none in stock", n, noun)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
