package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/restock-monitor/internal/config"
	"github.com/JakeFAU/restock-monitor/internal/id/uuid"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
	"github.com/JakeFAU/restock-monitor/internal/pipeline"
)

// TaskRunner registers a task and runs one pipeline pass for it.
type TaskRunner interface {
	RunOnce(ctx context.Context, task monitor.Task) (monitor.RunResult, error)
}

type runnerWithStore struct {
	runner *pipeline.Runner
	store  monitor.Store
}

func (r runnerWithStore) RunOnce(ctx context.Context, task monitor.Task) (monitor.RunResult, error) {
	if _, err := r.store.CreateTask(ctx, task); err != nil {
		return monitor.RunResult{}, fmt.Errorf("register task: %w", err)
	}
	res, err := r.runner.Run(ctx, task)
	if err != nil {
		return res, fmt.Errorf("run: %w", err)
	}
	return res, nil
}

type checkOptions struct {
	keyword string
	sites   []string
	email   string
	persist bool
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Runs one search and availability pass and prints the result as JSON",
		Example: `  restock check --keyword "iPhone 15 Pro" --site amazon.co.jp --site rakuten.co.jp
  restock check --keyword "Neverfull MM" --site louisvuitton.com --email me@example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.keyword, "keyword", "", "product keyword to search for")
	cmd.Flags().StringSliceVar(&opts.sites, "site", nil, "site to search (repeatable)")
	cmd.Flags().StringVar(&opts.email, "email", "", "address notified of availability changes")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "use the configured store instead of an in-memory one")
	_ = cmd.MarkFlagRequired("keyword")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func runCheck(cmd *cobra.Command, cfg *config.Config, opts *checkOptions) error {
	keyword := strings.TrimSpace(opts.keyword)
	sites := monitor.NormalizeSites(opts.sites)
	if keyword == "" || len(sites) == 0 {
		return fmt.Errorf("%w: keyword and at least one site are required", monitor.ErrInvalidTask)
	}
	if !opts.persist {
		cfg.Store.Backend = config.BackendMemory
	}

	ctx := cmd.Context()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	id, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}
	task := monitor.Task{
		ID:                id,
		Keyword:           keyword,
		TargetSites:       sites,
		NotificationEmail: strings.TrimSpace(opts.email),
		CreatedAt:         time.Now().UTC(),
	}
	result, err := app.TaskRunner().RunOnce(ctx, task)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
