// Package cmd defines the restock CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/restock-monitor/internal/config"
	"github.com/JakeFAU/restock-monitor/internal/server"
)

// App is the slice of the application the commands drive. Tests swap in a fake
// through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	TaskRunner() TaskRunner
}

// newApp builds the application from cfg. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return appAdapter{app}, nil
}

type appAdapter struct {
	*server.App
}

func (a appAdapter) TaskRunner() TaskRunner {
	return runnerWithStore{runner: a.Runner(), store: a.Store()}
}

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "restock",
		Short: "Watches e-commerce listings and emails when products come back in stock.",
		Long: `restock searches the configured shops for a keyword, keeps only the listings
that match, checks each product page for availability, and sends an email when
a product changes between in stock and out of stock.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (environment variables prefixed RESTOCK_ override it)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
