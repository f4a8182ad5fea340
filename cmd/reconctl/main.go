package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
)

var Version = "dev"

// cli holds what the commands need once the engine is wired.
type cli struct {
	runner         jobqueue.Runner
	alerts         *alerting.Emitter
	repos          *repository.Repositories
	autoFixDefault bool
	daysBack       int
	out            io.Writer
}

// setupFunc wires the engine. Tests replace it with an in-memory one.
type setupFunc func(ctx context.Context) (*cli, error)

func setupEngine(ctx context.Context) (*cli, error) {
	engine, err := bootstrap.Setup(ctx)
	if err != nil {
		return nil, err
	}
	return &cli{
		runner:         engine.Service,
		alerts:         alerting.NewEmitter(engine.Repos.Alert),
		repos:          engine.Repos,
		autoFixDefault: engine.Config.Reconciliation.AutoFixDefault,
		daysBack:       engine.Config.Reconciliation.DefaultDaysBack,
	}, nil
}

func main() {
	if err := newRootCmd(setupEngine).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(setup setupFunc) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconctl",
		Short:         "Run payment reconciliation and sync tasks against the ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(reconcileCmd(setup))
	rootCmd.AddCommand(reconcileReportCmd(setup))
	rootCmd.AddCommand(syncPendingCmd(setup))
	rootCmd.AddCommand(detectStuckCmd(setup))
	rootCmd.AddCommand(alertsCmd(setup))

	return rootCmd
}
