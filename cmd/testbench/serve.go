package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teroai/testbench/pkg/api"
	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/platform"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/suite"
	"github.com/teroai/testbench/pkg/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the suite execution engine and its HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewStore(log, &cfg.Database)

	var notifier eventlog.Notifier
	if cfg.NATS.URL != "" {
		notifier = eventlog.NewNATSNotifier(log, &cfg.NATS)
	} else {
		notifier = eventlog.NewNoopNotifier()

		log.Warn("No notification channel configured; observers rely on polling")
	}

	// Store and notifier have independent startup paths.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Start(gctx) })
	g.Go(func() error { return notifier.Start(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("starting engine backends: %w", err)
	}

	client := platform.NewClient(log, &cfg.Platform)
	evlog := eventlog.NewLog(log, st, notifier)
	ledger := usage.NewStoreLedger(log, st)
	j := judge.New(log, client, client, client, ledger, cfg.Evaluator.Model)
	executor := suite.NewExecutor(log, st, client, j, ledger)
	sweeper := suite.NewSweeper(log, st)
	orchestrator := suite.NewOrchestrator(log, st, evlog, executor, sweeper)
	watcher := cancel.NewWatcher(log, st, notifier, cfg.Suite.CancelPollInterval)
	manager := suite.NewManager(
		log, &cfg.Suite, st, notifier, orchestrator, sweeper, watcher, client)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting suite manager: %w", err)
	}

	srv := api.NewServer(log, &cfg.Server, st, evlog, manager, client)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("API server stop error")
	}

	if err := manager.Stop(); err != nil {
		log.WithError(err).Warn("Suite manager stop error")
	}

	if err := notifier.Stop(); err != nil {
		log.WithError(err).Warn("Notifier stop error")
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
