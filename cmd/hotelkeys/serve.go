package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/hotelkeys/internal/agent"
	"github.com/BrandonDHaskell/hotelkeys/internal/db"
	"github.com/BrandonDHaskell/hotelkeys/internal/httpapi"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/service"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sequencing controller and ledger API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env}, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer sqlDB.Close()

	writer := db.NewWorker(sqlDB)
	defer writer.Close()
	ledger := sqlite.NewLedger(sqlDB, writer)

	client, err := agent.New(agent.Config{BaseURL: cfg.BridgeURL, Timeout: cfg.CardTimeout}, logger.Named("agent"))
	if err != nil {
		return err
	}

	ctrl := service.NewController(ledger, client, service.NewReaderLocks(), service.ControllerConfig{
		Facility:          cfg.Facility,
		Timezone:          cfg.Timezone,
		WaitingDelay:      cfg.WaitingDelay,
		BetweenCardsDelay: cfg.BetweenCardsDelay,
		CardTimeout:       cfg.CardTimeout,
		RunTimeout:        cfg.RunTimeout,
	}, logger.Named("controller"))

	monitor := service.NewAgentMonitor(client, service.MonitorConfig{Interval: cfg.AgentPollInterval}, logger.Named("monitor"))
	reaper := service.NewStaleIssueReaper(ledger, service.ReaperConfig{MaxAge: cfg.StaleIssueAge}, logger.Named("reaper"))
	if cfg.StaleIssueAge > 0 && cfg.StaleIssueAge <= cfg.RunTimeout {
		logger.Warn("stale issue age does not exceed run timeout; live runs may be reaped",
			zap.Duration("stale_issue_age", cfg.StaleIssueAge),
			zap.Duration("run_timeout", cfg.RunTimeout))
	}

	monitor.Start(ctx)
	defer monitor.Stop()
	reaper.Start(ctx)
	defer reaper.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger.Named("http"),
		Addr:       cfg.HTTPAddr,
		Controller: ctrl,
		Ledger:     ledger,
		Monitor:    monitor,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(serveHTTP(gctx, "api", cfg.HTTPAddr, srv))
	return g.Wait()
}
