// Command simengine runs one live (or paper) run of the momentum
// engine: it polls the Market Data Reader for new bars on every symbol
// in the run, evaluates the registered strategy, and drives orders
// through the accountant until the run is stopped, goes bankrupt, or
// the process receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/config"
	"github.com/momentumtrade/engine/internal/controlplane"
	"github.com/momentumtrade/engine/internal/marketdata"
	"github.com/momentumtrade/engine/internal/notify"
	"github.com/momentumtrade/engine/internal/simengine"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/strategy"
	"github.com/momentumtrade/engine/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	var (
		runID         string
		createRun     bool
		symbols       []string
		timeframe     string
		strategyName  string
		startCapital  float64
		maxConcurrent int
		killSwitchPct float64
	)

	root := &cobra.Command{
		Use:   "simengine",
		Short: "Run one live/paper momentum run until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, runID, createRun, symbols, timeframe, strategyName, startCapital, maxConcurrent, killSwitchPct)
		},
	}

	root.Flags().StringVar(&runID, "run-id", "", "run to drive (required)")
	root.Flags().BoolVar(&createRun, "create", false, "create the run if it does not already exist")
	root.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to trade, used with --create")
	root.Flags().StringVar(&timeframe, "timeframe", "1m", "bar timeframe, used with --create")
	root.Flags().StringVar(&strategyName, "strategy", "momentum_breakout_v2", "strategy name, used with --create")
	root.Flags().Float64Var(&startCapital, "capital", 10000, "starting capital, used with --create")
	root.Flags().IntVar(&maxConcurrent, "max-positions", 3, "max concurrent open positions, used with --create")
	root.Flags().Float64Var(&killSwitchPct, "kill-switch-pct", 0.2, "daily drawdown fraction that trips the kill switch, used with --create")
	root.MarkFlagRequired("run-id")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("simengine exited with error")
	}
}

func run(cfg *config.Config, runID string, createRun bool, symbols []string, timeframe, strategyName string, startCapital float64, maxConcurrent int, killSwitchPct float64) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	md, err := marketdata.New(cfg.MarketDataURL)
	if err != nil {
		return fmt.Errorf("open market data reader: %w", err)
	}

	a := accountant.New(s)
	cp := controlplane.New(s, a)

	notifier, err := notify.New(cfg.TelegramBotToken, fmt.Sprintf("%d", cfg.TelegramChatID), controlPlaneAdapter{cp})
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	notifier.Start()
	defer notifier.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if createRun {
		if len(symbols) == 0 {
			return fmt.Errorf("--create requires --symbols")
		}
		newRun := &types.Run{
			RunID:                  runID,
			Kind:                   types.KindLive,
			Name:                   runID,
			Symbols:                symbols,
			Timeframe:              types.Timeframe(timeframe),
			StrategyName:           strategyName,
			StrategyVersion:        "2.0.0",
			Status:                 types.StatusActive,
			StartingCapital:        decimal.NewFromFloat(startCapital),
			CurrentCapital:         decimal.NewFromFloat(startCapital),
			MaxConcurrentPositions: maxConcurrent,
			KillSwitchPct:          decimal.NewFromFloat(killSwitchPct),
			SlippageBps:            cfg.SlippageBps,
			TakerFeeBps:            cfg.TakerFeeBps,
		}
		if err := cp.CreateRun(ctx, newRun); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		log.Info().Str("run_id", runID).Strs("symbols", symbols).Msg("run created")
	}

	engine := simengine.New(s, md, a, notifier, []strategy.Strategy{strategy.NewMomentumBreakoutV2()}, simengine.Config{
		PollInterval:             time.Duration(cfg.PollMs) * time.Millisecond,
		AccountSnapshotEveryBars: cfg.AccountSnapshotEveryNBars,
		AccountSnapshotMaxWait:   cfg.AccountSnapshotMaxInterval,
	})

	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	defer metricsSrv.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.RunLive(ctx, runID)
	}()

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received, stopping run")
		cancel()
		<-engineErr
	case err := <-engineErr:
		if err != nil {
			return fmt.Errorf("run live: %w", err)
		}
	}

	return nil
}

// controlPlaneAdapter satisfies notify.RunController by supplying the
// background context ControlPlane's store-backed methods require.
type controlPlaneAdapter struct {
	cp *controlplane.ControlPlane
}

func (a controlPlaneAdapter) SetRunStatus(runID string, status types.RunStatus) error {
	return a.cp.SetRunStatus(context.Background(), runID, status)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return store.NewPostgresStore(cfg.DatabaseURL, cfg.DBPoolMax)
	}
	log.Warn().Str("database_url", cfg.DatabaseURL).Msg("DATABASE_URL is not a postgres DSN, running against an in-memory store")
	return store.NewMemoryStore(), nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
