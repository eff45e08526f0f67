// Command backtestworker claims queued backtest runs from the Trading
// Store and replays them to completion, one worker process able to run
// alongside others under the same worker name prefix since claiming is
// atomic at the store layer.
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
	"github.com/spf13/cobra"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/backtest"
	"github.com/momentumtrade/engine/internal/config"
	"github.com/momentumtrade/engine/internal/marketdata"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	var workerName string

	root := &cobra.Command{
		Use:   "backtestworker",
		Short: "Claim and replay queued backtest runs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, workerName)
		},
	}
	root.Flags().StringVar(&workerName, "worker-name", cfg.WorkerName, "name recorded against claimed runs")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("backtestworker exited with error")
	}
}

func run(cfg *config.Config, workerName string) error {
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
	worker := backtest.New(s, md, a, []strategy.Strategy{strategy.NewMomentumBreakoutV2()}, backtest.Config{
		WorkerName:         workerName,
		MaxParallelSymbols: cfg.MaxParallelSymbols,
		PollInterval:       time.Duration(cfg.PollMs) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	defer metricsSrv.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	pollErr := make(chan error, 1)
	go func() {
		pollErr <- worker.Poll(ctx)
	}()

	log.Info().Str("worker_name", workerName).Msg("backtest worker started")

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received, stopping worker")
		cancel()
		<-pollErr
	case err := <-pollErr:
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}

	return nil
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
