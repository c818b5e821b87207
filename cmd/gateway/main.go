// Command gateway runs the idempotent payment gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AnandSundar/idempotency-gateway/internal/config"
	"github.com/AnandSundar/idempotency-gateway/internal/logger"
	"github.com/AnandSundar/idempotency-gateway/internal/payment"
	"github.com/AnandSundar/idempotency-gateway/internal/server"
	"github.com/AnandSundar/idempotency-gateway/store"
)

type flags struct {
	envFile  string
	logLevel string
	logJSON  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Run the idempotent payment gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error, disabled)")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "emit logs as JSON")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f.envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = f.logJSON
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.ParseLevel(cfg.Log.Level)
	logCfg.JSON = cfg.Log.JSON
	log := logger.NewLogger(logCfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	idemStore := store.NewMemoryStore(
		store.WithTTL(cfg.Idempotency.TTL),
		store.WithSweepInterval(cfg.Idempotency.SweepInterval),
		store.WithWaitTimeout(cfg.Idempotency.WaitTimeout),
		store.WithLogger(log.With("component", "store")),
		store.WithMetrics(reg),
	)
	defer func() {
		if err := idemStore.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	payments := payment.NewHandler(payment.NewService(cfg.Payment.ProcessingDelay, clock.New()))
	srv := server.New(cfg, log, idemStore, payments, reg)
	return srv.Run(ctx)
}
