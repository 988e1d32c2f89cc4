/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing ledger server, or runs one of its batch
  jobs once. Handles configuration, dependency wiring, and graceful shutdown.

COMMANDS:
  serve      HTTP API + scheduler (default when no command is given)
  sweep      Mark past-due invoices overdue, once
  remind     Dispatch payment reminders, once
  reconcile  Resolve processing payments and pending refunds, once

STARTUP SEQUENCE:
  1. Load .env (if present), then config file and environment
  2. Set up the logger
  3. Open the SQLite store
  4. Wire optional integrations (Stripe, Slack, NATS)
  5. Build the ledger and run the command

FLAGS:
  --config   YAML config file (default: $BILLING_CONFIG)
  --env-file .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests and scheduled jobs (server.shutdown_timeout)
  3. Drain the event publisher
  4. Close the database

SEE ALSO:
  - config/config.go: Configuration sources and keys
  - api/server.go: Router configuration
  - api/scheduler.go: Periodic jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/billing-ledger/api"
	"github.com/warp/billing-ledger/billing"
	"github.com/warp/billing-ledger/config"
	"github.com/warp/billing-ledger/events"
	"github.com/warp/billing-ledger/logger"
	"github.com/warp/billing-ledger/metrics"
	"github.com/warp/billing-ledger/notify"
	"github.com/warp/billing-ledger/processor"
	"github.com/warp/billing-ledger/store/sqlite"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "billing-ledger",
		Short:         "Billing ledger for the field-service platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file")

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP API and scheduler", RunE: runServe},
		&cobra.Command{Use: "sweep", Short: "Mark past-due invoices overdue", RunE: runOnce(sweep)},
		&cobra.Command{Use: "remind", Short: "Dispatch payment reminders", RunE: runOnce(remind)},
		&cobra.Command{Use: "reconcile", Short: "Reconcile processing payments and pending refunds", RunE: runOnce(reconcile)},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *sqlite.Store
	events  *events.Publisher
	metrics *metrics.Ledger
	handler *api.Handler
}

func newApp() (*app, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.Setup(cfg.GetLoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	if dir := filepath.Dir(cfg.Database.Path); cfg.Database.Path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}
	deps := billing.Deps{
		Store:     store,
		Directory: store,
		Observer:  a.metrics,
		Logger:    logger.WithComponent("ledger"),
		Settings:  cfg.Settings(),
	}

	if cfg.Stripe.APIKey != "" {
		deps.Processor = processor.NewStripe(cfg.Stripe.APIKey)
		log.Info().Msg("stripe processor enabled")
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; card and bank payments are disabled")
	}

	if cfg.Slack.BotToken != "" {
		slack, err := notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel, logger.WithComponent("slack"))
		if err != nil {
			store.Close()
			return nil, err
		}
		deps.Notifier = slack
	} else {
		deps.Notifier = notify.NewLog(logger.WithComponent("notify"))
	}

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.WithComponent("events"))
		if err != nil {
			store.Close()
			return nil, err
		}
		a.events = pub
		deps.Events = pub
	}

	a.handler = api.NewHandler(deps)
	a.handler.Clients = store
	a.handler.Ping = store.Ping
	a.handler.Metrics = a.metrics.Handler()
	a.handler.Logger = logger.WithComponent("api")
	return a, nil
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to drain event publisher")
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close database")
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	scheduler, err := api.NewScheduler(a.handler, a.cfg.Scheduler.SweepSchedule, a.cfg.Scheduler.ReconcileSchedule, logger.WithComponent("scheduler"))
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(a.handler, a.cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", a.cfg.Server.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	scheduler.Start()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		scheduler.Stop(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}

type job func(ctx context.Context, h *api.Handler, log zerolog.Logger) error

func runOnce(j job) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return j(ctx, a.handler, a.log)
	}
}

func sweep(ctx context.Context, h *api.Handler, log zerolog.Logger) error {
	sum, err := h.Sweeper.SweepOverdue(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("scanned", sum.Scanned).Int("transitioned", sum.Transitioned).Int("errors", sum.Errors).Msg("sweep complete")
	return nil
}

func remind(ctx context.Context, h *api.Handler, log zerolog.Logger) error {
	sum, err := h.Sweeper.DispatchReminders(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("candidates", sum.Candidates).Int("sent", sum.Sent).Int("failed", sum.Failed).Msg("reminders complete")
	return nil
}

func reconcile(ctx context.Context, h *api.Handler, log zerolog.Logger) error {
	payments, err := h.Payments.ReconcilePending(ctx)
	if err != nil {
		return err
	}
	refunds, err := h.Refunds.ReconcilePending(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("payments_checked", payments.Checked).
		Int("payments_open", payments.StillOpen).
		Int("refunds_checked", refunds.Checked).
		Int("refunds_open", refunds.StillOpen).
		Msg("reconcile complete")
	return nil
}
