package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"querygate/internal/ai"
	"querygate/internal/config"
	"querygate/internal/gate"
	"querygate/internal/logging"
	"querygate/internal/payment"
	"querygate/internal/quota"
	"querygate/internal/store"
	"querygate/internal/subscription"
	"querygate/internal/telegram"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "querygate",
	Short:   "querygate - quota and subscription gate for an AI chat bot",
	Long:    `querygate meters access to an AI query backend: a daily free allowance per user, paid subscriptions settled through CryptoCloud, and a Telegram transport.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("querygate %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "querygate",
	})
	log.Info().Str("version", Version).Msg("Starting querygate")

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	ledger := subscription.NewLedger(db)
	tracker := quota.NewTracker(db, ledger, cfg.DailyFreeLimit)
	processor := payment.NewCryptoCloudClient(cfg.CryptoCloudAPIKey, cfg.CryptoCloudShopID, 0)
	poller := payment.NewPoller(db, processor, ledger, payment.PollerConfig{
		InitialInterval:      cfg.PollInitialInterval,
		MaxInterval:          cfg.PollMaxInterval,
		MaxWait:              cfg.PollMaxWait,
		SubscriptionDuration: cfg.SubscriptionDuration,
	})
	engine := gate.New(tracker, ledger, db, processor, poller, gate.Config{
		PriceUSD: cfg.SubscriptionPriceUSD,
		Currency: "USD",
	})

	provider := ai.NewMistralClient(cfg.MistralAPIKey, cfg.MistralModel, 0)
	bot := telegram.NewBot(telegram.NewClient(cfg.TelegramToken, 0), engine, provider, cfg.SubscriptionPriceUSD)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Confirmation tasks a previous run left behind must restart before new
	// traffic can pile more on top of them.
	if err := poller.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume pending invoices: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(ctx)
	})

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsHandler(),
	}
	g.Go(func() error {
		log.Info().Int("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Let in-flight polling tasks notice the cancellation and exit; their
	// invoices stay pending in storage and resume on next start.
	poller.Wait()

	log.Info().Msg("querygate stopped")
	return err
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
