package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/suspectuso/cashier/internal/config"
	"github.com/suspectuso/cashier/internal/fio"
	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/liveness"
	"github.com/suspectuso/cashier/internal/metrics"
	"github.com/suspectuso/cashier/internal/notifier"
	"github.com/suspectuso/cashier/internal/reconcile"
	"github.com/suspectuso/cashier/internal/reporting"
	"github.com/suspectuso/cashier/internal/scheduler"
	"github.com/suspectuso/cashier/internal/status"
	"github.com/suspectuso/cashier/internal/telegram"
	"github.com/suspectuso/cashier/internal/xcontest"
)

var version = "dev"

func main() {
	// Load .env file
	envErr := godotenv.Load()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(log)

	if envErr != nil {
		log.Debug("no .env file found")
	}
	log.Info("starting cashier", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Error reporting
	reporter, err := reporting.New(cfg.SentryDSN, cfg.Environment, version, log)
	if err != nil {
		log.Error("init error reporting", "error", err)
		os.Exit(1)
	}
	defer reporter.Flush(2 * time.Second)

	// Initialize storage
	store, err := ledger.Open(ctx, cfg.DB, cfg.MongoDatabase)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("cashier", registry)

	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		log.Error("load location", "error", err)
		os.Exit(1)
	}

	// Initialize source clients
	bank := fio.NewClient(cfg.FioBaseURL, cfg.FioAPIToken, cfg.UserAgent, cfg.FioStartDate, cfg.HTTPTimeout)
	log.Info("fio client initialized", "base_url", cfg.FioBaseURL)

	flights, err := xcontest.NewClient(cfg.XContestBaseURL, cfg.XContestTakeoff, cfg.UserAgent, cfg.HTTPTimeout)
	if err != nil {
		log.Error("init xcontest client", "error", err)
		os.Exit(1)
	}
	log.Info("xcontest client initialized", "base_url", cfg.XContestBaseURL, "takeoff", cfg.XContestTakeoff)

	// Initialize telegram bot
	bot, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID, loc, log)
	if err != nil {
		log.Error("init telegram bot", "error", err)
		os.Exit(1)
	}
	log.Info("telegram bot initialized", "chat_id", cfg.TelegramChatID)

	// Initialize notifier and matcher
	fees := reconcile.FeeSchedule{Daily: cfg.DailyFee, Yearly: cfg.YearlyFee}
	notify := notifier.New(bot, cfg.TelegramChatID, fees, loc, log)

	matcher := reconcile.NewMatcher(store, bank, flights, notify, m, reconcile.Options{
		WindowDays:       cfg.FlightWatchDaysBack,
		GracePeriod:      cfg.GracePeriod,
		PairingThreshold: cfg.PairingThreshold,
		AnnouncePayments: cfg.AnnouncePayments,
	}, log)
	bot.SetCommands(matcher)

	// Liveness
	go liveness.NewReporter(cfg.LivenessPath, cfg.LivenessSleep, log).Run(ctx)

	// Start status server
	if cfg.MetricsAddr != "" {
		check := func() error {
			return liveness.Check(cfg.LivenessPath, cfg.LivenessThreshold, time.Now())
		}
		statusServer := status.NewServer(registry, check, log)
		go func() {
			if err := statusServer.Start(ctx, cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server", "error", err)
			}
		}()
	}

	// Schedule watch jobs
	sched := scheduler.New(matcher, scheduler.Options{
		Timeout: cfg.JobTimeout,
		Metrics: m,
		OnError: reporter.Report,
	}, log)

	if err := sched.ScheduleTransactionWatch(ctx, cfg.TransactionWatchCron, cfg.RunTasksAfterStartup); err != nil {
		log.Error("schedule transaction watch", "error", err)
		os.Exit(1)
	}
	if err := sched.ScheduleFlightWatch(ctx, cfg.FlightWatchCron, cfg.RunTasksAfterStartup); err != nil {
		log.Error("schedule flight watch", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// Start bot polling
	log.Info("starting bot polling...")
	bot.Start(ctx)

	sched.Wait()
	log.Info("stopped")
}
