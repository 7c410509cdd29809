package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/lapidaryhq/concierge/internal/api/router"
	"github.com/lapidaryhq/concierge/internal/assistant"
	appconfig "github.com/lapidaryhq/concierge/internal/config"
	"github.com/lapidaryhq/concierge/internal/dispatch"
	"github.com/lapidaryhq/concierge/internal/handoff"
	"github.com/lapidaryhq/concierge/internal/http/handlers"
	"github.com/lapidaryhq/concierge/internal/inventory"
	"github.com/lapidaryhq/concierge/internal/messaging"
	"github.com/lapidaryhq/concierge/internal/observability/metrics"
	"github.com/lapidaryhq/concierge/internal/ratelimit"
	"github.com/lapidaryhq/concierge/internal/session"
	"github.com/lapidaryhq/concierge/internal/transcript"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting concierge", "env", cfg.Env, "port", cfg.Port)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	routerMetrics := metrics.NewRouterMetrics(registry)

	// Redis is optional. Without it quota counters and hand-off state live
	// in process memory and vanish on restart.
	var counterStore ratelimit.CounterStore
	var memCounters *ratelimit.MemoryStore
	var handoffStore handoff.Store
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		cancel()
		defer func() { _ = client.Close() }()
		counterStore = ratelimit.NewRedisStore(client)
		handoffStore = handoff.NewRedisStore(client)
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		memCounters = ratelimit.NewMemoryStore()
		counterStore = memCounters
		handoffStore = handoff.NewMemoryStore()
		logger.Warn("no redis configured, quota and hand-off state are in-memory only")
	}

	// Postgres is optional; it only backs the dashboard transcript.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			logger.Error("ping database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		logger.Info("database connected")
	} else {
		logger.Info("no database configured, transcript logging disabled")
	}
	transcriptStore := transcript.NewStore(db, logger)

	loc := time.UTC
	if cfg.RateLimitTimezone != "" {
		parsed, err := time.LoadLocation(cfg.RateLimitTimezone)
		if err != nil {
			logger.Error("invalid rate limit timezone", "tz", cfg.RateLimitTimezone, "error", err)
			os.Exit(1)
		}
		loc = parsed
	}
	limiter := ratelimit.New(counterStore, cfg.DailyMessageLimit,
		ratelimit.WithLocation(loc), ratelimit.WithLogger(logger))

	sessions := session.NewStore(cfg.MaxHistoryPairs)

	sender := messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken,
		cfg.TwilioWhatsAppFrom, logger,
		messaging.WithPollTimeout(cfg.DeliveryPollTimeout))

	handoffRegistry := handoff.NewRegistry(handoffStore, sessions, sender, handoff.Config{
		Operators:     cfg.OperatorNumbers,
		Timeout:       cfg.HandoffTimeout,
		SweepInterval: cfg.SweepInterval,
	}, handoff.WithLogger(logger), handoff.WithMetrics(routerMetrics))

	searcher := inventory.NewSheetsClient(cfg.SheetsID, cfg.SheetsGID, logger)
	asst, err := assistant.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.SystemPromptPath,
		searcher, assistant.WithLogger(logger))
	if err != nil {
		logger.Error("init assistant", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Registry:   handoffRegistry,
		Limiter:    limiter,
		Sessions:   sessions,
		Assistant:  asst,
		Sender:     sender,
		Transcript: transcriptStore,
	}, dispatch.Config{
		QuietPeriod:   cfg.QuietPeriod,
		GreetingReply: cfg.GreetingReply,
	},
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(routerMetrics),
		dispatch.WithDeliveryWaiter(sender),
	)

	var dashboardHandler *handlers.DashboardHandler
	if transcriptStore.Enabled() {
		dashboardHandler = handlers.NewDashboardHandler(transcriptStore, cfg.DashboardToken,
			cfg.TranscriptRetention, logger)
	}

	handler := router.New(&router.Config{
		Logger:             logger,
		Webhook:            handlers.NewWebhookHandler(dispatcher, cfg.TwilioAuthToken, cfg.ValidateTwilio, logger),
		Admin:              handlers.NewAdminHandler(limiter, logger),
		Dashboard:          dashboardHandler,
		AdminToken:         cfg.AdminToken,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle hand-offs go back to the assistant on a timer.
	go handoffRegistry.Run(ctx)

	// Housekeeping jobs.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		if removed := sessions.PruneIdle(cfg.SessionIdleExpiry); removed > 0 {
			logger.Info("pruned idle sessions", "removed", removed)
		}
	}); err != nil {
		logger.Error("schedule session prune", "error", err)
		os.Exit(1)
	}
	if memCounters != nil {
		if _, err := scheduler.AddFunc("@hourly", func() {
			day := time.Now().In(loc).Format("2006-01-02")
			if removed := memCounters.PruneStale(day); removed > 0 {
				logger.Info("pruned stale quota counters", "removed", removed)
			}
		}); err != nil {
			logger.Error("schedule counter prune", "error", err)
			os.Exit(1)
		}
	}
	if transcriptStore.Enabled() {
		if _, err := scheduler.AddFunc("@hourly", func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			removed, err := transcriptStore.Prune(pruneCtx, cfg.TranscriptRetention)
			if err != nil {
				logger.Error("transcript prune failed", "error", err)
				return
			}
			if removed > 0 {
				logger.Info("pruned old transcript rows", "removed", removed)
			}
		}); err != nil {
			logger.Error("schedule transcript prune", "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	// Flush buffered customer messages so the quiet period does not eat
	// them on deploy.
	dispatcher.Shutdown()

	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("cron jobs did not finish before timeout")
	}

	logger.Info("shutdown complete")
}
