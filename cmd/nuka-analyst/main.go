package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-analyst/internal/analyst"
	"github.com/nidhogg/nuka-analyst/internal/api"
	"github.com/nidhogg/nuka-analyst/internal/config"
	"github.com/nidhogg/nuka-analyst/internal/notify"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/provider"
	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/store"
	"github.com/nidhogg/nuka-analyst/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	zc := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka-analyst.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Analyst...", zap.String("config", cfgPath))

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	router.SetFallbacks(cfg.Fallbacks)
	if router.Len() == 0 {
		logger.Warn("no LLM providers configured, analysts will fail")
	}

	// Register analysts
	reg := registry.New(logger, registry.WithHealthThresholds(cfg.Orchestrator.DegradedAfter, cfg.Orchestrator.UnhealthyAfter))
	for _, wc := range cfg.Workers {
		if wc.Provider != "" {
			router.Bind(wc.Name, wc.Provider)
		}
		if err := reg.Register(wc.Metadata(), analyst.New(wc.Analyst(), router, logger)); err != nil {
			logger.Fatal("register worker", zap.String("worker", wc.Name), zap.Error(err))
		}
	}
	if cycles := reg.Cycles(); len(cycles) > 0 {
		logger.Warn("dependency cycles detected, falling back to priority order", zap.Strings("workers", cycles))
	}

	// Advisor
	var advisor worker.Aggregator
	switch cfg.Advisor.Mode {
	case config.AdvisorLLM:
		if cfg.Advisor.Provider != "" {
			router.Bind(cfg.Advisor.Name, cfg.Advisor.Provider)
		}
		advisor = analyst.NewLLMAdvisor(cfg.Advisor.Name, cfg.Advisor.Prompt, cfg.Advisor.Model, router, logger)
	default:
		va := analyst.NewVotingAdvisor(cfg.Advisor.Name)
		va.MinConfidence = cfg.Advisor.MinConfidence
		advisor = va
	}

	// Initialize orchestrator
	orch, err := orchestrator.New(reg, advisor, cfg.OrchestratorSettings(), logger)
	if err != nil {
		logger.Fatal("failed to create orchestrator", zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orch.AddMonitor(orchestrator.NewLogMonitor(logger), orchestrator.NewMetrics(promReg))

	var bus *orchestrator.EventBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := orchestrator.NewEventBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(busErr))
		} else {
			bus = b
			orch.AddMonitor(bus)
			orch.AddListener(bus)
		}
	}

	// Initialize PostgreSQL store
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without history", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			orch.AddListener(pgStore)
		}
	}

	// Notifiers
	var notifiers []notify.Notifier
	if cfg.Notify.Slack.Enabled {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.Slack.Token, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled {
		dn, dErr := notify.NewDiscordNotifier(cfg.Notify.Discord.Token, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			notifiers = append(notifiers, dn)
		}
	}
	broadcaster := notify.NewBroadcaster(logger, notifiers...)
	broadcaster.FailuresOnly = cfg.Notify.FailuresOnly
	if broadcaster.Len() > 0 {
		orch.AddListener(broadcaster)
	}

	// Persist worker snapshots periodically
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	if pgStore != nil {
		go saveSnapshots(snapCtx, pgStore, reg, cfg.Orchestrator.SnapshotInterval.Std(), logger)
	}

	// Build HTTP handler
	var history api.History
	if pgStore != nil {
		history = pgStore
	}
	handler := api.NewHandler(orch, history, broadcaster, promReg, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Analyst listening", zap.String("port", port), zap.Int("workers", reg.Len()))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Analyst...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	stopSnapshots()
	orch.Close()
	if pgStore != nil {
		if err := pgStore.SaveSnapshots(ctx, reg.Snapshots()); err != nil {
			logger.Warn("final snapshot save failed", zap.Error(err))
		}
		pgStore.Close()
	}
	if bus != nil {
		bus.Close()
	}
	broadcaster.Close()
}

func saveSnapshots(ctx context.Context, s *store.Store, reg *registry.Registry, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshots(ctx, reg.Snapshots()); err != nil {
				logger.Warn("save worker snapshots", zap.Error(err))
			}
		}
	}
}
