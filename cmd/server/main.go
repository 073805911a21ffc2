// Command server runs the live-plan engine: the HTTP API plus the
// background orchestrator (law-change watcher, anchor workers, sweeps).
// Wiring only; behaviour lives in the internal packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heirloom/internal/anchor"
	"heirloom/internal/audit"
	"heirloom/internal/jwttoken"
	"heirloom/internal/liveplan"
	"heirloom/internal/plan"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/httpserver"
	"heirloom/internal/platform/logger"
	"heirloom/internal/platform/metrics"
	platformredis "heirloom/internal/platform/redis"
	"heirloom/internal/proposal"
	"heirloom/internal/rules"
	"heirloom/internal/storage"
	httptransport "heirloom/internal/transport/http"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	"heirloom/internal/watcher"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		opened, err := storage.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer opened.Close()
		if err := storage.EnsureSchema(ctx, opened); err != nil {
			return err
		}
		db = opened
		log.Info("using postgres storage")
	} else {
		log.Info("using in-memory storage")
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Audit first: everything else writes through it.
	var auditStore audit.Store = audit.NewInMemoryStore()
	if db != nil {
		auditStore = audit.NewPostgres(db)
	}
	auditOpts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := audit.NewMirror(cfg.KafkaBrokers, cfg.AuditTopic, log)
		if err != nil {
			return err
		}
		defer mirror.Close()
		auditOpts = append(auditOpts, audit.WithMirror(mirror))
	}
	auditor := audit.NewPublisher(auditStore, auditOpts...)

	var ruleStore rules.Store = rules.NewInMemoryStore()
	if db != nil {
		ruleStore = rules.NewPostgres(db)
	}
	ruleOpts := []rules.Option{rules.WithLogger(log)}
	if db != nil {
		ruleOpts = append(ruleOpts, rules.WithDB(db))
	}
	if redisClient != nil {
		ruleOpts = append(ruleOpts, rules.WithCache(rules.NewRedisCache(redisClient, cfg.Rules.CacheTTL)))
	}
	catalogue, err := rules.New(ruleStore, ruleOpts...)
	if err != nil {
		return err
	}

	// The directory is the read model of the external identity system. It
	// runs in-memory until that integration lands.
	directory := user.NewInMemoryDirectory()

	var triggerStore trigger.Store = trigger.NewInMemoryStore()
	if db != nil {
		triggerStore = trigger.NewPostgres(db)
	}
	ingestor, err := trigger.New(triggerStore, auditor,
		trigger.WithLogger(log), trigger.WithMetrics(m))
	if err != nil {
		return err
	}

	var proposalStore proposal.Store = proposal.NewInMemoryStore()
	if db != nil {
		proposalStore = proposal.NewPostgres(db)
	}
	generator, err := proposal.NewGenerator(proposalStore, directory, auditor,
		proposal.WithGeneratorLogger(log),
		proposal.WithCheckinPeriodDays(cfg.Watcher.CheckinPeriodDays))
	if err != nil {
		return err
	}

	var planStore plan.Store = plan.NewInMemory()
	if db != nil {
		planStore = plan.NewPostgres(db)
	}
	planOpts := []plan.Option{
		plan.WithLogger(log),
		plan.WithMetrics(m),
		plan.WithRenderTimeout(cfg.Plan.RenderTimeout),
	}
	if db != nil {
		planOpts = append(planOpts, plan.WithDB(db))
	}
	builder, err := plan.NewBuilder(planStore, plan.NewInMemoryBlobStore(),
		plan.NewLocalRenderer(catalogue), directory, auditor, planOpts...)
	if err != nil {
		return err
	}

	var anchorStore anchor.Store = anchor.NewInMemory()
	if db != nil {
		anchorStore = anchor.NewPostgres(db)
	}
	var anchorClient anchor.Client = anchor.NewInMemoryClient()
	if cfg.Anchor.ProviderURL != "" {
		anchorClient, err = anchor.NewHTTPClient(cfg.Anchor.ProviderURL, cfg.Anchor.ProviderAPIKey,
			anchor.WithHTTPClientLogger(log))
		if err != nil {
			return err
		}
	}
	coordinator, err := anchor.NewCoordinator(anchorStore, anchorClient, auditor, cfg.Anchor,
		anchor.WithCoordinatorLogger(log), anchor.WithCoordinatorMetrics(m))
	if err != nil {
		return err
	}

	workflow, err := proposal.NewWorkflow(proposalStore, builder, coordinator, auditor,
		proposal.WithWorkflowLogger(log), proposal.WithWorkflowMetrics(m))
	if err != nil {
		return err
	}

	locks := liveplan.NewUserLocks()
	lawWatcher, err := watcher.New(catalogue, directory, ingestor, generator, auditor, cfg.Watcher,
		watcher.WithLogger(log), watcher.WithMetrics(m), watcher.WithLocker(locks))
	if err != nil {
		return err
	}

	engine, err := liveplan.NewEngine(ingestor, generator, workflow, builder, coordinator, auditor, directory, locks,
		liveplan.WithEngineLogger(log))
	if err != nil {
		return err
	}
	orchestrator, err := liveplan.NewOrchestrator(lawWatcher, coordinator, workflow, builder, ingestor, generator, directory, locks, cfg,
		liveplan.WithOrchestratorLogger(log), liveplan.WithOrchestratorMetrics(m))
	if err != nil {
		return err
	}

	tokens := jwttoken.NewService(cfg.JWTSigningKey, "heirloom")
	server := httptransport.NewServer(engine, catalogue, tokens,
		httptransport.WithLogger(log), httptransport.WithMetrics(m))
	srv := httpserver.New(cfg.Addr, server.Routes())

	orchestratorDone := make(chan error, 1)
	go func() {
		orchestratorDone <- orchestrator.Run(ctx)
	}()

	log.Info("starting heirloom server", "addr", cfg.Addr)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.ListenAndServe()
	}()

	orchestratorStopped := false
	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case err := <-orchestratorDone:
		orchestratorStopped = true
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	if !orchestratorStopped {
		if err := <-orchestratorDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	log.Info("server stopped")
	return nil
}
