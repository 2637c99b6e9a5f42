package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/strandchat/strand-backend/internal/app"
	"github.com/strandchat/strand-backend/internal/clients/openai"
	redisclient "github.com/strandchat/strand-backend/internal/clients/redis"
	"github.com/strandchat/strand-backend/internal/data/db"
	"github.com/strandchat/strand-backend/internal/data/repos"
	chatrepo "github.com/strandchat/strand-backend/internal/data/repos/chat"
	jobrepo "github.com/strandchat/strand-backend/internal/data/repos/jobs"
	jobdomain "github.com/strandchat/strand-backend/internal/domain/jobs"
	"github.com/strandchat/strand-backend/internal/genlock"
	httpapi "github.com/strandchat/strand-backend/internal/http"
	"github.com/strandchat/strand-backend/internal/jobs/generate"
	"github.com/strandchat/strand-backend/internal/jobs/housekeeping"
	"github.com/strandchat/strand-backend/internal/jobs/runtime"
	"github.com/strandchat/strand-backend/internal/jobs/worker"
	"github.com/strandchat/strand-backend/internal/observability"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/realtime"
	"github.com/strandchat/strand-backend/internal/services"
)

func main() {
	cfg := app.LoadConfig()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "strand-backend", cfg.Mode)
	if err != nil {
		log.Fatal("Failed to set up tracing", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", "error", err)
	}
	if err := db.AutoMigrateAll(pg.DB()); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	rdb, err := redisclient.NewClient(log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}
	bus, err := redisclient.NewEventBus(rdb, log)
	if err != nil {
		log.Fatal("Failed to create event bus", "error", err)
	}
	lock, err := genlock.NewRedisLock(rdb, log, cfg.LockTTL)
	if err != nil {
		log.Fatal("Failed to create generation lock", "error", err)
	}

	convs := chatrepo.NewConversationRepo(pg.DB(), log)
	msgs := chatrepo.NewMessageRepo(pg.DB(), log)
	parts := chatrepo.NewParticipantRepo(pg.DB(), log)
	runs := jobrepo.NewJobRunRepo(pg.DB(), log)
	txr := repos.NewGormTxRunner(pg.DB())

	catalog := services.NewStaticCatalog()
	notifier := services.NewBusNotifier(bus, log)
	scheduler := services.NewJobService(runs, log)
	convSvc := services.NewConversationService(log, txr, convs, msgs, parts, lock, scheduler, catalog, notifier)

	engine, err := openai.NewClient(log)
	if err != nil {
		log.Fatal("Failed to create generation engine", "error", err)
	}
	registry := runtime.NewRegistry()
	registry.Register(jobdomain.TypeGenerate, generate.NewHandler(log, msgs, lock, engine, catalog, notifier))
	registry.Register(jobdomain.TypeHousekeeping, housekeeping.NewHandler(log, convs, msgs, rdb))
	pool := worker.NewPool(log, runs, registry, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxAttempts:  cfg.JobMaxAttempts,
		RetryDelay:   cfg.JobRetryDelay,
		StaleRunning: cfg.JobStaleRunning,
	})

	router := httpapi.NewRouter(log, convSvc, cfg.Mode)
	server := httpapi.NewServer(log, router, cfg.HTTPAddr)

	if err := bus.StartForwarder(ctx, func(ev realtime.Event) {
		log.Debug("Realtime event", "type", ev.Type, "conversation_id", ev.ConversationID)
	}); err != nil {
		log.Fatal("Failed to start event forwarder", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return pool.Start(gctx) })

	log.Info("Strand backend started", "mode", cfg.Mode, "addr", cfg.HTTPAddr)
	if err := g.Wait(); err != nil {
		log.Error("Shutdown with error", "error", err)
	}
	_ = bus.Close()
	log.Info("Strand backend stopped")
}
