package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/chatdesk-io/chatdesk/internal/api/http"
	"github.com/chatdesk-io/chatdesk/internal/api/http/handlers"
	"github.com/chatdesk-io/chatdesk/internal/auth"
	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/channel/whatsapp"
	"github.com/chatdesk-io/chatdesk/internal/config"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/observability"
	"github.com/chatdesk-io/chatdesk/internal/persistence"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	"github.com/chatdesk-io/chatdesk/internal/service"
	"github.com/chatdesk-io/chatdesk/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(cfg.Postgres.DSN, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	mediaStore, err := persistence.NewMediaStore(cfg.Media)
	if err != nil {
		logger.Fatal("failed to prepare media store", zap.Error(err))
	}

	pool := pg.PoolHandle()
	ticketRepo := repository.NewTicketRepository(pool)
	historyRepo := repository.NewTicketHistoryRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	contactRepo := repository.NewContactRepository(pool)
	queueRepo := repository.NewQueueRepository(pool)
	agentRepo := repository.NewAgentRepository(pool)
	settingRepo := repository.NewSettingRepository(pool)
	receiptRepo := repository.NewReceiptRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	tenants := service.NewTenantConfigResolver(settingRepo, cfg.Router, logger)
	projector := service.NewProjector(contactRepo, queueRepo, agentRepo, ticketRepo, logger)

	sessions := channel.NewManager(nil, logger)
	sender := channel.NewSender(sessions, cfg.Router, logger)
	outbound := service.NewOutboundService(service.OutboundDependencies{
		Sender:      sender,
		ContactRepo: contactRepo,
		MessageRepo: messageRepo,
		Dispatcher:  dispatcher,
		Projector:   projector,
		Metrics:     metrics,
		Logger:      logger,
	})

	rating := service.NewRatingTracker(service.RatingDependencies{
		TicketRepo: ticketRepo,
		Tenants:    tenants,
		Notifier:   outbound,
		CloseDelay: cfg.Router.RatingCloseDelay,
		Logger:     logger,
	})
	lifecycle := service.NewTicketLifecycleManager(service.LifecycleDependencies{
		TicketRepo: ticketRepo,
		AgentRepo:  agentRepo,
		QueueRepo:  queueRepo,
		Tenants:    tenants,
		Rating:     rating,
		Notifier:   outbound,
		Dispatcher: dispatcher,
		Projector:  projector,
		Logger:     logger,
	})
	rating.SetCloser(lifecycle)

	router := service.NewConversationRouter(service.RouterDependencies{
		QueueRepo: queueRepo,
		Applier:   lifecycle,
		Notifier:  outbound,
		CacheTTL:  cfg.Router.MenuCacheTTL,
		Logger:    logger,
	})

	pipeline := service.NewInboundPipeline(service.PipelineDependencies{
		Tenants:     tenants,
		Filter:      service.NewMessageFilter(nil, logger),
		ReceiptRepo: receiptRepo,
		Contacts:    service.NewContactResolver(contactRepo, logger),
		Lifecycle:   lifecycle,
		Rating:      rating,
		Router:      router,
		TicketRepo:  ticketRepo,
		MessageRepo: messageRepo,
		Media:       mediaStore,
		Dispatcher:  dispatcher,
		Projector:   projector,
		Metrics:     metrics,
		Logger:      logger,
	})
	sessions.SetHandler(pipeline)

	schedulerDeps := service.SchedulerDependencies{
		TicketRepo:  ticketRepo,
		AgentRepo:   agentRepo,
		SettingRepo: settingRepo,
		Tenants:     tenants,
		Ratings:     rating,
		Dispatcher:  dispatcher,
		Projector:   projector,
		Metrics:     metrics,
		Cadence:     cfg.Scheduler.Cadence,
		Logger:      logger,
	}
	var jobs *worker.RedisJobs
	if cfg.Scheduler.UseRedisJobs && redis.Enabled() {
		jobs = worker.NewRedisJobs(redis.Client, cfg.Scheduler.PollInterval, logger)
		schedulerDeps.Jobs = jobs
	}
	scheduler := service.NewAutoAssignScheduler(schedulerDeps)
	if jobs != nil {
		go jobs.Run(ctx, scheduler)
	}
	scheduler.Start(ctx)

	var publisher service.Publisher
	if redis.Enabled() {
		publisher = redis
	}
	notifications := service.NewNotificationService(dispatcher, publisher, logger, 0)
	worker.StartNotificationWorker(ctx, notifications)

	// receipts older than the history window can no longer be replayed
	retention := time.Duration(cfg.Router.HistoryWindowDays+1) * 24 * time.Hour
	worker.NewReceiptJanitor(receiptRepo, retention, time.Hour, logger).Start(ctx)

	if cfg.WhatsApp.Enabled {
		store, err := whatsapp.OpenStore(ctx, cfg.WhatsApp, logger)
		if err != nil {
			logger.Fatal("failed to open whatsapp store", zap.Error(err))
		}
		loader := whatsapp.NewLoader(store, sessionRepo, sessions, cfg.WhatsApp, cfg.Router.SessionBuffer, logger)
		connected, err := loader.Start(ctx)
		if err != nil {
			logger.Error("loading whatsapp sessions failed", zap.Error(err))
		}
		logger.Info("whatsapp sessions loaded", zap.Int("connected", connected))
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens, agentRepo)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	ticketService := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  ticketRepo,
		MessageRepo: messageRepo,
		HistoryRepo: historyRepo,
		Projector:   projector,
	})

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, sessions.Count),
		Metrics:        handlers.NewMetricsHandler(metrics),
		Tickets:        handlers.NewTicketsHandler(lifecycle, ticketService),
		Scheduler:      handlers.NewSchedulerHandler(scheduler),
		AuthMiddleware: authMiddleware,
		MediaDir:       cfg.Media.Dir,
		MediaBaseURL:   cfg.Media.BaseURL,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	sessions.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
