package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/config"
	"github.com/mailwell/mailmirror/internal/cron"
	"github.com/mailwell/mailmirror/internal/listeners"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/repository"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/services"
	"github.com/mailwell/mailmirror/services/events"
	"github.com/mailwell/mailmirror/services/orchestrator"
	"github.com/mailwell/mailmirror/services/realtime"
	mailsync "github.com/mailwell/mailmirror/services/sync"
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	repositories *repository.Repositories
	orchestrator *orchestrator.Orchestrator
	manager      *realtime.Manager
	subscriber   *events.RabbitMQSubscriber
	cronManager  *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(db)

	sessionFactory := services.NewSessionFactory(cfg.SyncConfig, repos.MailboxRepository, appLogger)
	classifier := mailsync.NewFolderClassifier(nil, nil)

	synchronizer := mailsync.NewBatchSynchronizer(
		mailsync.BatchConfig{
			MaxMessageSize:       cfg.SyncConfig.MaxMessageSize,
			MessagesPerPass:      cfg.SyncConfig.MessagesPerPass,
			MetaPrefetchMultiple: cfg.SyncConfig.MetaPrefetchMultiple,
		},
		classifier,
		repos.MessageStore,
		repos.SyncStateRepository,
		repos.MailboxRepository,
		appLogger,
	)

	orch := orchestrator.NewOrchestrator(
		orchestrator.Config{
			Workers:            cfg.SyncConfig.WorkerPoolSize,
			RunTimeout:         cfg.SyncConfig.SyncRunTimeout,
			MinRecheckInterval: cfg.SyncConfig.MinRecheckInterval,
			LeaseTTL:           cfg.SyncConfig.LeaseTTL,
			InstanceID:         cfg.AppConfig.InstanceID,
		},
		synchronizer,
		sessionFactory,
		repos.MailboxRepository,
		appLogger,
	)

	drafts, _ := repos.MessageStore.(realtime.DraftProvider)
	manager := realtime.NewManager(
		realtime.Config{
			PollInterval:    cfg.SyncConfig.RealtimePollInterval,
			IdleRetireAfter: cfg.SyncConfig.IdleRetireAfter,
			LeaseTTL:        cfg.SyncConfig.LeaseTTL,
			InstanceID:      cfg.AppConfig.InstanceID,
		},
		sessionFactory,
		repos.MessageStore,
		repos.MessageIdentityRepository,
		repos.UserFolderRepository,
		repos.MailboxRepository,
		classifier,
		drafts,
		appLogger,
	)
	// Keep batch passes off mailboxes this instance reconciles in realtime.
	orch.SetBusyFilter(manager.IsActive)

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		repositories: repos,
		orchestrator: orch,
		manager:      manager,
		cronManager:  cron.NewCronManager(cfg, appLogger, orch, repos),
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

func (s *Server) Initialize(ctx context.Context) error {
	s.registerRoutes(ctx)

	if s.config.AppConfig.RabbitMQURL == "" {
		s.log.Warn("RabbitMQ URL not configured, realtime action queue disabled")
		return nil
	}

	subscriber, err := events.NewRabbitMQSubscriber(s.config.AppConfig.RabbitMQURL, s.log, nil)
	if err != nil {
		return err
	}
	s.subscriber = subscriber

	subscriber.RegisterListener(listeners.NewMailboxActionListener(s.log, s.config.EventsConfig, s.manager))
	subscriber.RegisterListener(listeners.NewMailboxActivityListener(s.log, s.config.EventsConfig, s.manager))

	if err := subscriber.ListenQueue(s.config.EventsConfig.ActionQueue); err != nil {
		return err
	}
	return subscriber.ListenQueue(s.config.EventsConfig.ActivityQueue)
}

func (s *Server) registerRoutes(ctx context.Context) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := s.router.Group("/")
	protected.Use(s.apiKeyMiddleware())
	protected.GET("/status", tracing.TracingEnhancer(ctx, "GET /status"), func(c *gin.Context) {
		status := s.orchestrator.Status()
		c.JSON(http.StatusOK, gin.H{
			"batchWorkers":      status.Workers,
			"batchActive":       status.Active,
			"realtimeMailboxes": s.manager.ActiveMailboxes(),
		})
	})
}

func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-KEY") != s.config.AppConfig.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.cronManager.Start()
	s.log.Info("Cron manager started")

	go func() {
		s.log.Infof("Starting HTTP server on port %s", s.config.AppConfig.APIPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	}()

	s.log.Info("mailmirror is now running")
	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	s.log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("HTTP server shutdown error: %v", err)
	}

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			s.log.Errorf("Subscriber shutdown error: %v", err)
		}
	}

	s.cronManager.Stop()

	// Stop the engine after the inputs are closed so no new work arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.manager.Shutdown()
		s.orchestrator.Stop()
	}()
	select {
	case <-done:
		s.log.Info("Sync engine stopped gracefully")
	case <-time.After(30 * time.Second):
		s.log.Warn("Sync engine stop timed out, forcing exit")
	}

	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}
	return nil
}
