// Package main is the entry point for the chatbroker service: a session
// lifecycle and task-dispatch broker sitting between bot task producers and
// the RPA workers driving third-party chat platforms.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/chatbroker/chatbroker/internal/broker/admission"
	"github.com/chatbroker/chatbroker/internal/broker/dispatch"
	"github.com/chatbroker/chatbroker/internal/broker/handlers"
	"github.com/chatbroker/chatbroker/internal/broker/ingest"
	"github.com/chatbroker/chatbroker/internal/broker/notify"
	"github.com/chatbroker/chatbroker/internal/broker/queue"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	"github.com/chatbroker/chatbroker/internal/common/config"
	"github.com/chatbroker/chatbroker/internal/common/httpmw"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/db"
	"github.com/chatbroker/chatbroker/internal/events"
	gateway "github.com/chatbroker/chatbroker/internal/gateway/websocket"
	"github.com/chatbroker/chatbroker/internal/tracing"
)

var (
	configPathFlag  = flag.String("config", "", "Directory containing config.yaml")
	printConfigFlag = flag.Bool("print-config", false, "Print the effective configuration as YAML and exit")
)

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfigFlag {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting chatbroker...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// 5. Initialize the relational store
	pool, err := db.Open(cfg.Store.Driver, cfg.Store.DSN, cfg.Store.BusyTimeoutMS)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err), zap.String("driver", cfg.Store.Driver))
	}
	defer pool.Close()

	repo, err := repository.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	log.Info("Store initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.String("dsn", cfg.Store.DSN))

	// 6. Initialize the send-task queue (in-memory by default, Redis if configured)
	taskQueue, err := queue.Provide(&cfg.Queue, log)
	if err != nil {
		log.Fatal("Failed to initialize send-task queue", zap.Error(err))
	}
	defer taskQueue.Close()

	// 7. Broker services
	manager := session.NewManager(repo, eventBus, &cfg.Session, log)
	admitter := admission.NewController(repo, taskQueue, eventBus, &cfg.Session, &cfg.Dispatch, log)
	dispatcher := dispatch.NewDispatcher(repo, taskQueue, manager, eventBus, &cfg.Dispatch, log)
	classifier := ingest.NewTaskMatchClassifier(repo, &cfg.Ingest)
	ingestor := ingest.NewIngestor(repo, manager, classifier, eventBus, &cfg.Ingest, &cfg.Session, log)

	var sink notify.Sink
	if cfg.Notifier.Endpoint != "" {
		sink = notify.NewWebhookSink(&cfg.Notifier)
	}
	notifier := notify.NewNotifier(repo, sink, &cfg.Notifier, log)

	// 8. WebSocket gateway streaming lifecycle events to listeners
	gw := gateway.Provide(ctx, eventBus, log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestID())
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log, "chatbroker"))
	router.Use(httpmw.OtelTracing("chatbroker"))

	handlers.SetupRoutes(router, admitter, manager, dispatcher, ingestor, repo, eventBus, log)
	gw.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Background loops: hub, reaper, reconciler, notification outbox
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return manager.RunReaperLoop(gctx) })
	g.Go(func() error { return dispatcher.RunReconcileLoop(gctx) })
	g.Go(func() error { return notifier.RunLoop(gctx) })

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api"),
		zap.String("websocket", "/ws/events"),
		zap.String("health", "/health"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down chatbroker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("chatbroker stopped")
}
