package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/config"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/engine"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/notifier"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/pipeline"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/webhook"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi Contest Engine",
		zap.String("environment", cfg.Environment),
		zap.String("company_id", cfg.Tenant.CompanyID),
		zap.String("nats_url", cfg.NATS.URL),
	)

	// Storage
	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Tenant.CompanyID)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	// JetStream
	jsClient, err := initJetStreamClient(cfg.NATS.URL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
	}

	// Transports
	gateway := transport.NewGateway(cfg.Gateway.BaseURL, cfg.Gateway.InstanceID, cfg.Gateway.AccessToken, cfg.Tenant.CompanyID)
	mediaStore := transport.NewMediaStore(cfg.Media.StorageBaseURL)

	// Receipt pipeline: publisher feeds the engine, consumer drains the stream.
	publisher := pipeline.NewPublisher(jsClient, cfg.NATS.Subject)
	runner := pipeline.NewRunner(
		postgresRepo,
		mediaStore,
		pipeline.NewDetectorClient(cfg.Pipeline.DetectorURL),
		pipeline.NewOCRClient(cfg.Pipeline.OcrURL),
		pipeline.NewVLMClient(cfg.Pipeline.VlmURL),
	).WithRetryPolicy(cfg.Pipeline.RetryBudget, cfg.Pipeline.RetryDelay)
	consumer, err := pipeline.NewConsumer(pipeline.Config{
		Stream:    cfg.NATS.Stream,
		Subject:   cfg.NATS.Subject,
		AckWait:   cfg.NATS.AckWait,
		Workers:   cfg.NATS.Workers,
		MaxAge:    time.Duration(cfg.NATS.MaxAgeDays) * 24 * time.Hour,
		CompanyID: cfg.Tenant.CompanyID,
	}, logger.Log, jsClient, postgresRepo, runner, publisher)
	if err != nil {
		logger.Log.Fatal("Failed to initialize receipt pipeline consumer", zap.Error(err))
	}

	// Conversation engine
	eng := engine.NewEngine(postgresRepo, gateway, publisher, cfg.Tenant.PhoneNumber, cfg.Tenant.DefaultCountryCode)

	// Outcome notifier
	outcomeNotifier := notifier.New(postgresRepo, gateway, cfg.Tenant.CompanyID, cfg.Notifier.PollInterval, logger.Log).
		WithDedupWindow(cfg.Notifier.DedupWindow)

	// HTTP surfaces
	webhookServer := webhook.NewServer(webhook.Config{
		Port:               cfg.Server.Port,
		CompanyID:          cfg.Tenant.CompanyID,
		DefaultCountryCode: cfg.Tenant.DefaultCountryCode,
		AllowedSources:     cfg.Server.AllowedSources,
	}, eng, postgresRepo, logger.Log)

	healthServer := healthcheck.NewServer(cfg.Metrics.Port, logger.Log)
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.String("port", cfg.Metrics.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}
	healthServer.Start()
	webhookServer.Start()

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()
	sigChan := make(chan os.Signal, 1)

	// Consumer blocks until context cancellation; a startup failure takes the
	// whole process down for the orchestrator to restart.
	go func() {
		if err := consumer.Start(mainCtx); err != nil {
			logger.Log.Error("Receipt pipeline consumer failed, initiating shutdown...", zap.Error(err))
			mainCancel()
			select {
			case sigChan <- syscall.SIGTERM:
			default:
				logger.Log.Warn("Could not send SIGTERM to signal channel immediately")
			}
		}
	}()

	outcomeNotifier.Start(mainCtx)

	// Wait for termination signal
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	wg.Add(5)

	// Stop accepting webhooks first so no new work enters mid-shutdown.
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping webhook server")
		start := time.Now()
		if err := webhookServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping webhook server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] Webhook server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping webhook server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping receipt pipeline consumer")
		start := time.Now()
		consumer.Stop()
		logger.Log.Info("[shutdown] Receipt pipeline consumer stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping receipt pipeline consumer",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping outcome notifier")
		start := time.Now()
		outcomeNotifier.Stop()
		logger.Log.Info("[shutdown] Outcome notifier stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping outcome notifier",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping health check server")
		start := time.Now()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] Health check server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping health check server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close connections last, after every worker that uses them has stopped.
	utils.SafeGo(func() {
		defer wg.Done()

		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		pgStart := time.Now()
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(pgStart)))
		}

		logger.Log.Info("[shutdown] Closing JetStream connection")
		jsStart := time.Now()
		jsClient.Close()
		logger.Log.Info("[shutdown] JetStream connection closed",
			zap.Duration("duration", time.Since(jsStart)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing connections",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Daisi Contest Engine shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool, companyID string) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

// initJetStreamClient connects to NATS; stream and consumer provisioning
// happens in the pipeline consumer setup.
func initJetStreamClient(url string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}
