package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cuongbtq/bulk-export/internal/aggregation"
	"github.com/cuongbtq/bulk-export/internal/api/router"
	"github.com/cuongbtq/bulk-export/internal/bootstrap"
	"github.com/cuongbtq/bulk-export/internal/config"
	"github.com/cuongbtq/bulk-export/internal/notify"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("AGGREGATION_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/aggregation-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAggregationConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	aggregatorID := cfg.Aggregation.AggregatorID
	if aggregatorID == "" {
		aggregatorID = uuid.NewString()
	}

	appLogger.Info("Starting aggregation service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("aggregator_id", aggregatorID),
	)

	if err := os.MkdirAll(cfg.Aggregation.ExportPath, 0o750); err != nil {
		return fmt.Errorf("failed to create export path: %w", err)
	}

	// Engines keep running through shutdown until they reach a checkpoint;
	// ctx is only cancelled once they are done or the timeout expires.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	q, closeQueue, err := bootstrap.InitQueue(ctx, cfg, reg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer closeQueue()

	upstream, resolver, closeResolver, err := bootstrap.InitBlueButton(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	var sink aggregation.Sink
	store, err := bootstrap.InitObjectStore(ctx, &cfg.ObjectStore, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	if store != nil {
		sink = store
		appLogger.Info("Uploading finished files", slog.String("bucket", cfg.ObjectStore.Bucket))
	}

	var consentChecker aggregation.ConsentChecker
	consentClient, err := bootstrap.InitConsent(&cfg.Consent, appLogger.Logger)
	if err != nil {
		return err
	}
	if consentClient != nil {
		consentChecker = aggregation.ConsentFunc(consentClient.OptedOut)
	}

	metrics := aggregation.NewMetrics(reg)
	processor := aggregation.NewProcessor(&aggregation.ProcessorConfig{
		Queue:             q,
		Upstream:          upstream,
		Resolver:          resolver,
		Consent:           consentChecker,
		Sink:              sink,
		Metrics:           metrics,
		Logger:            appLogger,
		ExportPath:        cfg.Aggregation.ExportPath,
		ResourcesPerFile:  cfg.Aggregation.ResourcesPerFile,
		FetchConcurrency:  cfg.Aggregation.FetchConcurrency,
		EncryptionEnabled: cfg.Aggregation.EncryptionEnabled,
		ClientID:          cfg.BlueButton.ClientID,
	})

	pool := aggregation.NewPool(&aggregation.PoolConfig{
		AggregatorID:        aggregatorID,
		Concurrency:         cfg.Aggregation.Concurrency,
		Queue:               q,
		Processor:           processor,
		Metrics:             metrics,
		Logger:              appLogger,
		PollInterval:        cfg.Aggregation.PollInterval,
		HeartbeatInterval:   cfg.Aggregation.HeartbeatInterval,
		HealthCheckInterval: cfg.Aggregation.HealthCheckInterval,
	})

	rabbitClient, err := bootstrap.InitRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()

		tag := cfg.RabbitMQ.Consumer.Tag + "-" + aggregatorID
		listener := notify.NewListener(rabbitClient, tag, pool.Wake, appLogger.Logger)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				appLogger.Error("Notification listener stopped, engines fall back to polling", slog.Any("error", err))
			}
		}()
	}

	bootstrap.SetGinMode(cfg.App.Environment)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.SetupAggregationRouter(appLogger.Logger, pool.Health(), reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	appLogger.Info("Aggregation service started successfully",
		slog.String("address", addr),
		slog.Int("engines", len(pool.Engines())),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		pool.Stop()
		cancel()
		<-poolDone
		return err
	}

	// Engines pause their batches at the next checkpoint.
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Aggregation.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-poolDone:
		appLogger.Info("Engines stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Engine shutdown timeout exceeded, abandoning leases to the stuck batch sweep")
		cancel()
		<-poolDone
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	appLogger.Info("Aggregation service shutdown complete")
	return nil
}
