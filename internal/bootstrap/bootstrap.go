// Package bootstrap builds the clients shared by the service binaries from
// the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/config"
	"github.com/cuongbtq/bulk-export/internal/consent"
	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/shared/logger"
	"github.com/cuongbtq/bulk-export/shared/objectstore"
	"github.com/cuongbtq/bulk-export/shared/postgresql"
	"github.com/cuongbtq/bulk-export/shared/rabbitmq"
)

// Closer releases whatever a constructor opened.
type Closer func()

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// SetGinMode switches gin to release mode in production.
func SetGinMode(environment string) {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// InitQueue opens the configured queue backend. With the postgres backend
// the schema is migrated first when database.migrate is set, and reg gets
// the queue gauges.
func InitQueue(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (queue.Queue, Closer, error) {
	opts := queue.Options{
		BatchSize:           cfg.Queue.BatchSize,
		StuckBatchThreshold: cfg.Queue.StuckBatchThreshold,
		UnhealthyThreshold:  cfg.Queue.UnhealthyThreshold,
	}
	if reg != nil {
		opts.Metrics = queue.NewMetrics(reg)
	}

	var (
		q     queue.Queue
		closer Closer = func() {}
	)
	switch cfg.Queue.Backend {
	case "memory":
		logger.Warn("Using the in-memory queue; batches do not survive a restart")
		q = queue.NewMemoryQueue(opts, logger)

	default:
		dbClient, err := InitPostgreSQL(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := queue.Migrate(ctx, dbClient.GetDB()); err != nil {
				dbClient.Close()
				return nil, nil, err
			}
			logger.Info("Queue schema migrated")
		}
		q = queue.NewDistributedQueue(dbClient.GetDB(), opts, logger)
		closer = func() { dbClient.Close() }
	}

	if reg != nil {
		queue.RegisterGauges(reg, q)
	}
	return q, closer, nil
}

// InitRabbitMQ connects to the broker. It returns nil when RabbitMQ is disabled.
func InitRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	if !cfg.Enabled {
		logger.Info("RabbitMQ disabled, engines rely on polling")
		return nil, nil
	}

	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, logger)
}

// InitBlueButton builds the upstream client and the patient resolver,
// cached in Redis when enabled.
func InitBlueButton(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bluebutton.Client, bluebutton.PatientResolver, Closer, error) {
	b := cfg.BlueButton
	client, err := bluebutton.NewClient(bluebutton.Config{
		ServerURL:     b.ServerURL,
		ClientID:      b.ClientID,
		PageSize:      b.PageSize,
		Timeout:       b.Timeout,
		MaxTries:      b.MaxTries,
		RetryInterval: b.RetryInterval,
		CertFile:      b.CertFile,
		KeyFile:       b.KeyFile,
		CAFile:        b.CAFile,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize Blue Button client: %w", err)
	}

	if !cfg.Redis.Enabled {
		return client, client, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The cache is an optimization; lookups fall through to Blue Button.
		logger.Warn("Redis unreachable at startup", slog.String("addr", cfg.Redis.Addr), slog.Any("error", err))
	}

	resolver := bluebutton.NewCachingResolver(client, rdb, cfg.Redis.TTL, logger)
	return client, resolver, func() { rdb.Close() }, nil
}

// InitConsent returns the consent client, or nil when consent checks are disabled.
func InitConsent(cfg *config.ConsentConfig, logger *slog.Logger) (*consent.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := consent.NewClient(consent.Config{
		ServerURL:     cfg.ServerURL,
		Timeout:       cfg.Timeout,
		MaxTries:      cfg.MaxTries,
		RetryInterval: cfg.RetryInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize consent client: %w", err)
	}
	logger.Info("Consent checks enabled", slog.String("server_url", cfg.ServerURL))
	return client, nil
}

// InitObjectStore returns the upload sink, or nil when the object store is disabled.
func InitObjectStore(ctx context.Context, cfg *config.ObjectStoreConfig, logger *slog.Logger) (*objectstore.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := objectstore.NewClient(&objectstore.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		Prefix:    cfg.Prefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
