package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/iot-receiver/internal/cache"
	"github.com/septivank/iot-receiver/internal/config"
	"github.com/septivank/iot-receiver/internal/db"
	"github.com/septivank/iot-receiver/internal/entity"
	"github.com/septivank/iot-receiver/internal/geocode"
	"github.com/septivank/iot-receiver/internal/ingest"
	"github.com/septivank/iot-receiver/internal/metrics"
	"github.com/septivank/iot-receiver/internal/mq"
	"github.com/septivank/iot-receiver/internal/mqtt"
	"github.com/septivank/iot-receiver/internal/ops"
	"github.com/septivank/iot-receiver/internal/repository"
	"github.com/septivank/iot-receiver/internal/service"
	"github.com/septivank/iot-receiver/tools/timeparser"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startReceiver(lc fx.Lifecycle, manager *mqtt.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return manager.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping receiver")
			return manager.Stop(ctx)
		},
	})
}

func startReplay(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) error {
	if conn == nil || !cfg.RabbitMQ.ReplayEnabled {
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.DLQQueue,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		MaxAttempts:   cfg.RabbitMQ.ReplayMaxAttempts,
		Logger:        logger,
		Handler:       processor.Replay,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close replay consumer", zap.Error(err))
				return err
			}
			logger.Info("replay consumer stopped")
			return nil
		},
	})

	return nil
}

func startOps(lc fx.Lifecycle, server *ops.Server) {
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
}

// ProvideMetrics creates the collectors
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.AutoMigrate)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *pgxpool.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideGeocoder creates the geocoding client
func ProvideGeocoder(cfg *config.Config, logger *zap.Logger) (geocode.Resolver, error) {
	return geocode.NewHTTPResolver(cfg.Geocode.BaseURL, cfg.Geocode.AuthToken, cfg.Geocode.Timeout, logger)
}

// ProvideEntityResolver creates the get-or-create resolver
func ProvideEntityResolver(
	repo *repository.Repository,
	geocoder geocode.Resolver,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *entity.Resolver {
	return entity.NewResolver(repo, geocoder, entity.Config{
		DefaultUnit:    cfg.Ingest.DefaultUnit,
		MaxAttempts:    cfg.Ingest.ConflictMaxRetries,
		ResolveTimeout: time.Duration(cfg.Ingest.ConflictMaxRetries) * (2*cfg.Database.QueryTimeout + cfg.Geocode.Timeout),
	}, m, logger)
}

// ProvideReadingZone loads the reference zone of reading wall-clock times
func ProvideReadingZone(cfg *config.Config) (*time.Location, error) {
	return timeparser.LoadZone(cfg.Ingest.TimeZone)
}

// ProvideWriter creates the ingestion writer
func ProvideWriter(repo *repository.Repository, zone *time.Location, logger *zap.Logger) *ingest.Writer {
	return ingest.NewWriter(repo, zone, logger)
}

// ProvideMQConnection creates a RabbitMQ connection, or nil when none is configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("RABBITMQ_URL not set, reading events and dead letters disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return service.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, mq.PublisherConfig{
		Exchange:   cfg.RabbitMQ.EventsExchange,
		RoutingKey: cfg.RabbitMQ.ReadingRoutingKey,
		DLQQueue:   cfg.RabbitMQ.DLQQueue,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideLatestCache creates the Redis latest-value cache when configured
func ProvideLatestCache(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) service.LatestCache {
	if !cfg.Redis.Enabled() {
		logger.Info("REDIS_ADDR not set, latest-value cache disabled")
		return service.NopLatest{}
	}
	return cache.NewLatest(lc, logger, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LatestTTL)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	resolver *entity.Resolver,
	writer *ingest.Writer,
	publisher service.EventPublisher,
	latest service.LatestCache,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(resolver, writer, publisher, latest, service.ProcessorConfig{
		QueryTimeout:   cfg.Database.QueryTimeout,
		GeocodeTimeout: cfg.Geocode.Timeout,
	}, m, logger)
}

// ProvideMQTTManager creates the broker session manager
func ProvideMQTTManager(
	cfg *config.Config,
	processor *service.ProcessorService,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*mqtt.Manager, error) {
	mcfg := mqtt.Config{
		BrokerURL:         cfg.MQTT.BrokerURL,
		ClientIDPrefix:    cfg.MQTT.ClientIDPrefix,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		Topic:             cfg.MQTT.Topic,
		QoS:               byte(cfg.MQTT.QoS),
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		DisconnectTimeout: cfg.MQTT.DisconnectTimeout,
	}

	if cfg.MQTT.Secure() {
		tlsConfig, err := mqtt.LoadPinnedTLSConfig(cfg.MQTT.CACertFile)
		if err != nil {
			return nil, err
		}
		mcfg.TLS = tlsConfig
	}

	return mqtt.NewManager(mcfg, processor.Process, m, logger), nil
}

// ProvideOpsServer creates the /health and /metrics listener
func ProvideOpsServer(
	cfg *config.Config,
	m *metrics.Metrics,
	repo *repository.Repository,
	manager *mqtt.Manager,
	logger *zap.Logger,
) *ops.Server {
	checks := map[string]ops.Check{
		"database": repo.Ping,
		"mqtt": func(context.Context) error {
			if state := manager.State(); state != mqtt.StateConnected {
				return fmt.Errorf("broker session %s", state)
			}
			return nil
		},
	}
	return ops.NewServer(cfg.ServicePort, m.Registry, checks, logger)
}
