package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/septivank/climax-ledger/internal/anomaly"
	"github.com/septivank/climax-ledger/internal/api"
	"github.com/septivank/climax-ledger/internal/auth"
	"github.com/septivank/climax-ledger/internal/config"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/ingest"
	"github.com/septivank/climax-ledger/internal/mq"
	"github.com/septivank/climax-ledger/internal/query"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/internal/retention"
	"github.com/septivank/climax-ledger/internal/service"
	"github.com/septivank/climax-ledger/tools/timeparser"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideRepository opens the configured backend and creates the schema on start
func ProvideRepository(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*repository.Repository, error) {
	var repo *repository.Repository
	switch cfg.Database.Driver {
	case "sqlite":
		sqlDB, err := db.NewSQLite(lc, logger, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo = repository.NewSQLite(sqlDB)
	default:
		pool, err := db.NewPool(lc, logger, db.PoolConfig{
			URL:      cfg.DatabaseURL(),
			Schema:   cfg.Database.Schema,
			MinConns: int32(cfg.Database.PoolMin),
			MaxConns: int32(cfg.Database.PoolMax),
		})
		if err != nil {
			return nil, err
		}
		repo = repository.NewPostgres(pool, cfg.Database.Schema)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repo.Init(ctx, cfg.Liveness()); err != nil {
				return err
			}
			logger.Info("schema ready", zap.String("driver", repo.Driver()))
			return nil
		},
	})
	return repo, nil
}

// ProvideResolver loads the configured timezone
func ProvideResolver(cfg *config.Config) (*timeparser.Resolver, error) {
	return timeparser.LoadResolver(cfg.Time.Timezone)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.AnomalyThresholds(), cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideMQConnection connects to RabbitMQ, or returns nil when it is disabled
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled {
		logger.Info("rabbitmq disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the stored-record publisher. Without a broker the
// pipeline gets a nil publisher and skips fan-out.
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return nil, nil
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
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

// ProvidePipeline creates the ingestion pipeline
func ProvidePipeline(
	repo *repository.Repository,
	publisher service.EventPublisher,
	detector *anomaly.Detector,
	resolver *timeparser.Resolver,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Pipeline {
	return service.NewPipeline(repo, publisher, detector, resolver, service.Options{
		ClockSkewTolerance: cfg.ClockSkewTolerance(),
		AnomalyHistory:     cfg.Anomaly.HistorySize,
	}, logger)
}

// ProvideRetentionEngine creates the retention engine
func ProvideRetentionEngine(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *retention.Engine {
	return retention.NewEngine(repo, retention.Horizons{
		DataDays:     cfg.Retention.DataDays,
		SecurityDays: cfg.Retention.SecurityDays,
		AuditDays:    cfg.Retention.AuditDays,
	}, logger)
}

// ProvideQueryEngine creates the read side
func ProvideQueryEngine(repo *repository.Repository, resolver *timeparser.Resolver, cfg *config.Config) *query.Engine {
	return query.NewEngine(repo, resolver, cfg.Liveness())
}

// ProvideAuthPolicy builds the API key policy
func ProvideAuthPolicy(cfg *config.Config, logger *zap.Logger) *auth.Policy {
	policy := auth.NewPolicy(cfg.Auth.WriteKey, cfg.Auth.ReadKey, cfg.Auth.LegacyKey)
	if policy.Mode() == auth.Open {
		logger.Warn("no API keys configured, every endpoint is open")
	} else {
		logger.Info("api key policy", zap.Stringer("mode", policy.Mode()))
	}
	return policy
}

// ProvideHandler creates the HTTP API handler
func ProvideHandler(
	pipeline *service.Pipeline,
	queries *query.Engine,
	cleaner *retention.Engine,
	policy *auth.Policy,
	repo *repository.Repository,
	cfg *config.Config,
	logger *zap.Logger,
) *api.Handler {
	opts := api.Options{CORSOrigins: cfg.Server.CORSOrigins}
	if cfg.Server.LogRequests {
		opts.RequestLog = repo
	}
	return api.NewHandler(pipeline, queries, cleaner, policy, opts, logger)
}

func startHTTPServer(lc fx.Lifecycle, handler *api.Handler, cfg *config.Config, logger *zap.Logger) {
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", zap.String("addr", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping http server")
			return server.Shutdown(ctx)
		},
	})
}

func startConsumer(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, pipeline *service.Pipeline, logger *zap.Logger) error {
	if conn == nil {
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       pipeline.ProcessMessage,
		Retryable:     service.Retryable,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped")
			return nil
		},
	})
	return nil
}

func startTransports(lc fx.Lifecycle, cfg *config.Config, pipeline *service.Pipeline, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			ingest.StartKafka(ctx, cfg.Kafka, pipeline, logger.Named("kafka"))
			if _, err := ingest.StartMQTT(ctx, cfg.MQTT, pipeline, logger.Named("mqtt")); err != nil {
				cancel()
				return err
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
}
