package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/fanout/internal/attachment"
	"github.com/kursadbilgin/fanout/internal/config"
	"github.com/kursadbilgin/fanout/internal/dispatch"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/handler"
	"github.com/kursadbilgin/fanout/internal/infra/postgresql"
	"github.com/kursadbilgin/fanout/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/fanout/internal/infra/redis"
	"github.com/kursadbilgin/fanout/internal/observability"
	"github.com/kursadbilgin/fanout/internal/queue"
	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/repository"
	"github.com/kursadbilgin/fanout/internal/service"
	"github.com/kursadbilgin/fanout/internal/services"
	"github.com/kursadbilgin/fanout/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	attachmentFetchTimeout = 30 * time.Second
	shutdownTimeout        = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("fanout api stopped with error", zap.Error(err))
	}
	logger.Info("fanout api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	reg, err := services.NewRegistry()
	if err != nil {
		return fmt.Errorf("service registry: %w", err)
	}

	loader := dispatch.NewLoader(reg, logger)
	targets := loader.Load(cfg.URLs())
	logger.Info("notification targets loaded", zap.Int("count", len(targets)))

	fetchClient := resty.New().SetTimeout(attachmentFetchTimeout)
	resolver := attachment.NewResolver(
		attachment.WithMaxBytes(cfg.AttachmentMaxBytes),
		attachment.WithFetcher(attachment.NewHTTPFetcher(fetchClient)),
		attachment.WithRecorder(metrics),
		attachment.WithLogger(logger),
	)

	engine := dispatch.NewEngine(logger)
	engine.SetMetrics(metrics)

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
	}

	switch {
	case cfg.SharedRatePerSec > 0 && rdb != nil:
		limiter, err := infraredis.NewSharedRateLimiter(rdb, cfg.SharedRatePerSec)
		if err != nil {
			return err
		}
		engine.SetSharedLimiter(limiter)
		logger.Info("shared rate limit enabled", zap.Int("perSecond", cfg.SharedRatePerSec))
	case cfg.SharedRatePerSec > 0:
		engine.SetSharedLimiter(ratelimit.NewLocalRateLimiter(cfg.SharedRatePerSec))
		logger.Info("REDIS_URL not set, rate limit is per process", zap.Int("perSecond", cfg.SharedRatePerSec))
	}

	var (
		sqlDB      *sql.DB
		reports    repository.ReportRepository
		deliveries repository.DeliveryRepository
	)
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err = db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		reports = repository.NewGormReportRepo(db)
		deliveries = repository.NewGormDeliveryRepo(db)
	} else {
		logger.Info("DATABASE_DSN not set, keeping report history in memory")
	}

	policy, err := policyFromConfig(cfg)
	if err != nil {
		return err
	}

	svc, err := service.NewNotificationService(
		engine,
		loader,
		targets,
		resolver,
		reports,
		deliveries,
		service.Options{
			Policy:                policy,
			Timeout:               cfg.NotifyTimeout(),
			AllowLocalAttachments: cfg.AttachmentAllowLocal,
		},
		logger,
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing targets failed", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(transport.RequestID(), transport.RequestContext())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterCatalogRoutes(app, reg); err != nil {
		return err
	}
	if err := handler.RegisterNotifyRoutes(app, svc); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" {
		intake, closeIntake, err := newIntake(cfg, svc, logger)
		if err != nil {
			return err
		}
		defer closeIntake()

		g.Go(func() error {
			return intake.Start(groupCtx)
		})
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("fanout api started", zap.String("addr", addr))
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}

func newIntake(cfg *config.Config, notifier service.Notifier, logger *zap.Logger) (*service.IntakeService, func(), error) {
	client, err := queue.NewRabbitMQ(cfg.AMQPURL)
	if err != nil {
		return nil, nil, err
	}
	consumer := queue.NewIntakeConsumer(client, cfg.AMQPPrefetch, logger)

	intake, err := service.NewIntakeService(consumer, notifier, cfg.AMQPQueue, cfg.IntakeConcurrency, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("closing intake consumer failed", zap.Error(err))
		}
	}
	return intake, closeFn, nil
}

func policyFromConfig(cfg *config.Config) (dispatch.Policy, error) {
	aggregation, err := domain.ParseAggregationFromString(cfg.Aggregation)
	if err != nil {
		return dispatch.Policy{}, err
	}

	return dispatch.Policy{
		Aggregation:  aggregation,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff(),
		MaxBackoff:   cfg.MaxBackoff(),
		SendTimeout:  cfg.SendTimeout(),
		PoolSize:     cfg.PoolSize,
	}.Normalize()
}
