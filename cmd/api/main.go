package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	infraaws "github.com/kursadbilgin/delivery-engine/internal/infra/aws"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/infra/storage"
	"github.com/kursadbilgin/delivery-engine/internal/links"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type stores struct {
	jobs      repository.JobRepository
	attempts  repository.AttemptRepository
	analytics repository.AnalyticsRepository
	links     repository.LinkRepository
	catalog   repository.CatalogReader
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	checks := map[string]handler.ReadinessCheck{}

	var st stores
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("postgres initialization failed", zap.Error(err))
		}

		if err := migrations.Migrate(db); err != nil {
			logger.Fatal("database migrations failed", zap.Error(err))
		}

		sqlDB, err := db.DB()
		if err != nil {
			logger.Fatal("postgres underlying db init failed", zap.Error(err))
		}
		defer sqlDB.Close()

		st = stores{
			jobs:      repository.NewGormJobRepo(db),
			attempts:  repository.NewGormAttemptRepo(db),
			analytics: repository.NewGormAnalyticsRepo(db),
			links:     repository.NewGormLinkRepo(db),
			catalog:   repository.NewGormCatalogReader(db),
		}
		checks["postgres"] = sqlDB.PingContext
	} else {
		logger.Warn("DATABASE_DSN not set, using in-memory store")
		st = stores{
			jobs:      repository.NewMemoryStore(),
			attempts:  repository.NewMemoryAttemptRepo(),
			analytics: repository.NewMemoryAnalyticsRepo(),
			links:     repository.NewMemoryLinkRepo(),
			catalog:   repository.NewMemoryCatalog(),
		}
	}

	limits := ratelimit.ChannelLimits{
		"email": {
			PerSecond: cfg.RateLimit.EmailPerSecond,
			PerDay:    cfg.RateLimit.EmailPerDay,
		},
		"whatsapp": {
			PerSecond: cfg.RateLimit.WhatsAppPerSecond,
			PerDay:    cfg.RateLimit.WhatsAppPerDay,
		},
	}

	var (
		limiter ratelimit.RateLimiter
		dedup   webhook.Deduplicator
	)
	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err = infraredis.NewRedisRateLimiter(rdb, limits)
		if err != nil {
			logger.Fatal("redis rate limiter initialization failed", zap.Error(err))
		}
		dedup, err = infraredis.NewEventDeduplicator(rdb, cfg.Webhooks.DedupTTL)
		if err != nil {
			logger.Fatal("redis webhook dedup initialization failed", zap.Error(err))
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_URL not set, rate limits and webhook dedup are per process")
		limiter = ratelimit.NewMemoryLimiter(limits)
		dedup = webhook.NewMemoryDeduplicator(cfg.Webhooks.DedupTTL)
	}

	awsCfg, err := infraaws.LoadConfig(ctx, infraaws.Options{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.StaticAccessKeyID,
		SecretAccessKey: cfg.AWS.StaticSecretAccessKey,
	})
	if err != nil {
		logger.Fatal("aws configuration failed", zap.Error(err))
	}

	renderer, err := provider.NewTemplateRenderer(provider.DefaultEmailTemplates())
	if err != nil {
		logger.Fatal("email templates failed to compile", zap.Error(err))
	}
	emailSender, err := provider.NewSESSender(awsCfg, provider.SESConfig{
		FromAddress:      cfg.AWS.SESFromAddress,
		ConfigurationSet: cfg.AWS.SESConfigurationSet,
	}, renderer, logger)
	if err != nil {
		logger.Fatal("ses sender initialization failed", zap.Error(err))
	}
	whatsAppSender, err := provider.NewWhatsAppSender(provider.WhatsAppConfig{
		BaseURL:       cfg.WhatsApp.BaseURL,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		AccessToken:   cfg.WhatsApp.AccessToken,
	}, provider.DefaultWhatsAppTemplates())
	if err != nil {
		logger.Fatal("whatsapp sender initialization failed", zap.Error(err))
	}
	router := provider.NewRouter(map[domain.Channel]provider.Sender{
		domain.ChannelEmail:    emailSender,
		domain.ChannelWhatsApp: whatsAppSender,
	})

	presigner, err := storage.NewS3Presigner(awsCfg, storage.S3Options{
		Bucket:    cfg.AWS.AssetBucket,
		Endpoint:  cfg.AWS.S3Endpoint,
		PathStyle: cfg.AWS.S3PathStyle,
	})
	if err != nil {
		logger.Fatal("s3 presigner initialization failed", zap.Error(err))
	}
	issuer, err := links.NewIssuer(st.links, presigner, links.Options{
		Secret:        cfg.Links.SigningSecret,
		ViewTokenTTL:  cfg.Links.ViewTokenTTL,
		DownloadTTL:   cfg.Links.DownloadLinkTTL,
		PublicBaseURL: cfg.Links.PublicBaseURL,
		PresignMaxTTL: cfg.Links.PresignMaxTTL,
	}, logger)
	if err != nil {
		logger.Fatal("link issuer initialization failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(st.jobs, st.attempts, router, limiter, service.DispatcherOptions{
		Workers: map[domain.Channel]int{
			domain.ChannelEmail:    cfg.Dispatcher.EmailWorkers,
			domain.ChannelWhatsApp: cfg.Dispatcher.WhatsAppWorkers,
		},
		PollInterval: cfg.Dispatcher.PollInterval,
	}, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	deliveries, err := service.NewDeliveryService(st.jobs, st.attempts, dispatcher, service.DeliveryServiceOptions{
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		SendNowTimeout: cfg.Dispatcher.SendNowTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("delivery service initialization failed", zap.Error(err))
	}

	fulfillment, err := service.NewFulfillmentService(st.catalog, issuer, deliveries, logger)
	if err != nil {
		logger.Fatal("fulfillment service initialization failed", zap.Error(err))
	}

	whatsAppVerifier, err := webhook.NewWhatsAppVerifier(cfg.WhatsApp.AppSecret, cfg.WhatsApp.VerifyToken)
	if err != nil {
		logger.Fatal("whatsapp webhook verifier initialization failed", zap.Error(err))
	}
	emailWebhook, err := newEmailWebhook(cfg.Webhooks, sns.NewFromConfig(awsCfg), logger)
	if err != nil {
		logger.Fatal("email webhook initialization failed", zap.Error(err))
	}
	reconciler, err := service.NewReconciler(st.jobs, whatsAppVerifier, emailWebhook, dedup, service.ReconcilerOptions{
		UnmatchedRetries: cfg.Webhooks.UnmatchedRetries,
		UnmatchedDelay:   cfg.Webhooks.UnmatchedDelay,
	}, logger)
	if err != nil {
		logger.Fatal("webhook reconciler initialization failed", zap.Error(err))
	}
	reconciler.SetMetrics(metrics)

	sinks := service.MultiSink{service.NewLogSink(logger)}
	if cfg.RabbitMQURL != "" {
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		publisher := queue.NewRabbitMQPublisher(mq)
		defer publisher.Close() //nolint:errcheck

		queueSink, err := service.NewQueueSink(publisher)
		if err != nil {
			logger.Fatal("alert publisher initialization failed", zap.Error(err))
		}
		sinks = append(sinks, queueSink)
	}

	aggregator, err := service.NewAggregator(st.jobs, st.analytics, sinks, service.AggregatorOptions{
		RollupSchedule: cfg.Analytics.RollupSchedule,
		HealthSchedule: cfg.Analytics.HealthSchedule,
		BackfillDays:   cfg.Analytics.BackfillDays,
		StaleAfter:     cfg.Analytics.StaleAfter,
		StaleFloor:     cfg.Analytics.StaleFloor,
		MinVolume:      cfg.Analytics.MinVolume,
		FailureThresholds: map[domain.Channel]float64{
			domain.ChannelEmail:    cfg.Analytics.EmailFailureThreshold,
			domain.ChannelWhatsApp: cfg.Analytics.WhatsAppFailureThreshold,
		},
		BounceThresholds: map[domain.Channel]float64{
			domain.ChannelEmail: cfg.Analytics.EmailBounceThreshold,
		},
	}, logger)
	if err != nil {
		logger.Fatal("analytics aggregator initialization failed", zap.Error(err))
	}
	aggregator.SetMetrics(metrics)

	sweeper, err := service.NewStaleSweeper(st.jobs, dispatcher, cfg.Dispatcher.SendingLease, cfg.Dispatcher.SweepInterval, 0, logger)
	if err != nil {
		logger.Fatal("stale sweeper initialization failed", zap.Error(err))
	}

	app := transport.NewApp(logger, metrics)
	handler.RegisterHealthRoutes(app, checks, metrics)
	if err := handler.RegisterDeliveryRoutes(app, deliveries); err != nil {
		logger.Fatal("delivery routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterFulfillmentRoutes(app, fulfillment); err != nil {
		logger.Fatal("fulfillment routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, reconciler, whatsAppVerifier); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterAnalyticsRoutes(app, aggregator); err != nil {
		logger.Fatal("analytics routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterLinkRoutes(app, issuer); err != nil {
		logger.Fatal("link routes registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(groupCtx) })
	g.Go(func() error { return reconciler.Start(groupCtx) })
	g.Go(func() error { return aggregator.Start(groupCtx) })
	g.Go(func() error { return sweeper.Start(groupCtx) })
	g.Go(func() error {
		logger.Info("delivery-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery-engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("delivery-engine stopped")
}
