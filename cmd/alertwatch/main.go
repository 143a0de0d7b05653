package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"go.uber.org/zap"
)

// alertwatch drains the alert queue into the structured log so alerts raised
// by any replica end up in one place.
func main() {
	cfg, err := config.LoadAlertWatch()
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

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}

	consumer := queue.NewRabbitMQConsumer(mq, cfg.Prefetch, logger)
	defer consumer.Close() //nolint:errcheck

	sink := service.NewLogSink(logger.Named("alerts"))
	logger.Info("alertwatch started", zap.String("queue", queue.AlertQueue))

	err = consumer.Consume(ctx, queue.AlertQueue, func(ctx context.Context, msg queue.AlertMessage) error {
		return sink.Raise(ctx, msg.Alert())
	})
	if err != nil {
		logger.Error("alert consumer stopped", zap.Error(err))
		return
	}
	logger.Info("alertwatch stopped")
}
