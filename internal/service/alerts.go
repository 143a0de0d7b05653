package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"go.uber.org/zap"
)

// AlertSink receives operationally actionable alerts.
type AlertSink interface {
	Raise(ctx context.Context, alert domain.Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Raise(_ context.Context, alert domain.Alert) error {
	fields := []zap.Field{
		zap.String("alert", alert.Name),
		zap.String("severity", string(alert.Severity)),
		zap.Time("raisedAt", alert.RaisedAt),
	}
	for k, v := range alert.Metadata {
		fields = append(fields, zap.String(k, v))
	}

	switch alert.Severity {
	case domain.SeverityCritical:
		s.logger.Error(alert.Message, fields...)
	case domain.SeverityWarning:
		s.logger.Warn(alert.Message, fields...)
	default:
		s.logger.Info(alert.Message, fields...)
	}
	return nil
}

// QueueSink publishes alerts to the alert exchange.
type QueueSink struct {
	publisher queue.Publisher
	newID     func() string
}

func NewQueueSink(publisher queue.Publisher) (*QueueSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &QueueSink{publisher: publisher, newID: uuid.NewString}, nil
}

func (s *QueueSink) Raise(ctx context.Context, alert domain.Alert) error {
	if err := s.publisher.Publish(ctx, queue.NewAlertMessage(s.newID(), alert)); err != nil {
		return fmt.Errorf("failed to publish alert %q: %w", alert.Name, err)
	}
	return nil
}

// MultiSink fans an alert out to every sink; one failing sink does not stop
// the others.
type MultiSink []AlertSink

func (m MultiSink) Raise(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Raise(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
