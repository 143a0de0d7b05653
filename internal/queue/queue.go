package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Publisher publishes alert messages to the alert exchange.
type Publisher interface {
	Publish(ctx context.Context, msg AlertMessage) error
	Close() error
}

// MessageHandler handles a consumed alert message.
type MessageHandler func(ctx context.Context, msg AlertMessage) error

// Consumer consumes alert messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// AlertExchange is the topic exchange alerts are published to.
	AlertExchange = "delivery.alerts"
	// AlertQueue receives every alert regardless of severity.
	AlertQueue = "delivery.alerts"

	dlqName = "dlq.delivery.alerts"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the alert queue.
	queueMaxPriority int32 = 3
)

var supportedSeverities = []domain.Severity{
	domain.SeverityInfo,
	domain.SeverityWarning,
	domain.SeverityCritical,
}

// RoutingKey returns the topic routing key for an alert, e.g. alert.critical.
func RoutingKey(severity domain.Severity) string {
	return fmt.Sprintf("alert.%s", strings.ToLower(string(severity)))
}

// DLQName returns the dead-letter queue name for alerts.
func DLQName() string {
	return dlqName
}

// RoutingKeys returns the routing keys of every supported severity.
func RoutingKeys() []string {
	keys := make([]string, 0, len(supportedSeverities))
	for _, severity := range supportedSeverities {
		keys = append(keys, RoutingKey(severity))
	}
	return keys
}

// PriorityValue maps alert severity to RabbitMQ message priority.
func PriorityValue(severity domain.Severity) uint8 {
	switch severity {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityWarning:
		return 2
	case domain.SeverityInfo:
		return 1
	default:
		return 0
	}
}
