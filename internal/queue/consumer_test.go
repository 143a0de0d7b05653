package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func TestConsumerDispatch(t *testing.T) {
	t.Parallel()

	valid := []byte(`{"id":"a1","name":"failure_rate","severity":"CRITICAL","message":"email failure rate 0.25","raisedAt":"2026-03-10T12:00:00Z"}`)
	handlerErr := errors.New("sink unavailable")

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		want        ackAction
		wantCalled  bool
	}{
		{name: "ack on success", body: valid, want: ack, wantCalled: true},
		{name: "malformed json", body: []byte(`{`), want: deadLetter},
		{name: "invalid severity", body: []byte(`{"id":"a1","name":"x","severity":"LOUD"}`), want: deadLetter},
		{name: "handler failure requeues", body: valid, handlerErr: handlerErr, want: requeue, wantCalled: true},
		{name: "handler failure on redelivery dead-letters", body: valid, redelivered: true, handlerErr: handlerErr, want: deadLetter, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			consumer := NewRabbitMQConsumer(nil, 0, zap.NewNop())
			called := false
			handler := func(_ context.Context, msg AlertMessage) error {
				called = true
				if msg.ID != "a1" || msg.Name != "failure_rate" {
					t.Fatalf("decoded message = %+v", msg)
				}
				return tt.handlerErr
			}

			got := consumer.dispatch(context.Background(), amqp.Delivery{Body: tt.body, Redelivered: tt.redelivered}, handler)
			if got != tt.want {
				t.Fatalf("dispatch() = %d, want %d", got, tt.want)
			}
			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestConsumeValidatesArguments(t *testing.T) {
	t.Parallel()

	var nilConsumer *RabbitMQConsumer
	if err := nilConsumer.Consume(context.Background(), AlertQueue, func(context.Context, AlertMessage) error { return nil }); err == nil {
		t.Fatal("expected error for uninitialized consumer")
	}

	consumer := &RabbitMQConsumer{client: &RabbitMQ{}, prefetch: 1, logger: zap.NewNop()}
	if err := consumer.Consume(context.Background(), "", func(context.Context, AlertMessage) error { return nil }); err == nil {
		t.Fatal("expected error for empty queue")
	}
	if err := consumer.Consume(context.Background(), AlertQueue, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	wait := reconnectBackoff
	for i := 0; i < 10; i++ {
		wait = nextBackoff(wait)
	}
	if wait != maxBackoff {
		t.Fatalf("backoff = %s, want cap %s", wait, maxBackoff)
	}
	if got := nextBackoff(2 * time.Second); got != 4*time.Second {
		t.Fatalf("nextBackoff(2s) = %s, want 4s", got)
	}
}

func TestNewRabbitMQRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRabbitMQ("  "); err == nil {
		t.Fatal("expected error for empty url")
	}
}
