package provider

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var _ Sender = (*Router)(nil)

// Router selects the sender registered for a job's channel.
type Router struct {
	senders map[domain.Channel]Sender
}

func NewRouter(senders map[domain.Channel]Sender) *Router {
	registered := make(map[domain.Channel]Sender, len(senders))
	for channel, sender := range senders {
		if sender != nil {
			registered[channel] = sender
		}
	}
	return &Router{senders: registered}
}

func (r *Router) Supports(channel domain.Channel) bool {
	_, ok := r.senders[channel]
	return ok
}

func (r *Router) Send(ctx context.Context, job domain.DeliveryJob) (*ProviderResponse, error) {
	sender, ok := r.senders[job.Channel]
	if !ok {
		return nil, &ProviderError{
			Message: fmt.Sprintf("channel %s", job.Channel),
			Cause:   ErrUnsupportedChannel,
		}
	}
	return sender.Send(ctx, job)
}
