package webhook

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"go.uber.org/zap"
)

// EmailWebhook routes an email-provider callback to the matching verifier by
// inspecting the request headers.
type EmailWebhook struct {
	sns      *SNSVerifier
	sendGrid *SendGridVerifier
	logger   *zap.Logger
}

func NewEmailWebhook(snsVerifier *SNSVerifier, sendGrid *SendGridVerifier, logger *zap.Logger) *EmailWebhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailWebhook{sns: snsVerifier, sendGrid: sendGrid, logger: logger}
}

// Parse authenticates and decodes the callback. Subscription handshakes are
// completed here and yield no events.
func (w *EmailWebhook) Parse(ctx context.Context, headers http.Header, body []byte) ([]Event, error) {
	switch {
	case headers.Get(SNSMessageTypeHeader) != "":
		if w.sns == nil {
			return nil, fmt.Errorf("%w: ses webhooks are not configured", domain.ErrAuthenticity)
		}
		msg, err := w.sns.Parse(ctx, body)
		if err != nil {
			return nil, err
		}
		if msg.Type != headers.Get(SNSMessageTypeHeader) {
			return nil, fmt.Errorf("%w: sns message type header mismatch", domain.ErrAuthenticity)
		}

		switch msg.Type {
		case snsTypeSubscriptionConfirmation:
			if err := w.sns.ConfirmSubscription(ctx, msg); err != nil {
				return nil, err
			}
			w.logger.Info("sns subscription confirmed", zap.String("topicArn", msg.TopicArn))
			return nil, nil
		case snsTypeUnsubscribeConfirmation:
			w.logger.Warn("sns subscription removed", zap.String("topicArn", msg.TopicArn))
			return nil, nil
		default:
			return ParseSESNotification(msg)
		}

	case headers.Get(SendGridSignatureHeader) != "":
		if w.sendGrid == nil {
			return nil, fmt.Errorf("%w: sendgrid webhooks are not configured", domain.ErrAuthenticity)
		}
		if err := w.sendGrid.Verify(body, headers.Get(SendGridSignatureHeader), headers.Get(SendGridTimestampHeader)); err != nil {
			return nil, err
		}
		return ParseSendGrid(body)

	default:
		return nil, fmt.Errorf("%w: unrecognized email webhook", domain.ErrAuthenticity)
	}
}
