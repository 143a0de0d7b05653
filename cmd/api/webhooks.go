package main

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	"go.uber.org/zap"
)

// newEmailWebhook enables each email provider whose verification material is
// configured. With neither configured every email callback is rejected.
func newEmailWebhook(cfg config.Webhooks, confirm *sns.Client, logger *zap.Logger) (*webhook.EmailWebhook, error) {
	var (
		snsVerifier *webhook.SNSVerifier
		sendGrid    *webhook.SendGridVerifier
		err         error
	)

	if len(cfg.SNSTopicARNs) > 0 {
		snsVerifier, err = webhook.NewSNSVerifier(webhook.NewRestyCertFetcher(nil), confirm, cfg.SNSTopicARNs)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("SNS_TOPIC_ARNS not set, SES webhooks are disabled")
	}

	if key := strings.TrimSpace(cfg.SendGridPublicKey); key != "" {
		sendGrid, err = webhook.NewSendGridVerifier(key)
		if err != nil {
			return nil, err
		}
	}

	return webhook.NewEmailWebhook(snsVerifier, sendGrid, logger), nil
}
