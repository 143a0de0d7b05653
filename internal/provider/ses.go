package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"go.uber.org/zap"
)

var _ Sender = (*SESSender)(nil)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the email sender.
type SESConfig struct {
	FromAddress      string
	ConfigurationSet string
}

// SESSender delivers email through AWS SES.
type SESSender struct {
	client   sesAPI
	renderer EmailRenderer
	cfg      SESConfig
	logger   *zap.Logger
}

func NewSESSender(awsCfg aws.Config, cfg SESConfig, renderer EmailRenderer, logger *zap.Logger) (*SESSender, error) {
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg, renderer, logger)
}

func NewSESSenderWithClient(client sesAPI, cfg SESConfig, renderer EmailRenderer, logger *zap.Logger) (*SESSender, error) {
	if client == nil {
		return nil, fmt.Errorf("ses client is required")
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, fmt.Errorf("ses from address is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("email renderer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SESSender{
		client:   client,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, job domain.DeliveryJob) (*ProviderResponse, error) {
	if job.Channel != domain.ChannelEmail {
		return nil, &ProviderError{Message: fmt.Sprintf("ses sender only supports email, got %s", job.Channel)}
	}

	content, err := s.renderer.RenderEmail(job.TemplateKey, job.Variables)
	if err != nil {
		return nil, &ProviderError{Code: "TemplateRejected", Message: "failed to render email", Cause: err}
	}

	body := &types.Body{
		Text: &types.Content{Data: aws.String(content.Text), Charset: aws.String("UTF-8")},
	}
	if content.HTML != "" {
		body.Html = &types.Content{Data: aws.String(content.HTML), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.cfg.FromAddress),
		Destination: &types.Destination{ToAddresses: []string{job.Recipient}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(content.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
		Tags: []types.MessageTag{
			{Name: aws.String("job_id"), Value: aws.String(sanitizeTag(job.ID))},
			{Name: aws.String("tenant_id"), Value: aws.String(sanitizeTag(job.TenantID))},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	s.logger.Debug("email sent via SES",
		zap.String("jobId", job.ID),
		zap.String("messageId", messageID),
	)

	return &ProviderResponse{StatusCode: 200, MessageID: messageID}, nil
}

var sesPermanentCodes = map[string]struct{}{
	"MessageRejected":                    {},
	"MailFromDomainNotVerifiedException": {},
	"MailFromDomainNotVerified":          {},
	"ConfigurationSetDoesNotExist":       {},
	"AccountSendingPausedException":      {},
	"InvalidParameterValue":              {},
	"InvalidClientTokenId":               {},
	"SignatureDoesNotMatch":              {},
	"AccessDenied":                       {},
	"AccessDeniedException":              {},
}

var sesTransientCodes = map[string]struct{}{
	"Throttling":          {},
	"ThrottlingException": {},
	"ServiceUnavailable":  {},
	"InternalFailure":     {},
	"RequestTimeout":      {},
}

func classifySESError(err error) error {
	providerErr := &ProviderError{Message: "ses send failed", Cause: err}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		providerErr.StatusCode = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr.Code = apiErr.ErrorCode()
		if _, ok := sesPermanentCodes[apiErr.ErrorCode()]; ok {
			return providerErr
		}
		if _, ok := sesTransientCodes[apiErr.ErrorCode()]; ok {
			providerErr.Transient = true
			return providerErr
		}
		providerErr.Transient = apiErr.ErrorFault() == smithy.FaultServer
	}

	if providerErr.StatusCode == 429 || providerErr.StatusCode >= 500 {
		providerErr.Transient = true
	}
	if IsTransient(err) {
		providerErr.Transient = true
	}
	return providerErr
}

// sanitizeTag keeps SES tag values within the allowed character set.
func sanitizeTag(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}
