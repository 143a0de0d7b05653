package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	gocache "github.com/patrickmn/go-cache"
)

const (
	SNSMessageTypeHeader = "x-amz-sns-message-type"

	snsTypeNotification             = "Notification"
	snsTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	snsTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"

	defaultCertTTL = 12 * time.Hour
)

var snsHostPattern = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// SNSMessage is the envelope SNS posts to HTTP subscribers.
type SNSMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
}

// CertFetcher downloads a PEM certificate.
type CertFetcher interface {
	Fetch(ctx context.Context, certURL string) ([]byte, error)
}

// RestyCertFetcher fetches certificates over HTTPS.
type RestyCertFetcher struct {
	client *resty.Client
}

func NewRestyCertFetcher(client *resty.Client) *RestyCertFetcher {
	if client == nil {
		client = resty.New().SetTimeout(5 * time.Second)
	}
	return &RestyCertFetcher{client: client}
}

func (f *RestyCertFetcher) Fetch(ctx context.Context, certURL string) ([]byte, error) {
	resp, err := f.client.R().SetContext(ctx).Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch signing certificate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch signing certificate: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

type snsConfirmAPI interface {
	ConfirmSubscription(ctx context.Context, params *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// SNSVerifier authenticates SNS deliveries and confirms subscriptions.
type SNSVerifier struct {
	fetcher       CertFetcher
	certs         *gocache.Cache
	allowedTopics map[string]struct{}
	confirm       snsConfirmAPI
}

func NewSNSVerifier(fetcher CertFetcher, confirm snsConfirmAPI, allowedTopicARNs []string) (*SNSVerifier, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("certificate fetcher is required")
	}

	allowed := make(map[string]struct{}, len(allowedTopicARNs))
	for _, arn := range allowedTopicARNs {
		if arn = strings.TrimSpace(arn); arn != "" {
			allowed[arn] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one allowed sns topic arn is required")
	}

	return &SNSVerifier{
		fetcher:       fetcher,
		certs:         gocache.New(defaultCertTTL, time.Hour),
		allowedTopics: allowed,
		confirm:       confirm,
	}, nil
}

// Parse decodes and authenticates an SNS envelope.
func (v *SNSVerifier) Parse(ctx context.Context, body []byte) (*SNSMessage, error) {
	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid sns envelope", domain.ErrAuthenticity)
	}
	if _, ok := v.allowedTopics[msg.TopicArn]; !ok {
		return nil, fmt.Errorf("%w: sns topic %q is not allowed", domain.ErrAuthenticity, msg.TopicArn)
	}
	if err := v.verifySignature(ctx, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ConfirmSubscription completes the subscription handshake through the SNS API.
func (v *SNSVerifier) ConfirmSubscription(ctx context.Context, msg *SNSMessage) error {
	if v.confirm == nil {
		return fmt.Errorf("sns client is not configured")
	}
	_, err := v.confirm.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(msg.TopicArn),
		Token:    aws.String(msg.Token),
	})
	if err != nil {
		return fmt.Errorf("confirm sns subscription: %w", err)
	}
	return nil
}

func (v *SNSVerifier) verifySignature(ctx context.Context, msg *SNSMessage) error {
	if err := validateCertURL(msg.SigningCertURL); err != nil {
		return err
	}

	cert, err := v.certificate(ctx, msg.SigningCertURL)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthenticity, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: unexpected sns certificate key type", domain.ErrAuthenticity)
	}

	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed sns signature", domain.ErrAuthenticity)
	}

	payload, err := snsStringToSign(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthenticity, err)
	}

	var hashed []byte
	var hash crypto.Hash
	switch msg.SignatureVersion {
	case "1":
		sum := sha1.Sum(payload)
		hashed, hash = sum[:], crypto.SHA1
	case "2":
		sum := sha256.Sum256(payload)
		hashed, hash = sum[:], crypto.SHA256
	default:
		return fmt.Errorf("%w: unsupported sns signature version %q", domain.ErrAuthenticity, msg.SignatureVersion)
	}

	if err := rsa.VerifyPKCS1v15(pub, hash, hashed, sig); err != nil {
		return fmt.Errorf("%w: sns signature mismatch", domain.ErrAuthenticity)
	}
	return nil
}

func (v *SNSVerifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if cached, ok := v.certs.Get(certURL); ok {
		return cached.(*x509.Certificate), nil
	}

	raw, err := v.fetcher.Fetch(ctx, certURL)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing certificate: %w", err)
	}

	v.certs.SetDefault(certURL, cert)
	return cert, nil
}

func validateCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || !snsHostPattern.MatchString(u.Hostname()) || !strings.HasSuffix(u.Path, ".pem") {
		return fmt.Errorf("%w: untrusted sns signing certificate url %q", domain.ErrAuthenticity, raw)
	}
	return nil
}

func snsStringToSign(msg *SNSMessage) ([]byte, error) {
	var b strings.Builder
	write := func(key, value string) {
		b.WriteString(key)
		b.WriteString("\n")
		b.WriteString(value)
		b.WriteString("\n")
	}

	switch msg.Type {
	case snsTypeNotification:
		write("Message", msg.Message)
		write("MessageId", msg.MessageID)
		if msg.Subject != "" {
			write("Subject", msg.Subject)
		}
		write("Timestamp", msg.Timestamp)
		write("TopicArn", msg.TopicArn)
		write("Type", msg.Type)
	case snsTypeSubscriptionConfirmation, snsTypeUnsubscribeConfirmation:
		write("Message", msg.Message)
		write("MessageId", msg.MessageID)
		write("SubscribeURL", msg.SubscribeURL)
		write("Timestamp", msg.Timestamp)
		write("Token", msg.Token)
		write("TopicArn", msg.TopicArn)
		write("Type", msg.Type)
	default:
		return nil, fmt.Errorf("unsupported sns message type %q", msg.Type)
	}
	return []byte(b.String()), nil
}

type sesEventPayload struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
		Timestamp     string `json:"timestamp"`
	} `json:"bounce"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp string `json:"timestamp"`
	} `json:"click"`
}

// ParseSESNotification maps the SES event carried in an SNS notification.
func ParseSESNotification(msg *SNSMessage) ([]Event, error) {
	var payload sesEventPayload
	if err := json.Unmarshal([]byte(msg.Message), &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid ses event: %v", domain.ErrValidation, err)
	}

	eventType := payload.EventType
	if eventType == "" {
		eventType = payload.NotificationType
	}

	event := Event{
		Provider:          ProviderSES,
		Channel:           domain.ChannelEmail,
		EventID:           msg.MessageID,
		ProviderMessageID: payload.Mail.MessageID,
		Type:              eventType,
		Timestamp:         parseRFC3339(payload.Mail.Timestamp),
	}

	switch eventType {
	case "Send":
		event.Status = domain.StatusSent
	case "Delivery":
		event.Status = domain.StatusDelivered
		if payload.Delivery != nil {
			event.Timestamp = parseRFC3339(payload.Delivery.Timestamp)
		}
	case "Open":
		event.Status = domain.StatusOpened
		if payload.Open != nil {
			event.Timestamp = parseRFC3339(payload.Open.Timestamp)
		}
	case "Click":
		event.Status = domain.StatusClicked
		if payload.Click != nil {
			event.Timestamp = parseRFC3339(payload.Click.Timestamp)
		}
	case "Bounce":
		if payload.Bounce != nil {
			event.Reason = strings.TrimSpace(payload.Bounce.BounceType + " " + payload.Bounce.BounceSubType)
			event.Timestamp = parseRFC3339(payload.Bounce.Timestamp)
			// Transient bounces are retried by SES itself.
			if payload.Bounce.BounceType == "Permanent" {
				event.Status = domain.StatusBounced
			}
		}
	}

	if event.ProviderMessageID == "" {
		return nil, nil
	}
	return []Event{event}, nil
}

func parseRFC3339(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
