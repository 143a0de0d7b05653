package webhook

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	SendGridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	SendGridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

var sendGridStatuses = map[string]domain.Status{
	"processed": domain.StatusSent,
	"delivered": domain.StatusDelivered,
	"open":      domain.StatusOpened,
	"click":     domain.StatusClicked,
	"bounce":    domain.StatusBounced,
	"dropped":   domain.StatusBounced,
}

// SendGridVerifier checks the signed event webhook.
type SendGridVerifier struct {
	publicKey *ecdsa.PublicKey
}

// NewSendGridVerifier takes the base64 DER public key shown in the SendGrid console.
func NewSendGridVerifier(publicKeyBase64 string) (*SendGridVerifier, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("decode sendgrid public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse sendgrid public key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sendgrid public key is not ECDSA")
	}
	return &SendGridVerifier{publicKey: ecKey}, nil
}

// Verify checks the ECDSA signature over timestamp+body.
func (v *SendGridVerifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing sendgrid signature", domain.ErrAuthenticity)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed sendgrid signature", domain.ErrAuthenticity)
	}

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	if !ecdsa.VerifyASN1(v.publicKey, h.Sum(nil), sig) {
		return fmt.Errorf("%w: sendgrid signature mismatch", domain.ErrAuthenticity)
	}
	return nil
}

type sendGridEvent struct {
	Event       string `json:"event"`
	SGEventID   string `json:"sg_event_id"`
	SGMessageID string `json:"sg_message_id"`
	Timestamp   int64  `json:"timestamp"`
	Reason      string `json:"reason"`
	Type        string `json:"type"`
}

// ParseSendGrid maps a batch of SendGrid events.
func ParseSendGrid(body []byte) ([]Event, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid sendgrid payload: %v", domain.ErrValidation, err)
	}

	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		messageID, _, _ := strings.Cut(e.SGMessageID, ".")
		if messageID == "" {
			continue
		}
		event := Event{
			Provider:          ProviderSendGrid,
			Channel:           domain.ChannelEmail,
			EventID:           e.SGEventID,
			ProviderMessageID: messageID,
			Type:              e.Event,
			Status:            sendGridStatuses[e.Event],
			Reason:            e.Reason,
		}
		// A "blocked" bounce is temporary; only hard bounces end the job.
		if e.Event == "bounce" && e.Type == "blocked" {
			event.Status = ""
		}
		if e.Timestamp > 0 {
			event.Timestamp = time.Unix(e.Timestamp, 0).UTC()
		}
		events = append(events, event)
	}
	return events, nil
}
