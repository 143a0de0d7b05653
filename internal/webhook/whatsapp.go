package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const WhatsAppSignatureHeader = "X-Hub-Signature-256"

var whatsAppStatuses = map[string]domain.Status{
	"sent":      domain.StatusSent,
	"delivered": domain.StatusDelivered,
	"read":      domain.StatusOpened,
	"failed":    domain.StatusBounced,
}

// WhatsAppVerifier authenticates Cloud API callbacks.
type WhatsAppVerifier struct {
	appSecret   []byte
	verifyToken string
}

func NewWhatsAppVerifier(appSecret, verifyToken string) (*WhatsAppVerifier, error) {
	if strings.TrimSpace(appSecret) == "" {
		return nil, fmt.Errorf("whatsapp app secret is required")
	}
	return &WhatsAppVerifier{appSecret: []byte(appSecret), verifyToken: verifyToken}, nil
}

// Verify checks the sha256=<hex> HMAC of the raw body.
func (v *WhatsAppVerifier) Verify(body []byte, signatureHeader string) error {
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(signatureHeader), "sha256=")
	if !ok || hexSig == "" {
		return fmt.Errorf("%w: missing whatsapp signature", domain.ErrAuthenticity)
	}

	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: malformed whatsapp signature", domain.ErrAuthenticity)
	}

	mac := hmac.New(sha256.New, v.appSecret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: whatsapp signature mismatch", domain.ErrAuthenticity)
	}
	return nil
}

// Challenge answers the subscription handshake and returns the echo value.
func (v *WhatsAppVerifier) Challenge(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || v.verifyToken == "" || !hmac.Equal([]byte(token), []byte(v.verifyToken)) {
		return "", fmt.Errorf("%w: whatsapp verify token mismatch", domain.ErrAuthenticity)
	}
	return challenge, nil
}

type whatsAppPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWhatsApp extracts status events; inbound messages are ignored.
func ParseWhatsApp(body []byte) ([]Event, error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid whatsapp payload: %v", domain.ErrValidation, err)
	}

	events := make([]Event, 0)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if st.ID == "" {
					continue
				}
				event := Event{
					Provider:          ProviderWhatsApp,
					Channel:           domain.ChannelWhatsApp,
					EventID:           st.ID + ":" + st.Status,
					ProviderMessageID: st.ID,
					Type:              st.Status,
					Status:            whatsAppStatuses[strings.ToLower(st.Status)],
					Timestamp:         parseUnixSeconds(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					event.Reason = fmt.Sprintf("%d %s", st.Errors[0].Code, st.Errors[0].Title)
				}
				events = append(events, event)
			}
		}
	}
	return events, nil
}

func parseUnixSeconds(value string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
