package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const whatsAppBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "123",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "statuses": [
          {"id": "wamid.1", "status": "delivered", "timestamp": "1700000000", "recipient_id": "905551112233"},
          {"id": "wamid.2", "status": "read", "timestamp": "1700000100"},
          {"id": "wamid.3", "status": "failed", "timestamp": "1700000200", "errors": [{"code": 131026, "title": "Message undeliverable"}]},
          {"id": "wamid.4", "status": "deleted", "timestamp": "1700000300"}
        ]
      }
    }]
  }]
}`

func signWhatsApp(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWhatsAppVerifier(t *testing.T) {
	t.Parallel()

	verifier, err := NewWhatsAppVerifier("app-secret", "verify-me")
	if err != nil {
		t.Fatalf("NewWhatsAppVerifier() error = %v", err)
	}

	body := []byte(whatsAppBody)
	if err := verifier.Verify(body, signWhatsApp("app-secret", body)); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	tests := []struct {
		name      string
		signature string
	}{
		{name: "missing", signature: ""},
		{name: "no prefix", signature: hex.EncodeToString([]byte("x"))},
		{name: "not hex", signature: "sha256=zz"},
		{name: "wrong secret", signature: signWhatsApp("other", body)},
	}
	for _, tt := range tests {
		if err := verifier.Verify(body, tt.signature); !errors.Is(err, domain.ErrAuthenticity) {
			t.Errorf("%s: Verify() error = %v, want ErrAuthenticity", tt.name, err)
		}
	}

	tampered := append([]byte{}, body...)
	tampered[10] = 'X'
	if err := verifier.Verify(tampered, signWhatsApp("app-secret", body)); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Verify(tampered) error = %v, want ErrAuthenticity", err)
	}
}

func TestWhatsAppChallenge(t *testing.T) {
	t.Parallel()

	verifier, _ := NewWhatsAppVerifier("app-secret", "verify-me")

	got, err := verifier.Challenge("subscribe", "verify-me", "12345")
	if err != nil || got != "12345" {
		t.Fatalf("Challenge() = %q, %v; want 12345", got, err)
	}
	if _, err := verifier.Challenge("subscribe", "wrong", "12345"); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Challenge() error = %v, want ErrAuthenticity", err)
	}
	if _, err := verifier.Challenge("unsubscribe", "verify-me", "12345"); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Challenge() error = %v, want ErrAuthenticity", err)
	}
}

func TestParseWhatsApp(t *testing.T) {
	t.Parallel()

	events, err := ParseWhatsApp([]byte(whatsAppBody))
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}

	want := []struct {
		id     string
		status domain.Status
	}{
		{id: "wamid.1", status: domain.StatusDelivered},
		{id: "wamid.2", status: domain.StatusOpened},
		{id: "wamid.3", status: domain.StatusBounced},
		{id: "wamid.4", status: ""},
	}
	for i, w := range want {
		if events[i].ProviderMessageID != w.id || events[i].Status != w.status {
			t.Errorf("event[%d] = %+v, want id=%s status=%q", i, events[i], w.id, w.status)
		}
	}

	if !events[0].Timestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("Timestamp = %v", events[0].Timestamp)
	}
	if events[0].EventID != "wamid.1:delivered" {
		t.Fatalf("EventID = %q", events[0].EventID)
	}
	if events[2].Reason != "131026 Message undeliverable" {
		t.Fatalf("Reason = %q", events[2].Reason)
	}
	if events[3].Known() {
		t.Fatal("deleted status should be unknown")
	}

	if _, err := ParseWhatsApp([]byte("{")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ParseWhatsApp() error = %v, want ErrValidation", err)
	}
}
