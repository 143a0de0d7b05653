package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const sendGridBody = `[
  {"email":"a@example.com","event":"delivered","sg_event_id":"ev-1","sg_message_id":"14c5d75ce93.dfd.64b469.filter0001.16648.5515E0B88.0","timestamp":1700000000},
  {"email":"a@example.com","event":"open","sg_event_id":"ev-2","sg_message_id":"14c5d75ce93.dfd.64b469.filter0001.16648.5515E0B88.0","timestamp":1700000100},
  {"email":"b@example.com","event":"bounce","type":"blocked","sg_event_id":"ev-3","sg_message_id":"other.filter","timestamp":1700000200},
  {"email":"c@example.com","event":"spamreport","sg_event_id":"ev-4","sg_message_id":"third.filter","timestamp":1700000300}
]`

func newSendGridKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("x509.MarshalPKIXPublicKey() error = %v", err)
	}
	return key, base64.StdEncoding.EncodeToString(der)
}

func signSendGrid(t *testing.T, key *ecdsa.PrivateKey, timestamp string, body []byte) string {
	t.Helper()

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	sig, err := ecdsa.SignASN1(rand.Reader, key, h.Sum(nil))
	if err != nil {
		t.Fatalf("ecdsa.SignASN1() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestSendGridVerifier(t *testing.T) {
	t.Parallel()

	key, public := newSendGridKey(t)
	verifier, err := NewSendGridVerifier(public)
	if err != nil {
		t.Fatalf("NewSendGridVerifier() error = %v", err)
	}

	body := []byte(sendGridBody)
	sig := signSendGrid(t, key, "1700000000", body)

	if err := verifier.Verify(body, sig, "1700000000"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := verifier.Verify(body, sig, "1700000001"); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Verify(wrong timestamp) error = %v, want ErrAuthenticity", err)
	}
	if err := verifier.Verify(body, "", "1700000000"); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Verify(no signature) error = %v, want ErrAuthenticity", err)
	}
	if err := verifier.Verify(append(body, ' '), sig, "1700000000"); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Verify(tampered) error = %v, want ErrAuthenticity", err)
	}
}

func TestParseSendGrid(t *testing.T) {
	t.Parallel()

	events, err := ParseSendGrid([]byte(sendGridBody))
	if err != nil {
		t.Fatalf("ParseSendGrid() error = %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}
	if events[0].ProviderMessageID != "14c5d75ce93" || events[0].Status != domain.StatusDelivered {
		t.Fatalf("event[0] = %+v", events[0])
	}
	if events[1].Status != domain.StatusOpened || events[1].EventID != "ev-2" {
		t.Fatalf("event[1] = %+v", events[1])
	}
	if events[2].Known() {
		t.Fatalf("blocked bounce should not map to a status: %+v", events[2])
	}
	if events[3].Known() {
		t.Fatalf("spam report should not map to a status: %+v", events[3])
	}
}

func TestEmailWebhookRoutesByHeaders(t *testing.T) {
	t.Parallel()

	key, public := newSendGridKey(t)
	sendGrid, err := NewSendGridVerifier(public)
	if err != nil {
		t.Fatalf("NewSendGridVerifier() error = %v", err)
	}
	hook := NewEmailWebhook(nil, sendGrid, nil)
	body := []byte(sendGridBody)

	headers := http.Header{}
	headers.Set(SendGridSignatureHeader, signSendGrid(t, key, "1700000000", body))
	headers.Set(SendGridTimestampHeader, "1700000000")

	events, err := hook.Parse(context.Background(), headers, body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}

	if _, err := hook.Parse(context.Background(), http.Header{}, body); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Parse(no headers) error = %v, want ErrAuthenticity", err)
	}

	snsHeaders := http.Header{}
	snsHeaders.Set(SNSMessageTypeHeader, "Notification")
	if _, err := hook.Parse(context.Background(), snsHeaders, body); !errors.Is(err, domain.ErrAuthenticity) {
		t.Fatalf("Parse(sns without verifier) error = %v, want ErrAuthenticity", err)
	}
}
