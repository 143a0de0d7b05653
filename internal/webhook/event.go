package webhook

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Provider names used in logs and metrics.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
)

// Event is one verified delivery outcome reported by a provider.
type Event struct {
	Provider          string
	Channel           domain.Channel
	EventID           string
	ProviderMessageID string
	// Type is the provider's raw event name.
	Type string
	// Status is the job status the event implies, or empty when the event type
	// carries no lifecycle meaning.
	Status    domain.Status
	Timestamp time.Time
	Reason    string
}

// Known reports whether the event maps to a job status.
func (e Event) Known() bool {
	return e.Status != ""
}
