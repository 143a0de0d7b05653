package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// AlertMessage is the broker payload for a raised alert.
type AlertMessage struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Severity domain.Severity   `json:"severity"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	RaisedAt time.Time         `json:"raisedAt"`
}

// NewAlertMessage wraps an alert with a message id.
func NewAlertMessage(id string, alert domain.Alert) AlertMessage {
	return AlertMessage{
		ID:       id,
		Name:     alert.Name,
		Severity: alert.Severity,
		Message:  alert.Message,
		Metadata: alert.Metadata,
		RaisedAt: alert.RaisedAt.UTC(),
	}
}

func (m AlertMessage) Alert() domain.Alert {
	return domain.Alert{
		Name:     m.Name,
		Severity: m.Severity,
		Message:  m.Message,
		Metadata: m.Metadata,
		RaisedAt: m.RaisedAt,
	}
}

func (m AlertMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch m.Severity {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
	default:
		return fmt.Errorf("invalid severity %q", m.Severity)
	}
	return nil
}
