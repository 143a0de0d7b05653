package domain

import "time"

// Severity ranks alerts for routing.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an operationally actionable condition raised by the aggregator.
type Alert struct {
	Name     string            `json:"name"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	RaisedAt time.Time         `json:"raisedAt"`
}
