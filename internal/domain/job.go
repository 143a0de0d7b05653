package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery job.
//
//	QUEUED -> SENDING -> SENT | RETRY_SCHEDULED | FAILED
//	RETRY_SCHEDULED -> SENDING
//	SENT -> DELIVERED | OPENED | CLICKED | BOUNCED
//	DELIVERED -> OPENED | CLICKED | BOUNCED
//	OPENED -> CLICKED
//
// A claimed job that is not admitted by the rate limiter is released from
// SENDING back to the status it was claimed from.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusSending        Status = "SENDING"
	StatusSent           Status = "SENT"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusFailed         Status = "FAILED"
	StatusDelivered      Status = "DELIVERED"
	StatusOpened         Status = "OPENED"
	StatusClicked        Status = "CLICKED"
	StatusBounced        Status = "BOUNCED"
)

var allowedTransitions = map[Status][]Status{
	StatusQueued:         {StatusSending, StatusFailed},
	StatusRetryScheduled: {StatusSending, StatusFailed},
	StatusSending:        {StatusSent, StatusRetryScheduled, StatusFailed, StatusQueued},
	StatusSent:           {StatusDelivered, StatusOpened, StatusClicked, StatusBounced},
	StatusDelivered:      {StatusOpened, StatusClicked, StatusBounced},
	StatusOpened:         {StatusClicked},
}

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusRetryScheduled, StatusFailed,
		StatusDelivered, StatusOpened, StatusClicked, StatusBounced:
		return true
	}
	return false
}

// IsTerminal reports whether no further send attempts can happen.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusBounced
}

// IsDispatchable reports whether a worker may claim a job in this status.
func (s Status) IsDispatchable() bool {
	return s == StatusQueued || s == StatusRetryScheduled
}

// HasBeenSent reports whether the provider accepted the message at some point.
func (s Status) HasBeenSent() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusOpened, StatusClicked, StatusBounced:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelWhatsApp}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority orders dispatch; lower values are more urgent.
const (
	PriorityUrgent = 0
	PriorityNormal = 5
	PriorityBulk   = 9
)

const (
	DefaultMaxAttempts = 3
	MaxRecipientLength = 255
	MaxTemplateKey     = 100
)

var whatsAppNumberPattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// Variables holds rendered template variables. Values are strings, numbers,
// booleans, or lists of strings.
type Variables map[string]any

// DeliveryJob is one attempt to deliver one message on one channel.
type DeliveryJob struct {
	ID                string
	TenantID          string
	Channel           Channel
	Recipient         string
	TemplateKey       string
	Variables         Variables
	Priority          int
	Urgent            bool
	Status            Status
	AttemptCount      int
	MaxAttempts       int
	NextEligibleAt    time.Time
	CorrelationID     string
	ProviderMessageID *string
	LastError         *string
	FailureReason     *string
	Version           int
	SentAt            *time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	BouncedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (j *DeliveryJob) Validate() error {
	if strings.TrimSpace(j.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if !j.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, j.Channel)
	}
	if j.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if len(j.Recipient) > MaxRecipientLength {
		return fmt.Errorf("%w: recipient exceeds %d characters", ErrValidation, MaxRecipientLength)
	}
	if j.TemplateKey == "" {
		return fmt.Errorf("%w: template key is required", ErrValidation)
	}
	if len(j.TemplateKey) > MaxTemplateKey {
		return fmt.Errorf("%w: template key exceeds %d characters", ErrValidation, MaxTemplateKey)
	}
	if j.Priority < PriorityUrgent || j.Priority > PriorityBulk {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, PriorityUrgent, PriorityBulk)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrValidation)
	}
	if j.AttemptCount > j.MaxAttempts {
		return fmt.Errorf("%w: attempt count exceeds max attempts", ErrValidation)
	}

	switch j.Channel {
	case ChannelEmail:
		if _, err := mail.ParseAddress(j.Recipient); err != nil {
			return fmt.Errorf("%w: invalid email recipient %q", ErrValidation, j.Recipient)
		}
	case ChannelWhatsApp:
		if !whatsAppNumberPattern.MatchString(j.Recipient) {
			return fmt.Errorf("%w: invalid whatsapp recipient %q", ErrValidation, j.Recipient)
		}
	}

	for key, value := range j.Variables {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: variable names must not be empty", ErrValidation)
		}
		if !isSupportedVariable(value) {
			return fmt.Errorf("%w: unsupported value for variable %q", ErrValidation, key)
		}
	}

	return nil
}

func isSupportedVariable(value any) bool {
	switch v := value.(type) {
	case nil, string, bool, int, int64, float64:
		return true
	case []string:
		return true
	case []any:
		for _, item := range v {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// Transition moves the job to the given status and stamps the matching timestamp.
func (j *DeliveryJob) Transition(to Status, now time.Time) error {
	if j.Status == to {
		return nil
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: cannot move job %s from %s to %s", ErrConflict, j.ID, j.Status, to)
	}

	at := now.UTC()
	switch to {
	case StatusSent:
		j.SentAt = &at
	case StatusDelivered:
		j.DeliveredAt = &at
	case StatusOpened:
		j.OpenedAt = &at
	case StatusClicked:
		j.ClickedAt = &at
	case StatusBounced:
		j.BouncedAt = &at
	}

	j.Status = to
	j.UpdatedAt = at
	return nil
}

// MarkSent records provider acceptance. The provider message id is only ever
// set together with the SENT status.
func (j *DeliveryJob) MarkSent(providerMessageID string, now time.Time) error {
	if err := j.Transition(StatusSent, now); err != nil {
		return err
	}
	if id := strings.TrimSpace(providerMessageID); id != "" {
		j.ProviderMessageID = &id
	}
	j.LastError = nil
	return nil
}

// StringVariable returns the named variable rendered as text.
func (v Variables) StringVariable(name string) string {
	value, ok := v[name]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case []string:
		return strings.Join(typed, ", ")
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(typed)
	}
}

// ListVariable returns the named variable as a list of strings.
func (v Variables) ListVariable(name string) []string {
	switch typed := v[name].(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if typed == "" {
			return nil
		}
		return []string{typed}
	}
	return nil
}
