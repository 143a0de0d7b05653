package domain

import "time"

// OutcomeKind classifies the result of a single provider call.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "SUCCESS"
	OutcomeTransientFailure OutcomeKind = "TRANSIENT_FAILURE"
	OutcomePermanentFailure OutcomeKind = "PERMANENT_FAILURE"
)

func (k OutcomeKind) String() string { return string(k) }

// DeliveryAttempt records a single provider call for a delivery job.
type DeliveryAttempt struct {
	ID            string
	JobID         string
	AttemptNumber int
	Outcome       OutcomeKind
	StatusCode    *int
	Error         *string
	CreatedAt     time.Time
}
