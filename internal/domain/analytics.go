package domain

import "time"

// DeliveryAnalyticsRecord is the rollup of one channel's jobs for one UTC day.
type DeliveryAnalyticsRecord struct {
	Date                   time.Time
	Channel                Channel
	Attempted              int64
	Sent                   int64
	Delivered              int64
	Failed                 int64
	Bounced                int64
	Opened                 int64
	Clicked                int64
	TotalDeliveryLatencyMs int64
	CreatedAt              time.Time
}

// Add folds one job's final state into the record.
func (r *DeliveryAnalyticsRecord) Add(job JobSnapshot) {
	if job.AttemptCount > 0 || job.Status.HasBeenSent() || job.Status == StatusFailed {
		r.Attempted++
	}
	if job.Status.HasBeenSent() {
		r.Sent++
	}
	switch job.Status {
	case StatusDelivered, StatusOpened, StatusClicked:
		r.Delivered++
		if job.SentAt != nil && job.DeliveredAt != nil && job.DeliveredAt.After(*job.SentAt) {
			r.TotalDeliveryLatencyMs += job.DeliveredAt.Sub(*job.SentAt).Milliseconds()
		}
	case StatusFailed:
		r.Failed++
	case StatusBounced:
		r.Bounced++
	}
	if job.Status == StatusOpened || job.Status == StatusClicked {
		r.Opened++
	}
	if job.Status == StatusClicked {
		r.Clicked++
	}
}

// Merge adds the counts of another record.
func (r *DeliveryAnalyticsRecord) Merge(other DeliveryAnalyticsRecord) {
	r.Attempted += other.Attempted
	r.Sent += other.Sent
	r.Delivered += other.Delivered
	r.Failed += other.Failed
	r.Bounced += other.Bounced
	r.Opened += other.Opened
	r.Clicked += other.Clicked
	r.TotalDeliveryLatencyMs += other.TotalDeliveryLatencyMs
}

// JobSnapshot is the read-only projection of a job used by analytics.
type JobSnapshot struct {
	ID           string
	TenantID     string
	Channel      Channel
	Status       Status
	AttemptCount int
	SentAt       *time.Time
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SnapshotOf projects a job for analytics.
func SnapshotOf(j DeliveryJob) JobSnapshot {
	return JobSnapshot{
		ID:           j.ID,
		TenantID:     j.TenantID,
		Channel:      j.Channel,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		SentAt:       j.SentAt,
		DeliveredAt:  j.DeliveredAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// DayStart truncates t to the start of its UTC day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
