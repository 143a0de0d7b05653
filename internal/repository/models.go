package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// DeliveryJobModel is the persistence model for the delivery_jobs table.
type DeliveryJobModel struct {
	ID                string           `gorm:"type:uuid;primaryKey"`
	TenantID          string           `gorm:"type:varchar(64);not null"`
	Channel           domain.Channel   `gorm:"type:varchar(10);not null"`
	Recipient         string           `gorm:"type:varchar(255);not null"`
	TemplateKey       string           `gorm:"type:varchar(100);not null"`
	Variables         domain.Variables `gorm:"type:jsonb;serializer:json"`
	Priority          int              `gorm:"not null;default:5"`
	Urgent            bool             `gorm:"not null;default:false"`
	Status            domain.Status    `gorm:"type:varchar(20);not null"`
	AttemptCount      int              `gorm:"not null;default:0"`
	MaxAttempts       int              `gorm:"not null;default:3"`
	NextEligibleAt    time.Time        `gorm:"type:timestamptz;not null"`
	CorrelationID     string           `gorm:"type:varchar(64)"`
	ProviderMessageID *string          `gorm:"type:varchar(255)"`
	LastError         *string          `gorm:"type:text"`
	FailureReason     *string          `gorm:"type:varchar(64)"`
	Version           int              `gorm:"not null;default:0"`
	SentAt            *time.Time       `gorm:"type:timestamptz"`
	DeliveredAt       *time.Time       `gorm:"type:timestamptz"`
	OpenedAt          *time.Time       `gorm:"type:timestamptz"`
	ClickedAt         *time.Time       `gorm:"type:timestamptz"`
	BouncedAt         *time.Time       `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DeliveryJobModel) TableName() string {
	return "delivery_jobs"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string             `gorm:"type:uuid;primaryKey"`
	JobID         string             `gorm:"type:uuid;not null"`
	AttemptNumber int                `gorm:"not null"`
	Outcome       domain.OutcomeKind `gorm:"type:varchar(20);not null"`
	StatusCode    *int               `gorm:"type:int"`
	Error         *string            `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// DeliveryAnalyticsModel is the persistence model for delivery_analytics.
type DeliveryAnalyticsModel struct {
	Date                   time.Time      `gorm:"type:date;primaryKey"`
	Channel                domain.Channel `gorm:"type:varchar(10);primaryKey"`
	Attempted              int64          `gorm:"not null;default:0"`
	Sent                   int64          `gorm:"not null;default:0"`
	Delivered              int64          `gorm:"not null;default:0"`
	Failed                 int64          `gorm:"not null;default:0"`
	Bounced                int64          `gorm:"not null;default:0"`
	Opened                 int64          `gorm:"not null;default:0"`
	Clicked                int64          `gorm:"not null;default:0"`
	TotalDeliveryLatencyMs int64          `gorm:"not null;default:0"`
	CreatedAt              time.Time
}

func (DeliveryAnalyticsModel) TableName() string {
	return "delivery_analytics"
}

// DeliveryLinkModel is the persistence model for delivery_links.
type DeliveryLinkModel struct {
	ID         string                       `gorm:"type:uuid;primaryKey"`
	TenantID   string                       `gorm:"type:varchar(64);not null"`
	ProductID  string                       `gorm:"type:varchar(64);not null"`
	OrderID    string                       `gorm:"type:varchar(64);not null"`
	StorageKey string                       `gorm:"type:varchar(512);not null"`
	Token      string                       `gorm:"type:varchar(512);not null"`
	IssuedAt   time.Time                    `gorm:"type:timestamptz;not null"`
	ExpiresAt  time.Time                    `gorm:"type:timestamptz;not null"`
	MaxUses    int                          `gorm:"not null"`
	UsesSoFar  int                          `gorm:"not null;default:0"`
	Policy     domain.ProductDeliveryPolicy `gorm:"type:jsonb;serializer:json"`
	CreatedAt  time.Time
}

func (DeliveryLinkModel) TableName() string {
	return "delivery_links"
}

// ProductModel is the read-only catalog view of products.
type ProductModel struct {
	ID               string `gorm:"type:varchar(64);primaryKey"`
	TenantID         string `gorm:"type:varchar(64);not null"`
	Name             string `gorm:"type:varchar(255);not null"`
	StorageKey       string `gorm:"type:varchar(512);not null"`
	DownloadLimit    int
	ExpiryDays       int
	RefundsAllowed   *bool
	RefundWindowDays int
}

func (ProductModel) TableName() string {
	return "products"
}

// OrderModel is the read-only catalog view of paid orders.
type OrderModel struct {
	ID            string   `gorm:"type:varchar(64);primaryKey"`
	TenantID      string   `gorm:"type:varchar(64);not null"`
	CustomerName  string   `gorm:"type:varchar(255)"`
	CustomerEmail string   `gorm:"type:varchar(255)"`
	CustomerPhone string   `gorm:"type:varchar(32)"`
	ProductIDs    []string `gorm:"type:jsonb;serializer:json"`
}

func (OrderModel) TableName() string {
	return "orders"
}

func jobModelFromDomain(j *domain.DeliveryJob) *DeliveryJobModel {
	if j == nil {
		return nil
	}

	return &DeliveryJobModel{
		ID:                j.ID,
		TenantID:          j.TenantID,
		Channel:           j.Channel,
		Recipient:         j.Recipient,
		TemplateKey:       j.TemplateKey,
		Variables:         j.Variables,
		Priority:          j.Priority,
		Urgent:            j.Urgent,
		Status:            j.Status,
		AttemptCount:      j.AttemptCount,
		MaxAttempts:       j.MaxAttempts,
		NextEligibleAt:    j.NextEligibleAt,
		CorrelationID:     j.CorrelationID,
		ProviderMessageID: j.ProviderMessageID,
		LastError:         j.LastError,
		FailureReason:     j.FailureReason,
		Version:           j.Version,
		SentAt:            j.SentAt,
		DeliveredAt:       j.DeliveredAt,
		OpenedAt:          j.OpenedAt,
		ClickedAt:         j.ClickedAt,
		BouncedAt:         j.BouncedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func jobModelToDomain(m *DeliveryJobModel) *domain.DeliveryJob {
	if m == nil {
		return nil
	}

	return &domain.DeliveryJob{
		ID:                m.ID,
		TenantID:          m.TenantID,
		Channel:           m.Channel,
		Recipient:         m.Recipient,
		TemplateKey:       m.TemplateKey,
		Variables:         m.Variables,
		Priority:          m.Priority,
		Urgent:            m.Urgent,
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		NextEligibleAt:    m.NextEligibleAt,
		CorrelationID:     m.CorrelationID,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		FailureReason:     m.FailureReason,
		Version:           m.Version,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		OpenedAt:          m.OpenedAt,
		ClickedAt:         m.ClickedAt,
		BouncedAt:         m.BouncedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		JobID:         a.JobID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       a.Outcome,
		StatusCode:    a.StatusCode,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		JobID:         m.JobID,
		AttemptNumber: m.AttemptNumber,
		Outcome:       m.Outcome,
		StatusCode:    m.StatusCode,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

func analyticsModelFromDomain(r *domain.DeliveryAnalyticsRecord) *DeliveryAnalyticsModel {
	if r == nil {
		return nil
	}

	return &DeliveryAnalyticsModel{
		Date:                   domain.DayStart(r.Date),
		Channel:                r.Channel,
		Attempted:              r.Attempted,
		Sent:                   r.Sent,
		Delivered:              r.Delivered,
		Failed:                 r.Failed,
		Bounced:                r.Bounced,
		Opened:                 r.Opened,
		Clicked:                r.Clicked,
		TotalDeliveryLatencyMs: r.TotalDeliveryLatencyMs,
		CreatedAt:              r.CreatedAt,
	}
}

func analyticsModelToDomain(m *DeliveryAnalyticsModel) *domain.DeliveryAnalyticsRecord {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAnalyticsRecord{
		Date:                   domain.DayStart(m.Date),
		Channel:                m.Channel,
		Attempted:              m.Attempted,
		Sent:                   m.Sent,
		Delivered:              m.Delivered,
		Failed:                 m.Failed,
		Bounced:                m.Bounced,
		Opened:                 m.Opened,
		Clicked:                m.Clicked,
		TotalDeliveryLatencyMs: m.TotalDeliveryLatencyMs,
		CreatedAt:              m.CreatedAt,
	}
}

func linkModelFromDomain(l *domain.DeliveryLink) *DeliveryLinkModel {
	if l == nil {
		return nil
	}

	return &DeliveryLinkModel{
		ID:         l.ID,
		TenantID:   l.TenantID,
		ProductID:  l.ProductID,
		OrderID:    l.OrderID,
		StorageKey: l.StorageKey,
		Token:      l.Token,
		IssuedAt:   l.IssuedAt,
		ExpiresAt:  l.ExpiresAt,
		MaxUses:    l.MaxUses,
		UsesSoFar:  l.UsesSoFar,
		Policy:     l.Policy,
		CreatedAt:  l.CreatedAt,
	}
}

func linkModelToDomain(m *DeliveryLinkModel) *domain.DeliveryLink {
	if m == nil {
		return nil
	}

	return &domain.DeliveryLink{
		ID:         m.ID,
		TenantID:   m.TenantID,
		ProductID:  m.ProductID,
		OrderID:    m.OrderID,
		StorageKey: m.StorageKey,
		Token:      m.Token,
		IssuedAt:   m.IssuedAt,
		ExpiresAt:  m.ExpiresAt,
		MaxUses:    m.MaxUses,
		UsesSoFar:  m.UsesSoFar,
		Policy:     m.Policy,
		CreatedAt:  m.CreatedAt,
	}
}

func productModelToDomain(m *ProductModel) *domain.Product {
	if m == nil {
		return nil
	}

	return &domain.Product{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Name:             m.Name,
		StorageKey:       m.StorageKey,
		DownloadLimit:    m.DownloadLimit,
		ExpiryDays:       m.ExpiryDays,
		RefundsAllowed:   m.RefundsAllowed,
		RefundWindowDays: m.RefundWindowDays,
	}
}

func orderModelToDomain(m *OrderModel) *domain.Order {
	if m == nil {
		return nil
	}

	return &domain.Order{
		ID:            m.ID,
		TenantID:      m.TenantID,
		CustomerName:  m.CustomerName,
		CustomerEmail: m.CustomerEmail,
		CustomerPhone: m.CustomerPhone,
		ProductIDs:    m.ProductIDs,
	}
}
