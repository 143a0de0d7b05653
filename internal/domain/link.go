package domain

import "time"

// Product delivery defaults applied when the catalog leaves a field unset.
const (
	DefaultDownloadLimit    = 3
	DefaultLinkExpiryDays   = 30
	DefaultRefundWindowDays = 7
)

// ProductDeliveryPolicy is the product-specific metadata attached to issued links.
type ProductDeliveryPolicy struct {
	DownloadLimit    int  `json:"downloadLimit"`
	ExpiryDays       int  `json:"expiryDays"`
	RefundsAllowed   bool `json:"refundsAllowed"`
	RefundWindowDays int  `json:"refundWindowDays"`
}

// WithDefaults fills unset fields. A nil RefundsAllowed source is expressed by
// the caller passing refundsSet=false.
func (p ProductDeliveryPolicy) WithDefaults(refundsSet bool) ProductDeliveryPolicy {
	if p.DownloadLimit <= 0 {
		p.DownloadLimit = DefaultDownloadLimit
	}
	if p.ExpiryDays <= 0 {
		p.ExpiryDays = DefaultLinkExpiryDays
	}
	if !refundsSet {
		p.RefundsAllowed = true
	}
	if p.RefundsAllowed && p.RefundWindowDays <= 0 {
		p.RefundWindowDays = DefaultRefundWindowDays
	}
	return p
}

// DeliveryLink is a time- and use-bounded grant to download a digital asset.
type DeliveryLink struct {
	ID         string
	TenantID   string
	ProductID  string
	OrderID    string
	StorageKey string
	Token      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	MaxUses    int
	UsesSoFar  int
	Policy     ProductDeliveryPolicy
	CreatedAt  time.Time
}

// ActiveAt reports whether the link can still be redeemed at t.
func (l DeliveryLink) ActiveAt(t time.Time) bool {
	return t.Before(l.ExpiresAt) && (l.MaxUses <= 0 || l.UsesSoFar < l.MaxUses)
}

// Product is the read-only catalog view needed for fulfillment.
type Product struct {
	ID               string
	TenantID         string
	Name             string
	StorageKey       string
	DownloadLimit    int
	ExpiryDays       int
	RefundsAllowed   *bool
	RefundWindowDays int
}

// Policy resolves the product's delivery policy with defaults applied.
func (p Product) Policy() ProductDeliveryPolicy {
	policy := ProductDeliveryPolicy{
		DownloadLimit:    p.DownloadLimit,
		ExpiryDays:       p.ExpiryDays,
		RefundWindowDays: p.RefundWindowDays,
	}
	if p.RefundsAllowed != nil {
		policy.RefundsAllowed = *p.RefundsAllowed
	}
	return policy.WithDefaults(p.RefundsAllowed != nil)
}

// Order is the read-only catalog view of a paid order.
type Order struct {
	ID            string
	TenantID      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ProductIDs    []string
}
