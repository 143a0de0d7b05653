package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

// LinkIssuer is the secure link surface used by fulfillment.
type LinkIssuer interface {
	IssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error)
	ReuseOrIssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, bool, error)
	DownloadURL(link domain.DeliveryLink) string
}

// JobEnqueuer accepts delivery jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, error)
}

// FulfillmentService turns a paid order into download links and urgent
// delivery jobs on every channel the customer can be reached on.
type FulfillmentService struct {
	catalog  repository.CatalogReader
	issuer   LinkIssuer
	enqueuer JobEnqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// IssuedLink is one product's download link in a fulfillment.
type IssuedLink struct {
	ProductID string
	URL       string
	ExpiresAt time.Time
	MaxUses   int
	Reused    bool
}

type FulfillmentResult struct {
	OrderID string
	Links   []IssuedLink
	Jobs    []domain.DeliveryJob
}

func NewFulfillmentService(
	catalog repository.CatalogReader,
	issuer LinkIssuer,
	enqueuer JobEnqueuer,
	logger *zap.Logger,
) (*FulfillmentService, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog reader is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("link issuer is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("job enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FulfillmentService{
		catalog:  catalog,
		issuer:   issuer,
		enqueuer: enqueuer,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Fulfill issues fresh download links for every product of the order and
// notifies the customer.
func (s *FulfillmentService) Fulfill(ctx context.Context, tenantID, orderID string) (*FulfillmentResult, error) {
	return s.run(ctx, tenantID, orderID, false)
}

// Resend notifies the customer again, reusing links that are still valid.
func (s *FulfillmentService) Resend(ctx context.Context, tenantID, orderID string) (*FulfillmentResult, error) {
	return s.run(ctx, tenantID, orderID, true)
}

func (s *FulfillmentService) run(ctx context.Context, tenantID, orderID string, resend bool) (*FulfillmentResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	orderID = strings.TrimSpace(orderID)
	if tenantID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: tenant id and order id are required", domain.ErrValidation)
	}

	order, err := s.catalog.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if len(order.ProductIDs) == 0 {
		return nil, fmt.Errorf("%w: order %s has no products", domain.ErrValidation, orderID)
	}
	if order.CustomerEmail == "" && order.CustomerPhone == "" {
		return nil, fmt.Errorf("%w: order %s has no customer contact", domain.ErrValidation, orderID)
	}

	result := &FulfillmentResult{OrderID: order.ID}
	urls := make([]string, 0, len(order.ProductIDs))
	var earliestExpiry time.Time

	for _, productID := range order.ProductIDs {
		product, err := s.catalog.GetProduct(ctx, tenantID, productID)
		if err != nil {
			return nil, fmt.Errorf("load product %s: %w", productID, err)
		}

		var (
			link   *domain.DeliveryLink
			reused bool
		)
		if resend {
			link, reused, err = s.issuer.ReuseOrIssueDownloadLink(ctx, tenantID, *product, order.ID, 0)
		} else {
			link, err = s.issuer.IssueDownloadLink(ctx, tenantID, *product, order.ID, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("issue link for product %s: %w", productID, err)
		}

		url := s.issuer.DownloadURL(*link)
		urls = append(urls, url)
		if earliestExpiry.IsZero() || link.ExpiresAt.Before(earliestExpiry) {
			earliestExpiry = link.ExpiresAt
		}
		result.Links = append(result.Links, IssuedLink{
			ProductID: product.ID,
			URL:       url,
			ExpiresAt: link.ExpiresAt,
			MaxUses:   link.MaxUses,
			Reused:    reused,
		})
	}

	templateKey := provider.TemplateDownloadReady
	if resend {
		templateKey = provider.TemplateDownloadResend
	}
	variables := domain.Variables{
		"customer_name": order.CustomerName,
		"order_id":      order.ID,
		"links":         urls,
		"expiry_days":   strconv.Itoa(daysUntil(s.now().UTC(), earliestExpiry)),
	}

	recipients := []struct {
		channel   domain.Channel
		recipient string
	}{
		{channel: domain.ChannelEmail, recipient: order.CustomerEmail},
		{channel: domain.ChannelWhatsApp, recipient: order.CustomerPhone},
	}
	for _, r := range recipients {
		if strings.TrimSpace(r.recipient) == "" {
			continue
		}
		job, err := s.enqueuer.Enqueue(ctx, &domain.DeliveryJob{
			TenantID:      tenantID,
			Channel:       r.channel,
			Recipient:     r.recipient,
			TemplateKey:   templateKey,
			Variables:     variables,
			Priority:      domain.PriorityUrgent,
			CorrelationID: order.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue %s delivery: %w", r.channel, err)
		}
		result.Jobs = append(result.Jobs, *job)
	}

	s.logger.Info("order fulfilled",
		zap.String("tenantId", tenantID),
		zap.String("orderId", order.ID),
		zap.Int("links", len(result.Links)),
		zap.Int("jobs", len(result.Jobs)),
		zap.Bool("resend", resend),
	)
	return result, nil
}

func daysUntil(now, expiresAt time.Time) int {
	if !expiresAt.After(now) {
		return 0
	}
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}
