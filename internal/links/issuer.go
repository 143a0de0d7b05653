package links

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/infra/storage"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultViewTokenTTL    = 24 * time.Hour
	DefaultDownloadLinkTTL = 72 * time.Hour
	// maxPresignTTL bounds the storage URL handed out on each redemption.
	maxPresignTTL = 15 * time.Minute
	minSecretLen  = 32
)

// Options configures an Issuer.
type Options struct {
	Secret         string
	ViewTokenTTL   time.Duration
	DownloadTTL    time.Duration
	PublicBaseURL  string
	PresignMaxTTL  time.Duration
	AllowShortKeys bool
}

// Issuer issues and verifies scope-bound view tokens and download links.
type Issuer struct {
	signer    signer
	links     repository.LinkRepository
	presigner storage.Presigner
	opts      Options
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewIssuer(
	links repository.LinkRepository,
	presigner storage.Presigner,
	opts Options,
	logger *zap.Logger,
) (*Issuer, error) {
	if links == nil {
		return nil, fmt.Errorf("link repository is required")
	}
	if presigner == nil {
		return nil, fmt.Errorf("presigner is required")
	}
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("link signing secret is required")
	}
	if len(opts.Secret) < minSecretLen && !opts.AllowShortKeys {
		return nil, fmt.Errorf("link signing secret must be at least %d bytes", minSecretLen)
	}
	if opts.ViewTokenTTL <= 0 {
		opts.ViewTokenTTL = DefaultViewTokenTTL
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = DefaultDownloadLinkTTL
	}
	if opts.PresignMaxTTL <= 0 {
		opts.PresignMaxTTL = maxPresignTTL
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Issuer{
		signer:    signer{secret: []byte(opts.Secret)},
		links:     links,
		presigner: presigner,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// IssueViewToken binds a token to (product, order) for the view window.
func (i *Issuer) IssueViewToken(productID, orderID string) (string, error) {
	if strings.TrimSpace(productID) == "" || strings.TrimSpace(orderID) == "" {
		return "", fmt.Errorf("%w: product id and order id are required", domain.ErrValidation)
	}

	now := i.now().UTC()
	return i.signer.sign(claims{
		Kind:      kindView,
		ProductID: productID,
		OrderID:   orderID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.opts.ViewTokenTTL),
	}), nil
}

// ValidateViewToken fails closed on any mismatch, malformed input, bad
// signature, or elapsed window.
func (i *Issuer) ValidateViewToken(token, productID, orderID string) bool {
	c, err := i.signer.parse(token)
	if err != nil {
		return false
	}
	if c.Kind != kindView || c.ProductID != productID || c.OrderID != orderID {
		return false
	}
	now := i.now().UTC()
	if now.Before(c.IssuedAt) {
		return false
	}
	return now.Before(c.ExpiresAt) && now.Sub(c.IssuedAt) < i.opts.ViewTokenTTL
}

// IssueDownloadLink creates and persists a new download link. A non-positive
// ttl uses the configured default.
func (i *Issuer) IssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error) {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: product id and order id are required", domain.ErrValidation)
	}
	if strings.TrimSpace(product.StorageKey) == "" {
		return nil, fmt.Errorf("%w: product %s has no stored asset", domain.ErrValidation, product.ID)
	}
	if ttl <= 0 {
		ttl = i.opts.DownloadTTL
	}

	policy := product.Policy()
	now := i.now().UTC()
	link := &domain.DeliveryLink{
		ID:         i.newID(),
		TenantID:   tenantID,
		ProductID:  product.ID,
		OrderID:    orderID,
		StorageKey: product.StorageKey,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		MaxUses:    policy.DownloadLimit,
		Policy:     policy,
		CreatedAt:  now,
	}
	link.Token = i.signer.sign(claims{
		Kind:      kindDownload,
		ProductID: link.ProductID,
		OrderID:   link.OrderID,
		IssuedAt:  link.IssuedAt,
		ExpiresAt: link.ExpiresAt,
		LinkID:    link.ID,
	})

	if err := i.links.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("persist download link: %w", err)
	}

	i.logger.Debug("download link issued",
		zap.String("linkId", link.ID),
		zap.String("orderId", orderID),
		zap.String("productId", product.ID),
		zap.Time("expiresAt", link.ExpiresAt),
	)
	return link, nil
}

// ReuseOrIssueDownloadLink returns the tenant's unexpired, unexhausted link for
// the same (order, product) if one exists, and issues a new one otherwise.
func (i *Issuer) ReuseOrIssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, bool, error) {
	existing, err := i.links.FindActive(ctx, tenantID, orderID, product.ID, i.now().UTC())
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("find active link: %w", err)
	}

	link, err := i.IssueDownloadLink(ctx, tenantID, product, orderID, ttl)
	if err != nil {
		return nil, false, err
	}
	return link, false, nil
}

// DownloadURL is the customer-facing redemption URL for a link.
func (i *Issuer) DownloadURL(link domain.DeliveryLink) string {
	return i.opts.PublicBaseURL + "/v1/downloads/" + link.Token
}

// RedeemDownload verifies the token, consumes one use, and returns a short-lived
// storage URL.
func (i *Issuer) RedeemDownload(ctx context.Context, token string) (string, error) {
	c, err := i.signer.parse(token)
	if err != nil || c.Kind != kindDownload {
		return "", domain.ErrLinkInvalid
	}

	now := i.now().UTC()
	if !now.Before(c.ExpiresAt) {
		return "", domain.ErrLinkExpired
	}

	link, err := i.links.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrLinkInvalid
	}
	if err != nil {
		return "", fmt.Errorf("load download link: %w", err)
	}
	if link.ID != c.LinkID || link.ProductID != c.ProductID || link.OrderID != c.OrderID {
		return "", domain.ErrLinkInvalid
	}

	link, err = i.links.IncrementUses(ctx, link.ID, now)
	if err != nil {
		return "", err
	}

	presignTTL := link.ExpiresAt.Sub(now)
	if presignTTL > i.opts.PresignMaxTTL {
		presignTTL = i.opts.PresignMaxTTL
	}

	url, err := i.presigner.PresignGet(ctx, link.StorageKey, presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}

	i.logger.Info("download redeemed",
		zap.String("linkId", link.ID),
		zap.Int("uses", link.UsesSoFar),
		zap.Int("maxUses", link.MaxUses),
	)
	return url, nil
}
