package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"go.uber.org/zap"
)

type fakeLinkIssuer struct {
	issueFn func(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error)
	reuseFn func(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, bool, error)
}

func (f *fakeLinkIssuer) IssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error) {
	if f.issueFn != nil {
		return f.issueFn(ctx, tenantID, product, orderID, ttl)
	}
	return testLink(product, orderID, "fresh"), nil
}

func (f *fakeLinkIssuer) ReuseOrIssueDownloadLink(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, bool, error) {
	if f.reuseFn != nil {
		return f.reuseFn(ctx, tenantID, product, orderID, ttl)
	}
	return testLink(product, orderID, "reused"), true, nil
}

func (f *fakeLinkIssuer) DownloadURL(link domain.DeliveryLink) string {
	return "https://shop.example.com/v1/downloads/" + link.Token
}

func testLink(product domain.Product, orderID, token string) *domain.DeliveryLink {
	return &domain.DeliveryLink{
		ID:        token + "-" + product.ID,
		ProductID: product.ID,
		OrderID:   orderID,
		Token:     token + "-" + product.ID,
		ExpiresAt: testNow.Add(72 * time.Hour),
		MaxUses:   3,
	}
}

type fakeEnqueuer struct {
	jobs      []domain.DeliveryJob
	enqueueFn func(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, error)
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, error) {
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, job)
	}
	job.ID = "job-" + string(job.Channel)
	f.jobs = append(f.jobs, *job)
	return job, nil
}

func newTestCatalog() *repository.MemoryCatalog {
	catalog := repository.NewMemoryCatalog()
	catalog.PutOrder(domain.Order{
		ID:            "order-1",
		TenantID:      "tenant-a",
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		CustomerPhone: "+905551112233",
		ProductIDs:    []string{"p1", "p2"},
	})
	catalog.PutProduct(domain.Product{ID: "p1", TenantID: "tenant-a", Name: "Ebook", StorageKey: "assets/p1.pdf"})
	catalog.PutProduct(domain.Product{ID: "p2", TenantID: "tenant-a", Name: "Audio", StorageKey: "assets/p2.mp3"})
	return catalog
}

func newTestFulfillment(t *testing.T, catalog repository.CatalogReader, issuer LinkIssuer, enqueuer JobEnqueuer) *FulfillmentService {
	t.Helper()

	svc, err := NewFulfillmentService(catalog, issuer, enqueuer, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFulfillmentService() error = %v", err)
	}
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestFulfillmentServiceFulfill(t *testing.T) {
	t.Parallel()

	enqueuer := &fakeEnqueuer{}
	svc := newTestFulfillment(t, newTestCatalog(), &fakeLinkIssuer{}, enqueuer)

	result, err := svc.Fulfill(context.Background(), "tenant-a", "order-1")
	if err != nil {
		t.Fatalf("Fulfill() error = %v", err)
	}

	if len(result.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(result.Links))
	}
	for _, link := range result.Links {
		if link.Reused {
			t.Fatalf("link for %s should be fresh", link.ProductID)
		}
	}
	if len(enqueuer.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(enqueuer.jobs))
	}

	email, whatsApp := enqueuer.jobs[0], enqueuer.jobs[1]
	if email.Channel != domain.ChannelEmail || email.Recipient != "ada@example.com" {
		t.Fatalf("first job = %s %s, want email to ada", email.Channel, email.Recipient)
	}
	if whatsApp.Channel != domain.ChannelWhatsApp || whatsApp.Recipient != "+905551112233" {
		t.Fatalf("second job = %s %s, want whatsapp to customer phone", whatsApp.Channel, whatsApp.Recipient)
	}
	for _, job := range enqueuer.jobs {
		if job.TemplateKey != provider.TemplateDownloadReady {
			t.Fatalf("template = %q, want %q", job.TemplateKey, provider.TemplateDownloadReady)
		}
		if job.Priority != domain.PriorityUrgent {
			t.Fatalf("priority = %d, want urgent", job.Priority)
		}
		if job.CorrelationID != "order-1" {
			t.Fatalf("correlation id = %q, want order-1", job.CorrelationID)
		}
		if got := job.Variables.StringVariable("expiry_days"); got != "3" {
			t.Fatalf("expiry_days = %q, want 3", got)
		}
		if got := job.Variables.ListVariable("links"); len(got) != 2 || got[0] != "https://shop.example.com/v1/downloads/fresh-p1" {
			t.Fatalf("links = %v", got)
		}
	}
}

func TestFulfillmentServiceResendReusesLinks(t *testing.T) {
	t.Parallel()

	issued := false
	issuer := &fakeLinkIssuer{
		issueFn: func(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error) {
			issued = true
			return testLink(product, orderID, "fresh"), nil
		},
	}
	enqueuer := &fakeEnqueuer{}
	svc := newTestFulfillment(t, newTestCatalog(), issuer, enqueuer)

	result, err := svc.Resend(context.Background(), "tenant-a", "order-1")
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if issued {
		t.Fatal("resend should go through reuse-or-issue")
	}
	for _, link := range result.Links {
		if !link.Reused {
			t.Fatalf("link for %s should be reused", link.ProductID)
		}
	}
	for _, job := range enqueuer.jobs {
		if job.TemplateKey != provider.TemplateDownloadResend {
			t.Fatalf("template = %q, want %q", job.TemplateKey, provider.TemplateDownloadResend)
		}
	}
}

func TestFulfillmentServiceSkipsMissingContact(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog()
	catalog.PutOrder(domain.Order{
		ID:            "order-2",
		TenantID:      "tenant-a",
		CustomerEmail: "ada@example.com",
		ProductIDs:    []string{"p1"},
	})
	enqueuer := &fakeEnqueuer{}
	svc := newTestFulfillment(t, catalog, &fakeLinkIssuer{}, enqueuer)

	result, err := svc.Fulfill(context.Background(), "tenant-a", "order-2")
	if err != nil {
		t.Fatalf("Fulfill() error = %v", err)
	}
	if len(result.Jobs) != 1 || result.Jobs[0].Channel != domain.ChannelEmail {
		t.Fatalf("jobs = %+v, want one email job", result.Jobs)
	}
}

func TestFulfillmentServiceErrors(t *testing.T) {
	t.Parallel()

	catalog := newTestCatalog()
	catalog.PutOrder(domain.Order{ID: "empty", TenantID: "tenant-a", CustomerEmail: "a@example.com"})
	catalog.PutOrder(domain.Order{ID: "no-contact", TenantID: "tenant-a", ProductIDs: []string{"p1"}})

	svc := newTestFulfillment(t, catalog, &fakeLinkIssuer{}, &fakeEnqueuer{})

	if _, err := svc.Fulfill(context.Background(), "", "order-1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing tenant error = %v, want ErrValidation", err)
	}
	if _, err := svc.Fulfill(context.Background(), "tenant-b", "order-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign tenant error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Fulfill(context.Background(), "tenant-a", "empty"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty order error = %v, want ErrValidation", err)
	}
	if _, err := svc.Fulfill(context.Background(), "tenant-a", "no-contact"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("no contact error = %v, want ErrValidation", err)
	}

	failing := newTestFulfillment(t, newTestCatalog(), &fakeLinkIssuer{
		issueFn: func(ctx context.Context, tenantID string, product domain.Product, orderID string, ttl time.Duration) (*domain.DeliveryLink, error) {
			return nil, errors.New("s3 unavailable")
		},
	}, &fakeEnqueuer{})
	if _, err := failing.Fulfill(context.Background(), "tenant-a", "order-1"); err == nil {
		t.Fatal("expected link issue error")
	}
}

func TestDaysUntil(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want int
	}{
		{in: -time.Hour, want: 0},
		{in: time.Hour, want: 1},
		{in: 24 * time.Hour, want: 1},
		{in: 25 * time.Hour, want: 2},
		{in: 72 * time.Hour, want: 3},
	}
	for _, tt := range tests {
		if got := daysUntil(testNow, testNow.Add(tt.in)); got != tt.want {
			t.Fatalf("daysUntil(+%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
