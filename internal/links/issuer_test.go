package links

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakePresigner struct {
	presignFn func(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func (f fakePresigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if f.presignFn != nil {
		return f.presignFn(ctx, key, ttl)
	}
	return fmt.Sprintf("https://bucket.s3.amazonaws.com/%s?ttl=%s", key, ttl), nil
}

func newTestIssuer(t *testing.T, now *time.Time) (*Issuer, *repository.MemoryLinkRepo) {
	t.Helper()

	repo := repository.NewMemoryLinkRepo()
	issuer, err := NewIssuer(repo, fakePresigner{}, Options{
		Secret:        testSecret,
		PublicBaseURL: "https://shop.example.com/",
	}, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	issuer.now = func() time.Time { return *now }

	seq := 0
	issuer.newID = func() string {
		seq++
		return fmt.Sprintf("link-%d", seq)
	}
	return issuer, repo
}

func TestViewTokenWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	token, err := issuer.IssueViewToken("p1", "o1")
	if err != nil {
		t.Fatalf("IssueViewToken() error = %v", err)
	}

	now = now.Add(23 * time.Hour)
	if !issuer.ValidateViewToken(token, "p1", "o1") {
		t.Fatal("token should be valid at T+23h")
	}

	now = now.Add(2 * time.Hour)
	if issuer.ValidateViewToken(token, "p1", "o1") {
		t.Fatal("token should be invalid at T+25h")
	}
}

func TestViewTokenFailsClosed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	token, err := issuer.IssueViewToken("p1", "o1")
	if err != nil {
		t.Fatalf("IssueViewToken() error = %v", err)
	}

	other, err := NewIssuer(repository.NewMemoryLinkRepo(), fakePresigner{}, Options{Secret: strings.Repeat("x", 32)}, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	other.now = issuer.now
	foreign, _ := other.IssueViewToken("p1", "o1")

	payload, sig, _ := strings.Cut(token, ".")
	tampered := payload + "A." + sig

	tests := []struct {
		name      string
		token     string
		productID string
		orderID   string
	}{
		{name: "product mismatch", token: token, productID: "p2", orderID: "o1"},
		{name: "order mismatch", token: token, productID: "p1", orderID: "o2"},
		{name: "empty", token: "", productID: "p1", orderID: "o1"},
		{name: "no separator", token: "abc", productID: "p1", orderID: "o1"},
		{name: "garbage", token: "!!!.???", productID: "p1", orderID: "o1"},
		{name: "tampered payload", token: tampered, productID: "p1", orderID: "o1"},
		{name: "different secret", token: foreign, productID: "p1", orderID: "o1"},
	}

	for _, tt := range tests {
		if issuer.ValidateViewToken(tt.token, tt.productID, tt.orderID) {
			t.Errorf("%s: ValidateViewToken() = true, want false", tt.name)
		}
	}
	if !issuer.ValidateViewToken(token, "p1", "o1") {
		t.Fatal("untouched token should validate")
	}
}

func TestDownloadTokenCannotBeUsedAsViewToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	link, err := issuer.IssueDownloadLink(context.Background(), "seller-1", domain.Product{ID: "p1", StorageKey: "assets/p1.zip"}, "o1", 0)
	if err != nil {
		t.Fatalf("IssueDownloadLink() error = %v", err)
	}
	if issuer.ValidateViewToken(link.Token, "p1", "o1") {
		t.Fatal("download token must not validate as a view token")
	}

	viewToken, _ := issuer.IssueViewToken("p1", "o1")
	if _, err := issuer.RedeemDownload(context.Background(), viewToken); !errors.Is(err, domain.ErrLinkInvalid) {
		t.Fatalf("RedeemDownload(view token) error = %v, want ErrLinkInvalid", err)
	}
}

func TestIssueDownloadLinkAppliesPolicyAndDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	link, err := issuer.IssueDownloadLink(context.Background(), "seller-1", domain.Product{ID: "p1", StorageKey: "assets/p1.zip"}, "o1", 0)
	if err != nil {
		t.Fatalf("IssueDownloadLink() error = %v", err)
	}
	if !link.ExpiresAt.Equal(now.Add(72 * time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want issue + 72h", link.ExpiresAt)
	}
	if link.MaxUses != domain.DefaultDownloadLimit {
		t.Fatalf("MaxUses = %d, want %d", link.MaxUses, domain.DefaultDownloadLimit)
	}
	if !link.Policy.RefundsAllowed || link.Policy.RefundWindowDays != 7 || link.Policy.ExpiryDays != 30 {
		t.Fatalf("Policy = %+v", link.Policy)
	}
	if got := issuer.DownloadURL(*link); got != "https://shop.example.com/v1/downloads/"+link.Token {
		t.Fatalf("DownloadURL() = %q", got)
	}

	if _, err := issuer.IssueDownloadLink(context.Background(), "seller-1", domain.Product{ID: "p2"}, "o1", 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("IssueDownloadLink() error = %v, want ErrValidation for product without asset", err)
	}
}

func TestReuseOrIssueDownloadLink(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)
	product := domain.Product{ID: "p1", StorageKey: "assets/p1.zip"}

	first, reused, err := issuer.ReuseOrIssueDownloadLink(context.Background(), "seller-1", product, "o1", time.Hour)
	if err != nil {
		t.Fatalf("ReuseOrIssueDownloadLink() error = %v", err)
	}
	if reused {
		t.Fatal("first call should issue a new link")
	}

	now = now.Add(30 * time.Minute)
	second, reused, err := issuer.ReuseOrIssueDownloadLink(context.Background(), "seller-1", product, "o1", time.Hour)
	if err != nil {
		t.Fatalf("ReuseOrIssueDownloadLink() error = %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s (reused=%v)", first.ID, second.ID, reused)
	}

	now = now.Add(time.Hour)
	third, reused, err := issuer.ReuseOrIssueDownloadLink(context.Background(), "seller-1", product, "o1", time.Hour)
	if err != nil {
		t.Fatalf("ReuseOrIssueDownloadLink() error = %v", err)
	}
	if reused || third.ID == first.ID {
		t.Fatal("expired link must not be reused")
	}
}

func TestReuseOrIssueDownloadLinkIsTenantScoped(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	own, _, err := issuer.ReuseOrIssueDownloadLink(context.Background(), "tenant-a", domain.Product{ID: "p1", StorageKey: "tenant-a/secret.pdf"}, "order-1", time.Hour)
	if err != nil {
		t.Fatalf("ReuseOrIssueDownloadLink(tenant-a) error = %v", err)
	}

	other, reused, err := issuer.ReuseOrIssueDownloadLink(context.Background(), "tenant-b", domain.Product{ID: "p1", StorageKey: "tenant-b/guide.pdf"}, "order-1", time.Hour)
	if err != nil {
		t.Fatalf("ReuseOrIssueDownloadLink(tenant-b) error = %v", err)
	}
	if reused || other.ID == own.ID {
		t.Fatalf("tenant-b got link %s (reused=%v), want a fresh link", other.ID, reused)
	}
	if other.TenantID != "tenant-b" || other.StorageKey != "tenant-b/guide.pdf" {
		t.Fatalf("tenant-b link = (%s, %s), want (tenant-b, tenant-b/guide.pdf)", other.TenantID, other.StorageKey)
	}
	if other.Token == own.Token {
		t.Fatal("links issued in the same second must not share a token")
	}

	url, err := issuer.RedeemDownload(context.Background(), other.Token)
	if err != nil {
		t.Fatalf("RedeemDownload() error = %v", err)
	}
	if !strings.Contains(url, "tenant-b/guide.pdf") {
		t.Fatalf("url = %q, want tenant-b asset", url)
	}
}

func TestRedeemDownloadEnforcesLimitAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, &now)

	var presignTTL time.Duration
	issuer.presigner = fakePresigner{presignFn: func(_ context.Context, key string, ttl time.Duration) (string, error) {
		presignTTL = ttl
		return "https://bucket/" + key, nil
	}}

	product := domain.Product{ID: "p1", StorageKey: "assets/p1.zip", DownloadLimit: 2}
	link, err := issuer.IssueDownloadLink(context.Background(), "seller-1", product, "o1", 0)
	if err != nil {
		t.Fatalf("IssueDownloadLink() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		url, err := issuer.RedeemDownload(context.Background(), link.Token)
		if err != nil {
			t.Fatalf("RedeemDownload() #%d error = %v", i+1, err)
		}
		if url != "https://bucket/assets/p1.zip" {
			t.Fatalf("url = %q", url)
		}
	}
	if presignTTL != maxPresignTTL {
		t.Fatalf("presign ttl = %v, want %v", presignTTL, maxPresignTTL)
	}

	if _, err := issuer.RedeemDownload(context.Background(), link.Token); !errors.Is(err, domain.ErrLinkExhausted) {
		t.Fatalf("RedeemDownload() error = %v, want ErrLinkExhausted", err)
	}

	other, err := issuer.IssueDownloadLink(context.Background(), "seller-1", product, "o2", time.Hour)
	if err != nil {
		t.Fatalf("IssueDownloadLink() error = %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := issuer.RedeemDownload(context.Background(), other.Token); !errors.Is(err, domain.ErrLinkExpired) {
		t.Fatalf("RedeemDownload() error = %v, want ErrLinkExpired", err)
	}

	if _, err := issuer.RedeemDownload(context.Background(), "not-a-token"); !errors.Is(err, domain.ErrLinkInvalid) {
		t.Fatalf("RedeemDownload() error = %v, want ErrLinkInvalid", err)
	}
}

func TestNewIssuerRequiresStrongSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewIssuer(repository.NewMemoryLinkRepo(), fakePresigner{}, Options{Secret: "short"}, nil); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := NewIssuer(repository.NewMemoryLinkRepo(), fakePresigner{}, Options{}, nil); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
