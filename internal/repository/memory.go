package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var (
	_ JobRepository       = (*MemoryStore)(nil)
	_ CatalogReader       = (*MemoryCatalog)(nil)
	_ AttemptRepository   = (*MemoryAttemptRepo)(nil)
	_ AnalyticsRepository = (*MemoryAnalyticsRepo)(nil)
	_ LinkRepository      = (*MemoryLinkRepo)(nil)
)

// MemoryStore is an in-memory JobRepository. Safe for concurrent access; a
// single mutex stands in for row locks.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.DeliveryJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.DeliveryJob)}
}

func (m *MemoryStore) Create(_ context.Context, j *domain.DeliveryJob) error {
	if j == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, j.ID)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) GetByProviderMessageID(_ context.Context, channel domain.Channel, providerMessageID string) (*domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Channel == channel && j.ProviderMessageID != nil && *j.ProviderMessageID == providerMessageID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryStore) ClaimNext(_ context.Context, channel domain.Channel, now time.Time) (*domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.DeliveryJob
	for _, j := range m.jobs {
		if j.Channel != channel || !j.Status.IsDispatchable() || j.NextEligibleAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = domain.StatusSending
	best.Version++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func claimsBefore(a, b *domain.DeliveryJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.NextEligibleAt.Equal(b.NextEligibleAt) {
		return a.NextEligibleAt.Before(b.NextEligibleAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryStore) Update(_ context.Context, j *domain.DeliveryJob, expectedVersion int) error {
	if j == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: job %s changed concurrently", domain.ErrConflict, j.ID)
	}

	j.Version = expectedVersion + 1
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeliveryJob, 0)
	for _, j := range m.jobs {
		if hasStatus(statuses, j.Status) && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountStale(_ context.Context, statuses []domain.Status, waitingBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, j := range m.jobs {
		if !hasStatus(statuses, j.Status) || !j.UpdatedAt.Before(waitingBefore) {
			continue
		}
		if j.Status.IsDispatchable() && !j.NextEligibleAt.Before(waitingBefore) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) Snapshot(_ context.Context, filter SnapshotFilter) ([]domain.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.JobSnapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !filter.From.IsZero() && j.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !j.CreatedAt.Before(filter.To) {
			continue
		}
		if filter.Channel != nil && j.Channel != *filter.Channel {
			continue
		}
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		out = append(out, domain.SnapshotOf(*j))
	}
	return out, nil
}

func hasStatus(statuses []domain.Status, s domain.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// MemoryAttemptRepo is an in-memory AttemptRepository.
type MemoryAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{}
}

func (m *MemoryAttemptRepo) Create(_ context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *MemoryAttemptRepo) GetByJobID(_ context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeliveryAttempt, 0)
	for _, a := range m.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AttemptNumber < out[k].AttemptNumber })
	return out, nil
}

// MemoryAnalyticsRepo is an in-memory AnalyticsRepository.
type MemoryAnalyticsRepo struct {
	mu      sync.Mutex
	records map[string]domain.DeliveryAnalyticsRecord
}

func NewMemoryAnalyticsRepo() *MemoryAnalyticsRepo {
	return &MemoryAnalyticsRepo{records: make(map[string]domain.DeliveryAnalyticsRecord)}
}

func analyticsKey(date time.Time, channel domain.Channel) string {
	return domain.DayStart(date).Format("2006-01-02") + ":" + string(channel)
}

func (m *MemoryAnalyticsRepo) InsertIfAbsent(_ context.Context, r *domain.DeliveryAnalyticsRecord) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("%w: record is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := analyticsKey(r.Date, r.Channel)
	if _, exists := m.records[key]; exists {
		return false, nil
	}
	cp := *r
	cp.Date = domain.DayStart(r.Date)
	m.records[key] = cp
	return true, nil
}

func (m *MemoryAnalyticsRepo) ListRange(_ context.Context, from, to time.Time, channel *domain.Channel) ([]domain.DeliveryAnalyticsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, end := domain.DayStart(from), domain.DayStart(to)
	out := make([]domain.DeliveryAnalyticsRecord, 0)
	for _, r := range m.records {
		if r.Date.Before(start) || !r.Date.Before(end) {
			continue
		}
		if channel != nil && r.Channel != *channel {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].Date.Equal(out[k].Date) {
			return out[i].Date.Before(out[k].Date)
		}
		return out[i].Channel < out[k].Channel
	})
	return out, nil
}

func (m *MemoryAnalyticsRepo) LatestDate(_ context.Context, channel domain.Channel) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest time.Time
	for _, r := range m.records {
		if r.Channel == channel && r.Date.After(latest) {
			latest = r.Date
		}
	}
	if latest.IsZero() {
		return time.Time{}, domain.ErrNotFound
	}
	return latest, nil
}

// MemoryLinkRepo is an in-memory LinkRepository.
type MemoryLinkRepo struct {
	mu    sync.Mutex
	links map[string]*domain.DeliveryLink
}

func NewMemoryLinkRepo() *MemoryLinkRepo {
	return &MemoryLinkRepo{links: make(map[string]*domain.DeliveryLink)}
}

func (m *MemoryLinkRepo) Create(_ context.Context, l *domain.DeliveryLink) error {
	if l == nil {
		return fmt.Errorf("%w: link is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[l.ID]; exists {
		return fmt.Errorf("%w: link %s already exists", domain.ErrConflict, l.ID)
	}
	cp := *l
	m.links[l.ID] = &cp
	return nil
}

func (m *MemoryLinkRepo) GetByToken(_ context.Context, token string) (*domain.DeliveryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.links {
		if l.Token == token {
			cp := *l
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryLinkRepo) FindActive(_ context.Context, tenantID, orderID, productID string, now time.Time) (*domain.DeliveryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.DeliveryLink
	for _, l := range m.links {
		if l.TenantID != tenantID || l.OrderID != orderID || l.ProductID != productID || !l.ActiveAt(now) {
			continue
		}
		if best == nil || l.IssuedAt.After(best.IssuedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryLinkRepo) IncrementUses(_ context.Context, id string, now time.Time) (*domain.DeliveryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !now.Before(l.ExpiresAt) {
		return nil, fmt.Errorf("%w: link %s", domain.ErrLinkExpired, id)
	}
	if l.UsesSoFar >= l.MaxUses {
		return nil, fmt.Errorf("%w: link %s", domain.ErrLinkExhausted, id)
	}
	l.UsesSoFar++
	cp := *l
	return &cp, nil
}

// MemoryCatalog is an in-memory CatalogReader seeded by the caller.
type MemoryCatalog struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	products map[string]domain.Product
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		orders:   make(map[string]domain.Order),
		products: make(map[string]domain.Product),
	}
}

func (m *MemoryCatalog) PutOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.TenantID+"/"+o.ID] = o
}

func (m *MemoryCatalog) PutProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.TenantID+"/"+p.ID] = p
}

func (m *MemoryCatalog) GetOrder(_ context.Context, tenantID, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[tenantID+"/"+orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &o, nil
}

func (m *MemoryCatalog) GetProduct(_ context.Context, tenantID, productID string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[tenantID+"/"+productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}
