package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
)

// memRegistry is an in-memory Registry.
type memRegistry struct {
	mu          sync.Mutex
	items       map[int64]*MonitoredItem
	extractions []*ExtractionRecord
	summaries   []*RunSummary
	commits     int
	failures    int
	reclaimed   int
}

func newMemRegistry(items ...*MonitoredItem) *memRegistry {
	r := &memRegistry{items: make(map[int64]*MonitoredItem)}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return r
}

func (r *memRegistry) ListItems(ctx context.Context, filter ItemFilter) ([]*MonitoredItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MonitoredItem
	for _, it := range r.items {
		if filter.Platform != "" && it.Platform != filter.Platform {
			continue
		}
		if filter.Repo != "" && it.Repo != filter.Repo {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRegistry) GetItem(ctx context.Context, id int64) (*MonitoredItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("item %d not found", id)
	}
	cp := *it
	return &cp, nil
}

func (r *memRegistry) AcquireLease(ctx context.Context, itemID int64, token string, now time.Time, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID]
	if !ok {
		return fmt.Errorf("item %d not found", itemID)
	}
	if it.LeaseToken != "" && it.LeaseExpiresAt != nil && it.LeaseExpiresAt.After(now) {
		return NewLeaseBusyError(itemID)
	}
	exp := now.Add(ttl)
	it.LeaseToken = token
	it.LeaseExpiresAt = &exp
	return nil
}

func (r *memRegistry) ReleaseLease(ctx context.Context, itemID int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[itemID]; ok && it.LeaseToken == token {
		it.LeaseToken = ""
		it.LeaseExpiresAt = nil
	}
	return nil
}

func (r *memRegistry) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.LeaseToken != "" && it.LeaseExpiresAt != nil && !it.LeaseExpiresAt.After(now) {
			it.LeaseToken = ""
			it.LeaseExpiresAt = nil
			n++
		}
	}
	r.reclaimed += n
	return n, nil
}

func (r *memRegistry) CommitSuccess(ctx context.Context, itemID int64, token string, rec CommitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID]
	if !ok || it.LeaseToken != token {
		return errors.New("lease lost")
	}
	extracted, validated := rec.ExtractedAt, rec.ValidatedAt
	it.LastExtractedAt = &extracted
	it.LastValidatedAt = &validated
	it.ExpiresAt = rec.ExpiresAt
	it.RotationCount++
	it.ConsecutiveFailures = 0
	it.Health = HealthHealthy
	r.commits++
	return nil
}

func (r *memRegistry) RecordFailure(ctx context.Context, itemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID]
	if !ok {
		return fmt.Errorf("item %d not found", itemID)
	}
	it.ConsecutiveFailures++
	if it.ConsecutiveFailures >= EmergencyFailureThreshold {
		it.Priority = PriorityHigh
	}
	r.failures++
	return nil
}

func (r *memRegistry) MarkTwoFactorBlocked(ctx context.Context, itemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[itemID]; ok {
		it.TwoFactorBlocked = true
	}
	return nil
}

func (r *memRegistry) UpdateHealth(ctx context.Context, itemID int64, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[itemID]; ok {
		it.Health = health
	}
	return nil
}

func (r *memRegistry) RecordExtraction(ctx context.Context, rec *ExtractionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractions = append(r.extractions, rec)
	return nil
}

func (r *memRegistry) SaveRunSummary(ctx context.Context, summary *RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, summary)
	return nil
}

func (r *memRegistry) item(id int64) MonitoredItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.items[id]
}

// memAudit records entries in order.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memAudit) Append(ctx context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) all() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

// mockExtractor replays scripted results.
type mockExtractor struct {
	mu            sync.Mutex
	extractErrs   []error
	cookies       []Cookie
	validations   []bool
	extractCalls  int
	validateCalls int
	onExtract     func()
}

func (m *mockExtractor) Extract(ctx context.Context, platform string, creds Credentials, proxy string) (*ExtractResult, error) {
	m.mu.Lock()
	i := m.extractCalls
	m.extractCalls++
	hook := m.onExtract
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if i < len(m.extractErrs) && m.extractErrs[i] != nil {
		return nil, m.extractErrs[i]
	}
	return &ExtractResult{Cookies: append([]Cookie(nil), m.cookies...)}, nil
}

func (m *mockExtractor) Validate(ctx context.Context, platform string, cookies []Cookie) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.validateCalls
	m.validateCalls++
	if i < len(m.validations) {
		return m.validations[i], nil
	}
	return true, nil
}

// mockSecrets counts writes per secret name and fails the first failFirst
// writes of failName.
type mockSecrets struct {
	mu        sync.Mutex
	failName  string
	failFirst int
	calls     map[string]int
	values    map[string]string
}

func newMockSecrets() *mockSecrets {
	return &mockSecrets{calls: make(map[string]int), values: make(map[string]string)}
}

func (m *mockSecrets) GetPublicKey(ctx context.Context, repo string) (PublicKey, error) {
	return PublicKey{KeyID: "k1", Key: "pk"}, nil
}

func (m *mockSecrets) PutSecret(ctx context.Context, repo, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
	if name == m.failName && m.calls[name] <= m.failFirst {
		return errors.New("secrets store unavailable")
	}
	m.values[name] = value
	return nil
}

func (m *mockSecrets) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

type prefixSealer struct{}

func (prefixSealer) Seal(key PublicKey, plaintext []byte) (string, error) {
	return "sealed:" + key.KeyID + ":" + string(plaintext), nil
}

// mockBreakers opens a platform after threshold failures.
type mockBreakers struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
	successes map[string]int
}

func newMockBreakers(threshold int) *mockBreakers {
	return &mockBreakers{threshold: threshold, failures: make(map[string]int), successes: make(map[string]int)}
}

func (b *mockBreakers) Allow(platform string) error {
	if b.IsOpen(platform) {
		return &CircuitOpenError{Platform: platform}
	}
	return nil
}

func (b *mockBreakers) RecordSuccess(platform string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[platform] = 0
	b.successes[platform]++
}

func (b *mockBreakers) RecordFailure(platform string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[platform]++
}

func (b *mockBreakers) IsOpen(platform string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold > 0 && b.failures[platform] >= b.threshold
}

type staticCreds map[string]Credentials

func (c staticCreds) Credentials(platform string) (Credentials, error) {
	cr, ok := c[platform]
	if !ok {
		return Credentials{}, errors.New("credentials not configured")
	}
	return cr, nil
}
