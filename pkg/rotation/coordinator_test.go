package rotation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

const (
	testPassword    = "hunter2-secret-pw"
	testCookieValue = "sess-value-9f8e7d6c"
)

type coordFixture struct {
	registry  *memRegistry
	audit     *memAudit
	extractor *mockExtractor
	secrets   *mockSecrets
	breakers  *mockBreakers
	sleeps    []time.Duration
	coord     *Coordinator
}

func newCoordFixture(t *testing.T, item *MonitoredItem) *coordFixture {
	t.Helper()
	expires := testNow.Add(72 * time.Hour)
	f := &coordFixture{
		registry: newMemRegistry(item),
		audit:    &memAudit{},
		extractor: &mockExtractor{cookies: []Cookie{
			{Name: "session_id", Domain: ".example.com", Value: testCookieValue, ExpiresAt: &expires},
		}},
		secrets:  newMockSecrets(),
		breakers: newMockBreakers(5),
	}
	return f
}

func (f *coordFixture) build(opts ...CoordinatorOption) *Coordinator {
	deps := Dependencies{
		Registry:    f.registry,
		Audit:       f.audit,
		Extractor:   f.extractor,
		Secrets:     f.secrets,
		Sealer:      prefixSealer{},
		Advisor:     oracle.NewAdapter(nil, nil, oracle.Config{}),
		Breakers:    f.breakers,
		Credentials: staticCreds{"example": {Username: "bot@example.com", Password: testPassword}},
	}
	cfg := CoordinatorConfig{
		InjectBackoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	opts = append([]CoordinatorOption{
		WithCoordinatorClock(func() time.Time { return testNow }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
	}, opts...)
	f.coord = NewCoordinator(deps, cfg, opts...)
	return f.coord
}

func testItem() *MonitoredItem {
	return &MonitoredItem{ID: 1, Repo: "acme/scraper", Platform: "example", Priority: PriorityMedium, Health: HealthExpiring}
}

func testTask() Task {
	return Task{ItemID: 1, Repo: "acme/scraper", Platform: "example", Attempt: 1, Reason: ReasonScheduled}
}

func TestCoordinator_HappyPath(t *testing.T) {
	f := newCoordFixture(t, testItem())
	c := f.build()

	res, err := c.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateDone {
		t.Fatalf("FinalState = %s (%s), want done", res.FinalState, res.FailureReason)
	}

	want := []State{StateIdle, StateLeasing, StatePreparing, StateExtracting, StateInjecting, StateValidating, StateCommitting, StateDone}
	if len(res.Transitions) != len(want) {
		t.Fatalf("Transitions = %v, want %v", res.Transitions, want)
	}
	for i := range want {
		if res.Transitions[i] != want[i] {
			t.Errorf("Transitions[%d] = %s, want %s", i, res.Transitions[i], want[i])
		}
	}

	it := f.registry.item(1)
	if it.RotationCount != 1 || it.ConsecutiveFailures != 0 {
		t.Errorf("item after commit = %+v", it)
	}
	if it.LeaseToken != "" {
		t.Error("lease not released after done")
	}
	if it.ExpiresAt == nil || !it.ExpiresAt.Equal(testNow.Add(72*time.Hour)) {
		t.Errorf("ExpiresAt = %v", it.ExpiresAt)
	}

	name := SecretName(".example.com", "session_id")
	if got := f.secrets.values[name]; got != "sealed:k1:"+testCookieValue {
		t.Errorf("secret %s = %q", name, got)
	}
	if _, ok := f.secrets.values[name+SuffixExtractedAt]; !ok {
		t.Errorf("missing %s", name+SuffixExtractedAt)
	}
	if _, ok := f.secrets.values[name+SuffixExpiresAt]; !ok {
		t.Errorf("missing %s", name+SuffixExpiresAt)
	}
	if len(f.registry.extractions) != 1 {
		t.Errorf("extractions = %d, want 1", len(f.registry.extractions))
	}

	// One entry per transition, the last one terminal.
	entries := f.audit.all()
	if len(entries) != len(want)-1 {
		t.Errorf("audit entries = %d, want %d", len(entries), len(want)-1)
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionRotation || last.Status != string(StateDone) {
		t.Errorf("last entry = %+v", last)
	}
}

func TestCoordinator_TwoFactorSkips(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.extractor.extractErrs = []error{ErrTwoFactorRequired}
	c := f.build()

	res, err := c.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateFailed || res.FailureReason != FailureTwoFactorSkip {
		t.Fatalf("result = %s/%s, want failed/2fa_skip", res.FinalState, res.FailureReason)
	}
	if f.extractor.extractCalls != 1 {
		t.Errorf("extract calls = %d, want 1 (no retry)", f.extractor.extractCalls)
	}

	it := f.registry.item(1)
	if it.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want unchanged 0", it.ConsecutiveFailures)
	}
	if !it.TwoFactorBlocked {
		t.Error("item not flagged as two-factor blocked")
	}
	if f.breakers.failures["example"] != 0 {
		t.Error("two-factor counted as a platform failure")
	}
	assertNoSecrets(t, f.audit.all())
}

func TestCoordinator_InjectionRetriesThenSucceeds(t *testing.T) {
	f := newCoordFixture(t, testItem())
	name := SecretName(".example.com", "session_id")
	f.secrets.failName = name
	f.secrets.failFirst = 2
	c := f.build()

	res, err := c.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateDone {
		t.Fatalf("FinalState = %s (%s), want done", res.FinalState, res.FailureReason)
	}
	if got := f.secrets.callCount(name); got != 3 {
		t.Errorf("injection calls = %d, want 3", got)
	}
}

func TestCoordinator_InjectionGivesUp(t *testing.T) {
	f := newCoordFixture(t, testItem())
	name := SecretName(".example.com", "session_id")
	f.secrets.failName = name
	f.secrets.failFirst = 10
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureInjection {
		t.Fatalf("result = %s/%s, want failed/injection_failed", res.FinalState, res.FailureReason)
	}
	if got := f.secrets.callCount(name); got != MaxInjectAttempts {
		t.Errorf("injection calls = %d, want %d", got, MaxInjectAttempts)
	}
	if it := f.registry.item(1); it.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", it.ConsecutiveFailures)
	}
}

func TestCoordinator_MaxDiagnoseCycles(t *testing.T) {
	f := newCoordFixture(t, testItem())
	netErr := NewTransientNetworkError("connection reset", nil)
	f.extractor.extractErrs = []error{netErr, netErr, netErr, netErr, netErr}
	f.breakers = newMockBreakers(0)
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureMaxRetries {
		t.Fatalf("result = %s/%s, want failed/max_retries_exceeded", res.FinalState, res.FailureReason)
	}
	if f.extractor.extractCalls != MaxDiagnoseCycles+1 {
		t.Errorf("extract calls = %d, want %d", f.extractor.extractCalls, MaxDiagnoseCycles+1)
	}
	if it := f.registry.item(1); it.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", it.ConsecutiveFailures)
	}
}

func TestCoordinator_RateLimitWaits(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.extractor.extractErrs = []error{NewRateLimitedError("slow down", 0)}
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateDone {
		t.Fatalf("FinalState = %s (%s), want done", res.FinalState, res.FailureReason)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != 60*time.Second {
		t.Errorf("sleeps = %v, want [1m0s]", f.sleeps)
	}
}

func TestCoordinator_CredentialErrorIsFatal(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.extractor.extractErrs = []error{NewCredentialError("bad password", nil)}
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureCredential {
		t.Fatalf("result = %s/%s, want failed/credential_error", res.FinalState, res.FailureReason)
	}
	if f.extractor.extractCalls != 1 {
		t.Errorf("extract calls = %d, want 1", f.extractor.extractCalls)
	}
}

func TestCoordinator_MissingCredentials(t *testing.T) {
	item := testItem()
	item.Platform = "unknown"
	f := newCoordFixture(t, item)
	c := f.build()

	task := testTask()
	task.Platform = "unknown"
	res, _ := c.Execute(context.Background(), task)
	if res.FailureReason != FailureCredential {
		t.Fatalf("FailureReason = %s, want credential_error", res.FailureReason)
	}
	if f.extractor.extractCalls != 0 {
		t.Error("extractor called without credentials")
	}
}

func TestCoordinator_ValidationFailsTwice(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.extractor.validations = []bool{false, false}
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureValidation {
		t.Fatalf("result = %s/%s, want failed/validation_failed", res.FinalState, res.FailureReason)
	}
	if res.DiagnoseCount != 1 {
		t.Errorf("DiagnoseCount = %d, want one re-diagnosis", res.DiagnoseCount)
	}
	if f.extractor.validateCalls != 2 {
		t.Errorf("validate calls = %d, want 2", f.extractor.validateCalls)
	}
}

func TestCoordinator_CircuitOpen(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.breakers = newMockBreakers(1)
	f.breakers.failures["example"] = 1
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureCircuitOpen {
		t.Fatalf("result = %s/%s, want failed/circuit_open", res.FinalState, res.FailureReason)
	}
	if f.extractor.extractCalls != 0 {
		t.Error("extractor invoked while circuit open")
	}
	if it := f.registry.item(1); it.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", it.ConsecutiveFailures)
	}
}

func TestCoordinator_FailureThatOpensCircuitCounts(t *testing.T) {
	f := newCoordFixture(t, testItem())
	f.breakers = newMockBreakers(1)
	f.extractor.extractErrs = []error{NewTransientNetworkError("connection reset", nil)}
	c := f.build()

	res, _ := c.Execute(context.Background(), testTask())
	if res.FinalState != StateFailed || res.FailureReason != FailureCircuitOpen {
		t.Fatalf("result = %s/%s, want failed/circuit_open", res.FinalState, res.FailureReason)
	}
	if f.extractor.extractCalls != 1 {
		t.Errorf("extract calls = %d, want 1", f.extractor.extractCalls)
	}
	if it := f.registry.item(1); it.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", it.ConsecutiveFailures)
	}
}

func TestCoordinator_LeaseBusySkips(t *testing.T) {
	item := testItem()
	exp := testNow.Add(time.Minute)
	item.LeaseToken = "other-holder"
	item.LeaseExpiresAt = &exp
	f := newCoordFixture(t, item)
	c := f.build()

	res, err := c.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateSkipped || res.FailureReason != FailureLeaseBusy {
		t.Fatalf("result = %s/%s, want skipped/lease_busy", res.FinalState, res.FailureReason)
	}
	if got := f.registry.item(1).LeaseToken; got != "other-holder" {
		t.Errorf("lease holder = %q, foreign lease was touched", got)
	}
	if f.extractor.extractCalls != 0 {
		t.Error("extractor invoked without a lease")
	}
}

func TestCoordinator_CancelledBeforeStart(t *testing.T) {
	f := newCoordFixture(t, testItem())
	c := f.build()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Execute(ctx, testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateSkipped || res.FailureReason != FailureCancelled {
		t.Fatalf("result = %s/%s, want skipped/cancelled", res.FinalState, res.FailureReason)
	}
	if len(f.audit.all()) != 0 {
		t.Error("cancelled task wrote audit entries")
	}
}

func TestCoordinator_CancelledMidRunReleasesLease(t *testing.T) {
	f := newCoordFixture(t, testItem())
	ctx, cancel := context.WithCancel(context.Background())
	f.extractor.onExtract = cancel
	c := f.build()

	res, err := c.Execute(ctx, testTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.FinalState != StateFailed || res.FailureReason != FailureCancelled {
		t.Fatalf("result = %s/%s, want failed/cancelled", res.FinalState, res.FailureReason)
	}
	if it := f.registry.item(1); it.LeaseToken != "" || it.ConsecutiveFailures != 0 {
		t.Errorf("item after cancel = %+v", it)
	}
	entries := f.audit.all()
	if last := entries[len(entries)-1]; last.Status != string(StateFailed) {
		t.Errorf("last audit status = %s, want failed", last.Status)
	}
}

func TestCoordinator_ForceFail(t *testing.T) {
	f := newCoordFixture(t, testItem())
	c := f.build()

	res := c.ForceFail(context.Background(), testTask(), NewUnclassifiedError("boom", nil))
	if res.FinalState != StateFailed || res.FailureReason != FailureUnclassified {
		t.Fatalf("result = %s/%s", res.FinalState, res.FailureReason)
	}
	if it := f.registry.item(1); it.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", it.ConsecutiveFailures)
	}
	if len(f.audit.all()) != 1 {
		t.Errorf("audit entries = %d, want 1", len(f.audit.all()))
	}
}

func assertNoSecrets(t *testing.T, entries []audit.Entry) {
	t.Helper()
	for _, e := range entries {
		blob := e.Message
		for k, v := range e.Detail {
			blob += " " + k + "=" + toString(v)
		}
		for _, secret := range []string{testPassword, testCookieValue} {
			if strings.Contains(blob, secret) {
				t.Errorf("audit entry %s/%s leaks secret material", e.Action, e.Status)
			}
		}
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
