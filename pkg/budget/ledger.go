// Package budget tracks spend against the decision oracle's monthly cap.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMonthlyCapUSD is the cap used when none is configured.
const DefaultMonthlyCapUSD = 0.20

// Usage is the accounting for one oracle call.
type Usage struct {
	Kind         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	// Fallback marks a call answered without the oracle. Its cost is always zero.
	Fallback bool
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	PeriodStart  time.Time `json:"period_start"`
	CapUSD       float64   `json:"cap_usd"`
	SpentUSD     float64   `json:"spent_usd"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Calls        int       `json:"calls"`
	Fallbacks    int       `json:"fallbacks"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Remaining returns what is left of the cap, never negative.
func (s Snapshot) Remaining() float64 {
	if s.SpentUSD >= s.CapUSD {
		return 0
	}
	return s.CapUSD - s.SpentUSD
}

// Store persists ledger snapshots between runs.
type Store interface {
	LoadLedger(ctx context.Context) (*Snapshot, error)
	SaveLedger(ctx context.Context, snap Snapshot) error
}

// Ledger is the process-wide budget. Safe for concurrent use.
type Ledger struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time

	// reserved is held by calls in flight. It is never persisted.
	reserved float64
}

// NewLedger creates a ledger with the given monthly cap starting a fresh period.
func NewLedger(capUSD float64) *Ledger {
	if capUSD < 0 {
		capUSD = 0
	}
	now := time.Now().UTC()
	return &Ledger{
		snap: Snapshot{PeriodStart: PeriodStart(now), CapUSD: capUSD, UpdatedAt: now},
		now:  time.Now,
	}
}

// Restore replaces the ledger's counters with a persisted snapshot. The
// configured cap wins over the persisted one.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capUSD := l.snap.CapUSD
	l.snap = snap
	l.snap.CapUSD = capUSD
}

// CanAfford reports whether estimatedCost fits in the remaining budget,
// counting amounts reserved by calls in flight.
func (l *Ledger) CanAfford(estimatedCost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fits(estimatedCost)
}

func (l *Ledger) fits(estimate float64) bool {
	if estimate < 0 {
		return false
	}
	return l.snap.SpentUSD+l.reserved+estimate <= l.snap.CapUSD
}

// Reservation holds part of the budget for one oracle call until the call
// is committed or released. Only the first Commit or Release has an effect.
type Reservation struct {
	ledger *Ledger
	amount float64
	done   bool
}

// Reserve checks estimate against the cap and holds it in the same step.
// It returns false, and holds nothing, when the estimate does not fit.
func (l *Ledger) Reserve(estimate float64) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.fits(estimate) {
		return nil, false
	}
	l.reserved += estimate
	return &Reservation{ledger: l, amount: estimate}, true
}

// Commit releases the hold and records the call's actual usage.
func (r *Reservation) Commit(u Usage) {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	l.unreserve(r.amount)
	l.record(u)
}

// Release drops the hold without charging anything.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	l.unreserve(r.amount)
}

func (l *Ledger) unreserve(amount float64) {
	l.reserved -= amount
	if l.reserved < 1e-12 {
		l.reserved = 0
	}
}

// Reserved returns the amount held by calls in flight.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Record adds a call's usage. Fallback usage counts the call but never its cost.
func (l *Ledger) Record(u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(u)
}

func (l *Ledger) record(u Usage) {
	if u.Fallback {
		l.snap.Fallbacks++
	} else {
		l.snap.Calls++
		l.snap.InputTokens += int64(u.InputTokens)
		l.snap.OutputTokens += int64(u.OutputTokens)
		if u.CostUSD > 0 {
			l.snap.SpentUSD += u.CostUSD
		}
	}
	l.snap.UpdatedAt = l.now().UTC()
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// Reset starts a new period. It is triggered externally on rollover.
func (l *Ledger) Reset(periodStart time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap = Snapshot{
		PeriodStart: periodStart.UTC(),
		CapUSD:      l.snap.CapUSD,
		UpdatedAt:   l.now().UTC(),
	}
}

// Load restores the ledger from store. A missing snapshot leaves it untouched.
func (l *Ledger) Load(ctx context.Context, store Store) error {
	snap, err := store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("failed to load budget ledger: %w", err)
	}
	if snap != nil {
		l.Restore(*snap)
	}
	return nil
}

// Save persists the current snapshot.
func (l *Ledger) Save(ctx context.Context, store Store) error {
	if err := store.SaveLedger(ctx, l.Snapshot()); err != nil {
		return fmt.Errorf("failed to save budget ledger: %w", err)
	}
	return nil
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
