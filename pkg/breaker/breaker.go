// Package breaker implements per-platform circuit breakers.
package breaker

import (
	"sync"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 300 * time.Second
)

// Config holds breaker tunables.
type Config struct {
	Threshold int           `yaml:"threshold" validate:"gte=0"`
	Cooldown  time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// Snapshot is a point-in-time copy of one platform's breaker.
type Snapshot struct {
	Platform    string    `json:"platform"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// StateObserver is notified after every state change.
type StateObserver func(platform string, state State)

type circuit struct {
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// Set holds one breaker per platform. All methods are safe for concurrent use.
type Set struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	observer  StateObserver
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithObserver registers a state change callback. It runs under the set lock
// and must not call back into the Set.
func WithObserver(fn StateObserver) Option {
	return func(s *Set) { s.observer = fn }
}

// NewSet creates an empty breaker set.
func NewSet(cfg Config, opts ...Option) *Set {
	s := &Set{
		circuits:  make(map[string]*circuit),
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.cooldown <= 0 {
		s.cooldown = DefaultCooldown
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) get(platform string) *circuit {
	c, ok := s.circuits[platform]
	if !ok {
		c = &circuit{state: StateClosed}
		s.circuits[platform] = c
	}
	return c
}

func (s *Set) setState(platform string, c *circuit, st State) {
	if c.state == st {
		return
	}
	c.state = st
	if s.observer != nil {
		s.observer(platform, st)
	}
}

// Allow admits or rejects a call to platform. An open breaker whose cooldown
// has elapsed moves to half_open and admits exactly one probe.
func (s *Set) Allow(platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(platform)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := c.lastFailure.Add(s.cooldown)
		if s.now().Before(retryAt) {
			return &rotation.CircuitOpenError{Platform: platform, RetryAt: retryAt}
		}
		s.setState(platform, c, StateHalfOpen)
		c.probeInFlight = true
		return nil
	default: // half_open
		if c.probeInFlight {
			return &rotation.CircuitOpenError{Platform: platform, RetryAt: s.now()}
		}
		c.probeInFlight = true
		return nil
	}
}

// RecordSuccess reports a successful call.
func (s *Set) RecordSuccess(platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(platform)
	c.failures = 0
	c.probeInFlight = false
	s.setState(platform, c, StateClosed)
}

// RecordFailure reports a failed call.
func (s *Set) RecordFailure(platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(platform)
	now := s.now()
	switch c.state {
	case StateHalfOpen:
		c.probeInFlight = false
		c.lastFailure = now
		s.setState(platform, c, StateOpen)
	case StateOpen:
		c.lastFailure = now
	default:
		c.failures++
		c.lastFailure = now
		if c.failures >= s.threshold {
			s.setState(platform, c, StateOpen)
		}
	}
}

// IsOpen reports whether platform is currently rejecting calls. It does not
// perform the lazy half_open transition.
func (s *Set) IsOpen(platform string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circuits[platform]
	if !ok {
		return false
	}
	return c.state == StateOpen && s.now().Before(c.lastFailure.Add(s.cooldown))
}

// Snapshot returns a copy of every known breaker.
func (s *Set) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.circuits))
	for p, c := range s.circuits {
		out = append(out, Snapshot{
			Platform:    p,
			State:       c.state,
			Failures:    c.failures,
			LastFailure: c.lastFailure,
		})
	}
	return out
}

// Get returns the snapshot for one platform.
func (s *Set) Get(platform string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(platform)
	return Snapshot{Platform: platform, State: c.state, Failures: c.failures, LastFailure: c.lastFailure}
}

// GaugeValue maps a state onto the metrics gauge encoding.
func GaugeValue(st State) float64 {
	switch st {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
