// Package oracle wraps the advisory decision oracle behind a budget, a cache
// and deterministic fallbacks. Nothing the oracle does can fail a rotation.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// DefaultTimeout bounds a single oracle call.
const DefaultTimeout = 2 * time.Second

var (
	errUnavailable    = errors.New("oracle unavailable")
	errBudgetExceeded = errors.New("oracle budget exceeded")
)

// CompletionRequest is one call to the backing model.
type CompletionRequest struct {
	Kind            Kind
	Input           []byte
	MaxOutputTokens int
}

// CompletionResponse is the raw answer and its token usage.
type CompletionResponse struct {
	Content      []byte
	InputTokens  int
	OutputTokens int
}

// Client talks to the backing model.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Config holds adapter tunables.
type Config struct {
	Timeout            time.Duration
	CacheTTL           time.Duration
	InputPricePerMTok  float64
	OutputPricePerMTok float64
	MaxOutputTokens    int
	PlatformDefaults   map[string]time.Duration
}

// Adapter answers the four decision kinds. One adapter serves one run: once
// the budget refuses a call, the oracle stays disabled until the run ends.
type Adapter struct {
	client   Client
	ledger   *budget.Ledger
	cache    *Cache
	cfg      Config
	validate *validator.Validate
	disabled atomic.Bool
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(a *Adapter) { a.logger = l.NewComponentLogger("oracle") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock overrides the time source used by the cache.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates an adapter. client may be nil, in which case every
// answer is a fallback.
func NewAdapter(client Client, ledger *budget.Ledger, cfg Config, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 512
	}
	if ledger == nil {
		ledger = budget.NewLedger(budget.DefaultMonthlyCapUSD)
	}
	a := &Adapter{
		client:   client,
		ledger:   ledger,
		cfg:      cfg,
		validate: validator.New(),
		logger:   telemetry.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cache = NewCache(cfg.CacheTTL, a.now)
	return a
}

// Disabled reports whether the budget has shut the oracle off for this run.
func (a *Adapter) Disabled() bool {
	return a.disabled.Load()
}

// EstimateCost prices a call before it is made: prompt tokens are
// approximated at four bytes each and the full output allowance is charged.
func (a *Adapter) EstimateCost(input []byte) float64 {
	inTokens := len(input)/4 + systemPromptTokens
	return a.price(inTokens, a.cfg.MaxOutputTokens)
}

func (a *Adapter) price(inTokens, outTokens int) float64 {
	return (float64(inTokens)*a.cfg.InputPricePerMTok + float64(outTokens)*a.cfg.OutputPricePerMTok) / 1e6
}

// AnalyzeRepo decides whether a repository depends on cookies.
func (a *Adapter) AnalyzeRepo(ctx context.Context, req RepoAnalysisRequest) RepoAnalysis {
	var out RepoAnalysis
	src, err := a.consult(ctx, KindRepoAnalysis, req, &out)
	if err != nil {
		return FallbackRepoAnalysis(req)
	}
	out.Source = src
	return out
}

// DiagnoseFailure classifies an extraction failure and picks the next branch.
func (a *Adapter) DiagnoseFailure(ctx context.Context, req DiagnosisRequest) DiagnosisDecision {
	var out Diagnosis
	src, err := a.consult(ctx, KindFailureDiagnosis, req, &out)
	if err != nil {
		out = FallbackDiagnosis(req)
		src = SourceFallback
	}
	action, wait := Decide(out, req.Attempt)
	return DiagnosisDecision{Diagnosis: out, Action: action, Wait: wait, Source: src}
}

// PredictExpiry estimates when a cookie set expires. Explicit cookie
// attributes are authoritative and never sent to the oracle.
func (a *Adapter) PredictExpiry(ctx context.Context, req ExpiryRequest) ExpiryPrediction {
	fallback := FallbackExpiry(req, a.cfg.PlatformDefaults)
	if fallback.ExpirySource != ExpirySourcePlatformDefault {
		a.recordFallback(KindExpiryPrediction)
		return fallback
	}

	var out ExpiryPrediction
	src, err := a.consult(ctx, KindExpiryPrediction, req, &out)
	if err != nil {
		return fallback
	}
	out.Source = src
	out.ExpirySource = ExpirySourceOracle
	return out
}

// RecommendStrategy picks an extraction approach for a platform.
func (a *Adapter) RecommendStrategy(ctx context.Context, req StrategyRequest) Strategy {
	var out Strategy
	src, err := a.consult(ctx, KindStrategy, req, &out)
	if err != nil {
		return FallbackStrategy(req)
	}
	out.Source = src
	return out
}

// consult runs the cache, budget, timeout and validation steps for one
// decision. Every error return has already been recorded as a fallback.
func (a *Adapter) consult(ctx context.Context, kind Kind, input interface{}, out interface{}) (Source, error) {
	normalized, err := Normalize(input)
	if err != nil {
		a.recordFallback(kind)
		return SourceFallback, err
	}
	key := CacheKey(kind, normalized)

	if payload, ok := a.cache.Get(key); ok {
		if err := a.decode(payload, out); err == nil {
			a.metrics.RecordOracleDecision(string(kind), string(SourceCache), 0)
			return SourceCache, nil
		}
	}

	if a.client == nil {
		a.recordFallback(kind)
		return SourceFallback, errUnavailable
	}

	if a.disabled.Load() {
		a.recordFallback(kind)
		return SourceFallback, errBudgetExceeded
	}

	estimate := a.EstimateCost(normalized)
	reservation, ok := a.ledger.Reserve(estimate)
	if !ok {
		if !a.disabled.Swap(true) {
			a.logger.Zerolog().Warn().
				Float64("estimate_usd", estimate).
				Float64("remaining_usd", a.ledger.Snapshot().Remaining()).
				Msg("oracle budget exhausted, using fallbacks for the rest of the run")
		}
		a.recordFallback(kind)
		return SourceFallback, errBudgetExceeded
	}

	// No-op once committed.
	defer reservation.Release()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	resp, err := a.client.Complete(callCtx, CompletionRequest{
		Kind:            kind,
		Input:           normalized,
		MaxOutputTokens: a.cfg.MaxOutputTokens,
	})
	if err != nil {
		a.logger.WithError(err).Zerolog().Debug().Str("kind", string(kind)).Msg("oracle call failed")
		a.recordFallback(kind)
		return SourceFallback, fmt.Errorf("%w: %v", errUnavailable, err)
	}

	cost := a.price(resp.InputTokens, resp.OutputTokens)
	reservation.Commit(budget.Usage{
		Kind:         string(kind),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
	})
	a.metrics.RecordOracleDecision(string(kind), string(SourceOracle), cost)
	a.metrics.SetBudgetRemaining(a.ledger.Snapshot().Remaining())

	content := stripFences(resp.Content)
	if err := a.decode(content, out); err != nil {
		a.logger.Zerolog().Debug().Str("kind", string(kind)).Err(err).Msg("oracle output rejected")
		a.metrics.RecordOracleDecision(string(kind), string(SourceFallback), 0)
		return SourceFallback, fmt.Errorf("%w: %v", errUnavailable, err)
	}

	a.cache.Set(key, content)
	return SourceOracle, nil
}

func (a *Adapter) decode(payload []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed oracle output: %w", err)
	}
	if err := a.validate.Struct(out); err != nil {
		return fmt.Errorf("incomplete oracle output: %w", err)
	}
	return nil
}

func (a *Adapter) recordFallback(kind Kind) {
	a.ledger.Record(budget.Usage{Kind: string(kind), Fallback: true})
	a.metrics.RecordOracleDecision(string(kind), string(SourceFallback), 0)
}

func stripFences(b []byte) []byte {
	s := bytes.TrimSpace(b)
	if !bytes.HasPrefix(s, []byte("```")) {
		return s
	}
	s = bytes.TrimPrefix(s, []byte("```json"))
	s = bytes.TrimPrefix(s, []byte("```"))
	s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	return bytes.TrimSpace(s)
}
