package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// Coordinator limits.
const (
	DefaultLeaseTTL     = 15 * time.Minute
	DefaultStateTimeout = 5 * time.Minute
	MaxDiagnoseCycles   = 3
	MaxInjectAttempts   = 3
	MaxValidationRounds = 2
)

// CoordinatorConfig holds coordinator tunables.
type CoordinatorConfig struct {
	// LeaseTTL is how long a lease survives without release.
	LeaseTTL time.Duration

	// StateTimeout bounds every external call made inside one state.
	StateTimeout time.Duration

	// InjectBackoff builds the back-off policy for secrets store retries.
	InjectBackoff func() backoff.BackOff
}

// Dependencies are the collaborators a coordinator drives.
type Dependencies struct {
	Registry    Registry
	Audit       AuditLog
	Extractor   Extractor
	Secrets     SecretsStore
	Sealer      Sealer
	Egress      EgressRotator // optional
	Advisor     Advisor
	Breakers    CircuitBreakers
	Credentials CredentialSource
}

// Coordinator runs the per-item rotation state machine.
type Coordinator struct {
	deps    Dependencies
	cfg     CoordinatorConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTelemetry wires logging, metrics and tracing.
func WithTelemetry(tel *telemetry.Telemetry) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = tel.Logger.NewComponentLogger("coordinator")
		c.metrics = tel.Metrics
		c.tracer = tel.Tracer
	}
}

// WithCoordinatorClock overrides the time source.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithSleeper overrides how the coordinator waits before a retry.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Dependencies, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = DefaultStateTimeout
	}
	if cfg.InjectBackoff == nil {
		cfg.InjectBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 8 * time.Second
			return b
		}
	}
	c := &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: telemetry.NopLogger(),
		tracer: telemetry.NopTracer(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// taskRun is the mutable state of one Execute call.
type taskRun struct {
	c      *Coordinator
	task   Task
	runID  string
	logger *telemetry.Logger
	result *TaskResult
	state  State

	token              string
	item               *MonitoredItem
	creds              Credentials
	proxy              string
	extracted          *ExtractResult
	extractedAt        time.Time
	validatedAt        time.Time
	expiry             oracle.ExpiryPrediction
	lastErr            error
	diagnoseCycles     int
	validationFailures int
	// extractAttempts counts calls that reached the extraction worker.
	extractAttempts int
}

// Execute drives one task to a terminal state. A non-nil error means the
// coordinator hit something it could not classify; the caller must then
// force the task to failed.
func (c *Coordinator) Execute(ctx context.Context, task Task) (*TaskResult, error) {
	start := c.now()
	ctx, span := c.tracer.StartTaskSpan(ctx, task.ItemID, task.Platform, string(task.Reason))
	defer span.End()

	r := &taskRun{
		c:      c,
		task:   task,
		runID:  RunIDFrom(ctx),
		logger: c.logger.WithItemID(task.ItemID).WithPlatform(task.Platform),
		result: &TaskResult{Task: task, FinalState: StateIdle, Transitions: []State{StateIdle}},
		state:  StateIdle,
	}

	err := r.run(ctx)
	r.result.Duration = c.now().Sub(start)
	if err != nil {
		telemetry.RecordError(span, err)
		return r.result, err
	}

	span.SetAttributes(telemetry.AttrState.String(string(r.state)), telemetry.AttrFailure.String(string(r.result.FailureReason)))
	if r.state == StateDone {
		telemetry.RecordSuccess(span)
	}
	c.metrics.RecordTaskOutcome(task.Platform, string(r.state), string(r.result.FailureReason), r.result.Duration)
	return r.result, nil
}

func (r *taskRun) run(ctx context.Context) error {
	if ctx.Err() != nil {
		r.result.FinalState = StateSkipped
		r.result.FailureReason = FailureCancelled
		r.state = StateSkipped
		return nil
	}

	if err := r.transition(ctx, StateLeasing, nil); err != nil {
		return err
	}
	leased, err := r.acquire(ctx)
	if leased {
		defer r.release(ctx)
	}
	if err != nil || !leased {
		return err
	}

	for !r.state.IsTerminal() {
		if ctx.Err() != nil {
			r.fail(ctx, FailureCancelled, ctx.Err())
			break
		}

		var err error
		switch r.state {
		case StatePreparing:
			err = r.prepare(ctx)
		case StateExtracting:
			err = r.extract(ctx)
		case StateDiagnosing:
			err = r.diagnose(ctx)
		case StateInjecting:
			err = r.inject(ctx)
		case StateValidating:
			err = r.validate(ctx)
		case StateCommitting:
			err = r.commit(ctx)
		default:
			err = fmt.Errorf("coordinator reached unexpected state %s", r.state)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stateContext detaches external calls from run cancellation so that no
// state is cut off mid-call, and bounds them by the state timeout instead.
func (r *taskRun) stateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.StateTimeout)
}

// transition appends the audit entry for the move and then moves.
func (r *taskRun) transition(ctx context.Context, to State, detail map[string]interface{}) error {
	from := r.state
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["from"] = string(from)
	detail["attempt"] = r.task.Attempt
	detail["task_reason"] = string(r.task.Reason)

	action := audit.ActionTransition
	if to.IsTerminal() {
		action = audit.ActionRotation
	}

	actx, cancel := r.stateContext(ctx)
	defer cancel()
	err := r.c.deps.Audit.Append(actx, audit.Entry{
		Timestamp: r.c.now().UTC(),
		RunID:     r.runID,
		ItemID:    r.task.ItemID,
		Action:    action,
		Status:    string(to),
		Message:   fmt.Sprintf("%s -> %s", from, to),
		Detail:    detail,
	})
	if err != nil && !to.IsTerminal() {
		return fmt.Errorf("failed to audit transition %s -> %s: %w", from, to, err)
	}

	r.state = to
	r.result.FinalState = to
	r.result.Transitions = append(r.result.Transitions, to)
	r.c.metrics.RecordTransition(string(from), string(to))
	r.logger.Zerolog().Debug().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	return nil
}

func (r *taskRun) acquire(ctx context.Context) (bool, error) {
	sctx, cancel := r.stateContext(ctx)
	defer cancel()

	token := uuid.NewString()
	err := r.c.deps.Registry.AcquireLease(sctx, r.task.ItemID, token, r.c.now(), r.c.cfg.LeaseTTL)
	if IsLeaseBusy(err) {
		r.c.metrics.RecordLeaseBusy()
		r.logger.Info("item lease busy, skipping this cycle")
		r.result.FailureReason = FailureLeaseBusy
		r.result.Err = err
		return false, r.transition(ctx, StateSkipped, map[string]interface{}{"reason": string(FailureLeaseBusy)})
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	r.token = token

	item, err := r.c.deps.Registry.GetItem(sctx, r.task.ItemID)
	if err != nil {
		r.release(ctx)
		return false, fmt.Errorf("failed to load item: %w", err)
	}
	r.item = item

	return true, r.transition(ctx, StatePreparing, nil)
}

func (r *taskRun) release(ctx context.Context) {
	if r.token == "" {
		return
	}
	sctx, cancel := r.stateContext(ctx)
	defer cancel()
	if err := r.c.deps.Registry.ReleaseLease(sctx, r.task.ItemID, r.token); err != nil {
		r.logger.WithError(err).Warn("failed to release lease, it will expire")
	}
	r.token = ""
}

// fail moves to the failed state. Registry errors are logged; the task is
// already terminal and the lease expiry covers any gap.
func (r *taskRun) fail(ctx context.Context, reason FailureReason, cause error) {
	sctx, cancel := r.stateContext(ctx)
	defer cancel()

	if reason == FailureTwoFactorSkip {
		if err := r.c.deps.Registry.MarkTwoFactorBlocked(sctx, r.task.ItemID); err != nil {
			r.logger.WithError(err).Warn("failed to flag two-factor item")
		}
	}
	// An open circuit only spares the item when the platform was never tried.
	if reason.countsAgainstItem() || (reason == FailureCircuitOpen && r.extractAttempts > 0) {
		if err := r.c.deps.Registry.RecordFailure(sctx, r.task.ItemID); err != nil {
			r.logger.WithError(err).Error("failed to record item failure")
		}
	}

	r.result.FailureReason = reason
	r.result.Err = cause

	detail := map[string]interface{}{
		"reason":      string(reason),
		"error_class": string(ClassOf(cause)),
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	_ = r.transition(ctx, StateFailed, detail)

	r.logger.WithError(cause).Zerolog().Warn().Str("reason", string(reason)).Msg("rotation failed")
}

func (r *taskRun) prepare(ctx context.Context) error {
	sctx, cancel := r.stateContext(ctx)
	defer cancel()

	strategy := r.c.deps.Advisor.RecommendStrategy(sctx, oracle.StrategyRequest{
		Platform:       r.task.Platform,
		RecentFailures: r.item.ConsecutiveFailures,
	})

	rotated := false
	if strategy.ProxyRequired && r.c.deps.Egress != nil {
		id, err := r.c.deps.Egress.Rotate(sctx)
		if err != nil {
			r.logger.WithError(err).Warn("egress rotation failed, continuing on current identity")
		} else {
			r.proxy = id
			rotated = true
		}
	}
	r.result.EgressRotated = rotated

	creds, err := r.c.deps.Credentials.Credentials(r.task.Platform)
	if err != nil {
		r.fail(ctx, FailureCredential, NewCredentialError("no credentials for platform", err).WithPlatform(r.task.Platform))
		return nil
	}
	r.creds = creds

	return r.transition(ctx, StateExtracting, map[string]interface{}{
		"approach":       strategy.Approach,
		"strategy_from":  string(strategy.Source),
		"egress_rotated": rotated,
	})
}

func (r *taskRun) extract(ctx context.Context) error {
	platform := r.task.Platform
	if err := r.c.deps.Breakers.Allow(platform); err != nil {
		r.fail(ctx, FailureCircuitOpen, err)
		return nil
	}

	r.extractAttempts++
	sctx, cancel := r.stateContext(ctx)
	res, err := r.c.deps.Extractor.Extract(sctx, platform, r.creds, r.proxy)
	cancel()

	if err == nil && (res == nil || len(res.Cookies) == 0) {
		err = NewUnclassifiedError("extraction returned no cookies", nil).WithPlatform(platform)
	}

	switch {
	case err == nil:
		r.c.deps.Breakers.RecordSuccess(platform)
		r.extracted = res
		r.extractedAt = r.c.now().UTC()
		return r.transition(ctx, StateInjecting, map[string]interface{}{"cookie_count": len(res.Cookies)})

	case IsTwoFactor(err):
		// The platform answered; only the account is unusable.
		r.c.deps.Breakers.RecordSuccess(platform)
		r.fail(ctx, FailureTwoFactorSkip, err)
		return nil
	}

	r.c.deps.Breakers.RecordFailure(platform)
	r.lastErr = err
	if r.c.deps.Breakers.IsOpen(platform) {
		r.fail(ctx, FailureCircuitOpen, err)
		return nil
	}
	return r.transition(ctx, StateDiagnosing, map[string]interface{}{
		"error_class": string(ClassOf(err)),
	})
}

func (r *taskRun) diagnose(ctx context.Context) error {
	r.diagnoseCycles++
	r.result.DiagnoseCount = r.diagnoseCycles
	if r.diagnoseCycles > MaxDiagnoseCycles {
		r.fail(ctx, FailureMaxRetries, r.lastErr)
		return nil
	}

	req := oracle.DiagnosisRequest{
		Platform:   r.task.Platform,
		ErrorClass: string(ClassOf(r.lastErr)),
		Attempt:    r.diagnoseCycles,
	}
	var re *RotationError
	if errors.As(r.lastErr, &re) {
		req.ErrorCode = re.Code
		req.RetryAfterSeconds = int(re.RetryAfter / time.Second)
	}
	if r.lastErr != nil {
		req.ErrorMessage = truncate(telemetry.RedactString(r.lastErr.Error()), 200)
	}

	sctx, cancel := r.stateContext(ctx)
	dec := r.c.deps.Advisor.DiagnoseFailure(sctx, req)
	cancel()

	detail := map[string]interface{}{
		"issue_type":     dec.Diagnosis.IssueType,
		"action":         string(dec.Action),
		"diagnosis_from": string(dec.Source),
		"cycle":          r.diagnoseCycles,
	}

	switch dec.Action {
	case oracle.ActionRetryNow:
		return r.transition(ctx, StateExtracting, detail)
	case oracle.ActionWaitRetry:
		detail["wait_seconds"] = int(dec.Wait / time.Second)
		r.logger.Zerolog().Info().Dur("wait", dec.Wait).Str("issue", dec.Diagnosis.IssueType).Msg("waiting before retry")
		if err := r.c.sleep(ctx, dec.Wait); err != nil {
			r.fail(ctx, FailureCancelled, err)
			return nil
		}
		return r.transition(ctx, StateExtracting, detail)
	case oracle.ActionFixCredentials:
		r.fail(ctx, FailureCredential, r.lastErr)
	case oracle.ActionManualIntervention:
		r.fail(ctx, FailureManualIntervention, r.lastErr)
	default:
		r.fail(ctx, FailureAbandoned, r.lastErr)
	}
	return nil
}

func (r *taskRun) inject(ctx context.Context) error {
	sctx, cancel := r.stateContext(ctx)
	defer cancel()

	metas := make([]oracle.CookieMeta, 0, len(r.extracted.Cookies))
	for _, ck := range r.extracted.Cookies {
		metas = append(metas, oracle.CookieMeta{
			Name:      ck.Name,
			Domain:    ck.Domain,
			ExpiresAt: ck.ExpiresAt,
			MaxAge:    ck.MaxAge,
			SetDate:   ck.SetDate,
		})
	}
	r.expiry = r.c.deps.Advisor.PredictExpiry(sctx, oracle.ExpiryRequest{
		Platform:    r.task.Platform,
		Cookies:     metas,
		ExtractedAt: r.extractedAt,
	})

	extractedAt := FormatTimestamp(r.extractedAt)
	for _, ck := range r.extracted.Cookies {
		name := SecretName(ck.Domain, ck.Name)

		expires := r.expiry.ExpiresAt
		if ck.ExpiresAt != nil {
			expires = ck.ExpiresAt
		}

		writes := [][2]string{
			{name, ck.Value},
			{name + SuffixExtractedAt, extractedAt},
		}
		if expires != nil {
			writes = append(writes, [2]string{name + SuffixExpiresAt, FormatTimestamp(*expires)})
		}

		for _, w := range writes {
			if err := r.putSecret(sctx, w[0], w[1]); err != nil {
				r.fail(ctx, FailureInjection, NewInjectionError("failed to write secret "+w[0], err))
				return nil
			}
		}
	}

	return r.transition(ctx, StateValidating, map[string]interface{}{
		"secrets_written": len(r.extracted.Cookies),
		"expiry_source":   r.expiry.ExpirySource,
	})
}

// putSecret seals and writes one secret, retrying transient failures.
// Writes are idempotent, so a retry after an ambiguous failure is safe.
func (r *taskRun) putSecret(ctx context.Context, name, value string) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			r.c.metrics.RecordInjectionRetry()
		}
		key, err := r.c.deps.Secrets.GetPublicKey(ctx, r.task.Repo)
		if err != nil {
			return struct{}{}, err
		}
		sealed, err := r.c.deps.Sealer.Seal(key, []byte(value))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, r.c.deps.Secrets.PutSecret(ctx, r.task.Repo, name, sealed)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.c.cfg.InjectBackoff()),
		backoff.WithMaxTries(MaxInjectAttempts),
	)
	return err
}

func (r *taskRun) validate(ctx context.Context) error {
	sctx, cancel := r.stateContext(ctx)
	ok, err := r.c.deps.Extractor.Validate(sctx, r.task.Platform, r.extracted.Cookies)
	cancel()

	if err == nil && ok {
		r.validatedAt = r.c.now().UTC()
		return r.transition(ctx, StateCommitting, nil)
	}

	r.validationFailures++
	cause := NewValidationError("injected cookies failed validation", err).WithPlatform(r.task.Platform)
	if r.validationFailures >= MaxValidationRounds {
		r.fail(ctx, FailureValidation, cause)
		return nil
	}
	r.lastErr = cause
	return r.transition(ctx, StateDiagnosing, map[string]interface{}{
		"error_class": string(ErrorClassValidation),
	})
}

func (r *taskRun) commit(ctx context.Context) error {
	sctx, cancel := r.stateContext(ctx)
	defer cancel()

	err := r.c.deps.Registry.CommitSuccess(sctx, r.task.ItemID, r.token, CommitRecord{
		ExtractedAt: r.extractedAt,
		ValidatedAt: r.validatedAt,
		ExpiresAt:   r.expiry.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}

	names := make([]string, 0, len(r.extracted.Cookies))
	for _, ck := range r.extracted.Cookies {
		names = append(names, ck.Name)
	}
	if err := r.c.deps.Registry.RecordExtraction(sctx, &ExtractionRecord{
		ItemID:       r.task.ItemID,
		Platform:     r.task.Platform,
		CookieNames:  names,
		ExpiresAt:    r.expiry.ExpiresAt,
		ExpirySource: r.expiry.ExpirySource,
		ExtractedAt:  r.extractedAt,
	}); err != nil {
		r.logger.WithError(err).Warn("failed to record extraction metadata")
	}

	detail := map[string]interface{}{
		"cookie_count":  len(r.extracted.Cookies),
		"expiry_source": r.expiry.ExpirySource,
	}
	if r.expiry.ExpiresAt != nil {
		detail["expires_at"] = FormatTimestamp(*r.expiry.ExpiresAt)
	}
	if err := r.transition(ctx, StateDone, detail); err != nil {
		return err
	}
	r.logger.Info("rotation complete")
	return nil
}

// ForceFail records an unclassified failure for a task whose coordinator
// could not finish on its own.
func (c *Coordinator) ForceFail(ctx context.Context, task Task, cause error) *TaskResult {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StateTimeout)
	defer cancel()

	logger := c.logger.WithItemID(task.ItemID).WithPlatform(task.Platform)
	if err := c.deps.Registry.RecordFailure(sctx, task.ItemID); err != nil {
		logger.WithError(err).Error("failed to record item failure")
	}

	detail := map[string]interface{}{"reason": string(FailureUnclassified)}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	if err := c.deps.Audit.Append(sctx, audit.Entry{
		Timestamp: c.now().UTC(),
		RunID:     RunIDFrom(ctx),
		ItemID:    task.ItemID,
		Action:    audit.ActionRotation,
		Status:    string(StateFailed),
		Message:   "unclassified coordinator error",
		Detail:    detail,
	}); err != nil {
		logger.WithError(err).Error("failed to audit forced failure")
	}

	logger.WithError(cause).Error("rotation forced to failed")
	c.metrics.RecordTaskOutcome(task.Platform, string(StateFailed), string(FailureUnclassified), 0)

	return &TaskResult{
		Task:          task,
		FinalState:    StateFailed,
		FailureReason: FailureUnclassified,
		Transitions:   []State{StateFailed},
		Err:           cause,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
