package rotation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// Scheduler defaults.
const (
	DefaultRotateBefore   = 24 * time.Hour
	DefaultPlatformAge    = 24 * time.Hour
	DefaultRunDeadline    = 30 * time.Minute
	DefaultMaxTasksPerRun = 50
	DefaultEmergencyShare = 0.5
	DefaultSchedule       = "0 */6 * * *"
)

// DuePolicy decides when an item needs rotating.
type DuePolicy struct {
	// RotateBefore is how far ahead of expiry rotation starts.
	RotateBefore time.Duration

	// PlatformDefaults is the expected artifact lifetime per platform, used
	// when the expiry is unknown. Keys are lower-case platform names.
	PlatformDefaults map[string]time.Duration

	// DefaultAge applies to platforms missing from PlatformDefaults.
	DefaultAge time.Duration
}

func (p DuePolicy) withDefaults() DuePolicy {
	if p.RotateBefore <= 0 {
		p.RotateBefore = DefaultRotateBefore
	}
	if p.DefaultAge <= 0 {
		p.DefaultAge = DefaultPlatformAge
	}
	return p
}

func (p DuePolicy) platformAge(platform string) time.Duration {
	if d, ok := p.PlatformDefaults[strings.ToLower(platform)]; ok && d > 0 {
		return d
	}
	return p.DefaultAge
}

// DueItem is an item selected for rotation and why.
type DueItem struct {
	Item   *MonitoredItem
	Reason TaskReason
}

// ShardOf returns the 1-based shard owning item id.
func ShardOf(id int64, shardTotal int) int {
	if shardTotal <= 1 {
		return 1
	}
	n := int64(shardTotal)
	return int(((id-1)%n+n)%n) + 1
}

// DueItems returns the items of shardID that need rotating at now: emergency
// items first, then soonest expiry, unknown expiry last, ties by id.
func DueItems(items []*MonitoredItem, now time.Time, shardID, shardTotal int, policy DuePolicy) []DueItem {
	policy = policy.withDefaults()

	var due []DueItem
	for _, it := range items {
		if it == nil || it.TwoFactorBlocked || ShardOf(it.ID, shardTotal) != shardID {
			continue
		}
		switch {
		case it.IsEmergency():
			due = append(due, DueItem{Item: it, Reason: ReasonEmergency})
		case isDue(it, now, policy):
			due = append(due, DueItem{Item: it, Reason: ReasonScheduled})
		}
	}
	sortDue(due)
	return due
}

func isDue(it *MonitoredItem, now time.Time, policy DuePolicy) bool {
	if it.ExpiresAt != nil {
		return !it.ExpiresAt.Add(-policy.RotateBefore).After(now)
	}
	if it.LastExtractedAt == nil {
		return true
	}
	return now.Sub(*it.LastExtractedAt) >= policy.platformAge(it.Platform)
}

func sortDue(due []DueItem) {
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		ae, be := a.Reason == ReasonEmergency, b.Reason == ReasonEmergency
		if ae != be {
			return ae
		}
		switch {
		case a.Item.ExpiresAt != nil && b.Item.ExpiresAt != nil:
			if !a.Item.ExpiresAt.Equal(*b.Item.ExpiresAt) {
				return a.Item.ExpiresAt.Before(*b.Item.ExpiresAt)
			}
		case a.Item.ExpiresAt != nil:
			return true
		case b.Item.ExpiresAt != nil:
			return false
		}
		return a.Item.ID < b.Item.ID
	})
}

// SelectBatch caps a run at limit items. While scheduled items are waiting,
// emergencies may take at most ceil(limit*emergencyShare) slots; capacity one
// class leaves unused goes to the other. Order within each class is kept.
// limit <= 0 selects everything.
func SelectBatch(due []DueItem, limit int, emergencyShare float64) []DueItem {
	if limit <= 0 || len(due) <= limit {
		return due
	}
	if emergencyShare < 0 {
		emergencyShare = 0
	}
	if emergencyShare > 1 {
		emergencyShare = 1
	}

	var emergency, scheduled []DueItem
	for _, d := range due {
		if d.Reason == ReasonEmergency {
			emergency = append(emergency, d)
		} else {
			scheduled = append(scheduled, d)
		}
	}

	emergencySlots := int(math.Ceil(float64(limit) * emergencyShare))
	takeEmergency := min(len(emergency), emergencySlots)
	takeScheduled := min(len(scheduled), limit-takeEmergency)
	takeEmergency = min(len(emergency), limit-takeScheduled)

	out := make([]DueItem, 0, limit)
	out = append(out, emergency[:takeEmergency]...)
	out = append(out, scheduled[:takeScheduled]...)
	return out
}

// ComputeHealth derives an item's health at now.
func ComputeHealth(it *MonitoredItem, now time.Time, rotateBefore time.Duration) Health {
	if it.ConsecutiveFailures >= EmergencyFailureThreshold || it.TwoFactorBlocked {
		return HealthUnhealthy
	}
	if it.ExpiresAt == nil {
		if it.LastExtractedAt == nil {
			return HealthUnhealthy
		}
		return HealthHealthy
	}
	if !it.ExpiresAt.After(now) {
		return HealthUnhealthy
	}
	if !it.ExpiresAt.Add(-rotateBefore).After(now) {
		return HealthExpiring
	}
	return HealthHealthy
}

// SchedulerConfig holds scheduler tunables.
type SchedulerConfig struct {
	ShardID        int
	ShardTotal     int
	RunDeadline    time.Duration
	MaxTasksPerRun int
	EmergencyShare float64
	Policy         DuePolicy

	// Schedule is the standard cron expression used to report the next run.
	Schedule string
}

// RunOptions narrow or alter one run.
type RunOptions struct {
	Filter        ItemFilter
	ForceRotation bool
	DryRun        bool
}

// Scheduler owns the top-level run loop of one shard.
type Scheduler struct {
	cfg         SchedulerConfig
	registry    Registry
	dispatcher  *Dispatcher
	audit       AuditLog
	ledger      *budget.Ledger
	ledgerStore budget.Store
	schedule    cron.Schedule
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	now         func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerTelemetry wires logging, metrics and tracing.
func WithSchedulerTelemetry(tel *telemetry.Telemetry) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = tel.Logger.NewComponentLogger("scheduler")
		s.metrics = tel.Metrics
		s.tracer = tel.Tracer
	}
}

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithLedger attaches the budget ledger reported in run summaries and
// persisted after each run. store may be nil.
func WithLedger(ledger *budget.Ledger, store budget.Store) SchedulerOption {
	return func(s *Scheduler) {
		s.ledger = ledger
		s.ledgerStore = store
	}
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig, registry Registry, dispatcher *Dispatcher, auditLog AuditLog, opts ...SchedulerOption) (*Scheduler, error) {
	if cfg.ShardTotal <= 0 {
		cfg.ShardTotal = 1
	}
	if cfg.ShardID <= 0 {
		cfg.ShardID = 1
	}
	if cfg.ShardID > cfg.ShardTotal {
		return nil, fmt.Errorf("shard id %d out of range 1..%d", cfg.ShardID, cfg.ShardTotal)
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = DefaultRunDeadline
	}
	if cfg.MaxTasksPerRun == 0 {
		cfg.MaxTasksPerRun = DefaultMaxTasksPerRun
	}
	if cfg.EmergencyShare <= 0 {
		cfg.EmergencyShare = DefaultEmergencyShare
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	cfg.Policy = cfg.Policy.withDefaults()

	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		audit:      auditLog,
		schedule:   schedule,
		logger:     telemetry.NopLogger(),
		tracer:     telemetry.NopTracer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Plan lists the tasks a run would dispatch, in dispatch order.
func (s *Scheduler) Plan(ctx context.Context, opts RunOptions) ([]Task, error) {
	items, err := s.registry.ListItems(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return s.plan(items, opts), nil
}

func (s *Scheduler) plan(items []*MonitoredItem, opts RunOptions) []Task {
	now := s.now()

	var due []DueItem
	if opts.ForceRotation {
		for _, it := range items {
			if it.TwoFactorBlocked || ShardOf(it.ID, s.cfg.ShardTotal) != s.cfg.ShardID {
				continue
			}
			due = append(due, DueItem{Item: it, Reason: ReasonForced})
		}
		sortDue(due)
	} else {
		due = DueItems(items, now, s.cfg.ShardID, s.cfg.ShardTotal, s.cfg.Policy)
	}

	var emergencies int
	for _, d := range due {
		if d.Reason == ReasonEmergency {
			emergencies++
		}
	}
	s.metrics.SetDueItems(string(ReasonEmergency), emergencies)
	s.metrics.SetDueItems(string(ReasonScheduled), len(due)-emergencies)

	batch := SelectBatch(due, s.cfg.MaxTasksPerRun, s.cfg.EmergencyShare)
	if deferred := len(due) - len(batch); deferred > 0 {
		s.logger.Zerolog().Info().Int("deferred", deferred).Int("limit", s.cfg.MaxTasksPerRun).Msg("due items deferred to a later run")
	}

	tasks := make([]Task, 0, len(batch))
	for _, d := range batch {
		tasks = append(tasks, Task{
			ItemID:   d.Item.ID,
			Repo:     d.Item.Repo,
			Platform: d.Item.Platform,
			Attempt:  d.Item.ConsecutiveFailures + 1,
			Reason:   d.Reason,
		})
	}
	return tasks
}

// Run executes one scheduling pass for the configured shard. Individual task
// failures are recorded in the summary; an error means the run itself could
// not proceed.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	start := s.now()
	runID := uuid.NewString()
	logger := s.logger.WithRunID(runID)

	ctx = WithRunID(ctx, runID)
	ctx, span := s.tracer.StartRunSpan(ctx, runID, s.cfg.ShardID, s.cfg.ShardTotal)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunDeadline)
	defer cancel()

	items, err := s.registry.ListItems(ctx, opts.Filter)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordRunCompleted("error", s.now().Sub(start))
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	tasks := s.plan(items, opts)

	summary := &RunSummary{
		RunID:      runID,
		LastRun:    start.UTC(),
		ShardID:    s.cfg.ShardID,
		ShardTotal: s.cfg.ShardTotal,
		DryRun:     opts.DryRun,
	}
	if next := s.schedule.Next(start); !next.IsZero() {
		summary.NextRun = next.UTC()
	}

	if opts.DryRun {
		summary.Planned = tasks
		s.summarize(summary, items)
		logger.Zerolog().Info().Int("planned", len(tasks)).Msg("dry run, nothing dispatched")
		return summary, nil
	}

	if n, err := s.registry.ReclaimExpiredLeases(ctx, start); err != nil {
		logger.WithError(err).Warn("failed to reclaim expired leases")
	} else if n > 0 {
		logger.Zerolog().Info().Int("reclaimed", n).Msg("reclaimed expired leases")
	}

	s.appendRunEntry(ctx, runID, "started", fmt.Sprintf("run started with %d tasks", len(tasks)), map[string]interface{}{
		"shard_id":       s.cfg.ShardID,
		"shard_total":    s.cfg.ShardTotal,
		"force_rotation": opts.ForceRotation,
		"tasks":          len(tasks),
	})
	logger.Zerolog().Info().Int("tasks", len(tasks)).Int("items", len(items)).Msg("run started")

	results := s.dispatcher.Dispatch(runCtx, tasks)
	for _, res := range results {
		switch {
		case res == nil:
		case res.Succeeded():
			summary.TasksSucceeded++
		case res.FinalState == StateSkipped:
			summary.TasksSkipped++
		default:
			summary.TasksFailed++
		}
	}

	// Reload so health reflects this run's commits and failures.
	if fresh, err := s.registry.ListItems(ctx, opts.Filter); err != nil {
		logger.WithError(err).Warn("failed to reload items, summary uses pre-run state")
	} else {
		items = fresh
	}
	s.refreshHealth(ctx, items, logger)
	s.summarize(summary, items)

	if err := s.registry.SaveRunSummary(ctx, summary); err != nil {
		logger.WithError(err).Error("failed to save run summary")
	}
	if s.ledger != nil && s.ledgerStore != nil {
		if err := s.ledger.Save(ctx, s.ledgerStore); err != nil {
			logger.WithError(err).Error("failed to persist budget ledger")
		}
	}

	status := "completed"
	if runCtx.Err() != nil {
		status = "deadline_exceeded"
	}
	s.appendRunEntry(ctx, runID, status, fmt.Sprintf("run %s", status), map[string]interface{}{
		"succeeded": summary.TasksSucceeded,
		"failed":    summary.TasksFailed,
		"skipped":   summary.TasksSkipped,
		"cost_usd":  summary.CostThisPeriod,
	})

	s.metrics.RecordRunCompleted(status, s.now().Sub(start))
	telemetry.RecordSuccess(span)
	logger.Zerolog().Info().
		Int("succeeded", summary.TasksSucceeded).
		Int("failed", summary.TasksFailed).
		Int("skipped", summary.TasksSkipped).
		Str("status", status).
		Msg("run finished")
	return summary, nil
}

func (s *Scheduler) refreshHealth(ctx context.Context, items []*MonitoredItem, logger *telemetry.Logger) {
	now := s.now()
	for _, it := range items {
		if ShardOf(it.ID, s.cfg.ShardTotal) != s.cfg.ShardID {
			continue
		}
		h := ComputeHealth(it, now, s.cfg.Policy.RotateBefore)
		if h == it.Health {
			continue
		}
		if err := s.registry.UpdateHealth(ctx, it.ID, h); err != nil {
			logger.WithItemID(it.ID).WithError(err).Warn("failed to update item health")
			continue
		}
		it.Health = h
	}
}

// summarize fills the registry and budget fields of summary from items in
// this shard.
func (s *Scheduler) summarize(summary *RunSummary, items []*MonitoredItem) {
	now := s.now()
	for _, it := range items {
		if ShardOf(it.ID, s.cfg.ShardTotal) != s.cfg.ShardID {
			continue
		}
		summary.ItemsMonitored++
		summary.TotalRotations += it.RotationCount
		switch ComputeHealth(it, now, s.cfg.Policy.RotateBefore) {
		case HealthHealthy:
			summary.Healthy++
		case HealthExpiring:
			summary.ExpiringSoon++
		default:
			summary.Failed++
		}
	}
	if s.ledger != nil {
		snap := s.ledger.Snapshot()
		summary.OracleCallsThisPeriod = snap.Calls
		summary.CostThisPeriod = snap.SpentUSD
		s.metrics.SetBudgetRemaining(snap.Remaining())
	}
}

func (s *Scheduler) appendRunEntry(ctx context.Context, runID, status, msg string, detail map[string]interface{}) {
	err := s.audit.Append(ctx, audit.Entry{
		Timestamp: s.now().UTC(),
		RunID:     runID,
		Action:    audit.ActionRun,
		Status:    status,
		Message:   msg,
		Detail:    detail,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to audit run event")
	}
}
