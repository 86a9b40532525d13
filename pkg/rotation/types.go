package rotation

import (
	"time"
)

// Priority controls scheduling order among due items.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Health is the last known health of a monitored item.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthExpiring  Health = "expiring"
	HealthUnhealthy Health = "unhealthy"
)

// EmergencyFailureThreshold is the consecutive failure count at which an item
// becomes an emergency and its priority is raised to high.
const EmergencyFailureThreshold = 3

// MonitoredItem is a repository/platform pair whose cookies are kept fresh.
type MonitoredItem struct {
	// ID is the registry identifier. Shard membership derives from it.
	ID int64 `json:"id"`

	// Repo is the owning repository in owner/name form.
	Repo string `json:"repo"`

	// Platform is the site the cookies authenticate against.
	Platform string `json:"platform"`

	// Priority is the scheduling priority.
	Priority Priority `json:"priority"`

	// Health is the last known health.
	Health Health `json:"health"`

	// ExpiresAt is the earliest known expiry of the stored cookies.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// LastExtractedAt is when cookies were last extracted.
	LastExtractedAt *time.Time `json:"last_extracted_at,omitempty"`

	// LastValidatedAt is when injected cookies last passed validation.
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`

	// RotationCount is the number of successful rotations.
	RotationCount int `json:"rotation_count"`

	// ConsecutiveFailures resets to zero on every successful validation.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// TwoFactorBlocked is set when the platform demanded a second factor.
	// Blocked items are never scheduled until an operator clears the flag.
	TwoFactorBlocked bool `json:"two_factor_blocked"`

	// LeaseToken identifies the current lease holder, empty when free.
	LeaseToken string `json:"-"`

	// LeaseExpiresAt is when the current lease may be reclaimed.
	LeaseExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmergency reports whether the item has failed often enough to jump the queue.
func (m *MonitoredItem) IsEmergency() bool {
	return m.ConsecutiveFailures >= EmergencyFailureThreshold
}

// TaskReason explains why a rotation task was created.
type TaskReason string

const (
	ReasonScheduled TaskReason = "scheduled"
	ReasonEmergency TaskReason = "emergency"
	ReasonForced    TaskReason = "forced"
)

// Task is a single rotation attempt for one item.
type Task struct {
	ItemID   int64      `json:"item_id"`
	Repo     string     `json:"repo"`
	Platform string     `json:"platform"`
	Attempt  int        `json:"attempt"`
	Reason   TaskReason `json:"reason"`
}

// State is a coordinator state.
type State string

const (
	StateIdle       State = "idle"
	StateLeasing    State = "leasing"
	StatePreparing  State = "preparing"
	StateExtracting State = "extracting"
	StateDiagnosing State = "diagnosing"
	StateInjecting  State = "injecting"
	StateValidating State = "validating"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// IsTerminal reports whether no further transitions leave s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateSkipped
}

// FailureReason is the terminal reason recorded for a failed task.
type FailureReason string

const (
	FailureTwoFactorSkip      FailureReason = "2fa_skip"
	FailureMaxRetries         FailureReason = "max_retries_exceeded"
	FailureUnclassified       FailureReason = "unclassified_error"
	FailureCircuitOpen        FailureReason = "circuit_open"
	FailureCredential         FailureReason = "credential_error"
	FailureManualIntervention FailureReason = "manual_intervention"
	FailureAbandoned          FailureReason = "abandoned"
	FailureInjection          FailureReason = "injection_failed"
	FailureValidation         FailureReason = "validation_failed"
	FailureCancelled          FailureReason = "cancelled"
	FailureLeaseBusy          FailureReason = "lease_busy"
)

// countsAgainstItem reports whether a failure increments the item's consecutive
// failure counter. Skips and cancellations say nothing about the item itself.
func (r FailureReason) countsAgainstItem() bool {
	switch r {
	case FailureTwoFactorSkip, FailureCircuitOpen, FailureCancelled, FailureLeaseBusy:
		return false
	default:
		return true
	}
}

// Credentials are the login details for one platform.
// They must never be logged or persisted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Cookie is one extracted authentication artifact.
type Cookie struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Value  string `json:"value"`

	// ExpiresAt is the explicit Expires attribute, if the site sent one.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// MaxAge is the Max-Age attribute in seconds, if present.
	MaxAge *int64 `json:"max_age,omitempty"`

	// SetDate is when the response carrying the cookie was received.
	SetDate *time.Time `json:"set_date,omitempty"`
}

// ExtractResult is what the extraction worker hands back on success.
type ExtractResult struct {
	Cookies []Cookie `json:"cookies"`
}

// PublicKey is a secrets store encryption key.
type PublicKey struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

// CommitRecord carries the registry updates applied on a successful rotation.
type CommitRecord struct {
	ExtractedAt time.Time
	ValidatedAt time.Time
	ExpiresAt   *time.Time
}

// ExtractionRecord is the metadata kept for each successful extraction.
// Cookie values are never part of it.
type ExtractionRecord struct {
	ID           int64      `json:"id"`
	ItemID       int64      `json:"item_id"`
	Platform     string     `json:"platform"`
	CookieNames  []string   `json:"cookie_names"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpirySource string     `json:"expiry_source"`
	ExtractedAt  time.Time  `json:"extracted_at"`
}

// ItemFilter narrows registry listings.
type ItemFilter struct {
	Platform string
	Repo     string
}

// TaskResult is the outcome of one coordinator run.
type TaskResult struct {
	Task          Task          `json:"task"`
	FinalState    State         `json:"final_state"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Transitions   []State       `json:"transitions"`
	DiagnoseCount int           `json:"diagnose_count"`
	EgressRotated bool          `json:"egress_rotated"`
	Err           error         `json:"-"`
	Duration      time.Duration `json:"duration"`
}

// Succeeded reports whether the task reached done.
func (r *TaskResult) Succeeded() bool {
	return r.FinalState == StateDone
}

// RunSummary is written once per run.
type RunSummary struct {
	RunID                 string    `json:"run_id"`
	LastRun               time.Time `json:"last_run"`
	NextRun               time.Time `json:"next_run"`
	ShardID               int       `json:"shard_id"`
	ShardTotal            int       `json:"shard_total"`
	ItemsMonitored        int       `json:"items_monitored"`
	Healthy               int       `json:"healthy"`
	ExpiringSoon          int       `json:"expiring_soon"`
	Failed                int       `json:"failed"`
	TotalRotations        int       `json:"total_rotations"`
	OracleCallsThisPeriod int       `json:"oracle_calls_this_period"`
	CostThisPeriod        float64   `json:"cost_this_period"`
	TasksSucceeded        int       `json:"tasks_succeeded"`
	TasksFailed           int       `json:"tasks_failed"`
	TasksSkipped          int       `json:"tasks_skipped"`
	DryRun                bool      `json:"dry_run"`
	Planned               []Task    `json:"planned,omitempty"`
}
