package rotation

import (
	"context"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
)

// Registry is the persistent record of monitored items and their leases.
type Registry interface {
	// ListItems returns all items matching the filter ordered by ID.
	ListItems(ctx context.Context, filter ItemFilter) ([]*MonitoredItem, error)

	// GetItem returns a single item.
	GetItem(ctx context.Context, id int64) (*MonitoredItem, error)

	// AcquireLease grants token exclusive ownership of the item until now+ttl.
	// Returns a lease busy error when another unexpired lease exists.
	AcquireLease(ctx context.Context, itemID int64, token string, now time.Time, ttl time.Duration) error

	// ReleaseLease drops the lease if token still holds it.
	ReleaseLease(ctx context.Context, itemID int64, token string) error

	// ReclaimExpiredLeases clears leases whose expiry is before now.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// CommitSuccess records a successful rotation under the caller's lease.
	CommitSuccess(ctx context.Context, itemID int64, token string, rec CommitRecord) error

	// RecordFailure increments the consecutive failure counter and escalates
	// priority once the emergency threshold is reached.
	RecordFailure(ctx context.Context, itemID int64) error

	// MarkTwoFactorBlocked flags the item so it is no longer scheduled.
	MarkTwoFactorBlocked(ctx context.Context, itemID int64) error

	// UpdateHealth stores a recomputed health value.
	UpdateHealth(ctx context.Context, itemID int64, health Health) error

	// RecordExtraction stores extraction metadata.
	RecordExtraction(ctx context.Context, rec *ExtractionRecord) error

	// SaveRunSummary persists the summary of a finished run.
	SaveRunSummary(ctx context.Context, summary *RunSummary) error
}

// AuditLog receives an entry for every coordinator transition.
type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// Extractor drives the external extraction worker.
type Extractor interface {
	// Extract logs into platform and returns the resulting cookies.
	Extract(ctx context.Context, platform string, creds Credentials, proxyHandle string) (*ExtractResult, error)

	// Validate checks that cookies still authenticate against platform.
	Validate(ctx context.Context, platform string, cookies []Cookie) (bool, error)
}

// SecretsStore is the per-repository secret destination.
type SecretsStore interface {
	GetPublicKey(ctx context.Context, repo string) (PublicKey, error)
	PutSecret(ctx context.Context, repo, name, encryptedValue string) error
}

// Sealer encrypts a secret value for a public key.
type Sealer interface {
	Seal(key PublicKey, plaintext []byte) (string, error)
}

// EgressRotator changes the outbound network identity.
type EgressRotator interface {
	Rotate(ctx context.Context) (string, error)
	CurrentIdentifier(ctx context.Context) (string, error)
}

// CredentialSource resolves platform credentials at the moment of use.
type CredentialSource interface {
	Credentials(platform string) (Credentials, error)
}

// Advisor is the decision oracle as seen by the coordinator. Every method
// returns a usable answer; failures degrade to deterministic fallbacks.
type Advisor interface {
	DiagnoseFailure(ctx context.Context, req oracle.DiagnosisRequest) oracle.DiagnosisDecision
	PredictExpiry(ctx context.Context, req oracle.ExpiryRequest) oracle.ExpiryPrediction
	RecommendStrategy(ctx context.Context, req oracle.StrategyRequest) oracle.Strategy
}

// CircuitBreakers guards calls to external platforms.
type CircuitBreakers interface {
	Allow(platform string) error
	RecordSuccess(platform string)
	RecordFailure(platform string)
	IsOpen(platform string) bool
}
