package stores

import (
	"context"
	"errors"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrItemExists is returned when a repo/platform pair is already monitored.
	ErrItemExists = errors.New("item already monitored")

	// ErrLeaseLost is returned when a lease-guarded write finds the lease gone.
	ErrLeaseLost = errors.New("lease no longer held")
)

// NewItem describes an item to start monitoring.
type NewItem struct {
	Repo     string            `validate:"required"`
	Platform string            `validate:"required"`
	Priority rotation.Priority `validate:"omitempty,oneof=high medium low"`
}

// Store defines the interface for the persistence layer
type Store interface {
	rotation.Registry
	audit.Sink
	budget.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Item administration
	CreateItem(ctx context.Context, item NewItem) (*rotation.MonitoredItem, error)
	ClearTwoFactorBlock(ctx context.Context, itemID int64) error
	ListExtractions(ctx context.Context, itemID int64, limit int) ([]*rotation.ExtractionRecord, error)

	// Reporting
	LatestRunSummary(ctx context.Context, shardID int) (*rotation.RunSummary, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
