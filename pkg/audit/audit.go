// Package audit implements the append-only rotation audit log.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// MaxMessageLength bounds the free-text message of an entry.
const MaxMessageLength = 500

// Common actions.
const (
	ActionTransition = "transition"
	ActionRotation   = "rotation"
	ActionLease      = "lease"
	ActionRun        = "run"
	ActionBudget     = "budget"
	ActionItem       = "item"
)

// Entry is one audit record. Entries are never updated or deleted.
type Entry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	ItemID    int64                  `json:"item_id,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Query filters entries when reading the log back.
type Query struct {
	ItemID int64
	RunID  string
	Action string
	Since  time.Time
	Limit  int
}

// Sink persists entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry *Entry) error
	ListAudit(ctx context.Context, q Query) ([]*Entry, error)
}

// Log redacts entries and hands them to a sink.
type Log struct {
	sink   Sink
	logger *telemetry.Logger
	now    func() time.Time
}

// New creates an audit log over sink. logger may be nil.
func New(sink Sink, logger *telemetry.Logger) *Log {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Log{
		sink:   sink,
		logger: logger.NewComponentLogger("audit"),
		now:    time.Now,
	}
}

// Append scrubs and stores entry.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if entry.Action == "" {
		return fmt.Errorf("audit entry requires an action")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	entry.Message = truncate(telemetry.RedactString(entry.Message), MaxMessageLength)
	entry.Detail = telemetry.RedactMap(entry.Detail)

	if err := l.sink.AppendAudit(ctx, &entry); err != nil {
		l.logger.WithError(err).Error("failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	l.logger.Zerolog().Debug().
		Int64("item_id", entry.ItemID).
		Str("action", entry.Action).
		Str("status", entry.Status).
		Msg("audit")
	return nil
}

// List reads entries back.
func (l *Log) List(ctx context.Context, q Query) ([]*Entry, error) {
	return l.sink.ListAudit(ctx, q)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
