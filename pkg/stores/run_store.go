package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

// SaveRunSummary persists the summary of a finished run.
func (s *SQLiteStore) SaveRunSummary(ctx context.Context, sum *rotation.RunSummary) error {
	var next *string
	if !sum.NextRun.IsZero() {
		v := formatTime(sum.NextRun)
		next = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_summaries (
			run_id, shard_id, shard_total, last_run, next_run,
			items_monitored, healthy, expiring_soon, failed, total_rotations,
			oracle_calls, cost_usd, tasks_succeeded, tasks_failed, tasks_skipped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sum.RunID,
		sum.ShardID,
		sum.ShardTotal,
		formatTime(sum.LastRun),
		next,
		sum.ItemsMonitored,
		sum.Healthy,
		sum.ExpiringSoon,
		sum.Failed,
		sum.TotalRotations,
		sum.OracleCallsThisPeriod,
		sum.CostThisPeriod,
		sum.TasksSucceeded,
		sum.TasksFailed,
		sum.TasksSkipped,
	)
	if err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}
	return nil
}

// LatestRunSummary returns the most recent summary for shardID, or for any
// shard when shardID is 0.
func (s *SQLiteStore) LatestRunSummary(ctx context.Context, shardID int) (*rotation.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, shard_id, shard_total, last_run, next_run,
			   items_monitored, healthy, expiring_soon, failed, total_rotations,
			   oracle_calls, cost_usd, tasks_succeeded, tasks_failed, tasks_skipped
		FROM run_summaries
		WHERE (? = 0 OR shard_id = ?)
		ORDER BY last_run DESC, id DESC
		LIMIT 1
	`, shardID, shardID)

	var (
		sum     rotation.RunSummary
		lastRun string
		nextRun sql.NullString
	)
	err := row.Scan(
		&sum.RunID,
		&sum.ShardID,
		&sum.ShardTotal,
		&lastRun,
		&nextRun,
		&sum.ItemsMonitored,
		&sum.Healthy,
		&sum.ExpiringSoon,
		&sum.Failed,
		&sum.TotalRotations,
		&sum.OracleCallsThisPeriod,
		&sum.CostThisPeriod,
		&sum.TasksSucceeded,
		&sum.TasksFailed,
		&sum.TasksSkipped,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run summary: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run summary: %w", err)
	}

	if sum.LastRun, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	if next, err := parseTimePtr(nextRun); err != nil {
		return nil, err
	} else if next != nil {
		sum.NextRun = *next
	}
	return &sum, nil
}

// LoadLedger returns the persisted budget snapshot, or nil if none exists.
func (s *SQLiteStore) LoadLedger(ctx context.Context) (*budget.Snapshot, error) {
	var (
		snap               budget.Snapshot
		periodStart, updAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT period_start, cap_usd, spent_usd, input_tokens, output_tokens, calls, fallbacks, updated_at
		FROM budget_ledger
		WHERE id = 1
	`).Scan(
		&periodStart,
		&snap.CapUSD,
		&snap.SpentUSD,
		&snap.InputTokens,
		&snap.OutputTokens,
		&snap.Calls,
		&snap.Fallbacks,
		&updAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget ledger: %w", err)
	}

	if snap.PeriodStart, err = parseTime(periodStart); err != nil {
		return nil, err
	}
	if snap.UpdatedAt, err = parseTime(updAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveLedger upserts the single budget ledger row.
func (s *SQLiteStore) SaveLedger(ctx context.Context, snap budget.Snapshot) error {
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_ledger (id, period_start, cap_usd, spent_usd, input_tokens, output_tokens, calls, fallbacks, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			period_start = excluded.period_start,
			cap_usd = excluded.cap_usd,
			spent_usd = excluded.spent_usd,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			calls = excluded.calls,
			fallbacks = excluded.fallbacks,
			updated_at = excluded.updated_at
	`,
		formatTime(snap.PeriodStart),
		snap.CapUSD,
		snap.SpentUSD,
		snap.InputTokens,
		snap.OutputTokens,
		snap.Calls,
		snap.Fallbacks,
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save budget ledger: %w", err)
	}
	return nil
}
