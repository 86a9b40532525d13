package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cookieguardian/cookieguardian/pkg/audit"
)

// AppendAudit inserts an audit entry. The table rejects updates and deletes.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *audit.Entry) error {
	var detail sql.NullString
	if len(entry.Detail) > 0 {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, run_id, item_id, action, status, message, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		formatTime(entry.Timestamp),
		sql.NullString{String: entry.RunID, Valid: entry.RunID != ""},
		sql.NullInt64{Int64: entry.ItemID, Valid: entry.ItemID != 0},
		entry.Action,
		entry.Status,
		entry.Message,
		detail,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists audit entries oldest first with optional filters.
func (s *SQLiteStore) ListAudit(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	since := ""
	if !q.Since.IsZero() {
		since = formatTime(q.Since)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, run_id, item_id, action, status, message, detail
		FROM audit_log
		WHERE (? = 0 OR item_id = ?)
		  AND (? = '' OR run_id = ?)
		  AND (? = '' OR action = ?)
		  AND (? = '' OR timestamp >= ?)
		ORDER BY id ASC
		LIMIT ?
	`, q.ItemID, q.ItemID, q.RunID, q.RunID, q.Action, q.Action, since, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*audit.Entry{}
	for rows.Next() {
		var (
			e       audit.Entry
			ts      string
			runID   sql.NullString
			itemID  sql.NullInt64
			message sql.NullString
			detail  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &runID, &itemID, &e.Action, &e.Status, &message, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.ItemID = itemID.Int64
		e.Message = message.String
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
