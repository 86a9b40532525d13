package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

var validate = validator.New()

const itemColumns = `
	id, repo, platform, priority, health, expires_at, last_extracted_at, last_validated_at,
	rotation_count, consecutive_failures, two_factor_blocked, lease_token, lease_expires_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*rotation.MonitoredItem, error) {
	var (
		it                                      rotation.MonitoredItem
		expires, extracted, validated, leaseExp sql.NullString
		leaseToken                              sql.NullString
		created, updated                        string
	)
	err := row.Scan(
		&it.ID,
		&it.Repo,
		&it.Platform,
		&it.Priority,
		&it.Health,
		&expires,
		&extracted,
		&validated,
		&it.RotationCount,
		&it.ConsecutiveFailures,
		&it.TwoFactorBlocked,
		&leaseToken,
		&leaseExp,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	if it.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return nil, err
	}
	if it.LastExtractedAt, err = parseTimePtr(extracted); err != nil {
		return nil, err
	}
	if it.LastValidatedAt, err = parseTimePtr(validated); err != nil {
		return nil, err
	}
	if it.LeaseExpiresAt, err = parseTimePtr(leaseExp); err != nil {
		return nil, err
	}
	it.LeaseToken = leaseToken.String
	if it.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &it, nil
}

// CreateItem starts monitoring a repo/platform pair.
func (s *SQLiteStore) CreateItem(ctx context.Context, in NewItem) (*rotation.MonitoredItem, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid item: %w", err)
	}
	if in.Priority == "" {
		in.Priority = rotation.PriorityMedium
	}

	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO monitored_items (repo, platform, priority, health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.Repo, strings.ToLower(in.Platform), in.Priority, rotation.HealthUnhealthy, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%s on %s: %w", in.Repo, in.Platform, ErrItemExists)
		}
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get item ID: %w", err)
	}
	return s.GetItem(ctx, id)
}

// GetItem retrieves an item by ID
func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*rotation.MonitoredItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM monitored_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

// ListItems lists items ordered by ID
func (s *SQLiteStore) ListItems(ctx context.Context, filter rotation.ItemFilter) ([]*rotation.MonitoredItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM monitored_items
		WHERE (? = '' OR platform = ?)
		  AND (? = '' OR repo = ?)
		ORDER BY id ASC
	`
	platform := strings.ToLower(filter.Platform)

	rows, err := s.db.QueryContext(ctx, query, platform, platform, filter.Repo, filter.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*rotation.MonitoredItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// AcquireLease takes the item lease in a single conditional update, so two
// concurrent callers can never both succeed.
func (s *SQLiteStore) AcquireLease(ctx context.Context, itemID int64, token string, now time.Time, ttl time.Duration) error {
	if token == "" {
		return fmt.Errorf("lease token is required")
	}
	nowStr := formatTime(now)

	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items
		SET lease_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, token, formatTime(now.Add(ttl)), s.timestamp(), itemID, nowStr)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	return rotation.NewLeaseBusyError(itemID)
}

// ReleaseLease clears the lease if token still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, itemID int64, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items
		SET lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ?
	`, s.timestamp(), itemID, token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ReclaimExpiredLeases clears leases orphaned by a crashed run.
func (s *SQLiteStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items
		SET lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE lease_token IS NOT NULL AND lease_expires_at <= ?
	`, s.timestamp(), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// CommitSuccess records a validated rotation. It only applies while token
// holds the lease.
func (s *SQLiteStore) CommitSuccess(ctx context.Context, itemID int64, token string, rec rotation.CommitRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items
		SET last_extracted_at = ?,
			last_validated_at = ?,
			expires_at = ?,
			rotation_count = rotation_count + 1,
			consecutive_failures = 0,
			priority = COALESCE(base_priority, priority),
			base_priority = NULL,
			health = 'healthy',
			updated_at = ?
		WHERE id = ? AND lease_token = ?
	`, formatTime(rec.ExtractedAt), formatTime(rec.ValidatedAt), formatTimePtr(rec.ExpiresAt), s.timestamp(), itemID, token)
	if err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("item %d: %w", itemID, ErrLeaseLost)
	}
	return nil
}

// RecordFailure increments the failure counter; the emergency threshold
// raises priority to high and marks the item unhealthy. The previous priority
// is kept in base_priority until CommitSuccess restores it.
func (s *SQLiteStore) RecordFailure(ctx context.Context, itemID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items
		SET consecutive_failures = consecutive_failures + 1,
			base_priority = CASE
				WHEN consecutive_failures + 1 >= ? AND priority <> 'high' AND base_priority IS NULL THEN priority
				ELSE base_priority
			END,
			priority = CASE WHEN consecutive_failures + 1 >= ? THEN 'high' ELSE priority END,
			health = CASE WHEN consecutive_failures + 1 >= ? THEN 'unhealthy' ELSE health END,
			updated_at = ?
		WHERE id = ?
	`, rotation.EmergencyFailureThreshold, rotation.EmergencyFailureThreshold, rotation.EmergencyFailureThreshold, s.timestamp(), itemID)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return rowsAffected(res, "item", itemID)
}

// MarkTwoFactorBlocked stops the item from being scheduled.
func (s *SQLiteStore) MarkTwoFactorBlocked(ctx context.Context, itemID int64) error {
	return s.setTwoFactorBlocked(ctx, itemID, true)
}

// ClearTwoFactorBlock makes a blocked item schedulable again.
func (s *SQLiteStore) ClearTwoFactorBlock(ctx context.Context, itemID int64) error {
	return s.setTwoFactorBlocked(ctx, itemID, false)
}

func (s *SQLiteStore) setTwoFactorBlocked(ctx context.Context, itemID int64, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items SET two_factor_blocked = ?, updated_at = ? WHERE id = ?
	`, blocked, s.timestamp(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update two-factor flag: %w", err)
	}
	return rowsAffected(res, "item", itemID)
}

// UpdateHealth stores a recomputed health value.
func (s *SQLiteStore) UpdateHealth(ctx context.Context, itemID int64, health rotation.Health) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_items SET health = ?, updated_at = ? WHERE id = ?
	`, health, s.timestamp(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update health: %w", err)
	}
	return rowsAffected(res, "item", itemID)
}

// RecordExtraction stores extraction metadata. Cookie values are not stored.
func (s *SQLiteStore) RecordExtraction(ctx context.Context, rec *rotation.ExtractionRecord) error {
	names, err := json.Marshal(rec.CookieNames)
	if err != nil {
		return fmt.Errorf("failed to encode cookie names: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extractions (item_id, platform, cookie_names, expires_at, expiry_source, extracted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ItemID, rec.Platform, string(names), formatTimePtr(rec.ExpiresAt), rec.ExpirySource, formatTime(rec.ExtractedAt))
	if err != nil {
		return fmt.Errorf("failed to record extraction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get extraction ID: %w", err)
	}
	rec.ID = id
	return nil
}

// ListExtractions returns the newest extractions for an item.
func (s *SQLiteStore) ListExtractions(ctx context.Context, itemID int64, limit int) ([]*rotation.ExtractionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, platform, cookie_names, expires_at, expiry_source, extracted_at
		FROM extractions
		WHERE item_id = ?
		ORDER BY extracted_at DESC, id DESC
		LIMIT ?
	`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list extractions: %w", err)
	}
	defer rows.Close()

	records := []*rotation.ExtractionRecord{}
	for rows.Next() {
		var (
			rec       rotation.ExtractionRecord
			names     string
			expires   sql.NullString
			source    sql.NullString
			extracted string
		)
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Platform, &names, &expires, &source, &extracted); err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		if err := json.Unmarshal([]byte(names), &rec.CookieNames); err != nil {
			return nil, fmt.Errorf("failed to decode cookie names: %w", err)
		}
		if rec.ExpiresAt, err = parseTimePtr(expires); err != nil {
			return nil, err
		}
		if rec.ExtractedAt, err = parseTime(extracted); err != nil {
			return nil, err
		}
		rec.ExpirySource = source.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extractions: %w", err)
	}
	return records, nil
}
