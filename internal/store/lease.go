package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrActiveLeaseExists is returned when an insert collides with the
// one-active-lease-per-(user,workflow) index.
var ErrActiveLeaseExists = errors.New("an active lease already exists for this user and workflow")

// LeaseRecord persists one exclusive sandbox lease as the durable source of
// truth; the reclaimer reconstructs in-flight state from these rows after a
// restart.
type LeaseRecord struct {
	ID           string
	SandboxID    string
	UserID       string
	WorkflowID   string
	RequestID    string
	Status       string
	StatusReason string
	Version      int64
	TTLSeconds   int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	MaxExpiresAt time.Time
	ReleasedAt   *time.Time
	UpdatedAt    time.Time
}

// LeaseStore handles lease persistence.
type LeaseStore struct {
	db *sql.DB
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{db: DB}
}

func (s *LeaseStore) Create(ctx context.Context, rec *LeaseRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (
			id, sandbox_id, user_id, workflow_id, request_id,
			status, status_reason, version, ttl_seconds,
			created_at, expires_at, max_expires_at, released_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SandboxID, rec.UserID, rec.WorkflowID, rec.RequestID,
		rec.Status, rec.StatusReason, rec.Version, rec.TTLSeconds,
		rec.CreatedAt, rec.ExpiresAt, rec.MaxExpiresAt, toNullTime(rec.ReleasedAt), rec.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrActiveLeaseExists
		}
		return fmt.Errorf("failed to create lease record: %w", err)
	}
	return nil
}

func (s *LeaseStore) GetByID(ctx context.Context, id string) (*LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, leaseSelectSQL+` WHERE id = ?`, id)
	rec, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease by id: %w", err)
	}
	return rec, nil
}

// GetActiveByOwner returns the active lease for a (user, workflow) pair, or
// nil when none exists. The partial unique index guarantees at most one row.
func (s *LeaseStore) GetActiveByOwner(ctx context.Context, userID, workflowID string) (*LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, leaseSelectSQL+`
		 WHERE user_id = ? AND workflow_id = ? AND status = 'active'
	`, userID, workflowID)
	rec, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lease: %w", err)
	}
	return rec, nil
}

func (s *LeaseStore) ListActive(ctx context.Context) ([]LeaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, leaseSelectSQL+`
		 WHERE status = 'active'
		 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active leases: %w", err)
	}
	defer rows.Close()
	return scanLeaseRows(rows)
}

func (s *LeaseStore) ListExpiredActive(ctx context.Context, now time.Time) ([]LeaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, leaseSelectSQL+`
		 WHERE status = 'active' AND (expires_at <= ? OR max_expires_at <= ?)
		 ORDER BY expires_at ASC
	`, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	defer rows.Close()
	return scanLeaseRows(rows)
}

// Transition moves an active lease to a terminal status using optimistic
// concurrency. Returns false when the version no longer matches, i.e. a
// concurrent release/expiry won the race and this caller must not free the
// sandbox again.
func (s *LeaseStore) Transition(ctx context.Context, id string, version int64, toStatus, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET status = ?, status_reason = ?, version = version + 1, released_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND version = ?
	`, toStatus, reason, now, now, id, version)
	if err != nil {
		return false, fmt.Errorf("failed to transition lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return affected == 1, nil
}

// ExtendExpiry bumps expires_at for a heartbeat, guarded by the same version
// check so an extension cannot resurrect a lease that just expired.
func (s *LeaseStore) ExtendExpiry(ctx context.Context, id string, version int64, expiresAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'active' AND version = ?
	`, expiresAt, now, id, version)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease expiry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read extend result: %w", err)
	}
	return affected == 1, nil
}

const leaseSelectSQL = `
SELECT
	id, sandbox_id, user_id, workflow_id, request_id,
	status, status_reason, version, ttl_seconds,
	created_at, expires_at, max_expires_at, released_at, updated_at
FROM leases`

func scanLease(row interface{ Scan(dest ...any) error }) (*LeaseRecord, error) {
	var rec LeaseRecord
	var releasedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.SandboxID, &rec.UserID, &rec.WorkflowID, &rec.RequestID,
		&rec.Status, &rec.StatusReason, &rec.Version, &rec.TTLSeconds,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.MaxExpiresAt, &releasedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		rec.ReleasedAt = &t
	}
	return &rec, nil
}

func scanLeaseRows(rows *sql.Rows) ([]LeaseRecord, error) {
	var items []LeaseRecord
	for rows.Next() {
		rec, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []LeaseRecord{}
	}
	return items, nil
}
