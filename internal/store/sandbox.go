package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SandboxRecord mirrors a sandbox pod so a restarted manager can tell intact
// idle sandboxes from orphans without trusting in-memory state.
type SandboxRecord struct {
	ID          string
	State       string
	StateReason string
	Image       string
	PodName     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SandboxStore handles sandbox metadata persistence.
type SandboxStore struct {
	db *sql.DB
}

func NewSandboxStore() *SandboxStore {
	return &SandboxStore{db: DB}
}

func (s *SandboxStore) Create(ctx context.Context, rec *SandboxRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, state, state_reason, image, pod_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.State, rec.StateReason, rec.Image, rec.PodName, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sandbox record: %w", err)
	}
	return nil
}

func (s *SandboxStore) GetByID(ctx context.Context, id string) (*SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, sandboxSelectSQL+` WHERE id = ?`, id)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox by id: %w", err)
	}
	return rec, nil
}

func (s *SandboxStore) UpdateState(ctx context.Context, id, state, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET state = ?, state_reason = ?, updated_at = ?
		WHERE id = ?
	`, state, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to update sandbox state: %w", err)
	}
	return nil
}

func (s *SandboxStore) ListByStates(ctx context.Context, states ...string) ([]SandboxRecord, error) {
	if len(states) == 0 {
		return []SandboxRecord{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+`
		 WHERE state IN (`+placeholders+`)
		 ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes by state: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

// ListStuck returns non-idle sandboxes whose last transition is older than
// cutoff; these were orphaned by a coordinator crash and must be destroyed.
func (s *SandboxStore) ListStuck(ctx context.Context, cutoff time.Time, states ...string) ([]SandboxRecord, error) {
	if len(states) == 0 {
		states = []string{"running", "destroying"}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, cutoff)
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+`
		 WHERE state IN (`+placeholders+`) AND updated_at < ?
		 ORDER BY updated_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

const sandboxSelectSQL = `
SELECT id, state, state_reason, image, pod_name, created_at, updated_at
FROM sandboxes`

func scanSandbox(row interface{ Scan(dest ...any) error }) (*SandboxRecord, error) {
	var rec SandboxRecord
	if err := row.Scan(
		&rec.ID, &rec.State, &rec.StateReason, &rec.Image, &rec.PodName, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanSandboxRows(rows *sql.Rows) ([]SandboxRecord, error) {
	var items []SandboxRecord
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []SandboxRecord{}
	}
	return items, nil
}
