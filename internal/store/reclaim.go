package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReclaimRunRecord stores one reclaimer sweep.
type ReclaimRunRecord struct {
	ID             string
	TriggerType    string
	StartedAt      time.Time
	FinishedAt     *time.Time
	ExpiredLeases  int
	OrphanedRuns   int
	ForcedDestroys int
	Status         string
	Error          string
}

// ReclaimItemRecord stores one corrective action taken during a sweep.
type ReclaimItemRecord struct {
	ID        int64
	RunID     string
	TargetID  string
	Kind      string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// ReclaimStore handles reclaim bookkeeping persistence.
type ReclaimStore struct {
	db *sql.DB
}

func NewReclaimStore() *ReclaimStore {
	return &ReclaimStore{db: DB}
}

func (s *ReclaimStore) CreateRun(ctx context.Context, run *ReclaimRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reclaim_runs (id, trigger_type, started_at, finished_at, expired_leases, orphaned_runs, forced_destroys, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TriggerType, run.StartedAt, toNullTime(run.FinishedAt), run.ExpiredLeases, run.OrphanedRuns, run.ForcedDestroys, run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("failed to create reclaim run: %w", err)
	}
	return nil
}

func (s *ReclaimStore) FinishRun(ctx context.Context, id, status, errMsg string, expiredLeases, orphanedRuns, forcedDestroys int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reclaim_runs
		SET finished_at = ?, expired_leases = ?, orphaned_runs = ?, forced_destroys = ?, status = ?, error = ?
		WHERE id = ?
	`, finishedAt, expiredLeases, orphanedRuns, forcedDestroys, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish reclaim run: %w", err)
	}
	return nil
}

func (s *ReclaimStore) AddItem(ctx context.Context, item *ReclaimItemRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reclaim_items (run_id, target_id, kind, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, item.RunID, item.TargetID, item.Kind, item.Action, item.Detail, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add reclaim item: %w", err)
	}
	return nil
}

func (s *ReclaimStore) ListRuns(ctx context.Context, limit int) ([]ReclaimRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_type, started_at, finished_at, expired_leases, orphaned_runs, forced_destroys, status, error
		FROM reclaim_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reclaim runs: %w", err)
	}
	defer rows.Close()

	var items []ReclaimRunRecord
	for rows.Next() {
		var r ReclaimRunRecord
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TriggerType, &r.StartedAt, &finishedAt, &r.ExpiredLeases, &r.OrphanedRuns, &r.ForcedDestroys, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan reclaim run: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		items = append(items, r)
	}
	if items == nil {
		items = []ReclaimRunRecord{}
	}
	return items, nil
}

func (s *ReclaimStore) GetRun(ctx context.Context, id string) (*ReclaimRunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_type, started_at, finished_at, expired_leases, orphaned_runs, forced_destroys, status, error
		FROM reclaim_runs
		WHERE id = ?
	`, id)

	var r ReclaimRunRecord
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TriggerType, &r.StartedAt, &finishedAt, &r.ExpiredLeases, &r.OrphanedRuns, &r.ForcedDestroys, &r.Status, &r.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reclaim run: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *ReclaimStore) ListItems(ctx context.Context, runID string) ([]ReclaimItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, target_id, kind, action, detail, created_at
		FROM reclaim_items
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reclaim items: %w", err)
	}
	defer rows.Close()

	var items []ReclaimItemRecord
	for rows.Next() {
		var item ReclaimItemRecord
		if err := rows.Scan(&item.ID, &item.RunID, &item.TargetID, &item.Kind, &item.Action, &item.Detail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reclaim item: %w", err)
		}
		items = append(items, item)
	}
	if items == nil {
		items = []ReclaimItemRecord{}
	}
	return items, nil
}
