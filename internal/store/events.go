package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LifecycleEventRecord is one audited state transition of a lease, run or
// sandbox.
type LifecycleEventRecord struct {
	ID         int64
	TargetKind string
	TargetID   string
	Source     string
	FromStatus string
	ToStatus   string
	Reason     string
	CreatedAt  time.Time
}

// EventStore appends and reads the lifecycle audit trail.
type EventStore struct {
	db *sql.DB
}

func NewEventStore() *EventStore {
	return &EventStore{db: DB}
}

func (s *EventStore) Append(ctx context.Context, targetKind, targetID, source, fromStatus, toStatus, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (target_kind, target_id, source, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, targetKind, targetID, source, fromStatus, toStatus, reason, now)
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

func (s *EventStore) ListByTarget(ctx context.Context, targetKind, targetID string, limit int) ([]LifecycleEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_kind, target_id, source, from_status, to_status, reason, created_at
		FROM lifecycle_events
		WHERE target_kind = ? AND target_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, targetKind, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	defer rows.Close()

	var items []LifecycleEventRecord
	for rows.Next() {
		var item LifecycleEventRecord
		if err := rows.Scan(&item.ID, &item.TargetKind, &item.TargetID, &item.Source, &item.FromStatus, &item.ToStatus, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		items = append(items, item)
	}
	if items == nil {
		items = []LifecycleEventRecord{}
	}
	return items, nil
}
