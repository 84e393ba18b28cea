package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeResult contains deletion stats from history cleanup.
type PurgeResult struct {
	DeletedLeases       int64
	DeletedRuns         int64
	DeletedSandboxes    int64
	DeletedEvents       int64
	DeletedReclaimRuns  int64
	DeletedReclaimItems int64
}

// PurgeHistory deletes terminal records older than cutoff. Active leases,
// in-flight runs and live sandboxes are never touched.
func PurgeHistory(ctx context.Context, cutoff time.Time) (*PurgeResult, error) {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	result := &PurgeResult{}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM reclaim_items WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge reclaim items: %w", err)
	}
	result.DeletedReclaimItems, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM reclaim_runs WHERE started_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge reclaim runs: %w", err)
	}
	result.DeletedReclaimRuns, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM lifecycle_events WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge lifecycle events: %w", err)
	}
	result.DeletedEvents, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('succeeded', 'failed', 'timed_out')
		  AND finished_at IS NOT NULL
		  AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge runs: %w", err)
	}
	result.DeletedRuns, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM leases
		WHERE status IN ('released', 'expired')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge leases: %w", err)
	}
	result.DeletedLeases, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM sandboxes
		WHERE state IN ('destroyed', 'tainted')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge sandboxes: %w", err)
	}
	result.DeletedSandboxes, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge transaction: %w", err)
	}
	return result, nil
}
