package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/runtime"
	"github.com/warmpool/sandboxd/internal/store"
)

// ReclaimOptions configures the sweep.
type ReclaimOptions struct {
	Interval time.Duration
	// OrphanGrace: in-flight runs and non-idle sandboxes untouched for longer
	// than this are treated as leaked by a crash and force-reclaimed.
	OrphanGrace      time.Duration
	HistoryRetention time.Duration
}

// Reclaimer is the safety net: it expires overdue leases, fails orphaned
// runs, force-destroys stuck sandboxes and prunes old history. Every sweep is
// recorded so operators can audit what was reclaimed and why.
type Reclaimer struct {
	leases    *LeaseService
	leaseRecs *store.LeaseStore
	runs      *store.RunStore
	sandboxes *store.SandboxStore
	reclaims  *store.ReclaimStore
	pool      *pool.Manager
	rt        runtime.Runtime
	opts      ReclaimOptions
	logger    *slog.Logger

	lastPurge time.Time
}

func NewReclaimer(
	leaseSvc *LeaseService,
	leaseRecs *store.LeaseStore,
	runs *store.RunStore,
	sandboxes *store.SandboxStore,
	reclaims *store.ReclaimStore,
	p *pool.Manager,
	rt runtime.Runtime,
	opts ReclaimOptions,
) *Reclaimer {
	return &Reclaimer{
		leases:    leaseSvc,
		leaseRecs: leaseRecs,
		runs:      runs,
		sandboxes: sandboxes,
		reclaims:  reclaims,
		pool:      p,
		rt:        rt,
		opts:      opts,
		logger:    slog.Default().With("component", "reclaimer"),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, "interval"); err != nil {
				r.logger.Error("reclaim sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one reclaim pass and records it.
func (r *Reclaimer) Sweep(ctx context.Context, trigger string) (*model.ReclaimRun, error) {
	now := time.Now().UTC()
	sweep := &store.ReclaimRunRecord{
		ID:          uuid.NewString(),
		TriggerType: trigger,
		StartedAt:   now,
		Status:      "running",
	}
	if err := r.reclaims.CreateRun(ctx, sweep); err != nil {
		return nil, err
	}

	var sweepErr error
	expired, err := r.expireLeases(ctx, sweep.ID)
	if err != nil {
		sweepErr = err
	}
	orphaned, err := r.failOrphanedRuns(ctx, sweep.ID)
	if err != nil && sweepErr == nil {
		sweepErr = err
	}
	forced, err := r.destroyStuckSandboxes(ctx, sweep.ID)
	if err != nil && sweepErr == nil {
		sweepErr = err
	}
	r.purgeHistory(ctx)

	status, errMsg := "succeeded", ""
	if sweepErr != nil {
		status, errMsg = "failed", sweepErr.Error()
	}
	finishedAt := time.Now().UTC()
	if err := r.reclaims.FinishRun(ctx, sweep.ID, status, errMsg, expired, orphaned, forced, finishedAt); err != nil {
		r.logger.Error("failed to record reclaim sweep", "sweep_id", sweep.ID, "error", err)
	}

	if expired+orphaned+forced > 0 {
		r.logger.Info("reclaim sweep done",
			"sweep_id", sweep.ID, "trigger", trigger,
			"expired_leases", expired, "orphaned_runs", orphaned, "forced_destroys", forced)
	}

	return &model.ReclaimRun{
		ID:             sweep.ID,
		TriggerType:    trigger,
		StartedAt:      sweep.StartedAt,
		FinishedAt:     &finishedAt,
		ExpiredLeases:  expired,
		OrphanedRuns:   orphaned,
		ForcedDestroys: forced,
		Status:         status,
		Error:          errMsg,
	}, sweepErr
}

// expireLeases CAS-expires active leases past their deadline. The CAS makes
// this safe against a concurrent release: only the winner recycles the
// sandbox.
func (r *Reclaimer) expireLeases(ctx context.Context, sweepID string) (int, error) {
	now := time.Now().UTC()
	overdue, err := r.leaseRecs.ListExpiredActive(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, lease := range overdue {
		won, err := r.leases.End(ctx, lease.ID, model.LeaseStatusExpired, "lease ttl exceeded")
		if err != nil {
			r.logger.Error("failed to expire lease", "lease_id", lease.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		count++

		// A run still in flight on an expired lease is failed here; its
		// executing goroutine (if any survives) loses the lease CAS and
		// will not touch the sandbox again.
		if inflight, err := r.runs.GetInFlightByLease(ctx, lease.ID); err == nil && inflight != nil {
			_ = r.runs.Finish(ctx, inflight.ID, string(model.RunStatusFailed), -1, "lease expired during run", "", "", now)
			r.addItem(ctx, sweepID, inflight.ID, "run", "failed", "lease expired during run")
		}

		r.pool.Recycle(ctx, lease.SandboxID, "lease expired")
		r.addItem(ctx, sweepID, lease.ID, "lease", "expired", fmt.Sprintf("expired at %s", lease.ExpiresAt.Format(time.RFC3339)))
	}
	return count, nil
}

// failOrphanedRuns terminates in-flight runs whose execution goroutine is
// gone: the run has been in flight longer than the orphan grace.
func (r *Reclaimer) failOrphanedRuns(ctx context.Context, sweepID string) (int, error) {
	inflight, err := r.runs.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for _, run := range inflight {
		started := run.CreatedAt
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
		if now.Sub(started) < r.opts.OrphanGrace {
			continue
		}

		if err := r.runs.Finish(ctx, run.ID, string(model.RunStatusFailed), -1, "run orphaned, no coordinator progress", "", "", now); err != nil {
			r.logger.Error("failed to fail orphaned run", "run_id", run.ID, "error", err)
			continue
		}
		count++
		r.addItem(ctx, sweepID, run.ID, "run", "failed", "orphaned in flight")

		if won, err := r.leases.End(ctx, run.LeaseID, model.LeaseStatusExpired, "run orphaned"); err == nil && won {
			r.pool.Recycle(ctx, run.SandboxID, "run orphaned")
			r.addItem(ctx, sweepID, run.LeaseID, "lease", "expired", "run orphaned")
		}
	}
	return count, nil
}

// destroyStuckSandboxes force-destroys sandboxes wedged in running or
// destroying longer than the orphan grace, and retries quarantined ones.
func (r *Reclaimer) destroyStuckSandboxes(ctx context.Context, sweepID string) (int, error) {
	cutoff := time.Now().UTC().Add(-r.opts.OrphanGrace)
	stuck, err := r.sandboxes.ListStuck(ctx, cutoff,
		string(model.SandboxStateRunning), string(model.SandboxStateDestroying), string(model.SandboxStateTainted))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sb := range stuck {
		r.pool.Recycle(ctx, sb.ID, "stuck in "+sb.State)
		count++
		r.addItem(ctx, sweepID, sb.ID, "sandbox", "force_destroyed", "stuck in "+sb.State)
	}
	return count, nil
}

func (r *Reclaimer) purgeHistory(ctx context.Context) {
	if r.opts.HistoryRetention <= 0 {
		return
	}
	now := time.Now().UTC()
	if now.Sub(r.lastPurge) < time.Hour {
		return
	}
	r.lastPurge = now

	result, err := store.PurgeHistory(ctx, now.Add(-r.opts.HistoryRetention))
	if err != nil {
		r.logger.Error("history purge failed", "error", err)
		return
	}
	total := result.DeletedLeases + result.DeletedRuns + result.DeletedSandboxes +
		result.DeletedEvents + result.DeletedReclaimRuns + result.DeletedReclaimItems
	if total > 0 {
		r.logger.Info("purged history",
			"leases", result.DeletedLeases, "runs", result.DeletedRuns,
			"sandboxes", result.DeletedSandboxes, "events", result.DeletedEvents)
	}
}

// RecoverStartup reconciles durable records against live sandboxes after a
// restart. In-flight runs lost their executing goroutine with the old
// process, so they are failed outright; intact idle sandboxes are re-adopted;
// live sandboxes the store does not know are destroyed.
func (r *Reclaimer) RecoverStartup(ctx context.Context) error {
	now := time.Now().UTC()
	sweep := &store.ReclaimRunRecord{
		ID:          uuid.NewString(),
		TriggerType: "startup",
		StartedAt:   now,
		Status:      "running",
	}
	if err := r.reclaims.CreateRun(ctx, sweep); err != nil {
		return err
	}

	orphaned := 0
	inflight, err := r.runs.ListInFlight(ctx)
	if err != nil {
		return err
	}
	for _, run := range inflight {
		if err := r.runs.Finish(ctx, run.ID, string(model.RunStatusFailed), -1, "interrupted by manager restart", "", "", now); err != nil {
			r.logger.Error("failed to fail interrupted run", "run_id", run.ID, "error", err)
			continue
		}
		orphaned++
		r.addItem(ctx, sweep.ID, run.ID, "run", "failed", "interrupted by restart")
		if won, err := r.leases.End(ctx, run.LeaseID, model.LeaseStatusExpired, "manager restart"); err == nil && won {
			r.pool.Recycle(ctx, run.SandboxID, "interrupted run")
			r.addItem(ctx, sweep.ID, run.LeaseID, "lease", "expired", "manager restart")
		}
	}

	live, err := r.rt.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live sandboxes: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	// Re-adopt idle sandboxes whose pod is still up; anything idle-on-record
	// but gone in the cluster is just marked destroyed.
	forced := 0
	idle, err := r.sandboxes.ListByStates(ctx, string(model.SandboxStateIdle))
	if err != nil {
		return err
	}
	var adopt []string
	for _, sb := range idle {
		if liveSet[sb.ID] {
			adopt = append(adopt, sb.ID)
			delete(liveSet, sb.ID)
			continue
		}
		_ = r.sandboxes.UpdateState(ctx, sb.ID, string(model.SandboxStateDestroyed), "pod missing at startup", now)
		r.addItem(ctx, sweep.ID, sb.ID, "sandbox", "marked_destroyed", "pod missing at startup")
	}
	r.pool.Adopt(adopt)

	// Leased/running sandboxes had their runs failed above; destroy what is
	// still up, and destroy pods the store has no record of at all.
	known, err := r.sandboxes.ListByStates(ctx,
		string(model.SandboxStateLeased), string(model.SandboxStateRunning),
		string(model.SandboxStateDestroying), string(model.SandboxStateTainted))
	if err != nil {
		return err
	}
	for _, sb := range known {
		delete(liveSet, sb.ID)
		r.pool.Recycle(ctx, sb.ID, "stale at startup")
		forced++
		r.addItem(ctx, sweep.ID, sb.ID, "sandbox", "force_destroyed", "stale at startup")
	}
	for id := range liveSet {
		if err := r.rt.Destroy(ctx, id); err != nil {
			r.logger.Error("failed to destroy unknown sandbox", "sandbox_id", id, "error", err)
			continue
		}
		forced++
		r.addItem(ctx, sweep.ID, id, "sandbox", "force_destroyed", "unknown to store")
	}

	finishedAt := time.Now().UTC()
	if err := r.reclaims.FinishRun(ctx, sweep.ID, "succeeded", "", 0, orphaned, forced, finishedAt); err != nil {
		r.logger.Error("failed to record startup sweep", "sweep_id", sweep.ID, "error", err)
	}
	r.logger.Info("startup recovery done",
		"adopted_idle", len(adopt), "failed_runs", orphaned, "forced_destroys", forced)
	return nil
}

// ListSweeps returns recent reclaim sweeps, newest first.
func (r *Reclaimer) ListSweeps(ctx context.Context, limit int) (*model.ReclaimRunListResponse, error) {
	recs, err := r.reclaims.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]model.ReclaimRun, 0, len(recs))
	for _, rec := range recs {
		items = append(items, reclaimRunView(&rec))
	}
	return &model.ReclaimRunListResponse{Items: items}, nil
}

// GetSweep returns one sweep with its corrective actions.
func (r *Reclaimer) GetSweep(ctx context.Context, id string) (*model.ReclaimRunDetailResponse, error) {
	rec, err := r.reclaims.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRunNotFound
	}
	itemRecs, err := r.reclaims.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	items := make([]model.ReclaimItem, 0, len(itemRecs))
	for _, item := range itemRecs {
		items = append(items, model.ReclaimItem{
			ID:        item.ID,
			RunID:     item.RunID,
			TargetID:  item.TargetID,
			Kind:      item.Kind,
			Action:    item.Action,
			Detail:    item.Detail,
			CreatedAt: item.CreatedAt,
		})
	}
	return &model.ReclaimRunDetailResponse{Run: reclaimRunView(rec), Items: items}, nil
}

func (r *Reclaimer) addItem(ctx context.Context, sweepID, targetID, kind, action, detail string) {
	err := r.reclaims.AddItem(ctx, &store.ReclaimItemRecord{
		RunID:     sweepID,
		TargetID:  targetID,
		Kind:      kind,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to record reclaim item", "target_id", targetID, "error", err)
	}
}

func reclaimRunView(rec *store.ReclaimRunRecord) model.ReclaimRun {
	return model.ReclaimRun{
		ID:             rec.ID,
		TriggerType:    rec.TriggerType,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
		ExpiredLeases:  rec.ExpiredLeases,
		OrphanedRuns:   rec.OrphanedRuns,
		ForcedDestroys: rec.ForcedDestroys,
		Status:         rec.Status,
		Error:          rec.Error,
	}
}
