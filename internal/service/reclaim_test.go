package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/store"
)

// seedLease inserts an active lease bound to sandboxID with the given expiry.
func seedLease(t *testing.T, f *fixture, sandboxID string, expiresAt time.Time) string {
	t.Helper()
	now := time.Now().UTC()
	rec := &store.LeaseRecord{
		ID:           uuid.NewString(),
		SandboxID:    sandboxID,
		UserID:       "user-" + uuid.NewString()[:8],
		WorkflowID:   "wf-1",
		RequestID:    "req-1",
		Status:       string(model.LeaseStatusActive),
		Version:      1,
		TTLSeconds:   60,
		CreatedAt:    now.Add(-time.Hour),
		ExpiresAt:    expiresAt,
		MaxExpiresAt: now.Add(time.Hour),
		UpdatedAt:    now,
	}
	if err := f.leaseStore.Create(context.Background(), rec); err != nil {
		t.Fatalf("lease Create() error = %v", err)
	}
	return rec.ID
}

func TestSweepExpiresOverdueLeases(t *testing.T) {
	f := newFixture(t)
	ids := f.seedIdle(t, 2)
	ctx := context.Background()

	now := time.Now().UTC()
	overdueID := seedLease(t, f, ids[0], now.Add(-time.Minute))
	freshID := seedLease(t, f, ids[1], now.Add(time.Hour))

	sweep, err := f.reclaimer.Sweep(ctx, "manual")
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if sweep.ExpiredLeases != 1 {
		t.Fatalf("ExpiredLeases = %d, want 1", sweep.ExpiredLeases)
	}

	f.waitLeaseStatus(t, overdueID, string(model.LeaseStatusExpired))
	f.waitSandboxState(t, ids[0], string(model.SandboxStateDestroyed))

	fresh, err := f.leaseStore.GetByID(ctx, freshID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if fresh.Status != string(model.LeaseStatusActive) {
		t.Fatalf("fresh lease status = %q, want untouched active", fresh.Status)
	}

	detail, err := f.reclaimer.GetSweep(ctx, sweep.ID)
	if err != nil {
		t.Fatalf("GetSweep() error = %v", err)
	}
	if len(detail.Items) == 0 {
		t.Fatalf("sweep recorded no corrective actions")
	}
}

func TestSweepFailsRunOnExpiredLease(t *testing.T) {
	f := newFixture(t)
	ids := f.seedIdle(t, 1)
	ctx := context.Background()

	now := time.Now().UTC()
	leaseID := seedLease(t, f, ids[0], now.Add(-time.Minute))
	runRec := &store.RunRecord{
		ID:             "run-1",
		LeaseID:        leaseID,
		WorkflowID:     "wf-1",
		SandboxID:      ids[0],
		Status:         string(model.RunStatusRunning),
		TimeoutSeconds: 60,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.runStore.Create(ctx, runRec); err != nil {
		t.Fatalf("run Create() error = %v", err)
	}

	if _, err := f.reclaimer.Sweep(ctx, "manual"); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	run, err := f.runStore.GetByID(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if run.Status != string(model.RunStatusFailed) {
		t.Fatalf("run status = %q, want failed after lease expiry", run.Status)
	}
}

func TestSweepFailsOrphanedRuns(t *testing.T) {
	f := newFixture(t)
	ids := f.seedIdle(t, 1)
	ctx := context.Background()

	now := time.Now().UTC()
	leaseID := seedLease(t, f, ids[0], now.Add(time.Hour))
	stale := now.Add(-10 * time.Minute)
	runRec := &store.RunRecord{
		ID:             "run-stale",
		LeaseID:        leaseID,
		WorkflowID:     "wf-1",
		SandboxID:      ids[0],
		Status:         string(model.RunStatusRunning),
		TimeoutSeconds: 60,
		StartedAt:      &stale,
		CreatedAt:      stale,
		UpdatedAt:      stale,
	}
	if err := f.runStore.Create(ctx, runRec); err != nil {
		t.Fatalf("run Create() error = %v", err)
	}

	sweep, err := f.reclaimer.Sweep(ctx, "manual")
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if sweep.OrphanedRuns != 1 {
		t.Fatalf("OrphanedRuns = %d, want 1", sweep.OrphanedRuns)
	}

	run, err := f.runStore.GetByID(ctx, "run-stale")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if run.Status != string(model.RunStatusFailed) {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	f.waitLeaseStatus(t, leaseID, string(model.LeaseStatusExpired))
	f.waitSandboxState(t, ids[0], string(model.SandboxStateDestroyed))
}

func TestRecoverStartup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// One intact idle sandbox: live pod + idle record.
	intact := f.seedIdle(t, 1)

	// One sandbox mid-run at crash time: live pod, running record, in-flight
	// run on an active lease.
	crashed, err := f.mock.Create(ctx)
	if err != nil {
		t.Fatalf("mock Create() error = %v", err)
	}
	err = f.sandboxStore.Create(ctx, &store.SandboxRecord{
		ID: crashed, State: string(model.SandboxStateRunning),
		Image: "img", PodName: "sandbox-" + crashed, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("sandbox Create() error = %v", err)
	}
	leaseID := seedLease(t, f, crashed, now.Add(time.Hour))
	err = f.runStore.Create(ctx, &store.RunRecord{
		ID: "run-crashed", LeaseID: leaseID, WorkflowID: "wf-1", SandboxID: crashed,
		Status: string(model.RunStatusRunning), TimeoutSeconds: 60,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("run Create() error = %v", err)
	}

	// One idle record whose pod is gone.
	err = f.sandboxStore.Create(ctx, &store.SandboxRecord{
		ID: "ghost", State: string(model.SandboxStateIdle),
		Image: "img", PodName: "sandbox-ghost", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("sandbox Create() error = %v", err)
	}

	// One live pod the store knows nothing about.
	unknown, err := f.mock.Create(ctx)
	if err != nil {
		t.Fatalf("mock Create() error = %v", err)
	}

	if err := f.reclaimer.RecoverStartup(ctx); err != nil {
		t.Fatalf("RecoverStartup() error = %v", err)
	}

	if f.pool.IdleCount() != 1 {
		t.Fatalf("IdleCount() = %d, want the one intact sandbox adopted", f.pool.IdleCount())
	}

	run, err := f.runStore.GetByID(ctx, "run-crashed")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if run.Status != string(model.RunStatusFailed) {
		t.Fatalf("crashed run status = %q, want failed", run.Status)
	}
	f.waitLeaseStatus(t, leaseID, string(model.LeaseStatusExpired))
	f.waitSandboxState(t, crashed, string(model.SandboxStateDestroyed))
	f.waitSandboxState(t, "ghost", string(model.SandboxStateDestroyed))

	// The unknown pod was destroyed; only the adopted one is left.
	if f.mock.LiveCount() != 1 {
		t.Fatalf("LiveCount() = %d, want only the adopted sandbox %v (unknown %s destroyed)",
			f.mock.LiveCount(), intact, unknown)
	}
}
