package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/warmpool/sandboxd/internal/lifecycle"
	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/runtime"
	"github.com/warmpool/sandboxd/internal/security"
	"github.com/warmpool/sandboxd/internal/store"
)

type fixture struct {
	mock      *runtime.MockRuntime
	pool      *pool.Manager
	leases    *LeaseService
	runs      *RunCoordinator
	reclaimer *Reclaimer

	leaseStore   *store.LeaseStore
	runStore     *store.RunStore
	sandboxStore *store.SandboxStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	if err := store.InitDB(filepath.Join(t.TempDir(), "sandboxd.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.CloseDB(); err != nil {
			t.Fatalf("CloseDB() error = %v", err)
		}
	})

	t.Setenv(security.TokenEncryptionKeyEnv, "0123456789abcdef0123456789abcdef")
	cipher, err := security.NewTokenCipherFromEnv()
	if err != nil {
		t.Fatalf("NewTokenCipherFromEnv() error = %v", err)
	}

	mock := runtime.NewMockRuntime()
	sandboxes := store.NewSandboxStore()
	leaseRecs := store.NewLeaseStore()
	runRecs := store.NewRunStore()
	audit := store.NewEventStore()
	drain := lifecycle.NewDrainManager()

	// Warming is not started: each test seeds exactly the sandboxes it needs.
	p := pool.NewManager(mock, sandboxes, audit, nil, pool.Options{
		Target:        0,
		MaxConcurrent: 1,
		CreateTimeout: time.Minute,
		Image:         "registry.test/base@sha256:abc",
	})

	leaseSvc := NewLeaseService(leaseRecs, p, audit, nil, drain, LeaseOptions{
		DefaultTTL:  time.Minute,
		MaxDuration: time.Hour,
	})
	runSvc := NewRunCoordinator(context.Background(), runRecs, leaseSvc, leaseRecs, sandboxes, mock, p, cipher, audit, nil, drain, RunOptions{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     time.Minute,
	})
	reclaimer := NewReclaimer(leaseSvc, leaseRecs, runRecs, sandboxes, store.NewReclaimStore(), p, mock, ReclaimOptions{
		Interval:         time.Minute,
		OrphanGrace:      time.Minute,
		HistoryRetention: 0,
	})

	return &fixture{
		mock:         mock,
		pool:         p,
		leases:       leaseSvc,
		runs:         runSvc,
		reclaimer:    reclaimer,
		leaseStore:   leaseRecs,
		runStore:     runRecs,
		sandboxStore: sandboxes,
	}
}

// seedIdle creates n live sandboxes and adopts them into the pool.
func (f *fixture) seedIdle(t *testing.T, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.mock.Create(ctx)
		if err != nil {
			t.Fatalf("mock Create() error = %v", err)
		}
		now := time.Now().UTC()
		err = f.sandboxStore.Create(ctx, &store.SandboxRecord{
			ID:        id,
			State:     string(model.SandboxStateIdle),
			Image:     "registry.test/base@sha256:abc",
			PodName:   "sandbox-" + id,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("sandbox Create() error = %v", err)
		}
		ids = append(ids, id)
	}
	f.pool.Adopt(ids)
	return ids
}

func (f *fixture) acquire(t *testing.T, userID, workflowID, requestID string) *model.AcquireLeaseResponse {
	t.Helper()
	resp, replayed, err := f.leases.Acquire(context.Background(), &model.AcquireLeaseRequest{
		UserID:     userID,
		WorkflowID: workflowID,
		RequestID:  requestID,
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if replayed {
		t.Fatalf("Acquire() unexpectedly replayed")
	}
	return resp
}

// waitTerminal polls until the run reaches a terminal status.
func (f *fixture) waitTerminal(t *testing.T, runID string) *model.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.runs.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

// waitLeaseStatus polls until the lease leaves active, since teardown runs in
// a background goroutine after the run result is recorded.
func (f *fixture) waitLeaseStatus(t *testing.T, leaseID, want string) *store.LeaseRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var rec *store.LeaseRecord
	for time.Now().Before(deadline) {
		var err error
		rec, err = f.leaseStore.GetByID(context.Background(), leaseID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if rec != nil && rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("lease %s never reached status %q (last: %+v)", leaseID, want, rec)
	return nil
}

func (f *fixture) waitSandboxState(t *testing.T, sandboxID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		rec, err := f.sandboxStore.GetByID(context.Background(), sandboxID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if rec != nil {
			last = rec.State
			if rec.State == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sandbox %s never reached state %q (last %q)", sandboxID, want, last)
}
