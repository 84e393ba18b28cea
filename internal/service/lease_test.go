package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warmpool/sandboxd/internal/model"
)

func TestAcquireGrantsExclusiveLease(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	resp := f.acquire(t, "user-1", "wf-1", "req-1")
	if resp.LeaseID == "" || resp.SandboxID == "" {
		t.Fatalf("Acquire() returned incomplete grant: %+v", resp)
	}

	// Same requestId replays the grant without consuming a sandbox.
	replay, replayed, err := f.leases.Acquire(ctx, &model.AcquireLeaseRequest{
		UserID: "user-1", WorkflowID: "wf-1", RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Acquire() replay error = %v", err)
	}
	if !replayed {
		t.Fatalf("Acquire() with same requestId should replay")
	}
	if replay.LeaseID != resp.LeaseID || replay.SandboxID != resp.SandboxID {
		t.Fatalf("replay mismatch: got %+v want %+v", replay, resp)
	}

	// A different requestId for the same owner is refused.
	_, _, err = f.leases.Acquire(ctx, &model.AcquireLeaseRequest{
		UserID: "user-1", WorkflowID: "wf-1", RequestID: "req-2",
	})
	if !errors.Is(err, ErrAlreadyLeased) {
		t.Fatalf("Acquire() error = %v, want ErrAlreadyLeased", err)
	}
}

func TestAcquireDistinctWorkflowsGetDistinctSandboxes(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 2)

	a := f.acquire(t, "user-1", "wf-1", "req-1")
	b := f.acquire(t, "user-1", "wf-2", "req-2")
	if a.SandboxID == b.SandboxID {
		t.Fatalf("two workflows received the same sandbox %q", a.SandboxID)
	}
}

func TestAcquirePoolExhausted(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.leases.Acquire(context.Background(), &model.AcquireLeaseRequest{
		UserID: "user-1", WorkflowID: "wf-1", RequestID: "req-1",
	})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPoolExhausted", err)
	}
}

func TestHeartbeatExtendsWithinCap(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	resp := f.acquire(t, "user-1", "wf-1", "req-1")

	hb, err := f.leases.Heartbeat(ctx, resp.LeaseID)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if hb.ExpiresAt.Before(resp.ExpiresAt) {
		t.Fatalf("heartbeat moved expiry backwards: %v -> %v", resp.ExpiresAt, hb.ExpiresAt)
	}

	rec, err := f.leaseStore.GetByID(ctx, resp.LeaseID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if hb.ExpiresAt.After(rec.MaxExpiresAt) {
		t.Fatalf("heartbeat extended past MaxExpiresAt: %v > %v", hb.ExpiresAt, rec.MaxExpiresAt)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	if _, err := f.leases.Heartbeat(ctx, "no-such-lease"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("Heartbeat() error = %v, want ErrLeaseNotFound", err)
	}

	resp := f.acquire(t, "user-1", "wf-1", "req-1")
	if err := f.leases.Release(ctx, resp.LeaseID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := f.leases.Heartbeat(ctx, resp.LeaseID); !errors.Is(err, ErrLeaseNotActive) {
		t.Fatalf("Heartbeat() on released lease error = %v, want ErrLeaseNotActive", err)
	}
}

func TestReleaseDestroysSandboxAndFreesOwnerSlot(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 2)
	ctx := context.Background()

	resp := f.acquire(t, "user-1", "wf-1", "req-1")
	if err := f.leases.Release(ctx, resp.LeaseID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	f.waitLeaseStatus(t, resp.LeaseID, string(model.LeaseStatusReleased))
	f.waitSandboxState(t, resp.SandboxID, string(model.SandboxStateDestroyed))

	// Release is idempotent once terminal; only unknown ids fail.
	if err := f.leases.Release(ctx, resp.LeaseID); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if err := f.leases.Release(ctx, "no-such-lease"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("Release() error = %v, want ErrLeaseNotFound", err)
	}

	// Owner slot is free again: a new acquisition succeeds with a new
	// sandbox.
	again := f.acquire(t, "user-1", "wf-1", "req-9")
	if again.SandboxID == resp.SandboxID {
		t.Fatalf("released sandbox %q was granted again", resp.SandboxID)
	}
}

func TestAcquireCustomTTL(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)

	before := time.Now().UTC()
	resp, _, err := f.leases.Acquire(context.Background(), &model.AcquireLeaseRequest{
		UserID: "user-1", WorkflowID: "wf-1", RequestID: "req-1", TTLSeconds: 300,
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ttl := resp.ExpiresAt.Sub(before)
	if ttl < 4*time.Minute || ttl > 6*time.Minute {
		t.Fatalf("expiry %v not ~5m from acquisition", ttl)
	}
}
