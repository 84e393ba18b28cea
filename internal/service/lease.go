package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warmpool/sandboxd/internal/events"
	"github.com/warmpool/sandboxd/internal/lifecycle"
	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/store"
)

// LeaseOptions bounds lease lifetimes.
type LeaseOptions struct {
	DefaultTTL  time.Duration
	MaxDuration time.Duration
}

// LeaseService grants exclusive sandbox leases. The durable invariants (one
// active lease per owner, version CAS on transitions) live in the store; this
// layer orchestrates the pool and the audit trail around them.
type LeaseService struct {
	leases    *store.LeaseStore
	pool      *pool.Manager
	audit     *store.EventStore
	publisher events.Publisher
	drain     *lifecycle.DrainManager
	opts      LeaseOptions
	logger    *slog.Logger
}

func NewLeaseService(leases *store.LeaseStore, p *pool.Manager, audit *store.EventStore, publisher events.Publisher, drain *lifecycle.DrainManager, opts LeaseOptions) *LeaseService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &LeaseService{
		leases:    leases,
		pool:      p,
		audit:     audit,
		publisher: publisher,
		drain:     drain,
		opts:      opts,
		logger:    slog.Default().With("component", "lease"),
	}
}

// Acquire grants a lease on an idle sandbox. Idempotent on (userId,
// workflowId, requestId): a retry with the same requestId replays the
// existing grant (replayed=true) instead of consuming another sandbox.
func (s *LeaseService) Acquire(ctx context.Context, req *model.AcquireLeaseRequest) (resp *model.AcquireLeaseResponse, replayed bool, err error) {
	if s.drain != nil && s.drain.IsDraining() {
		return nil, false, ErrDraining
	}

	existing, err := s.leases.GetActiveByOwner(ctx, req.UserID, req.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.RequestID == req.RequestID {
			return leaseResponse(existing), true, nil
		}
		return nil, false, ErrAlreadyLeased
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxDuration {
		ttl = s.opts.MaxDuration
	}

	sandboxID, err := s.pool.TakeIdle(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return nil, false, ErrPoolExhausted
		}
		return nil, false, err
	}

	now := time.Now().UTC()
	rec := &store.LeaseRecord{
		ID:           uuid.NewString(),
		SandboxID:    sandboxID,
		UserID:       req.UserID,
		WorkflowID:   req.WorkflowID,
		RequestID:    req.RequestID,
		Status:       string(model.LeaseStatusActive),
		Version:      1,
		TTLSeconds:   int(ttl / time.Second),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		MaxExpiresAt: now.Add(s.opts.MaxDuration),
		UpdatedAt:    now,
	}
	if err := s.leases.Create(ctx, rec); err != nil {
		// Lost an insert race for the owner slot. This sandbox was never
		// exposed to the caller, so it goes straight back to the pool.
		s.pool.Return(ctx, sandboxID)
		if !errors.Is(err, store.ErrActiveLeaseExists) {
			return nil, false, err
		}
		winner, gerr := s.leases.GetActiveByOwner(ctx, req.UserID, req.WorkflowID)
		if gerr != nil {
			return nil, false, gerr
		}
		if winner != nil && winner.RequestID == req.RequestID {
			return leaseResponse(winner), true, nil
		}
		return nil, false, ErrAlreadyLeased
	}

	_ = s.audit.Append(ctx, "lease", rec.ID, "api", "", rec.Status, "acquired", now)
	s.publisher.Publish(events.SubjectLeaseAcquired, map[string]any{
		"lease_id":    rec.ID,
		"sandbox_id":  rec.SandboxID,
		"user_id":     rec.UserID,
		"workflow_id": rec.WorkflowID,
	})
	s.logger.Info("lease acquired",
		"lease_id", rec.ID, "sandbox_id", rec.SandboxID,
		"user_id", rec.UserID, "workflow_id", rec.WorkflowID,
		"expires_at", rec.ExpiresAt)

	return leaseResponse(rec), false, nil
}

// Heartbeat extends an active lease by its TTL, never past MaxExpiresAt.
func (s *LeaseService) Heartbeat(ctx context.Context, leaseID string) (*model.HeartbeatResponse, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.leases.GetByID(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrLeaseNotFound
		}
		if rec.Status != string(model.LeaseStatusActive) {
			return nil, ErrLeaseNotActive
		}

		now := time.Now().UTC()
		if !now.Before(rec.MaxExpiresAt) {
			return nil, ErrLeaseNotActive
		}
		ttl := time.Duration(rec.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = s.opts.DefaultTTL
		}
		newExpiry := now.Add(ttl)
		if newExpiry.After(rec.MaxExpiresAt) {
			newExpiry = rec.MaxExpiresAt
		}

		ok, err := s.leases.ExtendExpiry(ctx, leaseID, rec.Version, newExpiry, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return &model.HeartbeatResponse{LeaseID: leaseID, ExpiresAt: newExpiry}, nil
		}
		// Version moved under us: either a concurrent heartbeat (retry and
		// extend from the fresh row) or a terminal transition (next read
		// reports not active).
	}
	return nil, fmt.Errorf("heartbeat contention on lease %s", leaseID)
}

// Get returns a lease view by id.
func (s *LeaseService) Get(ctx context.Context, leaseID string) (*model.Lease, error) {
	rec, err := s.leases.GetByID(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrLeaseNotFound
	}
	return leaseView(rec), nil
}

// Release ends an active lease and destroys its sandbox. Releasing a lease
// that is already terminal is a no-op; only an unknown id is an error.
func (s *LeaseService) Release(ctx context.Context, leaseID string) error {
	rec, err := s.leases.GetByID(ctx, leaseID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrLeaseNotFound
	}
	if rec.Status != string(model.LeaseStatusActive) {
		return nil
	}

	won, err := s.End(ctx, leaseID, model.LeaseStatusReleased, "released by caller")
	if err != nil {
		return err
	}
	if won {
		s.pool.Recycle(ctx, rec.SandboxID, "lease released")
	}
	return nil
}

// End transitions an active lease to a terminal status via CAS, retrying
// through concurrent heartbeats. Returns true when this caller won the
// transition and therefore owns the sandbox teardown; false when a concurrent
// release or expiry got there first.
func (s *LeaseService) End(ctx context.Context, leaseID string, to model.LeaseStatus, reason string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.leases.GetByID(ctx, leaseID)
		if err != nil {
			return false, err
		}
		if rec == nil || rec.Status != string(model.LeaseStatusActive) {
			return false, nil
		}
		now := time.Now().UTC()
		won, err := s.leases.Transition(ctx, leaseID, rec.Version, string(to), reason, now)
		if err != nil {
			return false, err
		}
		if !won {
			continue
		}

		_ = s.audit.Append(ctx, "lease", leaseID, "api", rec.Status, string(to), reason, now)
		subject := events.SubjectLeaseReleased
		if to == model.LeaseStatusExpired {
			subject = events.SubjectLeaseExpired
		}
		s.publisher.Publish(subject, map[string]any{
			"lease_id":   leaseID,
			"sandbox_id": rec.SandboxID,
			"reason":     reason,
		})
		s.logger.Info("lease ended", "lease_id", leaseID, "status", to, "reason", reason)
		return true, nil
	}
	return false, fmt.Errorf("transition contention on lease %s", leaseID)
}

func leaseResponse(rec *store.LeaseRecord) *model.AcquireLeaseResponse {
	return &model.AcquireLeaseResponse{
		LeaseID:   rec.ID,
		SandboxID: rec.SandboxID,
		ExpiresAt: rec.ExpiresAt,
	}
}

func leaseView(rec *store.LeaseRecord) *model.Lease {
	return &model.Lease{
		ID:           rec.ID,
		SandboxID:    rec.SandboxID,
		UserID:       rec.UserID,
		WorkflowID:   rec.WorkflowID,
		RequestID:    rec.RequestID,
		Status:       model.LeaseStatus(rec.Status),
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		MaxExpiresAt: rec.MaxExpiresAt,
	}
}
