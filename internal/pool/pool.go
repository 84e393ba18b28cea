// Package pool maintains the warm pool of idle sandboxes. Every mutation of
// pool state (take, return, replenish, recycle) goes through one mutex; two
// concurrent callers can never receive the same sandbox.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warmpool/sandboxd/internal/events"
	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/runtime"
	"github.com/warmpool/sandboxd/internal/store"
)

// ErrExhausted is returned by TakeIdle when no idle sandbox is available.
// Transient: callers retry with backoff while Warm replenishes.
var ErrExhausted = errors.New("sandbox pool exhausted")

// starvedThreshold consecutive create failures raise the operator alert.
const starvedThreshold = 3

var (
	createBackoffBase = 2 * time.Second
	createBackoffMax  = 2 * time.Minute
)

// Options configures the pool manager.
type Options struct {
	Target        int
	MaxConcurrent int
	CreateTimeout time.Duration
	Image         string
}

// Manager owns the idle pool.
type Manager struct {
	rt        runtime.Runtime
	sandboxes *store.SandboxStore
	audit     *store.EventStore
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger

	mu           sync.Mutex
	idle         []string
	creating     int
	tainted      map[string]struct{}
	consecErrors int
	starved      bool

	kick chan struct{}
}

func NewManager(rt runtime.Runtime, sandboxes *store.SandboxStore, audit *store.EventStore, publisher events.Publisher, opts Options) *Manager {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 5 * time.Minute
	}
	return &Manager{
		rt:        rt,
		sandboxes: sandboxes,
		audit:     audit,
		publisher: publisher,
		opts:      opts,
		logger:    slog.Default().With("component", "pool"),
		tainted:   make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
	}
}

// Adopt seeds the idle pool with sandboxes that survived a restart intact.
func (m *Manager) Adopt(ids []string) {
	m.mu.Lock()
	m.idle = append(m.idle, ids...)
	m.mu.Unlock()
	if len(ids) > 0 {
		m.logger.Info("adopted idle sandboxes", "count", len(ids))
	}
}

// Warm keeps the pool at target until ctx is cancelled. Replenishment is
// asynchronous: it never blocks TakeIdle beyond the mutex.
func (m *Manager) Warm(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		m.replenish(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-ticker.C:
		}
	}
}

func (m *Manager) replenish(ctx context.Context) {
	m.mu.Lock()
	deficit := m.opts.Target - len(m.idle) - m.creating
	slots := m.opts.MaxConcurrent - m.creating
	n := deficit
	if n > slots {
		n = slots
	}
	if n < 0 {
		n = 0
	}
	m.creating += n
	backoff := m.backoffLocked()
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		go m.createOne(ctx, backoff)
	}
}

// backoffLocked returns the delay before the next create attempt, doubling
// per consecutive failure.
func (m *Manager) backoffLocked() time.Duration {
	if m.consecErrors == 0 {
		return 0
	}
	d := createBackoffBase << (m.consecErrors - 1)
	if d > createBackoffMax || d <= 0 {
		d = createBackoffMax
	}
	return d
}

func (m *Manager) createOne(ctx context.Context, delay time.Duration) {
	if delay > 0 {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.creating--
			m.mu.Unlock()
			return
		case <-time.After(delay):
		}
	}

	createCtx, cancel := context.WithTimeout(ctx, m.opts.CreateTimeout)
	defer cancel()

	id, err := m.rt.Create(createCtx)
	now := time.Now().UTC()

	if err != nil {
		m.mu.Lock()
		m.creating--
		m.consecErrors++
		starvedNow := !m.starved && m.consecErrors >= starvedThreshold
		if starvedNow {
			m.starved = true
		}
		failures := m.consecErrors
		m.mu.Unlock()

		m.logger.Warn("sandbox create failed", "error", err, "consecutive_errors", failures)
		if starvedNow {
			m.logger.Error("pool is starving: repeated sandbox create failures", "consecutive_errors", failures)
			m.publisher.Publish(events.SubjectPoolStarved, map[string]any{"consecutive_errors": failures})
		}
		m.signal()
		return
	}

	rec := &store.SandboxRecord{
		ID:        id,
		State:     string(model.SandboxStateIdle),
		Image:     m.opts.Image,
		PodName:   "sandbox-" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sandboxes.Create(ctx, rec); err != nil {
		m.logger.Error("failed to persist new sandbox, destroying it", "sandbox_id", id, "error", err)
		_ = m.rt.Destroy(context.WithoutCancel(ctx), id)
		m.mu.Lock()
		m.creating--
		m.mu.Unlock()
		m.signal()
		return
	}
	_ = m.audit.Append(ctx, "sandbox", id, "pool", "", string(model.SandboxStateIdle), "created", now)

	m.mu.Lock()
	m.creating--
	m.idle = append(m.idle, id)
	m.consecErrors = 0
	m.starved = false
	m.mu.Unlock()

	m.logger.Info("sandbox ready", "sandbox_id", id)
}

// TakeIdle atomically removes one idle sandbox for leasing.
func (m *Manager) TakeIdle(ctx context.Context) (string, error) {
	m.mu.Lock()
	if len(m.idle) == 0 {
		m.mu.Unlock()
		m.signal()
		return "", ErrExhausted
	}
	id := m.idle[0]
	m.idle = m.idle[1:]
	m.mu.Unlock()

	now := time.Now().UTC()
	if err := m.sandboxes.UpdateState(ctx, id, string(model.SandboxStateLeased), "", now); err != nil {
		// Put it back rather than leak it.
		m.mu.Lock()
		m.idle = append(m.idle, id)
		m.mu.Unlock()
		return "", err
	}
	_ = m.audit.Append(ctx, "sandbox", id, "pool", string(model.SandboxStateIdle), string(model.SandboxStateLeased), "taken", now)

	m.signal()
	return id, nil
}

// Return puts back a sandbox that was taken but never bound to a lease (the
// loser of an acquire race). Such a sandbox has executed nothing, so
// re-idling it is safe; any sandbox that reached Leased goes through Recycle
// instead.
func (m *Manager) Return(ctx context.Context, id string) {
	now := time.Now().UTC()
	if err := m.sandboxes.UpdateState(ctx, id, string(model.SandboxStateIdle), "returned unused", now); err != nil {
		m.logger.Warn("failed to re-idle sandbox, recycling it", "sandbox_id", id, "error", err)
		m.Recycle(ctx, id, "re-idle failed")
		return
	}
	m.mu.Lock()
	m.idle = append(m.idle, id)
	m.mu.Unlock()
	_ = m.audit.Append(ctx, "sandbox", id, "pool", string(model.SandboxStateLeased), string(model.SandboxStateIdle), "returned unused", now)
}

// Recycle destroys a used sandbox and triggers replenishment. There is no
// path back to idle for a sandbox that was bound to a lease: it is either
// destroyed or quarantined as tainted.
func (m *Manager) Recycle(ctx context.Context, id, reason string) {
	now := time.Now().UTC()
	_ = m.sandboxes.UpdateState(ctx, id, string(model.SandboxStateDestroying), reason, now)
	_ = m.audit.Append(ctx, "sandbox", id, "pool", "", string(model.SandboxStateDestroying), reason, now)

	if err := m.rt.Destroy(ctx, id); err != nil {
		// Quarantine: never return a sandbox we could not destroy.
		now = time.Now().UTC()
		m.logger.Error("sandbox destroy failed, quarantining as tainted", "sandbox_id", id, "error", err)
		_ = m.sandboxes.UpdateState(ctx, id, string(model.SandboxStateTainted), err.Error(), now)
		_ = m.audit.Append(ctx, "sandbox", id, "pool", string(model.SandboxStateDestroying), string(model.SandboxStateTainted), err.Error(), now)
		m.publisher.Publish(events.SubjectSandboxTaint, map[string]any{"sandbox_id": id, "error": err.Error()})

		m.mu.Lock()
		m.tainted[id] = struct{}{}
		m.mu.Unlock()
		m.signal()
		return
	}

	now = time.Now().UTC()
	m.mu.Lock()
	delete(m.tainted, id)
	m.mu.Unlock()
	_ = m.sandboxes.UpdateState(ctx, id, string(model.SandboxStateDestroyed), reason, now)
	_ = m.audit.Append(ctx, "sandbox", id, "pool", string(model.SandboxStateDestroying), string(model.SandboxStateDestroyed), reason, now)
	m.signal()
}

// Status reports the operator view of the pool.
func (m *Manager) Status() model.PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.PoolStatus{
		Target:       m.opts.Target,
		Idle:         len(m.idle),
		Creating:     m.creating,
		Tainted:      len(m.tainted),
		Starved:      m.starved,
		CreateErrors: m.consecErrors,
	}
}

// IdleCount returns the number of idle sandboxes.
func (m *Manager) IdleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle)
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}
