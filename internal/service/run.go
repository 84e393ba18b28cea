package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/warmpool/sandboxd/internal/events"
	"github.com/warmpool/sandboxd/internal/lifecycle"
	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/runtime"
	"github.com/warmpool/sandboxd/internal/security"
	"github.com/warmpool/sandboxd/internal/store"
)

// RunOptions bounds workflow executions.
type RunOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// RunCoordinator admits and executes workflow runs. Admission is synchronous
// and durable; execution happens in a background goroutine. A sandbox that
// executed a run is always destroyed afterwards, success or not.
type RunCoordinator struct {
	runs      *store.RunStore
	leases    *LeaseService
	leaseRecs *store.LeaseStore
	sandboxes *store.SandboxStore
	rt        runtime.Runtime
	pool      *pool.Manager
	cipher    *security.TokenCipher
	audit     *store.EventStore
	publisher events.Publisher
	drain     *lifecycle.DrainManager
	opts      RunOptions
	logger    *slog.Logger

	// baseCtx parents execution goroutines so they outlive the admitting
	// HTTP request but not the process.
	baseCtx context.Context
}

func NewRunCoordinator(
	baseCtx context.Context,
	runs *store.RunStore,
	leaseSvc *LeaseService,
	leaseRecs *store.LeaseStore,
	sandboxes *store.SandboxStore,
	rt runtime.Runtime,
	p *pool.Manager,
	cipher *security.TokenCipher,
	audit *store.EventStore,
	publisher events.Publisher,
	drain *lifecycle.DrainManager,
	opts RunOptions,
) *RunCoordinator {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &RunCoordinator{
		runs:      runs,
		leases:    leaseSvc,
		leaseRecs: leaseRecs,
		sandboxes: sandboxes,
		rt:        rt,
		pool:      p,
		cipher:    cipher,
		audit:     audit,
		publisher: publisher,
		drain:     drain,
		opts:      opts,
		logger:    slog.Default().With("component", "run"),
		baseCtx:   baseCtx,
	}
}

// Start admits a run on an active lease and kicks off execution. Idempotent
// on runId: a retry returns the current status of the recorded run, terminal
// results included, without executing anything again.
func (c *RunCoordinator) Start(ctx context.Context, req *model.StartRunRequest) (*model.StartRunResponse, bool, error) {
	existing, err := c.runs.GetByID(ctx, req.RunID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return &model.StartRunResponse{
			Accepted: true,
			RunID:    existing.ID,
			Status:   model.RunStatus(existing.Status),
		}, true, nil
	}

	if c.drain != nil && c.drain.IsDraining() {
		return nil, false, ErrDraining
	}

	lease, err := c.leaseRecs.GetByID(ctx, req.LeaseID)
	if err != nil {
		return nil, false, err
	}
	if lease == nil {
		return nil, false, ErrLeaseNotFound
	}
	now := time.Now().UTC()
	if lease.Status != string(model.LeaseStatusActive) || !now.Before(lease.ExpiresAt) {
		return nil, false, ErrLeaseNotActive
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if timeout > c.opts.MaxTimeout {
		timeout = c.opts.MaxTimeout
	}

	rec := &store.RunRecord{
		ID:             req.RunID,
		LeaseID:        lease.ID,
		WorkflowID:     req.WorkflowID,
		SandboxID:      lease.SandboxID,
		Status:         string(model.RunStatusPending),
		TimeoutSeconds: int(timeout / time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Token != "" {
		ciphertext, nonce, keyID, err := c.cipher.Encrypt(req.Token)
		if err != nil {
			return nil, false, err
		}
		rec.TokenCiphertext = ciphertext
		rec.TokenNonce = nonce
		rec.TokenKeyID = keyID
		rec.TokenSHA256 = security.HashToken(req.Token)
	}

	if err := c.runs.Create(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrInFlightRunExists) {
			return nil, false, err
		}
		// Collided with the in-flight index. Either a concurrent retry of
		// the same run won the insert, or a different run holds the lease.
		inflight, gerr := c.runs.GetInFlightByLease(ctx, lease.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		if inflight != nil && inflight.ID == req.RunID {
			return &model.StartRunResponse{
				Accepted: true,
				RunID:    inflight.ID,
				Status:   model.RunStatus(inflight.Status),
			}, true, nil
		}
		return nil, false, ErrRunInProgress
	}

	_ = c.sandboxes.UpdateState(ctx, lease.SandboxID, string(model.SandboxStateRunning), "run "+rec.ID, now)
	_ = c.audit.Append(ctx, "run", rec.ID, "api", "", rec.Status, "admitted", now)
	c.publisher.Publish(events.SubjectRunStarted, map[string]any{
		"run_id":      rec.ID,
		"lease_id":    lease.ID,
		"sandbox_id":  lease.SandboxID,
		"workflow_id": req.WorkflowID,
	})
	c.logger.Info("run admitted",
		"run_id", rec.ID, "lease_id", lease.ID,
		"sandbox_id", lease.SandboxID, "timeout_seconds", rec.TimeoutSeconds)

	release := func() {}
	if c.drain != nil {
		release = c.drain.TrackRun()
	}
	go func() {
		defer release()
		c.execute(c.baseCtx, rec.ID)
	}()

	return &model.StartRunResponse{
		Accepted: true,
		RunID:    rec.ID,
		Status:   model.RunStatusPending,
	}, false, nil
}

// execute drives one admitted run to a terminal status and then tears down
// its sandbox. It must terminate the run record on every path; the reclaimer
// only covers crashes.
func (c *RunCoordinator) execute(ctx context.Context, runID string) {
	rec, err := c.runs.GetByID(ctx, runID)
	if err != nil || rec == nil {
		c.logger.Error("run vanished before execution", "run_id", runID, "error", err)
		return
	}

	token := ""
	if rec.TokenCiphertext != "" {
		token, err = c.cipher.Decrypt(rec.TokenCiphertext, rec.TokenNonce, rec.TokenKeyID)
		if err != nil {
			c.finish(ctx, rec, string(model.RunStatusFailed), -1, "failed to recover run token", "", "")
			c.teardown(ctx, rec, "token recovery failed")
			return
		}
	}

	now := time.Now().UTC()
	if err := c.runs.MarkRunning(ctx, runID, now); err != nil {
		c.logger.Error("failed to mark run running", "run_id", runID, "error", err)
	}

	result, execErr := c.rt.Exec(ctx, rec.SandboxID, runtime.ExecOptions{
		WorkflowRef: rec.WorkflowID,
		Token:       token,
		Timeout:     time.Duration(rec.TimeoutSeconds) * time.Second,
	})

	switch {
	case execErr != nil:
		c.finish(ctx, rec, string(model.RunStatusFailed), -1, execErr.Error(), "", "")
	case result.TimedOut:
		c.finish(ctx, rec, string(model.RunStatusTimedOut), result.ExitCode, "execution exceeded wall-clock timeout", tailOf(result.Stdout), "")
	case result.ExitCode != 0:
		c.finish(ctx, rec, string(model.RunStatusFailed), result.ExitCode, execFailureMessage(result), tailOf(result.Stdout), "")
	default:
		c.finish(ctx, rec, string(model.RunStatusSucceeded), 0, "", tailOf(result.Stdout), c.collectArtifacts(ctx, rec.SandboxID))
	}

	c.teardown(ctx, rec, "run finished")
}

// collectArtifacts reads the manifest the runner may have left behind. A
// missing or malformed manifest just means no artifacts.
func (c *RunCoordinator) collectArtifacts(ctx context.Context, sandboxID string) string {
	raw, err := c.rt.ReadFile(ctx, sandboxID, runtime.ArtifactManifestPath)
	if err != nil {
		return ""
	}
	var refs []string
	if err := json.Unmarshal(raw, &refs); err != nil {
		c.logger.Warn("ignoring malformed artifact manifest", "sandbox_id", sandboxID, "error", err)
		return ""
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (c *RunCoordinator) finish(ctx context.Context, rec *store.RunRecord, status string, exitCode int, errMsg, outputTail, artifactsJSON string) {
	now := time.Now().UTC()
	if err := c.runs.Finish(ctx, rec.ID, status, exitCode, errMsg, outputTail, artifactsJSON, now); err != nil {
		c.logger.Error("failed to record run result", "run_id", rec.ID, "error", err)
	}
	_ = c.audit.Append(ctx, "run", rec.ID, "coordinator", string(model.RunStatusRunning), status, errMsg, now)
	c.publisher.Publish(events.SubjectRunFinished, map[string]any{
		"run_id":     rec.ID,
		"lease_id":   rec.LeaseID,
		"sandbox_id": rec.SandboxID,
		"status":     status,
		"exit_code":  exitCode,
	})
	c.logger.Info("run finished", "run_id", rec.ID, "status", status, "exit_code", exitCode)
}

// teardown ends the lease and destroys the sandbox. The lease CAS decides
// teardown ownership: if a concurrent release or expiry already won the
// transition, that path recycles the sandbox and this one must not.
func (c *RunCoordinator) teardown(ctx context.Context, rec *store.RunRecord, reason string) {
	won, err := c.leases.End(ctx, rec.LeaseID, model.LeaseStatusReleased, reason)
	if err != nil {
		c.logger.Error("failed to end lease after run", "lease_id", rec.LeaseID, "error", err)
		return
	}
	if won {
		c.pool.Recycle(ctx, rec.SandboxID, reason)
	}
}

// Get returns a run view by id.
func (c *RunCoordinator) Get(ctx context.Context, runID string) (*model.Run, error) {
	rec, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRunNotFound
	}
	return runView(rec), nil
}

// StreamOutput opens a live reader over an in-flight run's output. For a
// terminal run the sandbox is gone, so the persisted output tail (or the
// recorded error, failing that) is replayed instead.
func (c *RunCoordinator) StreamOutput(ctx context.Context, runID string) (io.ReadCloser, error) {
	rec, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRunNotFound
	}
	if model.RunStatus(rec.Status).Terminal() {
		replay := rec.OutputTail
		if replay == "" {
			replay = rec.Error
		}
		return io.NopCloser(strings.NewReader(replay)), nil
	}
	return c.rt.StreamLogs(ctx, rec.SandboxID)
}

// execFailureMessage extracts a one-line error from a non-zero exit. The pod
// runtime merges stderr into the combined output stream, so fall back to its
// last line when stderr is empty.
func execFailureMessage(result *runtime.ExecResult) string {
	if msg := firstLine(result.Stderr); msg != "" {
		return msg
	}
	return lastLine(result.Stdout)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return capLine(s)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return capLine(s)
}

func capLine(s string) string {
	const maxLen = 512
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// tailOf bounds how much run output is persisted for post-hoc replay.
func tailOf(s string) string {
	const maxTail = 16 << 10
	if len(s) > maxTail {
		s = s[len(s)-maxTail:]
	}
	return s
}

func runView(rec *store.RunRecord) *model.Run {
	return &model.Run{
		ID:           rec.ID,
		LeaseID:      rec.LeaseID,
		WorkflowID:   rec.WorkflowID,
		Status:       model.RunStatus(rec.Status),
		ExitCode:     rec.ExitCode,
		Error:        rec.Error,
		ArtifactRefs: rec.ArtifactRefs(),
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		CreatedAt:    rec.CreatedAt,
	}
}
