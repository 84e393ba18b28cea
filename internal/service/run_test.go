package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/runtime"
)

func TestStartRunSucceedsAndDestroysSandbox(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		if opts.Token != "tok-123" {
			t.Errorf("exec token = %q, want the caller token", opts.Token)
		}
		f.mock.WriteFile(sandboxID, runtime.ArtifactManifestPath, []byte(`["s3://bucket/report.md"]`))
		return &runtime.ExecResult{ExitCode: 0, Stdout: "done"}, nil
	}

	resp, replayed, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1", Token: "tok-123",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if replayed || !resp.Accepted {
		t.Fatalf("Start() = %+v replayed=%v, want fresh accepted run", resp, replayed)
	}

	run := f.waitTerminal(t, "run-1")
	if run.Status != model.RunStatusSucceeded {
		t.Fatalf("run status = %q (error %q), want succeeded", run.Status, run.Error)
	}
	if len(run.ArtifactRefs) != 1 || run.ArtifactRefs[0] != "s3://bucket/report.md" {
		t.Fatalf("artifact refs = %v, want the manifest contents", run.ArtifactRefs)
	}

	// Always-destroy: the sandbox is gone and the lease is over.
	f.waitLeaseStatus(t, lease.LeaseID, string(model.LeaseStatusReleased))
	f.waitSandboxState(t, lease.SandboxID, string(model.SandboxStateDestroyed))
}

func TestStartRunReplayReturnsRecordedResult(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	req := &model.StartRunRequest{LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1"}
	if _, _, err := f.runs.Start(ctx, req); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitTerminal(t, "run-1")
	f.waitLeaseStatus(t, lease.LeaseID, string(model.LeaseStatusReleased))

	resp, replayed, err := f.runs.Start(ctx, req)
	if err != nil {
		t.Fatalf("Start() replay error = %v", err)
	}
	if !replayed {
		t.Fatalf("Start() with a known runId should replay")
	}
	if resp.Status != model.RunStatusSucceeded {
		t.Fatalf("replay status = %q, want the recorded terminal status", resp.Status)
	}
	if got := f.mock.CallCount("exec"); got != 1 {
		t.Fatalf("exec ran %d times, want exactly 1", got)
	}
}

func TestStartRunFailureRecordsExitAndStderr(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 2, Stderr: "boom: missing input\nmore detail"}, nil
	}

	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1",
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	run := f.waitTerminal(t, "run-1")
	if run.Status != model.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if run.ExitCode != 2 {
		t.Fatalf("exit code = %d, want 2", run.ExitCode)
	}
	if run.Error != "boom: missing input" {
		t.Fatalf("error = %q, want first stderr line", run.Error)
	}
	// Failed runs destroy the sandbox too.
	f.waitSandboxState(t, lease.SandboxID, string(model.SandboxStateDestroyed))
}

func TestStartRunTimeout(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: -1, TimedOut: true}, nil
	}

	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1", TimeoutSeconds: 1,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	run := f.waitTerminal(t, "run-1")
	if run.Status != model.RunStatusTimedOut {
		t.Fatalf("run status = %q, want timed_out", run.Status)
	}
	f.waitSandboxState(t, lease.SandboxID, string(model.SandboxStateDestroyed))
}

func TestStartRunOnePerLease(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	block := make(chan struct{})
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		<-block
		return &runtime.ExecResult{ExitCode: 0}, nil
	}

	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1",
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-2",
	})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Start() error = %v, want ErrRunInProgress", err)
	}

	close(block)
	f.waitTerminal(t, "run-1")
}

func TestStartRunLeaseChecks(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	_, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: "no-such-lease", WorkflowID: "wf-1", RunID: "run-1",
	})
	if !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("Start() error = %v, want ErrLeaseNotFound", err)
	}

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	if err := f.leases.Release(ctx, lease.LeaseID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	_, _, err = f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1",
	})
	if !errors.Is(err, ErrLeaseNotActive) {
		t.Fatalf("Start() error = %v, want ErrLeaseNotActive", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runs.Get(context.Background(), "ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Get() error = %v, want ErrRunNotFound", err)
	}
}

func TestStartRunTimeoutCappedByMax(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	var gotTimeout time.Duration
	done := make(chan struct{})
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		gotTimeout = opts.Timeout
		close(done)
		return &runtime.ExecResult{ExitCode: 0}, nil
	}

	// Request far beyond MaxTimeout (1m in the fixture).
	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1", TimeoutSeconds: 86400,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-done
	if gotTimeout != time.Minute {
		t.Fatalf("exec timeout = %v, want capped at 1m", gotTimeout)
	}
	f.waitTerminal(t, "run-1")
}

func TestStreamOutputFollowsInFlightRun(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	started := make(chan struct{})
	release := make(chan struct{})
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		f.mock.WriteFile(sandboxID, runtime.OutputLogPath, []byte("step 1: fetch workflow\n"))
		close(started)
		<-release
		return &runtime.ExecResult{ExitCode: 0, Stdout: "step 1: fetch workflow\n"}, nil
	}

	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1",
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stream, err := f.runs.StreamOutput(ctx, "run-1")
	if err != nil {
		t.Fatalf("StreamOutput() error = %v", err)
	}
	data, err := io.ReadAll(stream)
	stream.Close()
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(data) != "step 1: fetch workflow\n" {
		t.Fatalf("stream = %q, want the sandbox output log", data)
	}

	close(release)
	f.waitTerminal(t, "run-1")
}

func TestStreamOutputReplaysTailAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedIdle(t, 1)
	ctx := context.Background()

	lease := f.acquire(t, "user-1", "wf-1", "req-1")
	f.mock.ExecFunc = func(ctx context.Context, sandboxID string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0, Stdout: "line one\nline two\n"}, nil
	}

	if _, _, err := f.runs.Start(ctx, &model.StartRunRequest{
		LeaseID: lease.LeaseID, WorkflowID: "wf-1", RunID: "run-1",
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitTerminal(t, "run-1")

	// The sandbox is destroyed by now; a late attach gets the persisted tail.
	stream, err := f.runs.StreamOutput(ctx, "run-1")
	if err != nil {
		t.Fatalf("StreamOutput() error = %v", err)
	}
	data, err := io.ReadAll(stream)
	stream.Close()
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(data) != "line one\nline two\n" {
		t.Fatalf("replayed output = %q, want the run's stdout tail", data)
	}
}
