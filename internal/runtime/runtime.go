// Package runtime defines the sandbox runtime interface.
// This abstraction keeps the pod/container backend behind one boundary and
// enables testing through mocking; nothing else in the manager talks to the
// cluster directly.
package runtime

import (
	"context"
	"io"
	"time"
)

// ArtifactManifestPath is where the in-sandbox runner leaves a JSON array of
// opaque artifact refs for the coordinator to collect after a run.
const ArtifactManifestPath = "/workspace/.sandboxd/artifacts.json"

// OutputLogPath is the in-sandbox file the runner's combined output is teed
// to during Exec; StreamLogs follows it for live output.
const OutputLogPath = "/workspace/.sandboxd/output.log"

// ExecResult holds the result of executing a workflow payload in a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// TimedOut is set when the wall-clock limit force-terminated the run.
	TimedOut bool
}

// ExecOptions describes one exclusive workflow execution.
type ExecOptions struct {
	// WorkflowRef is the opaque workflow reference; it is passed through to
	// the in-sandbox runner and never interpreted here.
	WorkflowRef string
	// Token is the caller's user-scoped credential, forwarded unmodified so
	// tool calls made inside the sandbox happen under the caller's identity.
	Token string
	// Timeout is the hard wall-clock limit.
	Timeout time.Duration
}

// Runtime is the adapter every sandbox backend must implement.
// All methods must be safe for concurrent use. Create returns a sandbox with
// no carried-over state; Destroy followed by Create is indistinguishable from
// a sandbox that never ran anything.
type Runtime interface {
	// Create starts a fresh sandbox from the fixed base image and returns
	// its id once it is ready to execute.
	Create(ctx context.Context) (string, error)

	// Destroy tears a sandbox down within a bounded time, escalating to a
	// hard kill after the grace period. An error means the sandbox could not
	// be removed and must be quarantined.
	Destroy(ctx context.Context, sandboxID string) error

	// Exec runs the workflow payload and blocks until it finishes or the
	// timeout force-terminates it.
	Exec(ctx context.Context, sandboxID string, opts ExecOptions) (*ExecResult, error)

	// ReadFile fetches a single file from inside the sandbox, used to collect
	// the artifact manifest after a run.
	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)

	// StreamLogs returns a live reader following the run output log at
	// OutputLogPath inside the sandbox.
	StreamLogs(ctx context.Context, sandboxID string) (io.ReadCloser, error)

	// List returns the ids of all sandboxes the backend currently knows,
	// used by startup recovery to reconcile durable records against reality.
	List(ctx context.Context) ([]string, error)
}
