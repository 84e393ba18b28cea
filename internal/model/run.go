package model

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether a run has reached its final status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	}
	return false
}

// Run is one workflow execution bound to an active lease. ArtifactRefs are
// opaque pointers into external storage; their contents are never inspected
// here.
type Run struct {
	ID           string     `json:"runId"`
	LeaseID      string     `json:"leaseId"`
	WorkflowID   string     `json:"workflowId"`
	Status       RunStatus  `json:"status"`
	ExitCode     int        `json:"exitCode"`
	Error        string     `json:"error,omitempty"`
	ArtifactRefs []string   `json:"artifactRefs"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type StartRunRequest struct {
	LeaseID    string `json:"leaseId" binding:"required"`
	WorkflowID string `json:"workflowId" binding:"required"`
	RunID      string `json:"runId" binding:"required"`
	// Token is the caller's user-scoped credential, forwarded unmodified to
	// the sandbox so in-run tool calls happen under the caller's identity.
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type StartRunResponse struct {
	Accepted bool      `json:"accepted"`
	RunID    string    `json:"runId"`
	Status   RunStatus `json:"status"`
}
