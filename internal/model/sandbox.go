package model

import "time"

type SandboxState string

const (
	SandboxStateIdle       SandboxState = "idle"
	SandboxStateLeased     SandboxState = "leased"
	SandboxStateRunning    SandboxState = "running"
	SandboxStateDestroying SandboxState = "destroying"
	SandboxStateDestroyed  SandboxState = "destroyed"
	// SandboxStateTainted quarantines a sandbox whose teardown failed.
	// Tainted sandboxes are never returned to the pool.
	SandboxStateTainted SandboxState = "tainted"
)

// Terminal reports whether a sandbox can never serve another run.
func (s SandboxState) Terminal() bool {
	return s == SandboxStateDestroyed || s == SandboxStateTainted
}

// Sandbox is one disposable execution environment. A sandbox serves at most
// one run; it is destroyed and replaced afterwards, never reused.
type Sandbox struct {
	ID        string       `json:"id"`
	State     SandboxState `json:"state"`
	Image     string       `json:"image"`
	CreatedAt time.Time    `json:"created_at"`
}

// PoolStatus is the operator view of the warm pool.
type PoolStatus struct {
	Target       int  `json:"target"`
	Idle         int  `json:"idle"`
	Creating     int  `json:"creating"`
	Tainted      int  `json:"tainted"`
	Starved      bool `json:"starved"`
	CreateErrors int  `json:"consecutive_create_errors"`
}
