package service

import "errors"

// Sentinel errors mapped to HTTP responses by the handlers.
var (
	// ErrPoolExhausted: no idle sandbox available right now. Transient.
	ErrPoolExhausted = errors.New("no idle sandbox available")

	// ErrAlreadyLeased: an active lease exists for this (user, workflow)
	// under a different requestId.
	ErrAlreadyLeased = errors.New("workflow already holds an active lease")

	// ErrLeaseNotFound: no lease with the given id.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseNotActive: the lease exists but is released or expired.
	ErrLeaseNotActive = errors.New("lease is not active")

	// ErrRunInProgress: the lease already has an in-flight run with a
	// different runId.
	ErrRunInProgress = errors.New("a run is already in progress on this lease")

	// ErrRunNotFound: no run with the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrDraining: the server is shutting down and refuses new work.
	ErrDraining = errors.New("server is draining")
)
