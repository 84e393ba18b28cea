package model

import "time"

type LeaseStatus string

const (
	LeaseStatusActive   LeaseStatus = "active"
	LeaseStatusExpired  LeaseStatus = "expired"
	LeaseStatusReleased LeaseStatus = "released"
)

// Lease is an exclusive, time-bounded right to one sandbox. At most one
// active lease exists per (userID, workflowID) pair at any instant.
type Lease struct {
	ID         string      `json:"leaseId"`
	SandboxID  string      `json:"sandboxId"`
	UserID     string      `json:"userId"`
	WorkflowID string      `json:"workflowId"`
	RequestID  string      `json:"requestId"`
	Status     LeaseStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	ExpiresAt  time.Time   `json:"expiresAt"`
	// MaxExpiresAt caps heartbeat extensions; a lease never outlives it.
	MaxExpiresAt time.Time `json:"maxExpiresAt"`
}

type AcquireLeaseRequest struct {
	UserID     string `json:"userId" binding:"required"`
	WorkflowID string `json:"workflowId" binding:"required"`
	RequestID  string `json:"requestId" binding:"required"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type AcquireLeaseResponse struct {
	LeaseID   string    `json:"leaseId"`
	SandboxID string    `json:"sandboxId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type HeartbeatResponse struct {
	LeaseID   string    `json:"leaseId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
