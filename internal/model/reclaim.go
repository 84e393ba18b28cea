package model

import "time"

// ReclaimRun summarizes one reclaimer sweep.
type ReclaimRun struct {
	ID             string     `json:"id"`
	TriggerType    string     `json:"trigger_type"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExpiredLeases  int        `json:"expired_leases"`
	OrphanedRuns   int        `json:"orphaned_runs"`
	ForcedDestroys int        `json:"forced_destroys"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
}

// ReclaimItem is one corrective action taken during a sweep.
type ReclaimItem struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	TargetID  string    `json:"target_id"`
	Kind      string    `json:"kind"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type ReclaimRunListResponse struct {
	Items []ReclaimRun `json:"items"`
}

type ReclaimRunDetailResponse struct {
	Run   ReclaimRun    `json:"run"`
	Items []ReclaimItem `json:"items"`
}
