package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrInFlightRunExists is returned when an insert collides with the
// one-in-flight-run-per-lease index.
var ErrInFlightRunExists = errors.New("a run is already in flight on this lease")

// RunRecord persists one workflow execution. The caller token is stored
// encrypted; only the coordinator decrypts it on its way into the sandbox.
type RunRecord struct {
	ID               string
	LeaseID          string
	WorkflowID       string
	SandboxID        string
	Status           string
	ExitCode         int
	Error            string
	// OutputTail is the bounded end of the run's combined output, kept so
	// callers attaching after completion still get something to read.
	OutputTail       string
	ArtifactRefsJSON string
	TokenCiphertext  string
	TokenNonce       string
	TokenKeyID       string
	TokenSHA256      string
	TimeoutSeconds   int
	StartedAt        *time.Time
	FinishedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ArtifactRefs decodes the stored artifact pointer list.
func (r *RunRecord) ArtifactRefs() []string {
	var refs []string
	if r.ArtifactRefsJSON == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(r.ArtifactRefsJSON), &refs); err != nil || refs == nil {
		return []string{}
	}
	return refs
}

// RunStore handles run persistence.
type RunStore struct {
	db *sql.DB
}

func NewRunStore() *RunStore {
	return &RunStore{db: DB}
}

func (s *RunStore) Create(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, lease_id, workflow_id, sandbox_id, status, exit_code, error, output_tail, artifact_refs_json,
			token_ciphertext, token_nonce, token_key_id, token_sha256,
			timeout_seconds, started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.LeaseID, rec.WorkflowID, rec.SandboxID, rec.Status, rec.ExitCode, rec.Error, rec.OutputTail, rec.ArtifactRefsJSON,
		rec.TokenCiphertext, rec.TokenNonce, rec.TokenKeyID, rec.TokenSHA256,
		rec.TimeoutSeconds, toNullTime(rec.StartedAt), toNullTime(rec.FinishedAt), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrInFlightRunExists
		}
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

func (s *RunStore) GetByID(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectSQL+` WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by id: %w", err)
	}
	return rec, nil
}

func (s *RunStore) GetInFlightByLease(ctx context.Context, leaseID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectSQL+`
		 WHERE lease_id = ? AND status IN ('pending', 'running')
	`, leaseID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight run: %w", err)
	}
	return rec, nil
}

func (s *RunStore) MarkRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	return nil
}

// Finish records the terminal status. The status guard makes the write
// idempotent: a run that already reached a terminal status is never
// overwritten.
func (s *RunStore) Finish(ctx context.Context, id, status string, exitCode int, errMsg, outputTail, artifactRefsJSON string, now time.Time) error {
	if artifactRefsJSON == "" {
		artifactRefsJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, exit_code = ?, error = ?, output_tail = ?, artifact_refs_json = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, status, exitCode, errMsg, outputTail, artifactRefsJSON, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListInFlight returns all pending/running runs; used by crash recovery to
// fail runs orphaned by a coordinator restart.
func (s *RunStore) ListInFlight(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, runSelectSQL+`
		 WHERE status IN ('pending', 'running')
		 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight runs: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

const runSelectSQL = `
SELECT
	id, lease_id, workflow_id, sandbox_id, status, exit_code, error, output_tail, artifact_refs_json,
	token_ciphertext, token_nonce, token_key_id, token_sha256,
	timeout_seconds, started_at, finished_at, created_at, updated_at
FROM runs`

func scanRun(row interface{ Scan(dest ...any) error }) (*RunRecord, error) {
	var rec RunRecord
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.LeaseID, &rec.WorkflowID, &rec.SandboxID, &rec.Status, &rec.ExitCode, &rec.Error, &rec.OutputTail, &rec.ArtifactRefsJSON,
		&rec.TokenCiphertext, &rec.TokenNonce, &rec.TokenKeyID, &rec.TokenSHA256,
		&rec.TimeoutSeconds, &startedAt, &finishedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func scanRunRows(rows *sql.Rows) ([]RunRecord, error) {
	var items []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []RunRecord{}
	}
	return items, nil
}
