package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use from multiple
// orchestrator instances.
type Store interface {
	// Runs. UpdateRun performs a compare-and-swap on the version stamp and
	// returns a CONFLICT error when the stored version differs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	ExpiredRuns(ctx context.Context, now time.Time) ([]*Run, error)

	// Admission lock: at most one active run per (target_id, pipeline_name).
	// Acquire fails fast with RUN_ALREADY_ACTIVE while another run holds
	// the pair; the row is released when the run reaches a terminal status.
	AcquireAdmission(ctx context.Context, targetID, pipelineName, runID string) error
	ReleaseAdmission(ctx context.Context, targetID, pipelineName string) error
	AdmissionHolder(ctx context.Context, targetID, pipelineName string) (string, error)

	// Stage history (append-style upsert keyed by run + stage index).
	UpsertStageRecord(ctx context.Context, rec *StageRecord) error
	ListStageRecords(ctx context.Context, runID string) ([]*StageRecord, error)
	DeleteStageRecordsForRun(ctx context.Context, runID string) error

	// Approvals. CreateApproval fails with DUPLICATE_PENDING_APPROVAL when a
	// pending approval already exists for the run. DecideApproval is a CAS on
	// status: the first decider wins, later callers get STALE_APPROVAL.
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	PendingApproval(ctx context.Context, runID string) (*Approval, error)
	ListPendingApprovals(ctx context.Context, limit int) ([]*Approval, error)
	LatestApproval(ctx context.Context, runID string) (*Approval, error)
	DecideApproval(ctx context.Context, id string, status schema.ApprovalStatus, decidedBy, reason string, modified json.RawMessage, now time.Time) error
	ExpireApprovals(ctx context.Context, now time.Time) ([]*Approval, error)
	DeleteApprovalsForRun(ctx context.Context, runID string) error

	// Audit log (append-only, never read by core components).
	AppendAudit(ctx context.Context, event *AuditEvent) error
	AuditTrail(ctx context.Context, runID string, since int64) ([]*AuditEvent, error)
	AuditByType(ctx context.Context, eventType string, filter AuditFilter) ([]*AuditEvent, error)

	// Pipelines.
	RegisterPipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, name string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)

	// Maintenance.
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle.
	Close() error
}
