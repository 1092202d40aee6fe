package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stewardhq/steward/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the audit log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, target_id, requester_id, pipeline_name, pipeline, status, current_stage, state, reason, last_stage, active_ms, version, ttl_seconds, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TargetID, run.RequesterID, run.PipelineName, string(def),
		string(run.Status), run.CurrentStage, nullRaw(run.State), nullStr(run.Reason),
		nullStr(run.LastStage), run.ActiveMs, run.Version, run.TTLSeconds,
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// UpdateRun applies the update only when the stored version matches
// expectedVersion, bumping the version on success. A version mismatch
// surfaces as CONFLICT so callers can re-read and retry.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *update.CurrentStage)
	}
	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(update.State))
	}
	if update.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *update.Reason)
	}
	if update.LastStage != nil {
		sets = append(sets, "last_stage = ?")
		args = append(args, *update.LastStage)
	}
	if update.ActiveMs != nil {
		sets = append(sets, "active_ms = ?")
		args = append(args, *update.ActiveMs)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing run.
		var exists int
		if scanErr := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, id).Scan(&exists); scanErr == nil && exists > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q version mismatch (expected %d)", id, expectedVersion)
		}
		return storeNotFound("run", id)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.PipelineName != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, filter.PipelineName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// ExpiredRuns returns terminal runs whose TTL has elapsed since last update.
func (s *LibSQLStore) ExpiredRuns(ctx context.Context, now time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status IN ('completed', 'rejected', 'timed_out', 'failed', 'cancelled')
		   AND datetime(updated_at, '+' || ttl_seconds || ' seconds') <= datetime(?)`,
		now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		pipelineJSON            string
		status                  string
		state, reason, lastStage sql.NullString
	)
	err := row.Scan(&run.ID, &run.TargetID, &run.RequesterID, &run.PipelineName,
		&pipelineJSON, &status, &run.CurrentStage, &state, &reason, &lastStage,
		&run.ActiveMs, &run.Version, &run.TTLSeconds, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(pipelineJSON), &run.Pipeline); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	run.State = rawOrNil(state)
	run.Reason = reason.String
	run.LastStage = lastStage.String
	return run, nil
}

// --- Admission lock ---

// AcquireAdmission inserts the admission row for the pair. The primary key
// on (target_id, pipeline_name) makes concurrent acquisition race-safe;
// the loser gets RUN_ALREADY_ACTIVE.
func (s *LibSQLStore) AcquireAdmission(ctx context.Context, targetID, pipelineName, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admissions (target_id, pipeline_name, run_id) VALUES (?, ?, ?)`,
		targetID, pipelineName, runID,
	)
	if err != nil {
		holder, holderErr := s.AdmissionHolder(ctx, targetID, pipelineName)
		if holderErr == nil && holder != "" {
			return schema.NewErrorf(schema.ErrCodeRunAlreadyActive,
				"run %s already active for target %q pipeline %q", holder, targetID, pipelineName).
				WithDetails(map[string]any{"holder_run_id": holder})
		}
		return err
	}
	return nil
}

func (s *LibSQLStore) ReleaseAdmission(ctx context.Context, targetID, pipelineName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM admissions WHERE target_id = ? AND pipeline_name = ?`,
		targetID, pipelineName,
	)
	return err
}

// AdmissionHolder returns the run ID holding the pair, or "" if free.
func (s *LibSQLStore) AdmissionHolder(ctx context.Context, targetID, pipelineName string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM admissions WHERE target_id = ? AND pipeline_name = ?`,
		targetID, pipelineName,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return runID, err
}

// --- Stage records ---

func (s *LibSQLStore) UpsertStageRecord(ctx context.Context, rec *StageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_records (run_id, stage_index, stage_name, mutating, degraded, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage_index) DO UPDATE SET
		   stage_name=excluded.stage_name, mutating=excluded.mutating, degraded=excluded.degraded,
		   output=excluded.output, error=excluded.error, attempts=excluded.attempts,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		rec.RunID, rec.StageIndex, rec.StageName, boolInt(rec.Mutating), boolInt(rec.Degraded),
		nullRaw(rec.Output), nullRaw(rec.Error), rec.Attempts,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStageRecords(ctx context.Context, runID string) ([]*StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage_index, stage_name, mutating, degraded, output, error, attempts, started_at, completed_at, duration_ms
		 FROM stage_records WHERE run_id = ? ORDER BY stage_index ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		rec := &StageRecord{}
		var mutating, degraded int
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.StageIndex, &rec.StageName, &mutating, &degraded,
			&output, &errJSON, &rec.Attempts, &startedAt, &completedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.Mutating = mutating != 0
		rec.Degraded = degraded != 0
		rec.Output = rawOrNil(output)
		rec.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteStageRecordsForRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stage_records WHERE run_id = ?`, runID)
	return err
}

// --- Approvals ---

const approvalColumns = `id, run_id, stage_name, stage_index, proposed, status, decided_by, decision_reason, modified_payload, created_at, deadline_at, decided_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	if a.Status == "" {
		a.Status = schema.ApprovalStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.StageName, a.StageIndex, string(a.Proposed), string(a.Status),
		nullStr(a.DecidedBy), nullStr(a.DecisionReason), nullRaw(a.ModifiedPayload),
		timeOrNow(a.CreatedAt), a.DeadlineAt.UTC(), nullTime(a.DecidedAt),
	)
	if err != nil {
		// The partial unique index on pending approvals rejects duplicates.
		if pending, pErr := s.PendingApproval(ctx, a.RunID); pErr == nil && pending != nil {
			return schema.NewErrorf(schema.ErrCodeDuplicatePendingApproval,
				"run %s already has pending approval %s", a.RunID, pending.ID)
		}
		return err
	}
	return nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

// PendingApproval returns the pending approval for a run, or nil when none exists.
func (s *LibSQLStore) PendingApproval(ctx context.Context, runID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND status = 'pending'`, runID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListPendingApprovals returns undecided approvals across all runs,
// soonest deadline first.
func (s *LibSQLStore) ListPendingApprovals(ctx context.Context, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = 'pending'
		 ORDER BY datetime(deadline_at) ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// LatestApproval returns the most recently created approval for a run,
// or nil when the run never requested one.
func (s *LibSQLStore) LatestApproval(ctx context.Context, runID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ?
		 ORDER BY datetime(created_at) DESC, id DESC LIMIT 1`, runID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// DecideApproval resolves an approval exactly once. The WHERE clause is the
// compare-and-swap: only a pending, unexpired approval transitions, so the
// first decider wins and all later callers get STALE_APPROVAL.
func (s *LibSQLStore) DecideApproval(ctx context.Context, id string, status schema.ApprovalStatus, decidedBy, reason string, modified json.RawMessage, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, decision_reason = ?, modified_payload = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending' AND datetime(deadline_at) > datetime(?)`,
		string(status), nullStr(decidedBy), nullStr(reason), nullRaw(modified), now.UTC(),
		id, now.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM approvals WHERE id = ?`, id).Scan(&exists); scanErr == nil && exists > 0 {
			return schema.NewErrorf(schema.ErrCodeStaleApproval,
				"approval %s already resolved or past deadline", id)
		}
		return storeNotFound("approval", id)
	}
	return nil
}

// ExpireApprovals transitions every pending approval past its deadline to
// timed_out and returns the ones that actually transitioned.
func (s *LibSQLStore) ExpireApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status = 'pending' AND datetime(deadline_at) <= datetime(?)`, now.UTC())
	if err != nil {
		return nil, err
	}
	var candidates []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*Approval
	for _, a := range candidates {
		// CAS on pending protects against a decision that landed between
		// the select and this update.
		res, err := s.db.ExecContext(ctx,
			`UPDATE approvals SET status = 'timed_out', decided_by = 'system', decision_reason = 'deadline exceeded', decided_at = ?
			 WHERE id = ? AND status = 'pending'`,
			now.UTC(), a.ID,
		)
		if err != nil {
			return expired, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			a.Status = schema.ApprovalStatusTimedOut
			a.DecidedBy = "system"
			a.DecisionReason = "deadline exceeded"
			t := now.UTC()
			a.DecidedAt = &t
			expired = append(expired, a)
		}
	}
	return expired, nil
}

func (s *LibSQLStore) DeleteApprovalsForRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE run_id = ?`, runID)
	return err
}

func scanApproval(row rowScanner) (*Approval, error) {
	a := &Approval{}
	var status, proposed string
	var decidedBy, reason, modified sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&a.ID, &a.RunID, &a.StageName, &a.StageIndex, &proposed, &status,
		&decidedBy, &reason, &modified, &a.CreatedAt, &a.DeadlineAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	a.Proposed = json.RawMessage(proposed)
	a.Status = schema.ApprovalStatus(status)
	a.DecidedBy = decidedBy.String
	a.DecisionReason = reason.String
	a.ModifiedPayload = rawOrNil(modified)
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return a, nil
}

// --- Pipelines ---

func (s *LibSQLStore) RegisterPipeline(ctx context.Context, p *Pipeline) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("marshal pipeline definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		p.Name, string(def), timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	p := &Pipeline{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, definition, created_at, updated_at FROM pipelines WHERE name = ?`, name,
	).Scan(&p.Name, &defJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline", name)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline definition: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, definition, created_at, updated_at FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		p := &Pipeline{}
		var defJSON string
		if err := rows.Scan(&p.Name, &defJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline definition: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
