package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendAudit appends an audit event with a monotonically increasing
// per-run sequence. The write-intent statement forces immediate lock
// acquisition so concurrent writers cannot interleave sequence reads
// and writes in WAL mode.
func (s *LibSQLStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (run_id, stage, event_type, tier, latency_ms, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Stage), event.Type, nullStr(event.Tier),
		event.LatencyMs, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit event: %w", err)
	}
	return nil
}

// AuditTrail returns audit events for a run with sequence > since, ordered
// by sequence ASC.
func (s *LibSQLStore) AuditTrail(ctx context.Context, runID string, since int64) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, event_type, tier, latency_ms, payload, timestamp, sequence
		 FROM audit_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// AuditByType returns audit events of a specific type matching the filter.
func (s *LibSQLStore) AuditByType(ctx context.Context, eventType string, filter AuditFilter) ([]*AuditEvent, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, filter.Tier)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, stage, event_type, tier, latency_ms, payload, timestamp, sequence FROM audit_events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var stage, tier, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &e.Type, &tier, &e.LatencyMs, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Tier = tier.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
