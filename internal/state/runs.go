package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunKind names the kind of work a run record covers.
type RunKind string

const (
	RunPush    RunKind = "push"
	RunIngress RunKind = "ingress"
	RunCDC     RunKind = "cdc"
	RunMove    RunKind = "move"
	RunDrift   RunKind = "drift"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one recorded execution of a sync cycle.
type Run struct {
	ID             uuid.UUID
	SyncDefID      uuid.UUID
	Kind           RunKind
	Status         RunStatus
	ItemsProcessed int
	ItemsFailed    int
	ErrorMsg       string
	StartTime      time.Time
	EndTime        *time.Time
}

// EventSeverity grades a run event.
type EventSeverity string

const (
	SeverityInfo  EventSeverity = "info"
	SeverityWarn  EventSeverity = "warn"
	SeverityError EventSeverity = "error"
)

// Event is one per-item occurrence attached to a run.
type Event struct {
	ID        int64
	RunID     uuid.UUID
	Severity  EventSeverity
	EventType string
	Message   string
	CreatedAt time.Time
}

// MoveAudit is one append-only record of a target-list relocation attempt.
type MoveAudit struct {
	ID                 int64
	SyncDefID          uuid.UUID
	SourceIdentityHash string
	FromListID         string
	ToListID           string
	Status             string
	Details            string
	CreatedAt          time.Time
}

// Move audit statuses.
const (
	MoveStatusSuccess       = "success"
	MoveStatusSuccessOrphan = "success_orphan"
	MoveStatusOrphanRisk    = "orphan_risk"
	MoveStatusFailed        = "failed"
)

// Run and event queries.
const (
	sqlRunStart = `INSERT INTO sync_run
		(id, sync_def_id, kind, status, items_processed, items_failed, start_time)
		VALUES (?, ?, ?, ?, 0, 0, ?)`

	sqlRunEnd = `UPDATE sync_run SET
		status = ?, items_processed = ?, items_failed = ?, error_msg = ?, end_time = ?
		WHERE id = ?`

	sqlRunColumns = `id, sync_def_id, kind, status, items_processed,
		items_failed, error_msg, start_time, end_time`

	sqlRunList = `SELECT ` + sqlRunColumns + ` FROM sync_run
		WHERE sync_def_id = ? ORDER BY start_time DESC LIMIT ?`

	sqlEventAppend = `INSERT INTO sync_event
		(run_id, severity, event_type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlEventList = `SELECT id, run_id, severity, event_type, message, created_at
		FROM sync_event WHERE run_id = ? ORDER BY id`
)

// Move audit queries.
const (
	sqlMoveAppend = `INSERT INTO move_audit
		(sync_def_id, source_identity_hash, from_list_id, to_list_id, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlMoveListForIdentity = `SELECT id, sync_def_id, source_identity_hash,
		from_list_id, to_list_id, status, details, created_at
		FROM move_audit WHERE sync_def_id = ? AND source_identity_hash = ?
		ORDER BY id`
)

// StartRun records the beginning of a run and returns its ID.
func (s *Store) StartRun(ctx context.Context, defID uuid.UUID, kind RunKind) (uuid.UUID, error) {
	id := uuid.New()

	_, err := s.runStmts.start.ExecContext(ctx,
		id.String(), defID.String(), string(kind), string(RunRunning), time.Now().UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("state: start run: %w", err)
	}

	return id, nil
}

// EndRun finalizes a run with its outcome and counters.
func (s *Store) EndRun(ctx context.Context, runID uuid.UUID, status RunStatus, processed, failed int, errMsg string) error {
	res, err := s.runStmts.end.ExecContext(ctx,
		string(status), processed, failed, nullableString(errMsg),
		time.Now().UnixNano(), runID.String())
	if err != nil {
		return fmt.Errorf("state: end run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: end run: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("state: end run %s: %w", runID, ErrNotFound)
	}

	return nil
}

// AppendEvent attaches a per-item event to a run.
func (s *Store) AppendEvent(ctx context.Context, runID uuid.UUID, severity EventSeverity, eventType, message string) error {
	_, err := s.runStmts.appendEvent.ExecContext(ctx,
		runID.String(), string(severity), eventType,
		nullableString(message), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("state: append event: %w", err)
	}

	return nil
}

// ListRuns returns the most recent runs for a definition, newest first.
func (s *Store) ListRuns(ctx context.Context, defID uuid.UUID, limit int) ([]*Run, error) {
	rows, err := s.runStmts.list.QueryContext(ctx, defID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run

	for rows.Next() {
		var (
			r            Run
			idRaw, defID string
			kind, status string
			errMsg       sql.NullString
			start        int64
			end          sql.NullInt64
		)

		err := rows.Scan(&idRaw, &defID, &kind, &status,
			&r.ItemsProcessed, &r.ItemsFailed, &errMsg, &start, &end)
		if err != nil {
			return nil, fmt.Errorf("state: list runs: %w", err)
		}

		if r.ID, err = uuid.Parse(idRaw); err != nil {
			return nil, fmt.Errorf("state: list runs: parse id: %w", err)
		}

		if r.SyncDefID, err = uuid.Parse(defID); err != nil {
			return nil, fmt.Errorf("state: list runs: parse sync_def_id: %w", err)
		}

		r.Kind = RunKind(kind)
		r.Status = RunStatus(status)
		r.ErrorMsg = errMsg.String
		r.StartTime = time.Unix(0, start).UTC()

		if end.Valid {
			t := time.Unix(0, end.Int64).UTC()
			r.EndTime = &t
		}

		runs = append(runs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}

	return runs, nil
}

// ListEvents returns all events for a run in append order.
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID) ([]*Event, error) {
	rows, err := s.runStmts.listEvents.QueryContext(ctx, runID.String())
	if err != nil {
		return nil, fmt.Errorf("state: list events: %w", err)
	}
	defer rows.Close()

	var events []*Event

	for rows.Next() {
		var (
			e       Event
			runRaw  string
			msg     sql.NullString
			created int64
		)

		var severity, etype string
		if err := rows.Scan(&e.ID, &runRaw, &severity, &etype, &msg, &created); err != nil {
			return nil, fmt.Errorf("state: list events: %w", err)
		}

		if e.RunID, err = uuid.Parse(runRaw); err != nil {
			return nil, fmt.Errorf("state: list events: parse run_id: %w", err)
		}

		e.Severity = EventSeverity(severity)
		e.EventType = etype
		e.Message = msg.String
		e.CreatedAt = time.Unix(0, created).UTC()

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list events: %w", err)
	}

	return events, nil
}

// AppendMoveAudit records one relocation attempt. The audit trail is
// append-only; a retried move writes a second row.
func (s *Store) AppendMoveAudit(ctx context.Context, a *MoveAudit) error {
	_, err := s.moveStmts.append.ExecContext(ctx,
		a.SyncDefID.String(), a.SourceIdentityHash, a.FromListID, a.ToListID,
		a.Status, nullableString(a.Details), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("state: append move audit: %w", err)
	}

	return nil
}

// ListMoveAudits returns the relocation history for one identity in
// append order.
func (s *Store) ListMoveAudits(ctx context.Context, defID uuid.UUID, identityHash string) ([]*MoveAudit, error) {
	rows, err := s.moveStmts.listForIdentity.QueryContext(ctx, defID.String(), identityHash)
	if err != nil {
		return nil, fmt.Errorf("state: list move audits: %w", err)
	}
	defer rows.Close()

	var audits []*MoveAudit

	for rows.Next() {
		var (
			a       MoveAudit
			defRaw  string
			details sql.NullString
			created int64
		)

		err := rows.Scan(&a.ID, &defRaw, &a.SourceIdentityHash,
			&a.FromListID, &a.ToListID, &a.Status, &details, &created)
		if err != nil {
			return nil, fmt.Errorf("state: list move audits: %w", err)
		}

		if a.SyncDefID, err = uuid.Parse(defRaw); err != nil {
			return nil, fmt.Errorf("state: list move audits: parse sync_def_id: %w", err)
		}

		a.Details = details.String
		a.CreatedAt = time.Unix(0, created).UTC()

		audits = append(audits, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list move audits: %w", err)
	}

	return audits, nil
}
