package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/arcore-io/arcore/internal/defs"
)

// CursorScope distinguishes the two directions a cursor tracks.
type CursorScope string

const (
	// ScopeSource tracks progress reading from a Postgres source
	// (timestamp watermark or replication LSN).
	ScopeSource CursorScope = "source"
	// ScopeTarget tracks progress reading from a target list (delta token).
	ScopeTarget CursorScope = "target"
)

// Cursor is one durable sync position. Discriminator scopes the cursor below
// the definition: the instance ID for source cursors, the list ID for target
// cursors.
type Cursor struct {
	SyncDefID     uuid.UUID
	Scope         CursorScope
	Discriminator string
	Type          defs.CursorType
	Value         string
	UpdatedAt     time.Time
}

// Cursor queries.
const (
	sqlCursorGet = `SELECT cursor_type, cursor_value, updated_at FROM sync_cursor
		WHERE sync_def_id = ? AND cursor_scope = ? AND discriminator = ?`

	sqlCursorUpsert = `INSERT INTO sync_cursor
		(sync_def_id, cursor_scope, discriminator, cursor_type, cursor_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sync_def_id, cursor_scope, discriminator) DO UPDATE SET
			cursor_type  = excluded.cursor_type,
			cursor_value = excluded.cursor_value,
			updated_at   = excluded.updated_at`

	sqlCursorReset = `DELETE FROM sync_cursor
		WHERE sync_def_id = ? AND cursor_scope = ? AND discriminator = ?`
)

// Cursor returns the stored cursor, or ErrNotFound if none has been saved.
func (s *Store) Cursor(ctx context.Context, defID uuid.UUID, scope CursorScope, discriminator string) (*Cursor, error) {
	var (
		ctype, value string
		updated      int64
	)

	err := s.cursorStmts.get.QueryRowContext(ctx, defID.String(), string(scope), discriminator).
		Scan(&ctype, &value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("state: get cursor: %w", err)
	}

	return &Cursor{
		SyncDefID:     defID,
		Scope:         scope,
		Discriminator: discriminator,
		Type:          defs.CursorType(ctype),
		Value:         value,
		UpdatedAt:     time.Unix(0, updated).UTC(),
	}, nil
}

// UpsertCursor saves a cursor position. Timestamp and LSN cursors only move
// forward; attempting to save an older position returns ErrCursorRegression
// and leaves the stored value untouched. Delta tokens are opaque and always
// overwrite.
func (s *Store) UpsertCursor(ctx context.Context, c *Cursor) error {
	prev, err := s.Cursor(ctx, c.SyncDefID, c.Scope, c.Discriminator)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if prev != nil && prev.Type == c.Type {
		advances, err := cursorAdvances(c.Type, prev.Value, c.Value)
		if err != nil {
			return fmt.Errorf("state: compare cursors: %w", err)
		}

		if !advances {
			return fmt.Errorf("state: %q -> %q for %s/%s/%s: %w",
				prev.Value, c.Value, c.SyncDefID, c.Scope, c.Discriminator, ErrCursorRegression)
		}
	}

	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.cursorStmts.upsert.ExecContext(ctx,
		c.SyncDefID.String(), string(c.Scope), c.Discriminator,
		string(c.Type), c.Value, updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("state: upsert cursor: %w", err)
	}

	return nil
}

// ResetCursor discards a stored cursor so the next run starts from scratch.
// This is the only sanctioned way to move a cursor backwards.
func (s *Store) ResetCursor(ctx context.Context, defID uuid.UUID, scope CursorScope, discriminator string) error {
	if _, err := s.cursorStmts.reset.ExecContext(ctx, defID.String(), string(scope), discriminator); err != nil {
		return fmt.Errorf("state: reset cursor: %w", err)
	}

	return nil
}

// cursorAdvances reports whether next is strictly ahead of (or equal to)
// prev under the ordering of the cursor type. Equal positions are allowed so
// idempotent re-saves after an empty batch do not error.
func cursorAdvances(ctype defs.CursorType, prev, next string) (bool, error) {
	switch ctype {
	case defs.CursorLSN:
		p, err := pglogrepl.ParseLSN(prev)
		if err != nil {
			return false, fmt.Errorf("parse stored lsn %q: %w", prev, err)
		}

		n, err := pglogrepl.ParseLSN(next)
		if err != nil {
			return false, fmt.Errorf("parse new lsn %q: %w", next, err)
		}

		return n >= p, nil

	case defs.CursorTimestamp:
		// RFC 3339 UTC timestamps order lexically.
		return next >= prev, nil

	case defs.CursorDeltaToken:
		// Opaque tokens carry no ordering; the newest one wins.
		return true, nil

	default:
		return false, fmt.Errorf("unknown cursor type %q", ctype)
	}
}

// CDC checkpoint queries.
const (
	sqlCheckpointGet = `SELECT lsn FROM cdc_checkpoint WHERE instance_id = ?`

	sqlCheckpointSave = `INSERT INTO cdc_checkpoint (instance_id, lsn, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			lsn        = excluded.lsn,
			updated_at = excluded.updated_at`
)

// CDCCheckpoint returns the last confirmed replication LSN for a source
// instance, or ErrNotFound before the first checkpoint.
func (s *Store) CDCCheckpoint(ctx context.Context, instanceID uuid.UUID) (pglogrepl.LSN, error) {
	var raw string

	err := s.checkpointStmts.get.QueryRowContext(ctx, instanceID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("state: get cdc checkpoint: %w", err)
	}

	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return 0, fmt.Errorf("state: parse cdc checkpoint %q: %w", raw, err)
	}

	return lsn, nil
}

// SaveCDCCheckpoint durably records the LSN up to which all events from the
// instance have been appended to the queue.
func (s *Store) SaveCDCCheckpoint(ctx context.Context, instanceID uuid.UUID, lsn pglogrepl.LSN) error {
	_, err := s.checkpointStmts.save.ExecContext(ctx,
		instanceID.String(), lsn.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("state: save cdc checkpoint: %w", err)
	}

	return nil
}
