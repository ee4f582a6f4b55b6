package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provenance records which direction last wrote a ledger entry.
type Provenance string

const (
	// ProvenancePush marks an entry last written by the push path (source to target).
	ProvenancePush Provenance = "push"
	// ProvenancePull marks an entry last written by the ingress path (target to source).
	ProvenancePull Provenance = "pull"
)

// Entry is one row of the identity ledger: the durable association between a
// source row identity and the target item it materialized as, plus the hash
// and timestamps needed for echo suppression and conflict resolution.
type Entry struct {
	SyncDefID          uuid.UUID
	SourceIdentityHash string
	SourceIdentity     string
	SourceInstanceID   string
	TargetListID       string
	TargetItemID       int64
	ContentHash        string
	LastSourceTS       *time.Time
	LastSyncTS         time.Time
	Provenance         Provenance
}

// Ledger queries.
const (
	sqlLedgerColumns = `sync_def_id, source_identity_hash, source_identity,
		source_instance_id, target_list_id, target_item_id, content_hash,
		last_source_ts, last_sync_ts, provenance`

	sqlLedgerGet = `SELECT ` + sqlLedgerColumns +
		` FROM sync_ledger WHERE sync_def_id = ? AND source_identity_hash = ?`

	sqlLedgerUpsert = `INSERT INTO sync_ledger (` + sqlLedgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sync_def_id, source_identity_hash) DO UPDATE SET
			source_identity    = excluded.source_identity,
			source_instance_id = excluded.source_instance_id,
			target_list_id     = excluded.target_list_id,
			target_item_id     = excluded.target_item_id,
			content_hash       = excluded.content_hash,
			last_source_ts     = excluded.last_source_ts,
			last_sync_ts       = excluded.last_sync_ts,
			provenance         = excluded.provenance`

	sqlLedgerDelete = `DELETE FROM sync_ledger
		WHERE sync_def_id = ? AND source_identity_hash = ?`

	sqlLedgerGetByTargetItem = `SELECT ` + sqlLedgerColumns + `
		FROM sync_ledger
		WHERE sync_def_id = ? AND target_list_id = ? AND target_item_id = ?`

	sqlLedgerListForList = `SELECT ` + sqlLedgerColumns + `
		FROM sync_ledger
		WHERE sync_def_id = ? AND target_list_id = ?
		ORDER BY source_identity_hash`
)

// Entry returns the ledger entry for the given identity hash, or ErrNotFound.
func (s *Store) Entry(ctx context.Context, defID uuid.UUID, identityHash string) (*Entry, error) {
	row := s.ledgerStmts.get.QueryRowContext(ctx, defID.String(), identityHash)

	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("state: get ledger entry: %w", err)
	}

	return e, nil
}

// UpsertEntry inserts or replaces the ledger entry keyed by
// (SyncDefID, SourceIdentityHash).
func (s *Store) UpsertEntry(ctx context.Context, e *Entry) error {
	var lastSource any
	if e.LastSourceTS != nil {
		lastSource = e.LastSourceTS.UnixNano()
	}

	_, err := s.ledgerStmts.upsert.ExecContext(ctx,
		e.SyncDefID.String(), e.SourceIdentityHash, e.SourceIdentity,
		nullableString(e.SourceInstanceID), e.TargetListID, e.TargetItemID,
		e.ContentHash, lastSource, e.LastSyncTS.UnixNano(), string(e.Provenance),
	)
	if err != nil {
		return fmt.Errorf("state: upsert ledger entry: %w", err)
	}

	return nil
}

// DeleteEntry removes the ledger entry for the given identity hash. Deleting
// a missing entry is not an error.
func (s *Store) DeleteEntry(ctx context.Context, defID uuid.UUID, identityHash string) error {
	if _, err := s.ledgerStmts.delete.ExecContext(ctx, defID.String(), identityHash); err != nil {
		return fmt.Errorf("state: delete ledger entry: %w", err)
	}

	return nil
}

// EntryByTargetItem resolves a target item back to its ledger entry, used by
// the ingress path to map incoming changes onto source identities.
func (s *Store) EntryByTargetItem(ctx context.Context, defID uuid.UUID, listID string, itemID int64) (*Entry, error) {
	row := s.ledgerStmts.getByTargetItem.QueryRowContext(ctx, defID.String(), listID, itemID)

	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("state: get ledger entry by target item: %w", err)
	}

	return e, nil
}

// ListEntriesForList returns all ledger entries currently homed in the given
// target list, ordered by identity hash.
func (s *Store) ListEntriesForList(ctx context.Context, defID uuid.UUID, listID string) ([]*Entry, error) {
	rows, err := s.ledgerStmts.listForList.QueryContext(ctx, defID.String(), listID)
	if err != nil {
		return nil, fmt.Errorf("state: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("state: list ledger entries: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list ledger entries: %w", err)
	}

	return entries, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e          Entry
		defID      string
		instanceID sql.NullString
		lastSource sql.NullInt64
		lastSync   int64
		provenance string
	)

	err := sc.Scan(&defID, &e.SourceIdentityHash, &e.SourceIdentity,
		&instanceID, &e.TargetListID, &e.TargetItemID, &e.ContentHash,
		&lastSource, &lastSync, &provenance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(defID)
	if err != nil {
		return nil, fmt.Errorf("parse sync_def_id: %w", err)
	}

	e.SyncDefID = parsed
	e.SourceInstanceID = instanceID.String
	e.LastSyncTS = time.Unix(0, lastSync).UTC()
	e.Provenance = Provenance(provenance)

	if lastSource.Valid {
		t := time.Unix(0, lastSource.Int64).UTC()
		e.LastSourceTS = &t
	}

	return &e, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
