// Package state persists all engine-owned sync state in an embedded
// SQLite database: the identity ledger, per-scope cursors, run history,
// move audits and CDC checkpoints. A single Store is safe for concurrent
// use; writes are serialized through one connection.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Sentinel errors returned by Store lookups and guarded writes.
var (
	// ErrNotFound is returned when a ledger entry, cursor or run does not exist.
	ErrNotFound = errors.New("state: not found")

	// ErrCursorRegression is returned when an advance would move a cursor
	// backwards. Rewinding requires ResetCursor.
	ErrCursorRegression = errors.New("state: cursor regression")
)

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// Store is the SQLite-backed state store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	ledgerStmts     ledgerStatements
	cursorStmts     cursorStatements
	runStmts        runStatements
	moveStmts       moveStatements
	checkpointStmts checkpointStatements
}

type ledgerStatements struct {
	get, upsert, delete, getByTargetItem, listForList *sql.Stmt
}

type cursorStatements struct {
	get, upsert, reset *sql.Stmt
}

type runStatements struct {
	start, end, appendEvent, list, listEvents *sql.Stmt
}

type moveStatements struct {
	append, listForIdentity *sql.Stmt
}

type checkpointStatements struct {
	get, save *sql.Stmt
}

// Open opens (creating if necessary) the state database at dbPath, applies
// pending migrations and prepares all repeated statements. Use ":memory:"
// for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}

	// SQLite allows one writer; funnel everything through one connection so
	// concurrent engine goroutines queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: prepare statements: %w", err)
	}

	logger.Info("state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("state: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	prepare := func(dst **sql.Stmt, query string) error {
		if *dst != nil {
			return nil
		}

		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %.40q: %w", query, err)
		}

		*dst = stmt

		return nil
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.ledgerStmts.get, sqlLedgerGet},
		{&s.ledgerStmts.upsert, sqlLedgerUpsert},
		{&s.ledgerStmts.delete, sqlLedgerDelete},
		{&s.ledgerStmts.getByTargetItem, sqlLedgerGetByTargetItem},
		{&s.ledgerStmts.listForList, sqlLedgerListForList},
		{&s.cursorStmts.get, sqlCursorGet},
		{&s.cursorStmts.upsert, sqlCursorUpsert},
		{&s.cursorStmts.reset, sqlCursorReset},
		{&s.runStmts.start, sqlRunStart},
		{&s.runStmts.end, sqlRunEnd},
		{&s.runStmts.appendEvent, sqlEventAppend},
		{&s.runStmts.list, sqlRunList},
		{&s.runStmts.listEvents, sqlEventList},
		{&s.moveStmts.append, sqlMoveAppend},
		{&s.moveStmts.listForIdentity, sqlMoveListForIdentity},
		{&s.checkpointStmts.get, sqlCheckpointGet},
		{&s.checkpointStmts.save, sqlCheckpointSave},
	}

	for _, sp := range stmts {
		if err := prepare(sp.dst, sp.query); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the underlying database. Prepared statements are closed
// implicitly with the connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}

	return nil
}
