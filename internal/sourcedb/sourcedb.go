// Package sourcedb talks to the Postgres source databases: row reads for the
// push path, row writes for the ingress path, and replication slot plumbing
// for CDC. All identifiers are quoted through pgx so definition-supplied
// schema and table names cannot inject SQL.
package sourcedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/rowvalue"
)

// ErrNoRow is returned by single-row lookups that match nothing.
var ErrNoRow = errors.New("sourcedb: no row")

// DB is a connection pool to one source instance.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool against the given instance.
func Connect(ctx context.Context, inst *defs.Instance, logger *slog.Logger) (*DB, error) {
	dsn := DSN(inst, false)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: connect to %s: %w", inst.Label, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sourcedb: ping %s: %w", inst.Label, err)
	}

	logger.Info("connected to source database",
		slog.String("instance", inst.Label),
		slog.String("host", inst.Host),
	)

	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// DSN builds a connection string for the instance. replication adds the
// parameter that switches the connection into logical replication mode.
func DSN(inst *defs.Instance, replication bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s password=%s",
		inst.Host, inst.Port, inst.Database, inst.User, inst.Password)

	if replication {
		b.WriteString(" replication=database")
	}

	return b.String()
}

// qualifiedTable returns the quoted schema.table for a definition.
func qualifiedTable(def *defs.Definition) string {
	return pgx.Identifier{def.SchemaOrDefault(), def.SourceTable}.Sanitize()
}

// FetchChanged returns rows whose cursor column is strictly greater than
// since, ordered ascending, up to limit. An empty since fetches from the
// beginning.
func (db *DB) FetchChanged(ctx context.Context, def *defs.Definition, since string, limit int) ([]rowvalue.Row, error) {
	cursorCol := pgx.Identifier{def.CursorColumnOrDefault()}.Sanitize()

	var (
		query string
		args  []any
	)

	if since == "" {
		query = fmt.Sprintf("SELECT * FROM %s ORDER BY %s ASC LIMIT $1",
			qualifiedTable(def), cursorCol)
		args = []any{limit}
	} else {
		query = fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC LIMIT $2",
			qualifiedTable(def), cursorCol, cursorCol)
		args = []any{since, limit}
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: fetch changed rows from %s: %w", def.SourceTable, err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// FetchByKey returns the single row matching the key columns, or ErrNoRow.
func (db *DB) FetchByKey(ctx context.Context, def *defs.Definition, key rowvalue.Row) (rowvalue.Row, error) {
	where, args := whereByKey(key)

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", qualifiedTable(def), where)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: fetch row from %s: %w", def.SourceTable, err)
	}
	defer rows.Close()

	collected, err := collectRows(rows)
	if err != nil {
		return nil, err
	}

	if len(collected) == 0 {
		return nil, ErrNoRow
	}

	return collected[0], nil
}

// InsertRow inserts a row with the given column values and returns the row
// as stored, with any column defaults the database filled in.
func (db *DB) InsertRow(ctx context.Context, def *defs.Definition, values rowvalue.Row) (rowvalue.Row, error) {
	cols := sortedColumns(values)

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))

	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[col].Native()
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		qualifiedTable(def), strings.Join(quoted, ", "), strings.Join(params, ", "))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: insert into %s: %w", def.SourceTable, err)
	}
	defer rows.Close()

	collected, err := collectRows(rows)
	if err != nil {
		return nil, err
	}

	if len(collected) == 0 {
		return nil, fmt.Errorf("sourcedb: insert into %s: no row returned", def.SourceTable)
	}

	return collected[0], nil
}

// UpdateByKey updates the columns in values on the row matching key.
// Returns the number of rows updated.
func (db *DB) UpdateByKey(ctx context.Context, def *defs.Definition, key, values rowvalue.Row) (int64, error) {
	cols := sortedColumns(values)
	if len(cols) == 0 {
		return 0, nil
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(key))

	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
		args = append(args, values[col].Native())
	}

	where, whereArgs := whereByKeyOffset(key, len(cols))
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		qualifiedTable(def), strings.Join(sets, ", "), where)

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sourcedb: update %s: %w", def.SourceTable, err)
	}

	return tag.RowsAffected(), nil
}

// DeleteByKey deletes the row matching key. Returns the number of rows
// deleted.
func (db *DB) DeleteByKey(ctx context.Context, def *defs.Definition, key rowvalue.Row) (int64, error) {
	where, args := whereByKey(key)

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", qualifiedTable(def), where)

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sourcedb: delete from %s: %w", def.SourceTable, err)
	}

	return tag.RowsAffected(), nil
}

// whereByKey builds an AND-joined equality predicate over the key columns.
func whereByKey(key rowvalue.Row) (string, []any) {
	return whereByKeyOffset(key, 0)
}

func whereByKeyOffset(key rowvalue.Row, offset int) (string, []any) {
	cols := sortedColumns(key)

	preds := make([]string, len(cols))
	args := make([]any, len(cols))

	for i, col := range cols {
		preds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), offset+i+1)
		args[i] = key[col].Native()
	}

	return strings.Join(preds, " AND "), args
}

// sortedColumns returns the row's column names in stable order so generated
// SQL is deterministic.
func sortedColumns(row rowvalue.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}

	slices.Sort(cols)

	return cols
}

// collectRows converts a pgx result set into semantic rows.
func collectRows(rows pgx.Rows) ([]rowvalue.Row, error) {
	fields := rows.FieldDescriptions()

	var out []rowvalue.Row

	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("sourcedb: reading row values: %w", err)
		}

		row := make(rowvalue.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = rowvalue.FromAny(raw[i])
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sourcedb: iterating rows: %w", err)
	}

	return out, nil
}
