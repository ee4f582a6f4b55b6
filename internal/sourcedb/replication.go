package sourcedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/arcore-io/arcore/internal/defs"
)

// standbyInterval is how often the stream sends standby status updates when
// no data arrives.
const standbyInterval = 10 * time.Second

// SlotInfo describes one replication slot on a source instance.
type SlotInfo struct {
	Name         string
	Plugin       string
	Active       bool
	RestartLSN   string
	RetainedWAL  string
	DatabaseName string
}

// EnsurePublication creates the publication for the given tables if it does
// not exist. Table names must already be schema-qualified and quoted.
func (db *DB) EnsurePublication(ctx context.Context, name string, tables []string) error {
	var exists bool

	err := db.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("sourcedb: check publication %s: %w", name, err)
	}

	if exists {
		return nil
	}

	// Publication DDL cannot be parameterized.
	query := fmt.Sprintf("CREATE PUBLICATION %s", name)
	if len(tables) > 0 {
		query += " FOR TABLE " + joinTables(tables)
	}

	if _, err := db.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("sourcedb: create publication %s: %w", name, err)
	}

	db.logger.Info("created publication",
		slog.String("publication", name),
		slog.Int("tables", len(tables)),
	)

	return nil
}

func joinTables(tables []string) string {
	out := ""
	for i, t := range tables {
		if i > 0 {
			out += ", "
		}

		out += t
	}

	return out
}

// CreateSlot creates a pgoutput logical replication slot. Creating a slot
// that already exists is not an error.
func (db *DB) CreateSlot(ctx context.Context, name string) error {
	var exists bool

	err := db.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("sourcedb: check slot %s: %w", name, err)
	}

	if exists {
		return nil
	}

	_, err = db.pool.Exec(ctx,
		"SELECT pg_create_logical_replication_slot($1, 'pgoutput')", name)
	if err != nil {
		return fmt.Errorf("sourcedb: create slot %s: %w", name, err)
	}

	db.logger.Info("created replication slot", slog.String("slot", name))

	return nil
}

// ListSlots returns the logical replication slots on this instance.
func (db *DB) ListSlots(ctx context.Context) ([]SlotInfo, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT slot_name, plugin, active,
		       coalesce(restart_lsn::text, ''),
		       coalesce(pg_size_pretty(pg_wal_lsn_diff(pg_current_wal_lsn(), restart_lsn)), ''),
		       coalesce(database, '')
		FROM pg_replication_slots
		WHERE slot_type = 'logical'
		ORDER BY slot_name`)
	if err != nil {
		return nil, fmt.Errorf("sourcedb: list slots: %w", err)
	}
	defer rows.Close()

	var slots []SlotInfo

	for rows.Next() {
		var s SlotInfo
		if err := rows.Scan(&s.Name, &s.Plugin, &s.Active, &s.RestartLSN, &s.RetainedWAL, &s.DatabaseName); err != nil {
			return nil, fmt.Errorf("sourcedb: scan slot: %w", err)
		}

		slots = append(slots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sourcedb: list slots: %w", err)
	}

	return slots, nil
}

// DropSlot removes a replication slot by name. Dropping a missing slot is
// not an error.
func (db *DB) DropSlot(ctx context.Context, name string) error {
	_, err := db.pool.Exec(ctx,
		"SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1", name)
	if err != nil {
		return fmt.Errorf("sourcedb: drop slot %s: %w", name, err)
	}

	return nil
}

// ReplicationStream is an open logical replication connection delivering raw
// pgoutput frames. Not safe for concurrent use.
type ReplicationStream struct {
	conn     *pgconn.PgConn
	slot     string
	logger   *slog.Logger
	lastSent time.Time
}

// WALMessage is one raw pgoutput frame with its WAL position.
type WALMessage struct {
	WALStart pglogrepl.LSN
	WALEnd   pglogrepl.LSN
	Data     []byte
}

// OpenReplication connects to the instance in replication mode, creates the
// slot if needed, and starts streaming from startLSN (zero means the slot's
// confirmed position).
func OpenReplication(ctx context.Context, inst *defs.Instance, publication string, startLSN pglogrepl.LSN, logger *slog.Logger) (*ReplicationStream, error) {
	conn, err := pgconn.Connect(ctx, DSN(inst, true))
	if err != nil {
		return nil, fmt.Errorf("sourcedb: replication connect to %s: %w", inst.Label, err)
	}

	slot := inst.SlotNameOrDefault()

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isDuplicateObject(err) {
		conn.Close(ctx)
		return nil, fmt.Errorf("sourcedb: create slot %s: %w", slot, err)
	}

	err = pglogrepl.StartReplication(ctx, conn, slot, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", publication),
			},
		})
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("sourcedb: start replication on %s: %w", slot, err)
	}

	logger.Info("replication stream started",
		slog.String("instance", inst.Label),
		slog.String("slot", slot),
		slog.String("start_lsn", startLSN.String()),
	)

	return &ReplicationStream{
		conn:     conn,
		slot:     slot,
		logger:   logger,
		lastSent: time.Now(),
	}, nil
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// Next blocks until the next data frame arrives, handling keepalives and
// standby status internally. flushed is reported to the server as the
// position durably processed so far.
func (s *ReplicationStream) Next(ctx context.Context, flushed pglogrepl.LSN) (*WALMessage, error) {
	for {
		if time.Since(s.lastSent) >= standbyInterval {
			if err := s.SendStatus(ctx, flushed); err != nil {
				return nil, err
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(standbyInterval))
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}

			return nil, fmt.Errorf("sourcedb: receive on slot %s: %w", s.slot, err)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		tag, ok := copyDataTag(msg.Data)
		if !ok {
			continue
		}

		switch tag {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("sourcedb: parse keepalive: %w", err)
			}

			if ka.ReplyRequested {
				if err := s.SendStatus(ctx, flushed); err != nil {
					return nil, err
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("sourcedb: parse xlog data: %w", err)
			}

			return &WALMessage{
				WALStart: xld.WALStart,
				WALEnd:   xld.WALStart + pglogrepl.LSN(len(xld.WALData)),
				Data:     xld.WALData,
			}, nil
		}
	}
}

// copyDataTag returns the frame's tag byte; ok is false for an empty
// payload, which carries nothing to dispatch on.
func copyDataTag(data []byte) (byte, bool) {
	if len(data) == 0 {
		return 0, false
	}

	return data[0], true
}

// SendStatus reports the flushed position to the server, letting it recycle
// WAL up to that point.
func (s *ReplicationStream) SendStatus(ctx context.Context, flushed pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: flushed, WALFlushPosition: flushed, WALApplyPosition: flushed})
	if err != nil {
		return fmt.Errorf("sourcedb: send standby status: %w", err)
	}

	s.lastSent = time.Now()

	return nil
}

// Close terminates the replication connection.
func (s *ReplicationStream) Close(ctx context.Context) error {
	if err := s.conn.Close(ctx); err != nil {
		return fmt.Errorf("sourcedb: close replication stream: %w", err)
	}

	return nil
}
