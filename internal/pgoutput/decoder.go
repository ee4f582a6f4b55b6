// Package pgoutput decodes logical-replication frames produced by the
// pgoutput plugin (protocol v1) into typed change events. The decoder keeps
// an in-memory relation cache so tuple columns can be aligned positionally
// with the most recent Relation frame for their relation id.
//
// The decoder is not responsible for slot management, standby feedback, or
// durability — callers own the stream and checkpointing.
package pgoutput

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/arcore-io/arcore/internal/rowvalue"
)

// ErrDecode is the sentinel wrapped by every DecodeError. Check with
// errors.Is(err, pgoutput.ErrDecode).
var ErrDecode = errors.New("pgoutput: decode error")

// DecodeError reports a malformed or unsupported frame.
type DecodeError struct {
	Tag    byte
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pgoutput: decoding %q frame at offset %d: %s", e.Tag, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// EventType tags decoded events.
type EventType int

const (
	EventBegin EventType = iota
	EventCommit
	EventRelation
	EventInsert
	EventUpdate
	EventDelete
	EventUnknown
)

// String returns the uppercase event name, matching run-event tags.
func (t EventType) String() string {
	switch t {
	case EventBegin:
		return "BEGIN"
	case EventCommit:
		return "COMMIT"
	case EventRelation:
		return "RELATION"
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Column describes one column from a Relation frame. Key reflects bit 0 of
// the column flags (part of the replica identity).
type Column struct {
	Name    string
	TypeOID uint32
	TypeMod int32
	Key     bool
}

// Event is a decoded frame. Fields are populated according to Type:
// Begin/Commit carry LSNs and the commit time; Relation carries the schema,
// table, and column list; Insert/Update/Delete carry the row (and, for
// Update/Delete with a replica identity tuple, OldRow). Unchanged names
// columns whose value was elided as unchanged TOAST — their prior value
// must be read from upstream state.
type Event struct {
	Type EventType

	// Transaction boundaries.
	FinalLSN   pglogrepl.LSN // Begin: final LSN of the transaction
	CommitLSN  pglogrepl.LSN // Commit: durable checkpoint for consumers
	TxEndLSN   pglogrepl.LSN
	CommitTime time.Time
	XID        uint32

	// Relation / DML addressing.
	RelationID uint32
	Schema     string
	Table      string
	Columns    []Column

	// DML payloads.
	Row       rowvalue.Row
	OldRow    rowvalue.Row
	Unchanged map[string]bool

	// Unknown frames within the known-ignored set.
	Tag byte
}

// relation is a cached Relation frame.
type relation struct {
	schema  string
	table   string
	columns []Column
}

// Decoder parses pgoutput frames. It is stateful (relation cache) and not
// safe for concurrent use; each consumer owns one decoder.
type Decoder struct {
	relations map[uint32]relation
}

// NewDecoder returns a decoder with an empty relation cache.
func NewDecoder() *Decoder {
	return &Decoder{relations: make(map[uint32]relation)}
}

// Frame tags per the logical replication message format.
const (
	tagBegin    = 'B'
	tagCommit   = 'C'
	tagOrigin   = 'O'
	tagRelation = 'R'
	tagType     = 'Y'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
	tagTruncate = 'T'
	tagMessage  = 'M'
)

// Tuple part markers.
const (
	markerNull      = 'n'
	markerUnchanged = 'u'
	markerText      = 't'

	tupleNew = 'N'
	tupleKey = 'K'
	tupleOld = 'O'
)

// Decode parses one frame. Origin, Type, Truncate, and Message frames are
// known-ignored and return an Unknown event; any other unrecognized tag is
// a DecodeError, as is any truncated body.
func (d *Decoder) Decode(payload []byte) (*Event, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Offset: 0, Reason: "empty frame"}
	}

	tag := payload[0]
	r := &frameReader{tag: tag, buf: payload, pos: 1}

	switch tag {
	case tagBegin:
		return d.decodeBegin(r)
	case tagCommit:
		return d.decodeCommit(r)
	case tagRelation:
		return d.decodeRelation(r)
	case tagInsert:
		return d.decodeInsert(r)
	case tagUpdate:
		return d.decodeUpdate(r)
	case tagDelete:
		return d.decodeDelete(r)
	case tagOrigin, tagType, tagTruncate, tagMessage:
		return &Event{Type: EventUnknown, Tag: tag}, nil
	default:
		return nil, &DecodeError{Tag: tag, Offset: 0, Reason: "unknown frame tag"}
	}
}

func (d *Decoder) decodeBegin(r *frameReader) (*Event, error) {
	finalLSN, err := r.uint64()
	if err != nil {
		return nil, err
	}

	commitTime, err := r.pgTime()
	if err != nil {
		return nil, err
	}

	xid, err := r.uint32()
	if err != nil {
		return nil, err
	}

	return &Event{
		Type:       EventBegin,
		FinalLSN:   pglogrepl.LSN(finalLSN),
		CommitTime: commitTime,
		XID:        xid,
	}, nil
}

func (d *Decoder) decodeCommit(r *frameReader) (*Event, error) {
	if _, err := r.byte(); err != nil { // flags, currently unused
		return nil, err
	}

	commitLSN, err := r.uint64()
	if err != nil {
		return nil, err
	}

	endLSN, err := r.uint64()
	if err != nil {
		return nil, err
	}

	commitTime, err := r.pgTime()
	if err != nil {
		return nil, err
	}

	return &Event{
		Type:       EventCommit,
		CommitLSN:  pglogrepl.LSN(commitLSN),
		TxEndLSN:   pglogrepl.LSN(endLSN),
		CommitTime: commitTime,
	}, nil
}

func (d *Decoder) decodeRelation(r *frameReader) (*Event, error) {
	relID, err := r.uint32()
	if err != nil {
		return nil, err
	}

	schema, err := r.cstring()
	if err != nil {
		return nil, err
	}

	table, err := r.cstring()
	if err != nil {
		return nil, err
	}

	if _, err := r.byte(); err != nil { // replica identity setting
		return nil, err
	}

	numCols, err := r.uint16()
	if err != nil {
		return nil, err
	}

	cols := make([]Column, 0, numCols)

	for i := 0; i < int(numCols); i++ {
		flags, colErr := r.byte()
		if colErr != nil {
			return nil, colErr
		}

		name, colErr := r.cstring()
		if colErr != nil {
			return nil, colErr
		}

		typeOID, colErr := r.uint32()
		if colErr != nil {
			return nil, colErr
		}

		typeMod, colErr := r.uint32()
		if colErr != nil {
			return nil, colErr
		}

		cols = append(cols, Column{
			Name:    name,
			TypeOID: typeOID,
			TypeMod: int32(typeMod),
			Key:     flags&1 != 0,
		})
	}

	d.relations[relID] = relation{schema: schema, table: table, columns: cols}

	return &Event{
		Type:       EventRelation,
		RelationID: relID,
		Schema:     schema,
		Table:      table,
		Columns:    cols,
	}, nil
}

func (d *Decoder) decodeInsert(r *frameReader) (*Event, error) {
	relID, err := r.uint32()
	if err != nil {
		return nil, err
	}

	marker, err := r.byte()
	if err != nil {
		return nil, err
	}

	if marker != tupleNew {
		return nil, r.fail(fmt.Sprintf("expected new tuple marker, got %q", marker))
	}

	row, unchanged, err := d.decodeTuple(r, relID)
	if err != nil {
		return nil, err
	}

	ev := d.addressedEvent(EventInsert, relID)
	ev.Row = row
	ev.Unchanged = unchanged

	return ev, nil
}

func (d *Decoder) decodeUpdate(r *frameReader) (*Event, error) {
	relID, err := r.uint32()
	if err != nil {
		return nil, err
	}

	marker, err := r.byte()
	if err != nil {
		return nil, err
	}

	var oldRow rowvalue.Row

	// Optional previous-key tuple (replica identity) precedes the new tuple.
	if marker == tupleKey || marker == tupleOld {
		oldRow, _, err = d.decodeTuple(r, relID)
		if err != nil {
			return nil, err
		}

		marker, err = r.byte()
		if err != nil {
			return nil, err
		}
	}

	if marker != tupleNew {
		return nil, r.fail(fmt.Sprintf("expected new tuple marker, got %q", marker))
	}

	row, unchanged, err := d.decodeTuple(r, relID)
	if err != nil {
		return nil, err
	}

	ev := d.addressedEvent(EventUpdate, relID)
	ev.Row = row
	ev.OldRow = oldRow
	ev.Unchanged = unchanged

	return ev, nil
}

func (d *Decoder) decodeDelete(r *frameReader) (*Event, error) {
	relID, err := r.uint32()
	if err != nil {
		return nil, err
	}

	marker, err := r.byte()
	if err != nil {
		return nil, err
	}

	if marker != tupleKey && marker != tupleOld {
		return nil, r.fail(fmt.Sprintf("expected key/old tuple marker, got %q", marker))
	}

	row, _, err := d.decodeTuple(r, relID)
	if err != nil {
		return nil, err
	}

	ev := d.addressedEvent(EventDelete, relID)
	ev.Row = row

	return ev, nil
}

// decodeTuple parses a tuple body, aligning values with the cached relation
// columns. Columns beyond the cached relation width get positional names so
// the frame is never rejected for a stale cache.
func (d *Decoder) decodeTuple(r *frameReader, relID uint32) (rowvalue.Row, map[string]bool, error) {
	numCols, err := r.uint16()
	if err != nil {
		return nil, nil, err
	}

	rel := d.relations[relID]
	row := make(rowvalue.Row, numCols)

	var unchanged map[string]bool

	for i := 0; i < int(numCols); i++ {
		name := fmt.Sprintf("col_%d", i)
		if i < len(rel.columns) {
			name = rel.columns[i].Name
		}

		marker, markerErr := r.byte()
		if markerErr != nil {
			return nil, nil, markerErr
		}

		switch marker {
		case markerNull:
			row[name] = rowvalue.Null()
		case markerUnchanged:
			// Value elided (unchanged TOAST); caller reads prior state.
			if unchanged == nil {
				unchanged = make(map[string]bool)
			}

			unchanged[name] = true
		case markerText:
			length, lenErr := r.uint32()
			if lenErr != nil {
				return nil, nil, lenErr
			}

			data, dataErr := r.bytes(int(length))
			if dataErr != nil {
				return nil, nil, dataErr
			}

			row[name] = rowvalue.Text(string(data))
		default:
			return nil, nil, r.fail(fmt.Sprintf("unknown tuple marker %q", marker))
		}
	}

	return row, unchanged, nil
}

// addressedEvent builds a DML event with schema/table resolved from the
// relation cache. An unknown relation id leaves them empty; the consumer
// drops unaddressable events.
func (d *Decoder) addressedEvent(t EventType, relID uint32) *Event {
	rel := d.relations[relID]

	return &Event{
		Type:       t,
		RelationID: relID,
		Schema:     rel.schema,
		Table:      rel.table,
	}
}

// pgEpoch is the PostgreSQL timestamp epoch (2000-01-01 UTC); wire
// timestamps are microseconds since this instant.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// frameReader is a bounds-checked cursor over one frame body.
type frameReader struct {
	tag byte
	buf []byte
	pos int
}

func (r *frameReader) fail(reason string) error {
	return &DecodeError{Tag: r.tag, Offset: r.pos, Reason: reason}
}

func (r *frameReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, r.fail("truncated frame")
	}

	b := r.buf[r.pos]
	r.pos++

	return b, nil
}

func (r *frameReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, r.fail("truncated frame")
	}

	b := r.buf[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

func (r *frameReader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b), nil
}

func (r *frameReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b), nil
}

func (r *frameReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b), nil
}

func (r *frameReader) cstring() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1

			return s, nil
		}
	}

	return "", r.fail("unterminated string")
}

func (r *frameReader) pgTime() (time.Time, error) {
	micros, err := r.uint64()
	if err != nil {
		return time.Time{}, err
	}

	return pgEpoch.Add(time.Duration(int64(micros)) * time.Microsecond), nil
}
