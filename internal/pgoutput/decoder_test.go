package pgoutput

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
)

// Frame builders. These construct wire-format frames by hand so the decoder
// is tested against the protocol, not against itself.

type frameBuilder struct{ b []byte }

func newFrame(tag byte) *frameBuilder        { return &frameBuilder{b: []byte{tag}} }
func (f *frameBuilder) byte(v byte)          { f.b = append(f.b, v) }
func (f *frameBuilder) uint16(v uint16)      { f.b = binary.BigEndian.AppendUint16(f.b, v) }
func (f *frameBuilder) uint32(v uint32)      { f.b = binary.BigEndian.AppendUint32(f.b, v) }
func (f *frameBuilder) uint64(v uint64)      { f.b = binary.BigEndian.AppendUint64(f.b, v) }
func (f *frameBuilder) cstring(s string)     { f.b = append(append(f.b, s...), 0) }
func (f *frameBuilder) text(s string)        { f.byte('t'); f.uint32(uint32(len(s))); f.b = append(f.b, s...) }
func (f *frameBuilder) bytes() []byte        { return f.b }

// relationFrame builds a Relation frame for relation 16385
// public.products(id key, name, sku).
func relationFrame() []byte {
	f := newFrame('R')
	f.uint32(16385)
	f.cstring("public")
	f.cstring("products")
	f.byte('d') // replica identity default
	f.uint16(3)

	cols := []struct {
		flags byte
		name  string
	}{
		{1, "id"},
		{0, "name"},
		{0, "sku"},
	}
	for _, c := range cols {
		f.byte(c.flags)
		f.cstring(c.name)
		f.uint32(23) // int4, oid value irrelevant to the decoder
		f.uint32(0xFFFFFFFF)
	}

	return f.bytes()
}

func decodeRelationFirst(t *testing.T, d *Decoder) {
	t.Helper()

	ev, err := d.Decode(relationFrame())
	if err != nil {
		t.Fatalf("decode relation: %v", err)
	}

	if ev.Type != EventRelation || ev.Schema != "public" || ev.Table != "products" {
		t.Fatalf("relation event = %+v", ev)
	}
}

func TestDecodeRelation(t *testing.T) {
	t.Parallel()

	d := NewDecoder()

	ev, err := d.Decode(relationFrame())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(ev.Columns) != 3 {
		t.Fatalf("got %d columns, want 3", len(ev.Columns))
	}

	if !ev.Columns[0].Key {
		t.Error("id column not marked as key")
	}

	if ev.Columns[1].Key {
		t.Error("name column marked as key")
	}

	if ev.Columns[2].Name != "sku" {
		t.Errorf("column 2 name = %q, want sku", ev.Columns[2].Name)
	}
}

func TestDecodeInsert(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	decodeRelationFirst(t, d)

	f := newFrame('I')
	f.uint32(16385)
	f.byte('N')
	f.uint16(3)
	f.text("1")
	f.text("Widget")
	f.text("W-1")

	ev, err := d.Decode(f.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if ev.Type != EventInsert || ev.Schema != "public" || ev.Table != "products" {
		t.Fatalf("insert event = %+v", ev)
	}

	if got := ev.Row["name"].Canonical(); got != "Widget" {
		t.Errorf("name = %q, want Widget", got)
	}

	if got := ev.Row["sku"].Canonical(); got != "W-1" {
		t.Errorf("sku = %q, want W-1", got)
	}
}

func TestDecodeUpdateWithOldKeyTuple(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	decodeRelationFirst(t, d)

	f := newFrame('U')
	f.uint32(16385)

	// Previous-key tuple.
	f.byte('K')
	f.uint16(3)
	f.text("1")
	f.byte('n')
	f.byte('n')

	// New tuple with an unchanged-toast column.
	f.byte('N')
	f.uint16(3)
	f.text("1")
	f.text("Widget v2")
	f.byte('u')

	ev, err := d.Decode(f.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if ev.Type != EventUpdate {
		t.Fatalf("type = %v, want update", ev.Type)
	}

	if got := ev.OldRow["id"].Canonical(); got != "1" {
		t.Errorf("old id = %q, want 1", got)
	}

	if got := ev.Row["name"].Canonical(); got != "Widget v2" {
		t.Errorf("name = %q", got)
	}

	if _, present := ev.Row["sku"]; present {
		t.Error("unchanged-toast column appeared in row")
	}

	if !ev.Unchanged["sku"] {
		t.Error("sku not marked unchanged")
	}
}

func TestDecodeDelete(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	decodeRelationFirst(t, d)

	f := newFrame('D')
	f.uint32(16385)
	f.byte('K')
	f.uint16(3)
	f.text("1")
	f.byte('n')
	f.byte('n')

	ev, err := d.Decode(f.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if ev.Type != EventDelete {
		t.Fatalf("type = %v, want delete", ev.Type)
	}

	if got := ev.Row["id"].Canonical(); got != "1" {
		t.Errorf("key id = %q, want 1", got)
	}

	if !ev.Row["name"].IsNull() {
		t.Error("non-key column in key tuple not null")
	}
}

func TestDecodeBeginCommit(t *testing.T) {
	t.Parallel()

	d := NewDecoder()

	begin := newFrame('B')
	begin.uint64(uint64(pglogrepl.LSN(0x16B374D848)))
	begin.uint64(0) // commit time at pg epoch
	begin.uint32(733)

	ev, err := d.Decode(begin.bytes())
	if err != nil {
		t.Fatalf("decode begin: %v", err)
	}

	if ev.Type != EventBegin || ev.FinalLSN != 0x16B374D848 || ev.XID != 733 {
		t.Fatalf("begin event = %+v", ev)
	}

	commit := newFrame('C')
	commit.byte(0)
	commit.uint64(uint64(pglogrepl.LSN(0x16B374D848)))
	commit.uint64(uint64(pglogrepl.LSN(0x16B374D890)))
	commit.uint64(0)

	ev, err = d.Decode(commit.bytes())
	if err != nil {
		t.Fatalf("decode commit: %v", err)
	}

	if ev.CommitLSN != 0x16B374D848 || ev.TxEndLSN != 0x16B374D890 {
		t.Fatalf("commit event = %+v", ev)
	}

	if !ev.CommitTime.Equal(pgEpoch) {
		t.Errorf("commit time = %v, want pg epoch", ev.CommitTime)
	}
}

func TestDecodeIgnoredTags(t *testing.T) {
	t.Parallel()

	d := NewDecoder()

	for _, tag := range []byte{'O', 'Y', 'T', 'M'} {
		ev, err := d.Decode([]byte{tag, 0x00, 0x01})
		if err != nil {
			t.Errorf("tag %q: unexpected error %v", tag, err)
			continue
		}

		if ev.Type != EventUnknown || ev.Tag != tag {
			t.Errorf("tag %q: event = %+v", tag, ev)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	d := NewDecoder()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{'Z', 1, 2, 3}},
		{"truncated begin", []byte{'B', 0x00, 0x01}},
		{"truncated insert tuple", append([]byte{'I'}, 0, 0, 64, 1, 'N', 0)},
		{"unterminated relation string", []byte{'R', 0, 0, 64, 1, 'p', 'u', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := d.Decode(tt.payload)
			if err == nil {
				t.Fatal("expected decode error")
			}

			if !errors.Is(err, ErrDecode) {
				t.Errorf("error %v does not wrap ErrDecode", err)
			}
		})
	}
}

func TestDecodeInsertUnknownRelation(t *testing.T) {
	t.Parallel()

	d := NewDecoder()

	f := newFrame('I')
	f.uint32(99999)
	f.byte('N')
	f.uint16(1)
	f.text("v")

	ev, err := d.Decode(f.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if ev.Schema != "" || ev.Table != "" {
		t.Errorf("unknown relation resolved to %s.%s", ev.Schema, ev.Table)
	}

	// Positional fallback naming.
	if got := ev.Row["col_0"].Canonical(); got != "v" {
		t.Errorf("col_0 = %q, want v", got)
	}
}
