package engine

import (
	"fmt"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/rowvalue"
)

// mappedPayload is the push-direction view of one source row: the target
// field values keyed by target name, plus the same values keyed by source
// name for hashing. Hashing always runs over source-named columns so push
// and ingress hash the same shape.
type mappedPayload struct {
	fields    map[string]any
	hashRow   rowvalue.Row
	identity  string
	identityH string
}

// pushMappings returns the mappings that flow source-to-target: pull-only,
// readonly and system fields are excluded.
func pushMappings(def *defs.Definition) []defs.FieldMapping {
	out := make([]defs.FieldMapping, 0, len(def.Mappings))

	for _, m := range def.Mappings {
		if m.Direction == defs.DirectionPullOnly || m.IsReadonly || m.IsSystem {
			continue
		}

		out = append(out, m)
	}

	return out
}

// pullMappings returns the mappings that flow target-to-source: push-only
// fields are excluded, as are readonly and system fields, which must never
// be written back into the source.
func pullMappings(def *defs.Definition) []defs.FieldMapping {
	out := make([]defs.FieldMapping, 0, len(def.Mappings))

	for _, m := range def.Mappings {
		if m.Direction == defs.DirectionPushOnly || m.IsReadonly || m.IsSystem {
			continue
		}

		out = append(out, m)
	}

	return out
}

// mapToTarget computes the target-bound payload and identity for a source
// row. A missing mapped column maps to null; a missing key column is an
// error.
func mapToTarget(def *defs.Definition, row rowvalue.Row) (*mappedPayload, error) {
	mappings := pushMappings(def)

	fields := make(map[string]any, len(mappings))
	hashRow := make(rowvalue.Row, len(mappings))

	for _, m := range mappings {
		v, ok := row[m.SourceName]
		if !ok {
			v = rowvalue.Null()
		}

		fields[m.TargetName] = v.Native()
		hashRow[m.SourceName] = v
	}

	identity, err := rowvalue.Identity(row, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", def.Name, err)
	}

	return &mappedPayload{
		fields:    fields,
		hashRow:   hashRow,
		identity:  identity,
		identityH: rowvalue.HashIdentity(identity),
	}, nil
}

// mapToSource converts incoming target fields into source columns, keyed by
// source name. Unknown target fields are dropped.
func mapToSource(def *defs.Definition, fields map[string]any) rowvalue.Row {
	mappings := pullMappings(def)

	row := make(rowvalue.Row, len(mappings))

	for _, m := range mappings {
		raw, ok := fields[m.TargetName]
		if !ok {
			continue
		}

		row[m.SourceName] = rowvalue.FromAny(raw)
	}

	return row
}

// ingressHashRow computes the hash row for an incoming change over the same
// column set mapToTarget hashes, so echo detection compares like with like.
// It reads the raw incoming fields, not the writable subset: push-only
// columns still participate in the hash even though ingress never writes
// them back.
func ingressHashRow(def *defs.Definition, fields map[string]any) rowvalue.Row {
	mappings := pushMappings(def)

	hashRow := make(rowvalue.Row, len(mappings))

	for _, m := range mappings {
		raw, ok := fields[m.TargetName]
		if !ok {
			hashRow[m.SourceName] = rowvalue.Null()
			continue
		}

		hashRow[m.SourceName] = rowvalue.FromAny(raw)
	}

	return hashRow
}

// sourceHashRow hashes the current source row over the push column set,
// used by conflict detection to see whether the source moved since the
// ledger was last written.
func sourceHashRow(def *defs.Definition, row rowvalue.Row) rowvalue.Row {
	mappings := pushMappings(def)

	hashRow := make(rowvalue.Row, len(mappings))

	for _, m := range mappings {
		v, ok := row[m.SourceName]
		if !ok {
			v = rowvalue.Null()
		}

		hashRow[m.SourceName] = v
	}

	return hashRow
}
