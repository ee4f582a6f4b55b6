package rowvalue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// KeyStrategy selects how the source identity string is derived from the
// key columns of a row.
type KeyStrategy string

const (
	// KeyPrimary uses the single primary-key column's canonical form.
	KeyPrimary KeyStrategy = "primary_key"
	// KeyComposite joins the ordinal-sorted key columns with a fixed
	// separator, so identity is stable regardless of mapping order.
	KeyComposite KeyStrategy = "composite_columns"
)

// compositeSeparator joins composite key parts. Unit separator cannot
// appear in printable column data, so the join is unambiguous.
const compositeSeparator = "\x1f"

// CanonicalJSON serializes a row as a sorted-key JSON object with values in
// canonical textual form. Integers and decimals are emitted as JSON numbers,
// booleans as JSON booleans, null as JSON null, and everything else as JSON
// strings. Both sides of the sync boundary run this exact function, which is
// what makes content hashes comparable across push and pull.
func CanonicalJSON(row Row) []byte {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		writeJSONString(&buf, k)
		buf.WriteByte(':')
		writeCanonicalValue(&buf, row[k])
	}

	buf.WriteByte('}')

	return buf.Bytes()
}

// ContentHash returns the lowercase-hex SHA-256 of the row's canonical JSON.
func ContentHash(row Row) string {
	sum := sha256.Sum256(CanonicalJSON(row))
	return hex.EncodeToString(sum[:])
}

// HashIdentity returns the lowercase-hex SHA-256 of an identity string.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// Identity derives the printable source identity from a row per the key
// strategy. keyCols must be non-empty; for KeyPrimary only the first column
// is consulted. A missing or null key column is an error — a row without an
// identity cannot be tracked in the ledger.
func Identity(row Row, keyCols []string, strategy KeyStrategy) (string, error) {
	if len(keyCols) == 0 {
		return "", fmt.Errorf("rowvalue: no key columns configured")
	}

	if strategy == KeyComposite {
		sorted := make([]string, len(keyCols))
		copy(sorted, keyCols)
		sort.Strings(sorted)

		parts := make([]string, 0, len(sorted))

		for _, col := range sorted {
			v, ok := row[col]
			if !ok || v.IsNull() {
				return "", fmt.Errorf("rowvalue: key column %q missing or null", col)
			}

			parts = append(parts, v.Canonical())
		}

		return strings.Join(parts, compositeSeparator), nil
	}

	col := keyCols[0]

	v, ok := row[col]
	if !ok || v.IsNull() {
		return "", fmt.Errorf("rowvalue: key column %q missing or null", col)
	}

	return v.Canonical(), nil
}

// ParseIdentity reconstructs a key row from an identity string produced by
// Identity. Values come back as text; drivers cast them against the real
// column types. The inverse only holds when key values contain no separator
// byte, which Identity guarantees for printable key data.
func ParseIdentity(identity string, keyCols []string, strategy KeyStrategy) (Row, error) {
	if len(keyCols) == 0 {
		return nil, fmt.Errorf("rowvalue: no key columns configured")
	}

	if strategy != KeyComposite {
		return Row{keyCols[0]: Text(identity)}, nil
	}

	sorted := make([]string, len(keyCols))
	copy(sorted, keyCols)
	sort.Strings(sorted)

	parts := strings.Split(identity, compositeSeparator)
	if len(parts) != len(sorted) {
		return nil, fmt.Errorf("rowvalue: identity has %d parts, key has %d columns", len(parts), len(sorted))
	}

	row := make(Row, len(sorted))
	for i, col := range sorted {
		row[col] = Text(parts[i])
	}

	return row, nil
}

// writeCanonicalValue appends one value in canonical JSON form.
func writeCanonicalValue(buf *bytes.Buffer, v Value) {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindInteger, KindDecimal:
		// Canonical numeric forms are valid JSON number literals.
		buf.WriteString(v.Canonical())
	case KindBoolean:
		buf.WriteString(v.Canonical())
	default:
		writeJSONString(buf, v.Canonical())
	}
}

// writeJSONString appends s as a JSON string using the standard encoder, so
// escaping matches encoding/json byte-for-byte.
func writeJSONString(buf *bytes.Buffer, s string) {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail; keep the hash total anyway.
		buf.WriteString(`""`)
		return
	}

	buf.Write(b)
}
