// Package rowvalue defines the semantic value model shared by every side of
// the sync boundary. A Row is a mapping from column name to Value, where
// Value is a closed sum over the types the engine understands. All hashing
// and echo detection is defined on this model, never on driver-native types.
package rowvalue

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the closed set of value types.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindInteger
	KindDecimal
	KindBoolean
	KindTimestamp
	KindBinary
)

// String returns the lowercase kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBoolean:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindBinary:
		return "binary"
	default:
		return "invalid"
	}
}

// Value is an immutable tagged union. The zero value is Null.
type Value struct {
	kind Kind

	text string // KindText, and the normalized form for KindDecimal
	num  int64  // KindInteger
	b    bool   // KindBoolean
	ts   time.Time
	bin  []byte
}

// Row maps column names to values.
type Row map[string]Value

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Integer returns an integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, num: i} }

// Decimal returns a decimal value from its textual form. The stored form is
// normalized: no exponent, no trailing fractional zeros, no trailing dot.
// Unparseable input falls back to a text value so no data is silently lost.
func Decimal(s string) Value {
	norm, ok := normalizeDecimal(s)
	if !ok {
		return Text(s)
	}

	return Value{kind: KindDecimal, text: norm}
}

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{kind: KindBoolean, b: b} }

// Timestamp returns a timestamp value. The instant is stored as-is;
// canonicalization converts to UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t} }

// Binary returns a binary value. The slice is not copied.
func Binary(b []byte) Value { return Value{kind: KindBinary, bin: b} }

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Time returns the timestamp for KindTimestamp values and the zero time
// otherwise.
func (v Value) Time() time.Time {
	if v.kind != KindTimestamp {
		return time.Time{}
	}

	return v.ts
}

// Int returns the integer for KindInteger values, or (0, false).
func (v Value) Int() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}

	return v.num, true
}

// Canonical returns the stable textual form used in hashing and identity
// strings: timestamps as RFC 3339 UTC, decimals without trailing zeros,
// booleans as "true"/"false", binary as base64, null as the empty string.
func (v Value) Canonical() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindText:
		return v.text
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindDecimal:
		return v.text
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindTimestamp:
		return canonicalTime(v.ts)
	case KindBinary:
		return base64.StdEncoding.EncodeToString(v.bin)
	default:
		return ""
	}
}

// Native returns the driver-native Go representation, used for SQL
// parameter binding. Decimals stay textual so drivers bind them exactly.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindText, KindDecimal:
		return v.text
	case KindInteger:
		return v.num
	case KindBoolean:
		return v.b
	case KindTimestamp:
		return v.ts
	case KindBinary:
		return v.bin
	default:
		return nil
	}
}

// Float returns the numeric interpretation of the value, for integer and
// decimal kinds plus numeric-looking text. Used by the sharding evaluator.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.num), true
	case KindDecimal, KindText:
		f, err := strconv.ParseFloat(v.text, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

// FromAny converts a driver-native Go value into a Value. nil maps to Null;
// unknown types fall back to their fmt representation as text, which keeps
// the conversion total.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return Text(x)
	case []byte:
		return Binary(x)
	case bool:
		return Boolean(x)
	case int:
		return Integer(int64(x))
	case int32:
		return Integer(int64(x))
	case int64:
		return Integer(x)
	case float32:
		return Decimal(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case float64:
		return Decimal(strconv.FormatFloat(x, 'f', -1, 64))
	case time.Time:
		return Timestamp(x)
	default:
		return Text(fmt.Sprint(raw))
	}
}

// RowFromAny converts a map of driver-native values into a Row.
func RowFromAny(raw map[string]any) Row {
	row := make(Row, len(raw))
	for k, v := range raw {
		row[k] = FromAny(v)
	}

	return row
}

// canonicalTime formats an instant as RFC 3339 in UTC with sub-second digits
// only when present (RFC3339Nano trims trailing zeros, which keeps the form
// stable for equal instants regardless of source precision).
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// normalizeDecimal parses a plain decimal literal and strips redundant
// zeros. Exponent forms are normalized through strconv. Returns false when
// the input is not numeric.
func normalizeDecimal(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", false
	}

	// Plain literals keep their full precision; only trim zeros.
	if !strings.ContainsAny(s, "eE") {
		neg := strings.HasPrefix(s, "-")
		body := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")

		if strings.Contains(body, ".") {
			body = strings.TrimRight(body, "0")
			body = strings.TrimSuffix(body, ".")
		}

		body = strings.TrimLeft(body, "0")
		if body == "" || strings.HasPrefix(body, ".") {
			body = "0" + body
		}

		if neg && body != "0" {
			body = "-" + body
		}

		return body, true
	}

	return strconv.FormatFloat(f, 'f', -1, 64), true
}
