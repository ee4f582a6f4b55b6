package rowvalue

import (
	"testing"
	"time"
)

func TestCanonicalForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"null", Null(), ""},
		{"text", Text("Widget"), "Widget"},
		{"integer", Integer(-42), "-42"},
		{"decimal trailing zeros", Decimal("10.500"), "10.5"},
		{"decimal trailing dot", Decimal("7."), "7"},
		{"decimal leading zeros", Decimal("007.25"), "7.25"},
		{"decimal zero", Decimal("0.000"), "0"},
		{"decimal negative", Decimal("-3.1400"), "-3.14"},
		{"decimal exponent", Decimal("1.5e3"), "1500"},
		{"boolean", Boolean(true), "true"},
		{
			"timestamp utc conversion",
			Timestamp(time.Date(2026, 1, 2, 12, 0, 0, 0, time.FixedZone("CET", 3600))),
			"2026-01-02T11:00:00Z",
		},
		{
			"timestamp subsecond trimming",
			Timestamp(time.Date(2026, 1, 2, 10, 0, 0, 250_000_000, time.UTC)),
			"2026-01-02T10:00:00.25Z",
		},
		{"binary", Binary([]byte{0x01, 0x02}), "AQI="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.v.Canonical(); got != tt.want {
				t.Errorf("Canonical() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecimalFallsBackToText(t *testing.T) {
	t.Parallel()

	v := Decimal("not-a-number")
	if v.Kind() != KindText {
		t.Fatalf("kind = %v, want text fallback", v.Kind())
	}

	if v.Canonical() != "not-a-number" {
		t.Errorf("Canonical() = %q, original text lost", v.Canonical())
	}
}

func TestFromAny(t *testing.T) {
	t.Parallel()

	if got := FromAny(nil); !got.IsNull() {
		t.Errorf("FromAny(nil).IsNull() = false")
	}

	if got := FromAny(int64(7)); got.Kind() != KindInteger {
		t.Errorf("FromAny(int64) kind = %v", got.Kind())
	}

	if got := FromAny(1.25); got.Canonical() != "1.25" {
		t.Errorf("FromAny(float64) = %q, want 1.25", got.Canonical())
	}

	if got := FromAny("sku-1"); got.Kind() != KindText {
		t.Errorf("FromAny(string) kind = %v", got.Kind())
	}

	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if got := FromAny(ts); got.Time() != ts {
		t.Errorf("FromAny(time) = %v, want %v", got.Time(), ts)
	}
}

func TestFloat(t *testing.T) {
	t.Parallel()

	if f, ok := Integer(5).Float(); !ok || f != 5 {
		t.Errorf("Integer(5).Float() = %v, %v", f, ok)
	}

	if f, ok := Text("1000.5").Float(); !ok || f != 1000.5 {
		t.Errorf("Text numeric Float() = %v, %v", f, ok)
	}

	if _, ok := Text("EU").Float(); ok {
		t.Error("Text(\"EU\").Float() reported ok")
	}

	if _, ok := Null().Float(); ok {
		t.Error("Null().Float() reported ok")
	}
}
