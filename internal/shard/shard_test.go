package shard

import (
	"testing"

	"github.com/arcore-io/arcore/internal/rowvalue"
)

// Routing policy shared by the table tests below: EU rows to L_EU, large
// amounts to L_BIG, everything else to L_DEFAULT.
func regionPolicy() Policy {
	return Policy{
		Rules: []Rule{
			{If: "region == 'EU'", TargetListID: "L_EU"},
			{If: "amount > 1000", TargetListID: "L_BIG"},
		},
		DefaultTargetListID: "L_DEFAULT",
	}
}

func TestEvaluateRouting(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(regionPolicy())

	tests := []struct {
		name string
		row  rowvalue.Row
		want string
	}{
		{
			"first rule wins",
			rowvalue.Row{"region": rowvalue.Text("EU"), "amount": rowvalue.Integer(50)},
			"L_EU",
		},
		{
			"second rule",
			rowvalue.Row{"region": rowvalue.Text("US"), "amount": rowvalue.Integer(5000)},
			"L_BIG",
		},
		{
			"default",
			rowvalue.Row{"region": rowvalue.Text("US"), "amount": rowvalue.Integer(5)},
			"L_DEFAULT",
		},
		{
			"missing field makes atom false",
			rowvalue.Row{"region": rowvalue.Text("US")},
			"L_DEFAULT",
		},
		{
			"decimal comparison",
			rowvalue.Row{"region": rowvalue.Text("US"), "amount": rowvalue.Decimal("1000.01")},
			"L_BIG",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ev.Evaluate(tt.row)
			if !ok {
				t.Fatal("Evaluate returned no target")
			}

			if got != tt.want {
				t.Errorf("Evaluate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluateConjunction(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(Policy{
		Rules: []Rule{
			{If: "region == 'EU' and amount >= 100", TargetListID: "L_EU_BIG"},
		},
	})

	if got, ok := ev.Evaluate(rowvalue.Row{
		"region": rowvalue.Text("EU"),
		"amount": rowvalue.Integer(100),
	}); !ok || got != "L_EU_BIG" {
		t.Errorf("both atoms true: got %q, %v", got, ok)
	}

	if _, ok := ev.Evaluate(rowvalue.Row{
		"region": rowvalue.Text("EU"),
		"amount": rowvalue.Integer(99),
	}); ok {
		t.Error("one false atom matched and no default was set")
	}
}

func TestEvaluateNoDefault(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(Policy{
		Rules: []Rule{{If: "x == 1", TargetListID: "L1"}},
	})

	if got, ok := ev.Evaluate(rowvalue.Row{"x": rowvalue.Integer(2)}); ok {
		t.Errorf("no match and no default, got %q", got)
	}
}

func TestEvaluateMalformedAtoms(t *testing.T) {
	t.Parallel()

	rows := rowvalue.Row{"x": rowvalue.Integer(1)}

	tests := []string{
		"x ~= 1",         // unknown operator
		"x ==",           // missing literal
		"== 1",           // missing field
		"x == oops",      // unquoted non-numeric literal
		"x > 'EU'",       // ordered op on string literal
		"region > 'EU'",  // ordered op, string field
		"region == 'EU'", // missing field
	}

	for _, cond := range tests {
		ev := NewEvaluator(Policy{
			Rules:               []Rule{{If: cond, TargetListID: "L1"}},
			DefaultTargetListID: "L_DEFAULT",
		})

		if got, _ := ev.Evaluate(rows); got != "L_DEFAULT" {
			t.Errorf("condition %q matched, want fall-through to default", cond)
		}
	}
}

func TestEvaluateNullValue(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(Policy{
		Rules:               []Rule{{If: "x != 1", TargetListID: "L1"}},
		DefaultTargetListID: "L_DEFAULT",
	})

	// Null is "missing" for atom purposes, even for !=.
	if got, _ := ev.Evaluate(rowvalue.Row{"x": rowvalue.Null()}); got != "L_DEFAULT" {
		t.Errorf("null field matched != atom, got %q", got)
	}
}
