// Package shard routes rows to target lists by evaluating a small predicate
// DSL against row values. A policy is an ordered rule list plus a default;
// the first matching rule wins. Evaluation is pure: a malformed or
// unresolvable atom makes its rule not match, it never raises.
package shard

import (
	"strconv"
	"strings"

	"github.com/arcore-io/arcore/internal/rowvalue"
)

// Rule pairs a predicate with the list that receives matching rows.
type Rule struct {
	If           string `json:"if" toml:"if"`
	TargetListID string `json:"target_list_id" toml:"target_list_id"`
}

// Policy is the declarative routing table attached to a sync definition.
type Policy struct {
	Rules               []Rule `json:"rules" toml:"rules"`
	DefaultTargetListID string `json:"default_target_list_id" toml:"default_target_list_id"`
}

// Evaluator evaluates a Policy against rows. It holds no mutable state and
// is safe for concurrent use.
type Evaluator struct {
	policy Policy
}

// NewEvaluator builds an evaluator for the given policy.
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Evaluate returns the target list for the first rule whose predicate holds,
// falling back to the policy default. ok is false when neither a rule nor a
// default produced a target, in which case the caller uses the definition's
// default target list.
func (e *Evaluator) Evaluate(row rowvalue.Row) (target string, ok bool) {
	for _, rule := range e.policy.Rules {
		if rule.If == "" || rule.TargetListID == "" {
			continue
		}

		if evalConjunction(rule.If, row) {
			return rule.TargetListID, true
		}
	}

	if e.policy.DefaultTargetListID != "" {
		return e.policy.DefaultTargetListID, true
	}

	return "", false
}

// conjunctionSeparator joins atoms. Only "and" is supported by the DSL.
const conjunctionSeparator = " and "

// evalConjunction evaluates "atom and atom and ..." — true only when every
// atom holds.
func evalConjunction(cond string, row rowvalue.Row) bool {
	for _, atom := range strings.Split(cond, conjunctionSeparator) {
		if !evalAtom(strings.TrimSpace(atom), row) {
			return false
		}
	}

	return true
}

// operators in match order: two-character operators first so ">=" is not
// misread as ">".
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// evalAtom evaluates a single "field OP literal" comparison. A missing
// field, unknown operator, or unparseable literal makes the atom false.
func evalAtom(atom string, row rowvalue.Row) bool {
	var op, field, lit string

	for _, candidate := range operators {
		if idx := strings.Index(atom, " "+candidate+" "); idx >= 0 {
			op = candidate
			field = strings.TrimSpace(atom[:idx])
			lit = strings.TrimSpace(atom[idx+len(candidate)+2:])

			break
		}
	}

	if op == "" || field == "" || lit == "" {
		return false
	}

	val, present := row[field]
	if !present || val.IsNull() {
		return false
	}

	if s, isString := parseStringLiteral(lit); isString {
		return compareText(val.Canonical(), s, op)
	}

	want, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false
	}

	have, numeric := val.Float()
	if !numeric {
		return false
	}

	return compareNumeric(have, want, op)
}

// parseStringLiteral unwraps a single-quoted literal.
func parseStringLiteral(lit string) (string, bool) {
	if len(lit) >= 2 && strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'") {
		return lit[1 : len(lit)-1], true
	}

	return "", false
}

// compareText applies op to string operands. Ordered comparison of strings
// is not part of the DSL; those atoms are false.
func compareText(have, want, op string) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	default:
		return false
	}
}

func compareNumeric(have, want float64, op string) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	case ">":
		return have > want
	case ">=":
		return have >= want
	case "<":
		return have < want
	case "<=":
		return have <= want
	default:
		return false
	}
}
