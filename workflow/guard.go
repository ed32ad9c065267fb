package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Guard is a recursive boolean expression evaluated against a routing
// context before a manual edge may be selected.
//
// The serialized form is JSON with exactly one of two shapes:
//
//	{"logic": "and"|"or", "conditions": [<guard>, ...]}
//	{"field": "decision", "operator": "==", "value": "approved"}
//
// Comparison leaves support ==, != on strings, numbers, and booleans, and
// >, <, >=, <= on numbers only.
type Guard struct {
	// Logic is "and" or "or" for branch nodes; empty for leaves.
	Logic      string
	Conditions []Guard

	// Leaf comparison. Field names the context key, Operator the
	// comparison, Value the right-hand operand.
	Field    string
	Operator string
	Value    interface{}
}

type guardJSON struct {
	Logic      *string           `json:"logic"`
	Conditions []json.RawMessage `json:"conditions"`
	Field      *string           `json:"field"`
	Operator   *string           `json:"operator"`
	Value      interface{}       `json:"value"`
}

// ParseGuard decodes a serialized guard expression. Any shape violation is
// an invalid-guard error; the executor treats it as fatal for the attempt.
func ParseGuard(raw string) (Guard, error) {
	var g Guard
	if err := unmarshalGuard([]byte(raw), &g); err != nil {
		return Guard{}, NewError(KindInvalidRequest, "INVALID_GUARD_EXPRESSION", "invalid guard expression: %v", err)
	}
	return g, nil
}

func unmarshalGuard(data []byte, g *Guard) error {
	var shape guardJSON
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&shape); err != nil {
		return err
	}

	isLogic := shape.Logic != nil || shape.Conditions != nil
	isLeaf := shape.Field != nil || shape.Operator != nil || shape.Value != nil
	if isLogic == isLeaf {
		return fmt.Errorf("expression must be exactly one of logic/comparison")
	}

	if isLogic {
		if shape.Logic == nil {
			return fmt.Errorf("logic node requires a logic operator")
		}
		if *shape.Logic != "and" && *shape.Logic != "or" {
			return fmt.Errorf("unsupported logic operator %q", *shape.Logic)
		}
		if len(shape.Conditions) == 0 {
			return fmt.Errorf("logic node requires at least one condition")
		}
		g.Logic = *shape.Logic
		g.Conditions = make([]Guard, len(shape.Conditions))
		for i, raw := range shape.Conditions {
			if err := unmarshalGuard(raw, &g.Conditions[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if shape.Field == nil || shape.Operator == nil {
		return fmt.Errorf("comparison requires field and operator")
	}
	switch *shape.Operator {
	case "==", "!=", ">", "<", ">=", "<=":
	default:
		return fmt.Errorf("unsupported operator %q", *shape.Operator)
	}
	g.Field = *shape.Field
	g.Operator = *shape.Operator
	g.Value = shape.Value
	return nil
}

// Evaluate computes the guard against a context mapping, typically
// {"decision": <signal>}. Ordered operators on non-numeric operands are an
// invalid-guard error.
func (g Guard) Evaluate(contextVars map[string]interface{}) (bool, error) {
	switch g.Logic {
	case "and":
		for _, sub := range g.Conditions {
			ok, err := sub.Evaluate(contextVars)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, sub := range g.Conditions {
			ok, err := sub.Evaluate(contextVars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return g.compare(contextVars[g.Field])
	}
}

func (g Guard) compare(left interface{}) (bool, error) {
	switch g.Operator {
	case "==":
		return looseEqual(left, g.Value), nil
	case "!=":
		return !looseEqual(left, g.Value), nil
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(g.Value)
	if !lok || !rok {
		return false, NewError(KindInvalidRequest, "INVALID_GUARD_EXPRESSION",
			"operator %q requires numeric operands", g.Operator)
	}

	switch g.Operator {
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	default:
		return false, NewError(KindInvalidRequest, "INVALID_GUARD_EXPRESSION",
			"unsupported operator %q", g.Operator)
	}
}

// looseEqual compares two values, treating all numeric representations as
// float64 so 2 == 2.0 regardless of decode path.
func looseEqual(a, b interface{}) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
