package workflow

import (
	"errors"
	"testing"
)

func TestParseGuard(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"comparison", `{"field":"decision","operator":"==","value":"approved"}`, false},
		{"and", `{"logic":"and","conditions":[{"field":"decision","operator":"==","value":"approved"},{"field":"decision","operator":"!=","value":"blocked"}]}`, false},
		{"or", `{"logic":"or","conditions":[{"field":"decision","operator":"==","value":"retry"}]}`, false},
		{"nested", `{"logic":"and","conditions":[{"logic":"or","conditions":[{"field":"decision","operator":"==","value":"approved"}]}]}`, false},
		{"empty conditions", `{"logic":"and","conditions":[]}`, true},
		{"unknown logic", `{"logic":"xor","conditions":[{"field":"decision","operator":"==","value":"approved"}]}`, true},
		{"conditions without logic", `{"conditions":[{"field":"decision","operator":"==","value":"approved"}]}`, true},
		{"mixed shapes", `{"logic":"and","conditions":[],"field":"decision"}`, true},
		{"missing operator", `{"field":"decision","value":"approved"}`, true},
		{"unknown operator", `{"field":"decision","operator":"~=","value":"approved"}`, true},
		{"unknown key", `{"field":"decision","operator":"==","value":"approved","extra":1}`, true},
		{"not json", `approved`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGuard(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseGuard(%q) error = %v, wantErr = %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				var werr *Error
				if !errors.As(err, &werr) || werr.Code != "INVALID_GUARD_EXPRESSION" {
					t.Errorf("error code = %q, want INVALID_GUARD_EXPRESSION", CodeOf(err))
				}
			}
		})
	}
}

func TestGuardEvaluate(t *testing.T) {
	decisionCtx := func(d string) map[string]interface{} {
		return map[string]interface{}{"decision": d}
	}

	t.Run("string equality", func(t *testing.T) {
		g, err := ParseGuard(`{"field":"decision","operator":"==","value":"approved"}`)
		if err != nil {
			t.Fatal(err)
		}
		if ok, _ := g.Evaluate(decisionCtx("approved")); !ok {
			t.Error("approved == approved, want true")
		}
		if ok, _ := g.Evaluate(decisionCtx("blocked")); ok {
			t.Error("blocked == approved, want false")
		}
	})

	t.Run("numeric equality across representations", func(t *testing.T) {
		g := Guard{Field: "score", Operator: "==", Value: float64(2)}
		if ok, _ := g.Evaluate(map[string]interface{}{"score": 2}); !ok {
			t.Error("int 2 == float64 2, want true")
		}
	})

	t.Run("ordered operators", func(t *testing.T) {
		g := Guard{Field: "score", Operator: ">=", Value: float64(3)}
		if ok, _ := g.Evaluate(map[string]interface{}{"score": float64(3)}); !ok {
			t.Error("3 >= 3, want true")
		}
		if ok, _ := g.Evaluate(map[string]interface{}{"score": float64(2)}); ok {
			t.Error("2 >= 3, want false")
		}
	})

	t.Run("ordered operator on strings is an error", func(t *testing.T) {
		g := Guard{Field: "decision", Operator: ">", Value: "approved"}
		if _, err := g.Evaluate(decisionCtx("blocked")); err == nil {
			t.Error("ordered comparison on strings succeeded, want error")
		}
	})

	t.Run("and short-circuits false", func(t *testing.T) {
		g := Guard{Logic: "and", Conditions: []Guard{
			{Field: "decision", Operator: "==", Value: "approved"},
			{Field: "decision", Operator: ">", Value: "oops"},
		}}
		ok, err := g.Evaluate(decisionCtx("blocked"))
		if err != nil || ok {
			t.Errorf("Evaluate() = (%v, %v), want (false, nil)", ok, err)
		}
	})

	t.Run("or picks any true branch", func(t *testing.T) {
		g := Guard{Logic: "or", Conditions: []Guard{
			{Field: "decision", Operator: "==", Value: "retry"},
			{Field: "decision", Operator: "==", Value: "blocked"},
		}}
		if ok, _ := g.Evaluate(decisionCtx("blocked")); !ok {
			t.Error("or with matching branch, want true")
		}
		if ok, _ := g.Evaluate(decisionCtx("approved")); ok {
			t.Error("or with no matching branch, want false")
		}
	})

	t.Run("missing field compares against nil", func(t *testing.T) {
		g := Guard{Field: "absent", Operator: "!=", Value: "x"}
		if ok, _ := g.Evaluate(map[string]interface{}{}); !ok {
			t.Error("nil != x, want true")
		}
	})
}
