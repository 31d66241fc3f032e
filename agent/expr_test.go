package agent

import (
	"strings"
	"testing"
)

func TestConditionEvaluate(t *testing.T) {
	ctx := map[string]any{
		"output": map[string]any{
			"status":  "approved",
			"score":   float64(85),
			"valid":   true,
			"message": "Order Confirmed",
		},
		"error":   "",
		"retries": float64(2),
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `output.status == 'approved'`, true},
		{"string inequality", `output.status != 'rejected'`, true},
		{"double quotes", `output.status == "approved"`, true},
		{"numeric gt", `output.score > 80`, true},
		{"numeric lt", `output.score < 80`, false},
		{"numeric gte boundary", `output.score >= 85`, true},
		{"numeric lte", `output.score <= 84`, false},
		{"bool literal true", `true`, true},
		{"bool field", `output.valid`, true},
		{"not", `not output.valid`, false},
		{"and both", `output.valid and output.score > 50`, true},
		{"and short circuit", `output.score < 50 and output.missing.deep`, false},
		{"or first", `output.valid or output.score < 0`, true},
		{"or second", `output.score < 0 or output.valid`, true},
		{"parens", `(output.score > 90 or output.valid) and true`, true},
		{"missing key is nil", `output.nope == null`, true},
		{"missing key falsy", `output.nope`, false},
		{"lower", `output.status.lower() == 'approved'`, true},
		{"upper", `output.status.upper() == 'APPROVED'`, true},
		{"contains", `output.message.contains('Confirm')`, true},
		{"contains miss", `output.message.contains('cancel')`, false},
		{"startswith", `output.message.startswith('Order')`, true},
		{"chained lower contains", `output.message.lower().contains('confirmed')`, true},
		{"top level key", `retries >= 2`, true},
		{"empty error falsy", `error`, false},
		{"number equality int literal", `output.score == 85`, true},
		{"negative literal", `output.score > -1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseCondition(tt.expr)
			if err != nil {
				t.Fatalf("ParseCondition(%q): %v", tt.expr, err)
			}
			got, err := cond.Evaluate(ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditionParseErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unterminated string", `output.status == 'approved`},
		{"dangling operator", `output.score >`},
		{"missing paren", `(output.valid`},
		{"disallowed method", `output.status.exec()`},
		{"wrong arg count", `output.status.contains()`},
		{"trailing garbage", `output.valid output.score`},
		{"lone bang", `output.valid ! true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCondition(tt.expr); err == nil {
				t.Errorf("ParseCondition(%q) succeeded, want error", tt.expr)
			}
		})
	}
}

func TestConditionEvaluateErrors(t *testing.T) {
	t.Run("ordering on strings", func(t *testing.T) {
		cond, err := ParseCondition(`output.status > 'a'`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		_, err = cond.Evaluate(map[string]any{"output": map[string]any{"status": "ok"}})
		if err == nil || !strings.Contains(err.Error(), "numeric") {
			t.Errorf("expected numeric operand error, got %v", err)
		}
	})

	t.Run("path through non record", func(t *testing.T) {
		cond, err := ParseCondition(`output.status.deep == 1`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		_, err = cond.Evaluate(map[string]any{"output": map[string]any{"status": "ok"}})
		if err == nil {
			t.Error("expected error traversing through a string")
		}
	})

	t.Run("loose equality across types", func(t *testing.T) {
		cond, err := ParseCondition(`output.items == 'x'`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		got, err := cond.Evaluate(map[string]any{"output": map[string]any{"items": []any{"x"}}})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if got {
			t.Error("slice should never equal a string")
		}
	})
}
