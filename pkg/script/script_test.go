package script

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEvaluator_Evaluate_Controls(t *testing.T) {
	ev := NewEvaluator(time.Second)
	src := `
def pair(prefix):
    return [control(prefix + "_l", NUM, READ), control(prefix + "_r", NUM, READ)]

controls = pair("in") + [
    control("gain", NUM, WRITE, exposed = True, default = 0.5),
    {"name": "notes", "type": "midi"},
]
`
	res, err := ev.Evaluate(context.Background(), "gain.star", src)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(res.Controls) != 4 {
		t.Fatalf("Expected 4 controls, got %d", len(res.Controls))
	}

	gain := res.Controls[2]
	if gain.Name != "gain" || gain.Direction != "write" || !gain.Exposed {
		t.Errorf("Unexpected gain declaration: %+v", gain)
	}
	if gain.Default == nil || *gain.Default != 0.5 {
		t.Errorf("Expected default 0.5, got %v", gain.Default)
	}

	notes := res.Controls[3]
	if notes.Type != "midi" || notes.Direction != "read" {
		t.Errorf("Expected midi read control, got %+v", notes)
	}
}

func TestEvaluator_Evaluate_NoControls(t *testing.T) {
	ev := NewEvaluator(time.Second)
	res, err := ev.Evaluate(context.Background(), "empty.star", "x = 1\n")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.Controls) != 0 {
		t.Errorf("Expected no controls, got %d", len(res.Controls))
	}
	if res.Output["x"] != int64(1) {
		t.Errorf("Expected x=1 in output, got %v", res.Output["x"])
	}
}

func TestEvaluator_Evaluate_Errors(t *testing.T) {
	ev := NewEvaluator(time.Second)

	tests := []struct {
		name     string
		src      string
		wantLine int
		located  bool
		contains string
	}{
		{
			name:     "syntax error",
			src:      "controls = [\n  control(\"a\", NUM\n",
			located:  true,
		},
		{
			name:     "undefined name",
			src:      "x = 1\ncontrols = [missing]\n",
			wantLine: 2,
			contains: "missing",
		},
		{
			name:     "runtime failure",
			src:      "x = 1\ny = 2\nz = 1 // 0\n",
			wantLine: 3,
			contains: "division",
		},
		{
			name:     "duplicate control",
			src:      `controls = [control("a", NUM), control("a", NUM)]`,
			contains: "duplicate",
		},
		{
			name:     "controls not a list",
			src:      `controls = "nope"`,
			contains: "must be a list",
		},
		{
			name:     "bad default",
			src:      `controls = [control("a", NUM, default = "loud")]`,
			contains: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Evaluate(context.Background(), "bad.star", tt.src)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}

			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("Expected *Error, got %T", err)
			}
			if tt.wantLine != 0 && serr.Line != tt.wantLine {
				t.Errorf("Expected line %d, got %d (%v)", tt.wantLine, serr.Line, serr)
			}
			if tt.located && serr.Line == 0 {
				t.Errorf("Expected a source position, got %v", serr)
			}
			if tt.contains != "" && !strings.Contains(serr.Error(), tt.contains) {
				t.Errorf("Expected error to contain %q, got %q", tt.contains, serr.Error())
			}
		})
	}
}

func TestEvaluator_Evaluate_StepBudget(t *testing.T) {
	ev := NewEvaluator(time.Second)
	ev.maxSteps = 1000

	src := `
def spin():
    n = 0
    for i in range(1000000):
        n += i
    return n

x = spin()
`
	if _, err := ev.Evaluate(context.Background(), "spin.star", src); err == nil {
		t.Fatal("Expected the step budget to stop evaluation")
	}
}

func TestEvaluator_Evaluate_Cancelled(t *testing.T) {
	ev := NewEvaluator(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

x = spin()
`
	if _, err := ev.Evaluate(ctx, "spin.star", src); err == nil {
		t.Fatal("Expected cancelled context to stop evaluation")
	}
}
