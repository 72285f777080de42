package actions

import (
	"context"
	"testing"

	"github.com/maitrongthinh/agentrt/internal/blackboard"
)

// 1. A chain resolving a blackboard value into a move-to step completes
// with history length 2.
func TestExecuteChainResolvesBlackboardVariable(t *testing.T) {
	bb := blackboard.New()
	bb.Set("pos.home", map[string]any{"x": 10.0, "y": 64.0, "z": 10.0}, "test")

	var capturedPosition any
	l := New()
	l.Register("move-to", func(ctx context.Context, p Params) Outcome {
		capturedPosition = p["position"]
		return Outcome{Success: true}
	})

	chain := []Step{
		{ID: "a", Kind: StepBlackboardOp, Op: BBRead, Name: "pos.home", StoreAs: "h"},
		{ID: "b", Kind: StepPrimitive, Name: "move-to", Params: Params{"position": "${h}"}},
	}

	result := l.ExecuteChain(context.Background(), chain, nil, bb)
	if !result.Success {
		t.Fatalf("expected chain success, got %+v", result)
	}
	if len(result.History) != 2 {
		t.Fatalf("expected history length 2, got %d", len(result.History))
	}

	pos, ok := capturedPosition.(map[string]any)
	if !ok || pos["x"] != 10.0 {
		t.Fatalf("expected resolved position passed to move-to, got %#v", capturedPosition)
	}
}

// 2. A failing step with ignore-failure=false halts the chain and reports the stage.
func TestExecuteChainHaltsOnFailure(t *testing.T) {
	l := New()
	l.Register("mine", func(ctx context.Context, p Params) Outcome {
		return Outcome{Success: false, Error: "blocked"}
	})
	ran := false
	l.Register("craft", func(ctx context.Context, p Params) Outcome {
		ran = true
		return Outcome{Success: true}
	})

	chain := []Step{
		{ID: "mine-step", Kind: StepPrimitive, Name: "mine", Params: Params{"targetBlock": "stone"}},
		{ID: "craft-step", Kind: StepPrimitive, Name: "craft", Params: Params{"recipe": "stick"}},
	}

	result := l.ExecuteChain(context.Background(), chain, nil, nil)
	if result.Success {
		t.Fatal("expected chain to halt on failure")
	}
	if result.Stage != "mine-step" {
		t.Fatalf("expected stage mine-step, got %q", result.Stage)
	}
	if ran {
		t.Fatal("expected subsequent step not to run after halt")
	}
}

// 3. ignore-failure=true lets the chain continue past a failing step.
func TestExecuteChainIgnoresFailureWhenFlagged(t *testing.T) {
	l := New()
	l.Register("mine", func(ctx context.Context, p Params) Outcome {
		return Outcome{Success: false, Error: "blocked"}
	})
	ran := false
	l.Register("craft", func(ctx context.Context, p Params) Outcome {
		ran = true
		return Outcome{Success: true}
	})

	chain := []Step{
		{ID: "mine-step", Kind: StepPrimitive, Name: "mine", Params: Params{"targetBlock": "stone"}, IgnoreFailure: true},
		{ID: "craft-step", Kind: StepPrimitive, Name: "craft", Params: Params{"recipe": "stick"}},
	}

	result := l.ExecuteChain(context.Background(), chain, nil, nil)
	if !result.Success {
		t.Fatalf("expected chain success despite ignored failure, got %+v", result)
	}
	if !ran {
		t.Fatal("expected subsequent step to run after ignored failure")
	}
}

// 4. A condition that evaluates false skips the step.
func TestExecuteChainSkipsOnFalseCondition(t *testing.T) {
	l := New()
	ran := false
	l.Register("eat", func(ctx context.Context, p Params) Outcome {
		ran = true
		return Outcome{Success: true}
	})

	chain := []Step{
		{
			ID:        "eat-step",
			Kind:      StepPrimitive,
			Name:      "eat",
			Condition: &Condition{Left: "20", Operator: "<", Right: "10"},
		},
	}

	result := l.ExecuteChain(context.Background(), chain, nil, nil)
	if !result.Success {
		t.Fatalf("expected chain success, got %+v", result)
	}
	if ran {
		t.Fatal("expected step to be skipped by false condition")
	}
	if len(result.History) != 0 {
		t.Fatalf("expected no history entries for a skipped step, got %d", len(result.History))
	}
}

// 5. local-memory from one chain run does not leak into a second run (invariant 6).
func TestExecuteChainLocalMemoryDoesNotLeak(t *testing.T) {
	l := New()
	var sawValue any
	l.Register("echo", func(ctx context.Context, p Params) Outcome {
		sawValue = p["value"]
		return Outcome{Success: true}
	})

	first := []Step{
		{ID: "store", Kind: StepBlackboardOp, Op: BBRead, Name: "absent.key", StoreAs: "stored"},
	}
	l.ExecuteChain(context.Background(), first, map[string]any{"seed": "one"}, nil)

	second := []Step{
		{ID: "echo-step", Kind: StepPrimitive, Name: "echo", Params: Params{"value": "${seed}"}},
	}
	l.ExecuteChain(context.Background(), second, nil, nil)

	if sawValue != "${seed}" {
		t.Fatalf("expected unresolved literal template (no leaked local-memory), got %#v", sawValue)
	}
}

// 6. A wait step sleeps for the configured duration.
func TestExecuteChainWaitStep(t *testing.T) {
	l := New()
	chain := []Step{
		{ID: "w", Kind: StepWait, Params: Params{"ms": 1.0}},
	}
	result := l.ExecuteChain(context.Background(), chain, nil, nil)
	if !result.Success {
		t.Fatalf("expected wait step to succeed, got %+v", result)
	}
}

// 7. Equality agrees with the ordering operators on numeric operands:
// "6.0" == "6" holds, while non-numeric operands still compare as strings.
func TestEvaluateConditionNumericEquality(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"numeric equal across formats", Condition{Left: "6.0", Operator: "==", Right: "6"}, true},
		{"numeric not-equal across formats", Condition{Left: "6.0", Operator: "!=", Right: "6"}, false},
		{"numeric unequal", Condition{Left: "5", Operator: "==", Right: "6"}, false},
		{"string equal", Condition{Left: "oak_log", Operator: "==", Right: "oak_log"}, true},
		{"string not-equal", Condition{Left: "oak_log", Operator: "!=", Right: "birch_log"}, true},
		{"non-numeric ordering fails closed", Condition{Left: "oak_log", Operator: "<", Right: "10"}, false},
	}
	for _, tc := range cases {
		if got := evaluateCondition(tc.cond); got != tc.want {
			t.Fatalf("%s: evaluateCondition(%+v) = %v, want %v", tc.name, tc.cond, got, tc.want)
		}
	}
}
