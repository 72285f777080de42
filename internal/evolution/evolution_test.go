package evolution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/combatfsm"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

// 1. Fingerprint normalizes digits so two errors differing only by a
// numeric value collide.
func TestFingerprintNormalizesDigits(t *testing.T) {
	a := Fingerprint("gather_water", "No water bucket at slot 3")
	b := Fingerprint("gather_water", "No water bucket at slot 7")
	if a != b {
		t.Fatalf("expected normalized fingerprints to collide, got %q and %q", a, b)
	}
	if len(a) != fingerprintLen {
		t.Fatalf("expected %d-char fingerprint, got %d", fingerprintLen, len(a))
	}
}

// 2. S4: a failure produces a hash-keyed skill, and re-publishing the same
// failure short-circuits without a second language-model call.
func TestHandleFailureDedupesByFingerprint(t *testing.T) {
	llm := &ports.InMemoryLanguageModel{CodingReply: "```\nreturn nil\n```"}
	sandbox := &ports.InMemorySandbox{ValidateResult: true}
	tools := ports.NewInMemoryToolRegistry()

	e := New(WithLanguageModel(llm), WithSandbox(sandbox), WithToolRegistry(tools))

	e.HandleFailure(context.Background(), "gather_water", "No water bucket")
	if llm.Calls != 1 {
		t.Fatalf("expected 1 language-model call, got %d", llm.Calls)
	}
	skills := tools.DiscoverSkills()
	if len(skills) != 1 {
		t.Fatalf("expected one hot-swapped skill, got %d", len(skills))
	}

	e.HandleFailure(context.Background(), "gather_water", "No water bucket")
	if llm.Calls != 1 {
		t.Fatalf("expected second identical failure to short-circuit, got %d calls", llm.Calls)
	}
}

// 3. A failure signal published on the bus reaches the engine's handler and
// produces a skill-learned signal.
func TestTaskFailedSignalTriggersEvolution(t *testing.T) {
	b := bus.New()
	llm := &ports.InMemoryLanguageModel{CodingReply: `{"thought":"fix","code":"return 1"}`}
	sandbox := &ports.InMemorySandbox{ValidateResult: true}
	tools := ports.NewInMemoryToolRegistry()

	New(WithBus(b), WithLanguageModel(llm), WithSandbox(sandbox), WithToolRegistry(tools))

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(bus.SignalSkillLearned, func(p bus.Payload) { wg.Done() }, 0)

	b.Publish(bus.SignalTaskFailed, bus.Payload{"name": "gather_water", "error": "No water bucket"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for skill-learned signal")
	}
}

// 4. A sandbox validation failure never registers a skill nor records a
// known fix (so a later identical failure retries).
func TestHandleFailureSkipsInvalidSkill(t *testing.T) {
	llm := &ports.InMemoryLanguageModel{CodingReply: "```\nbad\n```"}
	sandbox := &ports.InMemorySandbox{ValidateResult: false, Issues: []ports.SandboxIssue{{Message: "nope"}}}
	tools := ports.NewInMemoryToolRegistry()

	e := New(WithLanguageModel(llm), WithSandbox(sandbox), WithToolRegistry(tools))
	e.HandleFailure(context.Background(), "mine_ore", "pickaxe broke")

	if len(tools.DiscoverSkills()) != 0 {
		t.Fatal("expected no skill registered for an invalid fix")
	}
	if _, known := e.KnownFix(Fingerprint("mine_ore", "pickaxe broke")); known {
		t.Fatal("expected failed validation to not record a known fix")
	}
}

// 5. extractCode prefers the structured {thought,code} form over a fenced block.
func TestExtractCodePrefersStructuredForm(t *testing.T) {
	reply := `{"thought":"explain","code":"return 42"}`
	if got := extractCode(reply); got != "return 42" {
		t.Fatalf("expected structured code extraction, got %q", got)
	}
}

func TestExtractCodeFallsBackToFencedBlock(t *testing.T) {
	reply := "here you go\n```js\nreturn 42\n```\nthanks"
	if got := extractCode(reply); got != "return 42" {
		t.Fatalf("expected fenced code extraction, got %q", got)
	}
}

// 6. A combat loss perturbs StrafeDistance and raises RetreatHealth, then
// pushes the clamped triple to the FSM.
func TestAdaptCombatParamsOnLossRaisesRetreatHealth(t *testing.T) {
	adapter := ports.NewInMemoryGameAdapter()
	fsm := combatfsm.New(adapter)
	e := New(WithCombatFSM(fsm))

	before := e.GeneticParams().RetreatHealth
	e.AdaptCombatParams(combatfsm.Outcome{Win: false, Retreated: true})
	after := e.GeneticParams()

	if after.RetreatHealth != before+0.5 {
		t.Fatalf("expected retreat health to rise by 0.5, got %v -> %v", before, after.RetreatHealth)
	}
	if fsm.GeneticParams() != after {
		t.Fatalf("expected FSM to receive the adapted params, got %+v want %+v", fsm.GeneticParams(), after)
	}
}

// 7. Genetic parameters stay within their documented clamps across repeated
// losses (strafeDistance in [1.5,5.0], retreatHealth in [4,12]).
func TestAdaptCombatParamsStaysClamped(t *testing.T) {
	e := New()
	for i := 0; i < 100; i++ {
		e.AdaptCombatParams(combatfsm.Outcome{Win: false})
	}
	p := e.GeneticParams()
	if p.StrafeDistance < 1.5 || p.StrafeDistance > 5.0 {
		t.Fatalf("strafeDistance out of bounds: %v", p.StrafeDistance)
	}
	if p.RetreatHealth < 4 || p.RetreatHealth > 12 {
		t.Fatalf("retreatHealth out of bounds: %v", p.RetreatHealth)
	}
}

// 8. RecordActionStat accumulates attempts, successes, and duration across
// calls for the same action name.
func TestRecordActionStatAccumulates(t *testing.T) {
	e := New()
	e.RecordActionStat("mine", true, 100)
	e.RecordActionStat("mine", false, 50)

	stat := e.ActionStat("mine")
	if stat.Attempts != 2 || stat.Successes != 1 || stat.TotalDuration != 150 {
		t.Fatalf("unexpected stat accumulation: %+v", stat)
	}
}

// 9. A death signal with no configured memory/language-model port is a safe
// no-op rather than a panic.
func TestOnDeathWithoutPortsIsNoop(t *testing.T) {
	b := bus.New()
	New(WithBus(b))
	b.Publish(bus.SignalDeath, bus.Payload{"reason": "lava"})
	time.Sleep(20 * time.Millisecond)
}
