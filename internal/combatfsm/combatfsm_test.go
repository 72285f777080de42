package combatfsm

import (
	"context"
	"testing"
	"time"

	"github.com/maitrongthinh/agentrt/internal/ports"
)

func newTestAdapter() *ports.InMemoryGameAdapter {
	a := ports.NewInMemoryGameAdapter()
	a.Entities = []ports.Entity{
		{ID: "target", Kind: "mob", Position: ports.Position{X: 3, Y: 0, Z: 0}, Health: 20},
	}
	return a
}

func noSleep(time.Duration) {}

// 1. enter-combat transitions IDLE -> ENGAGE.
func TestEnterCombatTransitionsToEngage(t *testing.T) {
	adapter := newTestAdapter()
	fsm := New(adapter, WithSleep(noSleep))
	fsm.EnterCombat(context.Background(), "target")
	defer fsm.Stop()

	if fsm.State() != StateEngage {
		t.Fatalf("expected ENGAGE, got %s", fsm.State())
	}
}

// 2. S3: health=5 in ENGAGE at distance 3 retreats within one tick and
// returns to IDLE, incrementing the retreat counter.
func TestLowHealthRetreatsWithinOneTick(t *testing.T) {
	adapter := newTestAdapter()
	adapter.HealthValue = 5

	var outcome Outcome
	fsm := New(adapter, WithSleep(noSleep), WithOutcomeRecorder(func(o Outcome) { outcome = o }))
	fsm.EnterCombat(context.Background(), "target")

	fsm.Tick(context.Background())

	if fsm.State() != StateIdle {
		t.Fatalf("expected IDLE after retreat protocol, got %s", fsm.State())
	}
	if fsm.Retreats() != 1 {
		t.Fatalf("expected retreats=1, got %d", fsm.Retreats())
	}
	if !outcome.Retreated || outcome.Win {
		t.Fatalf("expected a recorded loss-by-retreat outcome, got %+v", outcome)
	}
}

// 3. An invalid target (dead) exits combat without a retreat.
func TestInvalidTargetExitsToIdleWithoutRetreat(t *testing.T) {
	adapter := newTestAdapter()
	adapter.Entities[0].Health = 0

	fsm := New(adapter, WithSleep(noSleep))
	fsm.EnterCombat(context.Background(), "target")
	fsm.Tick(context.Background())

	if fsm.State() != StateIdle {
		t.Fatalf("expected IDLE for invalid target, got %s", fsm.State())
	}
	if fsm.Retreats() != 0 {
		t.Fatalf("expected no retreat recorded, got %d", fsm.Retreats())
	}
}

// 4. Target beyond max distance (32) is treated as invalid.
func TestTargetBeyondMaxDistanceExits(t *testing.T) {
	adapter := newTestAdapter()
	adapter.Entities[0].Position = ports.Position{X: 100, Y: 0, Z: 0}

	fsm := New(adapter, WithSleep(noSleep))
	fsm.EnterCombat(context.Background(), "target")
	fsm.Tick(context.Background())

	if fsm.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", fsm.State())
	}
}

// 5. The deadman switch clears controls and skips the tick when latency is high.
func TestDeadmanSwitchSkipsCombatPacket(t *testing.T) {
	adapter := newTestAdapter()
	adapter.LatencyMs = 900
	adapter.Inventory["golden_apple"] = 1

	fsm := New(adapter, WithSleep(noSleep))
	fsm.EnterCombat(context.Background(), "target")
	fsm.Tick(context.Background())

	if fsm.State() != StateEngage {
		t.Fatalf("expected to remain in ENGAGE during a deadman-triggered tick, got %s", fsm.State())
	}
	found := false
	for _, call := range adapter.EquipCalls {
		if call == "hand:golden_apple" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected deadman switch to equip available food")
	}
}

// 6. A clean win (health > 10, no retreat) is recorded on target-invalid exit.
func TestWinRecordedWhenHealthHighAndNoRetreat(t *testing.T) {
	adapter := newTestAdapter()
	adapter.HealthValue = 15
	adapter.Entities[0].Health = 0 // target becomes invalid -> ENGAGE -> IDLE

	var outcome Outcome
	fsm := New(adapter, WithSleep(noSleep), WithOutcomeRecorder(func(o Outcome) { outcome = o }))
	fsm.EnterCombat(context.Background(), "target")
	fsm.Tick(context.Background())

	if !outcome.Win || outcome.Retreated {
		t.Fatalf("expected a recorded win, got %+v", outcome)
	}
}

// panickingAdapter wraps a working adapter but panics from NearestEntity,
// simulating a tick exception for the circuit breaker test.
type panickingAdapter struct {
	*ports.InMemoryGameAdapter
}

func (p *panickingAdapter) NearestEntity(ctx context.Context, pred ports.EntityPredicate) (ports.Entity, bool) {
	panic("simulated tick exception")
}

// 7. Three consecutive tick panics trip the circuit breaker, publish
// system-error/emergency-recall, and exit combat without recording a win.
func TestCircuitBreakerExitsAfterThreeFailures(t *testing.T) {
	inner := newTestAdapter()
	inner.HealthValue = 5
	adapter := &panickingAdapter{InMemoryGameAdapter: inner}
	var outcome Outcome
	recorded := false
	fsm := New(adapter, WithSleep(noSleep), WithOutcomeRecorder(func(o Outcome) {
		outcome = o
		recorded = true
	}))
	fsm.EnterCombat(context.Background(), "target")

	fsm.Tick(context.Background())
	fsm.Tick(context.Background())
	if fsm.State() != StateEngage {
		t.Fatalf("expected to remain ENGAGE before the third failure, got %s", fsm.State())
	}
	fsm.Tick(context.Background())

	if fsm.State() != StateIdle {
		t.Fatalf("expected circuit breaker to exit to IDLE, got %s", fsm.State())
	}
	if !recorded || outcome.Win {
		t.Fatalf("expected a recorded non-win outcome after breaker trip, got recorded=%v outcome=%+v", recorded, outcome)
	}
}

// 8. Recall forces an exit to IDLE from ENGAGE, recording a non-win outcome.
func TestRecallExitsToIdle(t *testing.T) {
	adapter := newTestAdapter()
	adapter.HealthValue = 5
	var recorded bool
	var outcome Outcome
	fsm := New(adapter, WithSleep(noSleep), WithOutcomeRecorder(func(o Outcome) {
		outcome = o
		recorded = true
	}))
	fsm.EnterCombat(context.Background(), "target")

	fsm.Recall()

	if fsm.State() != StateIdle {
		t.Fatalf("expected IDLE after recall, got %s", fsm.State())
	}
	if !recorded || outcome.Win {
		t.Fatalf("expected a recorded non-win outcome, got recorded=%v outcome=%+v", recorded, outcome)
	}

	// a second recall while already idle is a no-op
	fsm.Recall()
	if fsm.Retreats() != 0 {
		t.Fatalf("expected no retreat recorded by recall, got %d", fsm.Retreats())
	}
}

// 9. Genetic parameter updates are clamped to the documented bounds.
func TestUpdateGeneticParamsClamps(t *testing.T) {
	adapter := newTestAdapter()
	fsm := New(adapter, WithSleep(noSleep))
	fsm.UpdateGeneticParams(GeneticParams{StrafeDistance: 99, RetreatHealth: -5, AttackUrgency: 0.8})

	params := fsm.GeneticParams()
	if params.StrafeDistance != 5.0 {
		t.Fatalf("expected strafeDistance clamped to 5.0, got %v", params.StrafeDistance)
	}
	if params.RetreatHealth != 4.0 {
		t.Fatalf("expected retreatHealth clamped to 4.0, got %v", params.RetreatHealth)
	}
}
