// Package combatfsm implements the combat reflex FSM: a tick-perfect
// IDLE/ENGAGE/RETREAT state machine that runs independently of the
// deliberative task scheduler, guarded by a deadman switch and a circuit
// breaker against tick exceptions.
package combatfsm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/maitrongthinh/agentrt/internal/behavior"
	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/locks"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

// State is one of the closed set of combat states.
type State string

const (
	StateIdle    State = "IDLE"
	StateEngage  State = "ENGAGE"
	StateRetreat State = "RETREAT"
)

const (
	defaultTick            = 50 * time.Millisecond
	defaultRetreatHealth   = 6.0
	defaultTotemThreshold  = 6.0
	defaultEmergencyHeal   = 8.0
	defaultHealCooldown    = 3 * time.Second
	defaultEngageTimeout   = 2 * time.Second
	defaultMaxDistance     = 32.0
	defaultLowArmor        = 5.0
	defaultDeadmanLatency  = 500.0
	defaultProjectileRange = 30.0
	defaultCreeperRange    = 5.0
	defaultStrafeRange     = 4.0
	defaultApproachRange   = 8.0
	maxConsecutiveFailures = 3
	healPauseDelay         = 1800 * time.Millisecond
)

// GeneticParams is the combat-parameter triple the evolution engine adapts across
// engagements.
type GeneticParams struct {
	StrafeDistance float64
	RetreatHealth  float64
	AttackUrgency  float64
}

// ClampGeneticParams bounds strafeDistance to [1.5, 5.0] and retreatHealth
// to [4, 12]. attackUrgency is unbounded and left untouched.
func ClampGeneticParams(p GeneticParams) GeneticParams {
	p.StrafeDistance = clamp(p.StrafeDistance, 1.5, 5.0)
	p.RetreatHealth = clamp(p.RetreatHealth, 4, 12)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Outcome summarizes one combat engagement for the evolution engine: a win
// means exiting with health above 10 and no retreat.
type Outcome struct {
	Win        bool
	Retreated  bool
	DurationMS int64
}

// OutcomeRecorder receives the outcome of every exited engagement.
type OutcomeRecorder func(Outcome)

// FSM owns the combat state and its 50ms tick loop.
type FSM struct {
	mu sync.Mutex

	state       State
	target      string
	combatStart time.Time
	lastHeal    time.Time
	lastHit     time.Time
	failures    int
	retreats    int

	params GeneticParams

	adapter  ports.GameAdapter
	b        *bus.Bus
	policy   *behavior.Engine
	locker   *locks.Manager
	log      *logging.Logger
	now      func() time.Time
	sleep    func(time.Duration)
	recorder OutcomeRecorder

	tickInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
	running      bool
}

// Option configures an FSM at construction time.
type Option func(*FSM)

func WithBus(b *bus.Bus) Option         { return func(f *FSM) { f.b = b } }
func WithPolicy(p *behavior.Engine) Option { return func(f *FSM) { f.policy = p } }
func WithLocks(l *locks.Manager) Option { return func(f *FSM) { f.locker = l } }
func WithOutcomeRecorder(r OutcomeRecorder) Option { return func(f *FSM) { f.recorder = r } }
func WithTick(d time.Duration) Option {
	return func(f *FSM) {
		if d > 0 {
			f.tickInterval = d
		}
	}
}
func WithLogger(log *logging.Logger) Option {
	return func(f *FSM) {
		if log != nil {
			f.log = log
		}
	}
}
func WithClock(clock func() time.Time) Option {
	return func(f *FSM) {
		if clock != nil {
			f.now = clock
		}
	}
}
func WithSleep(sleep func(time.Duration)) Option {
	return func(f *FSM) {
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

// New constructs an idle FSM bound to adapter.
func New(adapter ports.GameAdapter, opts ...Option) *FSM {
	f := &FSM{
		state:        StateIdle,
		adapter:      adapter,
		log:          logging.NewTestLogger(),
		now:          time.Now,
		sleep:        time.Sleep,
		tickInterval: defaultTick,
		params: GeneticParams{
			StrafeDistance: 2.5,
			RetreatHealth:  defaultRetreatHealth,
			AttackUrgency:  0.5,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// State reports the current combat state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Retreats reports the number of ENGAGE -> RETREAT transitions observed.
func (f *FSM) Retreats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retreats
}

// UpdateGeneticParams installs a new combat-parameter triple, pushed by the
// evolution engine after each engagement.
func (f *FSM) UpdateGeneticParams(p GeneticParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = ClampGeneticParams(p)
}

func (f *FSM) GeneticParams() GeneticParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// EnterCombat transitions IDLE -> ENGAGE, typically triggered by a
// high-damage hit or an explicit caller.
func (f *FSM) EnterCombat(ctx context.Context, target string) {
	f.mu.Lock()
	if f.state != StateIdle {
		f.mu.Unlock()
		return
	}
	f.state = StateEngage
	f.target = target
	f.combatStart = f.now()
	f.failures = 0
	f.mu.Unlock()

	if f.locker != nil {
		f.locker.Acquire(ctx, "look", "combat-fsm", 0)
		f.locker.Acquire(ctx, "move", "combat-fsm", 0)
	}
	f.publish(bus.SignalCombatStarted, bus.Payload{"target": target})
}

// Start begins the persistent 50ms tick loop for the FSM's lifetime. Ticks
// are a no-op while IDLE, so Start is meant to run once at agent startup;
// combat engagements are entered and exited via EnterCombat and the FSM's
// own transitions, not by restarting the loop.
func (f *FSM) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	derived, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.running = true
	f.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(f.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-derived.Done():
				return
			case <-ticker.C:
				f.Tick(derived)
			}
		}
	}()
}

// Stop halts the tick loop without forcing a state transition.
func (f *FSM) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.running = false
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Recall forces an exit to IDLE from whatever combat state the FSM is in,
// releasing actuator locks and recording an outcome that is never a retreat
// (it counts as a win only if health is above 10, as on any other exit).
// Used by the emergency-recall path and by death handling.
func (f *FSM) Recall() {
	f.mu.Lock()
	idle := f.state == StateIdle
	f.mu.Unlock()
	if idle {
		return
	}
	f.exitCombat(false)
}

// Tick runs exactly one combat-reflex cycle. Exported so tests can drive the
// FSM deterministically instead of racing the background ticker.
func (f *FSM) Tick(ctx context.Context) {
	state := f.State()
	if state == StateIdle {
		return
	}

	if f.runTickGuarded(ctx, state) {
		f.mu.Lock()
		f.failures = 0
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	f.failures++
	failed := f.failures >= maxConsecutiveFailures
	f.mu.Unlock()
	if failed {
		f.publish(bus.SignalSystemError, bus.Payload{"reason": "combat-tick-exceptions"})
		f.publish(bus.SignalEmergencyRecall, bus.Payload{})
		f.exitCombat(false)
	}
}

// runTickGuarded recovers a panicking tick step and reports it as a tick
// exception for the circuit breaker.
func (f *FSM) runTickGuarded(ctx context.Context, state State) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			f.log.Warn("combat tick panic recovered",
				logging.Component("combatfsm"), logging.String("recover", stringifyRecover(r)))
		}
	}()

	switch state {
	case StateEngage:
		f.tickEngage(ctx)
	case StateRetreat:
		f.tickRetreat(ctx)
	}
	return true
}

func stringifyRecover(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "panic"
}

func (f *FSM) tickEngage(ctx context.Context) {
	target, ok := f.validTarget(ctx)
	if !ok {
		f.exitCombat(false)
		return
	}

	if f.deadmanTriggered(ctx) {
		return
	}

	health := f.healthOrZero(ctx)
	f.autoTotem(ctx, health)
	f.emergencyHeal(ctx, health)
	f.defensiveScan(ctx)

	if f.shouldRetreat(ctx, health, target) {
		f.transitionToRetreat(ctx)
		return
	}

	f.engage(ctx, target)
}

func (f *FSM) tickRetreat(ctx context.Context) {
	if f.deadmanTriggered(ctx) {
		return
	}
	f.runRetreatProtocol(ctx)
	f.exitCombat(true)
}

// validTarget reports whether the current target still exists, is alive,
// and is within engagement range; an invalid target sends ENGAGE to IDLE.
func (f *FSM) validTarget(ctx context.Context) (ports.Entity, bool) {
	target := f.targetID()
	if target == "" {
		return ports.Entity{}, false
	}
	entity, ok := f.adapter.NearestEntity(ctx, func(e ports.Entity) bool { return e.ID == target })
	if !ok || entity.Health <= 0 {
		return ports.Entity{}, false
	}
	pos, err := f.adapter.Position(ctx)
	if err != nil {
		return entity, true
	}
	if distance(pos, entity.Position) > defaultMaxDistance {
		return ports.Entity{}, false
	}
	return entity, true
}

func (f *FSM) targetID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

// deadmanTriggered is the deadman switch: on round-trip latency over
// 500ms, clear every actuator control, eat if available, and skip combat
// packets for this tick.
func (f *FSM) deadmanTriggered(ctx context.Context) bool {
	latency, err := f.adapter.Latency(ctx)
	if err != nil || latency <= defaultDeadmanLatency {
		return false
	}
	for _, c := range []ports.ControlName{ports.ControlForward, ports.ControlBack, ports.ControlLeft, ports.ControlRight, ports.ControlJump, ports.ControlSprint} {
		f.adapter.SetControlState(ctx, c, false)
	}
	if n, err := f.adapter.InventoryCount(ctx, "golden_apple"); err == nil && n > 0 {
		f.adapter.Equip(ctx, "golden_apple", ports.SlotHand)
		f.adapter.Consume(ctx)
	}
	return true
}

func (f *FSM) healthOrZero(ctx context.Context) float64 {
	health, err := f.adapter.Health(ctx)
	if err != nil {
		return 0
	}
	return health
}

func (f *FSM) totemThreshold() float64 {
	if f.policy == nil {
		return defaultTotemThreshold
	}
	policy := f.policy.GetSelfPreservationPolicy(behavior.Context{Health: 0}, map[string]any{"totemThreshold": defaultTotemThreshold})
	if v, ok := policy["totemThreshold"].(float64); ok {
		return v
	}
	return defaultTotemThreshold
}

// autoTotem keeps a totem in the offhand while health sits below the
// threshold.
func (f *FSM) autoTotem(ctx context.Context, health float64) {
	if health >= f.totemThreshold() {
		return
	}
	f.adapter.Equip(ctx, "totem_of_undying", ports.SlotOff)
}

// emergencyHeal eats the best available food when health drops under the
// emergency threshold, rate-limited by a heal cooldown.
func (f *FSM) emergencyHeal(ctx context.Context, health float64) {
	if health >= defaultEmergencyHeal {
		return
	}
	f.mu.Lock()
	since := f.now().Sub(f.lastHeal)
	f.mu.Unlock()
	if since <= defaultHealCooldown {
		return
	}
	f.adapter.Equip(ctx, "best_food", ports.SlotHand)
	f.adapter.Consume(ctx)
	f.sleep(healPauseDelay)
	f.adapter.Equip(ctx, "weapon", ports.SlotHand)
	f.mu.Lock()
	f.lastHeal = f.now()
	f.mu.Unlock()
}

// defensiveScan raises the shield or dodge-strafes: inbound projectiles whose
// normalized velocity dotted with the direction to the bot exceeds 0.9
// within 30 blocks, and fused creepers within 5.
func (f *FSM) defensiveScan(ctx context.Context) {
	pos, err := f.adapter.Position(ctx)
	if err != nil {
		return
	}

	if projectile, ok := f.adapter.NearestEntity(ctx, func(e ports.Entity) bool {
		if e.Kind != "projectile" {
			return false
		}
		if distance(pos, e.Position) > defaultProjectileRange {
			return false
		}
		return inboundDot(e, pos) > 0.9
	}); ok {
		_ = projectile
		f.adapter.ActivateItem(ctx)
		f.adapter.DeactivateItem(ctx)
	}

	if _, ok := f.adapter.NearestEntity(ctx, func(e ports.Entity) bool {
		return e.Kind == "creeper" && e.Fused && distance(pos, e.Position) <= defaultCreeperRange
	}); ok {
		f.adapter.SetControlState(ctx, ports.ControlLeft, true)
		f.adapter.SetControlState(ctx, ports.ControlRight, false)
	}
}

func inboundDot(e ports.Entity, bot ports.Position) float64 {
	toBot := ports.Position{X: bot.X - e.Position.X, Y: bot.Y - e.Position.Y, Z: bot.Z - e.Position.Z}
	toBotLen := math.Sqrt(toBot.X*toBot.X + toBot.Y*toBot.Y + toBot.Z*toBot.Z)
	velLen := math.Sqrt(e.Velocity.X*e.Velocity.X + e.Velocity.Y*e.Velocity.Y + e.Velocity.Z*e.Velocity.Z)
	if toBotLen == 0 || velLen == 0 {
		return 0
	}
	dot := (toBot.X*e.Velocity.X + toBot.Y*e.Velocity.Y + toBot.Z*e.Velocity.Z) / (toBotLen * velLen)
	return dot
}

// shouldRetreat implements the ENGAGE -> RETREAT predicate.
func (f *FSM) shouldRetreat(ctx context.Context, health float64, target ports.Entity) bool {
	params := f.GeneticParams()
	if health < params.RetreatHealth {
		return true
	}
	melee, _ := f.adapter.HasMeleeWeapon(ctx)
	ranged, _ := f.adapter.HasRangedWeapon(ctx)
	if !melee && !ranged {
		f.mu.Lock()
		age := f.now().Sub(f.combatStart)
		f.mu.Unlock()
		if age > defaultEngageTimeout {
			return true
		}
	}
	if armor, err := f.adapter.ArmorDurability(ctx); err == nil && armor < defaultLowArmor {
		return true
	}
	return false
}

func (f *FSM) transitionToRetreat(ctx context.Context) {
	f.mu.Lock()
	f.state = StateRetreat
	f.retreats++
	f.mu.Unlock()
	f.tickRetreat(ctx)
}

// runRetreatProtocol performs a minimal run-away maneuver: disengage
// forward motion, sprint away from the target. It always completes within
// the tick that calls it.
func (f *FSM) runRetreatProtocol(ctx context.Context) {
	f.adapter.SetControlState(ctx, ports.ControlForward, false)
	f.adapter.SetControlState(ctx, ports.ControlBack, true)
	f.adapter.SetControlState(ctx, ports.ControlSprint, true)
}

// engage runs the per-tick engagement geometry: weapon choice by range,
// strafe-orbit in close, approach at mid range, ranged attack beyond.
func (f *FSM) engage(ctx context.Context, target ports.Entity) {
	pos, err := f.adapter.Position(ctx)
	if err != nil {
		return
	}
	d := distance(pos, target.Position)

	ranged, _ := f.adapter.HasRangedWeapon(ctx)
	melee, _ := f.adapter.HasMeleeWeapon(ctx)
	if melee && d <= defaultStrafeRange {
		f.adapter.Equip(ctx, "melee", ports.SlotHand)
	} else if ranged {
		f.adapter.Equip(ctx, "ranged", ports.SlotHand)
	}

	los := f.adapter.Raycast(ctx, pos, target.Position)
	if los.Blocked {
		f.adapter.SetControlState(ctx, ports.ControlLeft, true)
		return
	}

	if !f.terrainSafe(ctx, pos) {
		f.adapter.SetControlState(ctx, ports.ControlBack, true)
		return
	}

	switch {
	case d <= defaultStrafeRange:
		f.strafeOrbit(ctx, target)
		f.attack(ctx, target)
	case d <= defaultApproachRange:
		f.adapter.LookAt(ctx, target.Position)
		f.adapter.SetControlState(ctx, ports.ControlForward, true)
	default:
		f.adapter.LookAt(ctx, target.Position)
		f.attack(ctx, target)
	}
}

func (f *FSM) strafeOrbit(ctx context.Context, target ports.Entity) {
	f.adapter.LookAt(ctx, target.Position)
	f.adapter.SetControlState(ctx, ports.ControlLeft, true)
	f.adapter.SetControlState(ctx, ports.ControlJump, true)
}

func (f *FSM) attack(ctx context.Context, target ports.Entity) {
	f.adapter.Attack(ctx, target.ID)
	f.mu.Lock()
	f.lastHit = f.now()
	f.mu.Unlock()
	if f.adapter.SupportsCrystalAura() {
		// Optional capability; a real implementation schedules a one-shot
		// spawn listener here.
		_ = f.lastHit
	}
}

// terrainSafe is a coarse footing check: the block directly beneath the
// bot must be solid before committing to close-range footwork.
func (f *FSM) terrainSafe(ctx context.Context, pos ports.Position) bool {
	below := ports.Position{X: pos.X, Y: pos.Y - 1, Z: pos.Z}
	name, err := f.adapter.BlockAt(ctx, below)
	if err != nil {
		return true
	}
	return name != "" && name != "air"
}

func (f *FSM) exitCombat(retreated bool) {
	f.mu.Lock()
	start := f.combatStart
	f.state = StateIdle
	f.target = ""
	f.mu.Unlock()

	if f.locker != nil {
		f.locker.Release("look", "combat-fsm")
		f.locker.Release("move", "combat-fsm")
	}

	health := f.healthOrZero(context.Background())
	outcome := Outcome{
		Win:        health > 10 && !retreated,
		Retreated:  retreated,
		DurationMS: f.now().Sub(start).Milliseconds(),
	}
	f.publish(bus.SignalCombatEnded, bus.Payload{"win": outcome.Win, "retreated": retreated})
	if f.recorder != nil {
		f.recorder(outcome)
	}
}

func (f *FSM) publish(signal bus.Signal, payload bus.Payload) {
	if f.b != nil {
		f.b.Publish(signal, payload)
	}
}

func distance(a, b ports.Position) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
