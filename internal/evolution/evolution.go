// Package evolution implements the evolution engine: it turns task and
// skill failures into fingerprinted snapshots, requests reactive fixes from
// the language-model port, validates and hot-swaps them through the sandbox
// and tool registry, and adapts the Combat Reflex FSM's numeric parameters
// from engagement outcomes.
package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maitrongthinh/agentrt/internal/actions"
	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/combatfsm"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

// Snapshot is an immutable record of world and agent state captured at the
// moment of a failure, used as a fingerprint for deduplication.
type Snapshot struct {
	TaskName          string
	ErrorMessage      string
	ErrorHash         string
	Position          ports.Position
	Health            float64
	Food              float64
	InventorySummary  map[string]int
	NearbyBlocks      []string
	Timestamp         time.Time
}

// ActionStat is the per-primitive success/duration accounting the action
// layer reports into after every dispatch.
type ActionStat struct {
	Attempts      int
	Successes     int
	TotalDuration int64
}

// genParamsTriple is an alias of combatfsm.GeneticParams, the triple this
// engine adapts and pushes to the Combat FSM.
type genParamsTriple = combatfsm.GeneticParams

const fingerprintLen = 16

var digitRe = regexp.MustCompile(`[0-9]+`)

// Engine owns failure dedup, the known-fix map, and combat-parameter
// adaptation. The zero value is not usable; call New.
type Engine struct {
	mu sync.Mutex

	knownFixes map[string]string // error hash -> synthesized skill name
	pending    map[string]bool   // error hash -> fix request in flight
	stats      map[string]*ActionStat

	params genParamsTriple

	b        *bus.Bus
	llm      ports.LanguageModel
	sandbox  ports.Sandbox
	memory   ports.Memory
	tools    ports.ToolRegistry
	adapter  ports.GameAdapter
	combat   *combatfsm.FSM
	log      *logging.Logger
	now      func() time.Time
	rand     *rand.Rand

	lastSkillName string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithBus(b *bus.Bus) Option                       { return func(e *Engine) { e.b = b } }
func WithLanguageModel(m ports.LanguageModel) Option   { return func(e *Engine) { e.llm = m } }
func WithSandbox(s ports.Sandbox) Option               { return func(e *Engine) { e.sandbox = s } }
func WithMemory(m ports.Memory) Option                 { return func(e *Engine) { e.memory = m } }
func WithToolRegistry(t ports.ToolRegistry) Option     { return func(e *Engine) { e.tools = t } }
func WithGameAdapter(a ports.GameAdapter) Option       { return func(e *Engine) { e.adapter = a } }
func WithCombatFSM(f *combatfsm.FSM) Option            { return func(e *Engine) { e.combat = f } }
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}
func WithRandSource(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rand = r
		}
	}
}

// New constructs an empty Evolution Engine and subscribes its failure/death
// handlers to the bus if one is supplied.
func New(opts ...Option) *Engine {
	e := &Engine{
		knownFixes: make(map[string]string),
		pending:    make(map[string]bool),
		stats:      make(map[string]*ActionStat),
		log:        logging.NewTestLogger(),
		now:        time.Now,
		rand:       rand.New(rand.NewSource(1)),
		params: genParamsTriple{
			StrafeDistance: 2.5,
			RetreatHealth:  6.0,
			AttackUrgency:  0.5,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.b != nil {
		e.b.Subscribe(bus.SignalTaskFailed, e.onTaskFailed, 0)
		e.b.Subscribe(bus.SignalSkillFailed, e.onSkillFailed, 0)
		e.b.Subscribe(bus.SignalDeath, e.onDeath, 0)
		e.b.Subscribe(bus.SignalSystem2Degraded, e.onDegraded, 0)
	}
	return e
}

// RecordActionStat implements actions.ActionStatRecorder, feeding the action
// layer's per-dispatch telemetry into the action-stat table.
func (e *Engine) RecordActionStat(action string, success bool, durationMS int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stat, ok := e.stats[action]
	if !ok {
		stat = &ActionStat{}
		e.stats[action] = stat
	}
	stat.Attempts++
	if success {
		stat.Successes++
	}
	stat.TotalDuration += durationMS
}

// ActionStat reports the accumulated stat for a primitive, for diagnostics
// and tests.
func (e *Engine) ActionStat(action string) ActionStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stat, ok := e.stats[action]; ok {
		return *stat
	}
	return ActionStat{}
}

var _ actions.ActionStatRecorder = (*Engine)(nil).RecordActionStat

// Fingerprint computes the normalized failure fingerprint:
// base64(sha256(intent+":"+error-with-digits-normalized))[:16]. Digit
// normalization lets two errors differing only by a coordinate or count
// collide onto the same fix.
func Fingerprint(intent, errMsg string) string {
	normalized := digitRe.ReplaceAllString(errMsg, "#")
	sum := sha256.Sum256([]byte(intent + ":" + normalized))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(encoded) > fingerprintLen {
		encoded = encoded[:fingerprintLen]
	}
	return encoded
}

// CaptureSnapshot builds a Failure snapshot, pulling live
// world state from the adapter when one is configured; missing world state
// is left zero-valued rather than blocking the snapshot.
func (e *Engine) CaptureSnapshot(ctx context.Context, taskName, errMsg string) Snapshot {
	snap := Snapshot{
		TaskName:     taskName,
		ErrorMessage: errMsg,
		ErrorHash:    Fingerprint(taskName, errMsg),
		Timestamp:    e.now(),
	}
	if e.adapter == nil {
		return snap
	}
	if pos, err := e.adapter.Position(ctx); err == nil {
		snap.Position = pos
	}
	if health, err := e.adapter.Health(ctx); err == nil {
		snap.Health = health
	}
	if food, err := e.adapter.Food(ctx); err == nil {
		snap.Food = food
	}
	return snap
}

// KnownFix reports whether hash already has a retained fix, and its
// synthesized skill name if so.
func (e *Engine) KnownFix(hash string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, ok := e.knownFixes[hash]
	return name, ok
}

func (e *Engine) onTaskFailed(p bus.Payload) {
	taskPayload, _ := p["task"].(map[string]any)
	name, _ := p["name"].(string)
	if name == "" {
		if taskPayload != nil {
			name, _ = taskPayload["name"].(string)
		}
	}
	errMsg, _ := p["error"].(string)
	if errMsg == "" {
		errMsg, _ = p["reason"].(string)
	}
	e.HandleFailure(context.Background(), name, errMsg)
}

func (e *Engine) onSkillFailed(p bus.Payload) {
	name, _ := p["name"].(string)
	errMsg, _ := p["error"].(string)
	e.HandleFailure(context.Background(), name, errMsg)
}

func (e *Engine) onDegraded(p bus.Payload) {
	e.log.Warn("system2 degraded signal received", logging.Component("evolution"))
}

// HandleFailure implements the capture → dedup → request-fix → validate →
// hot-swap pipeline. A hash already known or
// already pending short-circuits before any language-model call is made.
func (e *Engine) HandleFailure(ctx context.Context, taskName, errMsg string) {
	if taskName == "" {
		taskName = "unknown_task"
	}
	snap := e.CaptureSnapshot(ctx, taskName, errMsg)

	e.mu.Lock()
	if _, known := e.knownFixes[snap.ErrorHash]; known {
		e.mu.Unlock()
		e.log.Debug("failure fingerprint already has a retained fix",
			logging.Component("evolution"), logging.String("hash", snap.ErrorHash))
		return
	}
	if e.pending[snap.ErrorHash] {
		e.mu.Unlock()
		e.log.Debug("failure fingerprint fix already in flight",
			logging.Component("evolution"), logging.String("hash", snap.ErrorHash))
		return
	}
	e.pending[snap.ErrorHash] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, snap.ErrorHash)
		e.mu.Unlock()
	}()

	if e.llm == nil || e.sandbox == nil {
		e.log.Warn("evolution engine missing language-model or sandbox port; cannot synthesize fix",
			logging.Component("evolution"), logging.String("task", taskName))
		return
	}

	code, ok := e.requestFix(ctx, taskName, snap)
	if !ok {
		return
	}

	if valid, issues := e.sandbox.Validate(ctx, code); !valid {
		e.log.Warn("generated skill failed sandbox validation",
			logging.Component("evolution"), logging.String("task", taskName), logging.Int("issues", len(issues)))
		return
	}

	skillName := synthesizeSkillName(taskName)
	executor := e.wrapSandboxExecutor(code)
	if e.tools != nil {
		if err := e.tools.Register(skillName, ports.ToolSchema{
			Name:        skillName,
			Description: fmt.Sprintf("auto-generated reflex fix for %s", taskName),
		}, executor); err != nil {
			e.log.Error("failed to register hot-swapped skill",
				logging.Component("evolution"), logging.Error(err))
			return
		}
	}

	e.mu.Lock()
	e.knownFixes[snap.ErrorHash] = skillName
	e.lastSkillName = skillName
	e.mu.Unlock()

	if e.b != nil {
		e.b.Publish(bus.SignalSkillLearned, bus.Payload{"name": skillName, "task": taskName, "hash": snap.ErrorHash})
	}
}

func (e *Engine) requestFix(ctx context.Context, taskName string, snap Snapshot) (string, bool) {
	messages := []ports.ChatMessage{
		{Role: "system", Content: "You write small reflex fixes for a game agent. Reply with a fenced code block."},
		{Role: "user", Content: fmt.Sprintf("Task %q failed with error %q at health=%.1f food=%.1f. Write a fix.",
			taskName, snap.ErrorMessage, snap.Health, snap.Food)},
	}
	reply, err := e.llm.PromptCoding(ctx, messages)
	if err != nil {
		e.log.Error("language-model fix request failed",
			logging.Component("evolution"), logging.Error(err))
		return "", false
	}
	code := extractCode(reply)
	if code == "" {
		e.log.Warn("language-model reply carried no extractable code block",
			logging.Component("evolution"), logging.String("task", taskName))
		return "", false
	}
	return code, true
}

// extractCode pulls code from either a JSON-wrapped {thought,code} reply or
// a fenced ```...``` block, preferring the structured form.
func extractCode(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "{") {
		if code := extractJSONCode(trimmed); code != "" {
			return code
		}
	}
	return extractFencedCode(trimmed)
}

func extractJSONCode(raw string) string {
	// A small hand parser: look for a top-level "code" key's string value
	// without pulling in a full JSON schema for what is, structurally, a
	// two-field object.
	idx := strings.Index(raw, `"code"`)
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len(`"code"`):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}
	rest = strings.TrimSpace(rest[colon+1:])
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	rest = rest[1:]
	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '\\' && i+1 < len(rest) {
			switch rest[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte(rest[i+1])
			}
			i++
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

func extractFencedCode(raw string) string {
	const fence = "```"
	start := strings.Index(raw, fence)
	if start < 0 {
		return ""
	}
	rest := raw[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && nl < 20 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func synthesizeSkillName(taskName string) string {
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, taskName)
	return fmt.Sprintf("%s_%s", clean, uuid.NewString()[:8])
}

func (e *Engine) wrapSandboxExecutor(code string) ports.ToolExecutor {
	return func(ctx context.Context, params map[string]any) (any, error) {
		bindings := make(map[string]any, len(params)+1)
		for k, v := range params {
			bindings[k] = v
		}
		return e.sandbox.Execute(ctx, code, bindings, 5000)
	}
}

// onDeath runs the death retrospective: request a one-sentence
// lesson, store it via the memory port, and, if a skill has been learned
// since the engine started, request and hot-swap a refactored version of
// the most recently learned one. Which skill was running at the moment of
// death is not tracked.
func (e *Engine) onDeath(p bus.Payload) {
	ctx := context.Background()
	reason, _ := p["reason"].(string)

	if e.llm != nil && e.memory != nil {
		messages := []ports.ChatMessage{
			{Role: "system", Content: "Summarize the lesson from this death in one sentence."},
			{Role: "user", Content: fmt.Sprintf("Died: %s", reason)},
		}
		lesson, err := e.llm.Chat(ctx, messages)
		if err != nil {
			e.log.Error("death retrospective request failed", logging.Component("evolution"), logging.Error(err))
		} else if lesson != "" {
			if err := e.memory.Remember(ctx, "death_lesson", []string{lesson}, map[string]any{"reason": reason}); err != nil {
				e.log.Error("failed to store death retrospective", logging.Component("evolution"), logging.Error(err))
			}
		}
	}

	e.mu.Lock()
	lastSkill := e.lastSkillName
	e.mu.Unlock()
	if lastSkill == "" || e.llm == nil || e.sandbox == nil {
		return
	}
	e.requestRefactor(ctx, lastSkill)
}

func (e *Engine) requestRefactor(ctx context.Context, skillName string) {
	messages := []ports.ChatMessage{
		{Role: "system", Content: "Refactor this reflex skill to avoid the death that just occurred."},
		{Role: "user", Content: fmt.Sprintf("Skill %q was active at death. Produce a safer version.", skillName)},
	}
	reply, err := e.llm.PromptCoding(ctx, messages)
	if err != nil {
		e.log.Error("refactor request failed", logging.Component("evolution"), logging.Error(err))
		return
	}
	code := extractCode(reply)
	if code == "" {
		return
	}
	if valid, _ := e.sandbox.Validate(ctx, code); !valid {
		return
	}
	if e.tools != nil {
		_ = e.tools.Register(skillName, ports.ToolSchema{Name: skillName, Description: "death-refactored reflex"}, e.wrapSandboxExecutor(code))
	}
}

// AdaptCombatParams adapts the combat-parameter triple: on loss,
// perturb StrafeDistance with a larger-variance jitter and raise
// RetreatHealth by 0.5; on win, a small-variance jitter toward the current
// value. The clamped triple is pushed to the Combat FSM via
// UpdateGeneticParams.
func (e *Engine) AdaptCombatParams(outcome combatfsm.Outcome) {
	e.mu.Lock()
	p := e.params
	if outcome.Win {
		p.StrafeDistance += e.jitter(0.15)
	} else {
		p.StrafeDistance += e.jitter(0.6)
		p.RetreatHealth += 0.5
	}
	p = combatfsm.ClampGeneticParams(p)
	e.params = p
	e.mu.Unlock()

	if e.combat != nil {
		e.combat.UpdateGeneticParams(p)
	}
}

func (e *Engine) jitter(stddev float64) float64 {
	return e.rand.NormFloat64() * stddev
}

// SetCombatFSM binds the Combat FSM that AdaptCombatParams pushes adapted
// parameters to. Exposed as a setter (rather than requiring it at
// construction) because the Combat FSM's own OutcomeRecorder option must
// reference this Engine, creating a two-step wiring order.
func (e *Engine) SetCombatFSM(f *combatfsm.FSM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.combat = f
}

// GeneticParams reports the current adapted combat-parameter triple.
func (e *Engine) GeneticParams() genParamsTriple {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}
