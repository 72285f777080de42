// Package behavior implements the behavior rule engine: a
// priority-sorted, TTL-pruned store of policy patches that action dispatch consults
// before every dispatch and that the evolution engine writes to when it learns a reactive
// fix.
package behavior

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/logging"
)

// Trigger selects when a rule's condition is evaluated.
type Trigger string

const (
	TriggerAlways      Trigger = "always"
	TriggerHealthBelow Trigger = "health_below"
	TriggerAction      Trigger = "action"
)

// Condition gates whether a rule's patch applies for a given context.
type Condition struct {
	Domain  string
	Trigger Trigger
	Value   float64 // meaningful for health_below; ignored otherwise
}

// Rule is a stored behavior rule: a policy patch plus the condition,
// provenance, and lifetime that govern when it applies.
type Rule struct {
	ID           string
	Intent       string
	SourceText   string
	SourceActor  string
	Trust        int
	Scope        string
	Condition    Condition
	ActionPatch  map[string]any
	Priority     int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Version      int
	Active       bool

	consecutiveNegative int
}

// defaultTTL is 12h, extended to 7d for sources with trust >= 25.
func defaultTTL(trust int) time.Duration {
	if trust >= 25 {
		return 7 * 24 * time.Hour
	}
	return 12 * time.Hour
}

// denylist tokens that reject a rule's patch at insertion.
var denylist = []string{
	"rm -rf", "sudo rm", "mkfs", ":(){ :|:& };:",
	"disable_self_preservation", "disable_death_recovery",
	"disable_watchdog", "allow_destructive_commands",
}

// Context is the caller-supplied situation a policy request is evaluated against.
type Context struct {
	ActionName string
	Health     float64
}

// Engine owns the rule store. The zero value is not usable; call New.
type Engine struct {
	mu        sync.RWMutex
	rules     []*Rule
	createdAt map[string]time.Time // rule id -> creation time, for the 24h credit window

	b   *bus.Bus
	log *logging.Logger
	now func() time.Time

	pruneStop chan struct{}
	pruneDone chan struct{}

	sourceReliability map[string]int
	revertedRules     map[string]int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithBus(b *bus.Bus) Option       { return func(e *Engine) { e.b = b } }
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

// New constructs an empty rule engine and subscribes its outcome-accounting
// handlers to the bus if one is supplied.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:               logging.NewTestLogger(),
		now:               time.Now,
		sourceReliability: make(map[string]int),
		revertedRules:     make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.b != nil {
		e.b.Subscribe(bus.SignalTaskCompleted, e.onPositive, 0)
		e.b.Subscribe(bus.SignalTaskFailed, e.onNegative, 0)
		e.b.Subscribe(bus.SignalActionFailed, e.onNegative, 0)
		e.b.Subscribe(bus.SignalDeath, e.onNegative, 0)
	}
	return e
}

// RuleSpec is the compileRule input.
type RuleSpec struct {
	Intent      string
	Scope       string
	Condition   Condition
	ActionPatch map[string]any
	Priority    int
}

// CompileRule produces a Rule from a RuleSpec, tagging it with source and trust,
// and computing its TTL from the trust threshold.
func (e *Engine) CompileRule(spec RuleSpec, source string, trust int) *Rule {
	now := e.now()
	return &Rule{
		ID:          uuid.NewString(),
		Intent:      spec.Intent,
		SourceText:  patchToText(spec.ActionPatch),
		SourceActor: source,
		Trust:       trust,
		Scope:       spec.Scope,
		Condition:   spec.Condition,
		ActionPatch: spec.ActionPatch,
		Priority:    spec.Priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(defaultTTL(trust)),
		Version:     1,
		Active:      true,
	}
}

// IsSafe reports whether a rule's patch text clears the safety denylist.
func IsSafe(sourceText string) bool {
	text := strings.ToLower(sourceText)
	for _, token := range denylist {
		if strings.Contains(text, token) {
			return false
		}
	}
	return true
}

// AddRule inserts a rule, rejecting it if its serialized patch matches the
// safety denylist. Returns nil if rejected; the rule list is unchanged.
func (e *Engine) AddRule(rule *Rule) *Rule {
	if rule == nil {
		return nil
	}
	if !IsSafe(rule.SourceText) {
		e.log.Warn("rule rejected by safety denylist",
			logging.Component("behavior"),
			logging.String("rule_id", rule.ID))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	if e.createdAt == nil {
		e.createdAt = make(map[string]time.Time)
	}
	e.createdAt[rule.ID] = rule.CreatedAt

	e.publish(bus.SignalRuleLearned, bus.Payload{"rule_id": rule.ID, "intent": rule.Intent})
	return rule
}

// ActiveRules returns the currently active, unexpired rules in priority order.
func (e *Engine) ActiveRules() []*Rule {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Active && r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	return out
}

// Prune deactivates rules whose TTL has elapsed.
func (e *Engine) Prune() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.Active && !r.ExpiresAt.After(now) {
			r.Active = false
		}
	}
}

// StartPruning runs Prune every interval (60 seconds when interval is not
// positive) until StopPruning is called.
func (e *Engine) StartPruning(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	e.mu.Lock()
	if e.pruneStop != nil {
		e.mu.Unlock()
		return
	}
	e.pruneStop = make(chan struct{})
	e.pruneDone = make(chan struct{})
	stop := e.pruneStop
	done := e.pruneDone
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.Prune()
			}
		}
	}()
}

// StopPruning halts the background pruning goroutine.
func (e *Engine) StopPruning() {
	e.mu.Lock()
	stop := e.pruneStop
	done := e.pruneDone
	e.pruneStop = nil
	e.pruneDone = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

func (e *Engine) matches(r *Rule, ctx Context) bool {
	switch r.Condition.Trigger {
	case TriggerAlways, "":
		return true
	case TriggerHealthBelow:
		return ctx.Health < r.Condition.Value
	case TriggerAction:
		return r.Condition.Domain == ctx.ActionName
	default:
		return false
	}
}

// GetActionPolicy deep-merges the defaults with every active, matching
// rule's patch in priority order. Patches may address the action
// either at the top level or under an actions.<name> sub-record; the
// sub-record form is lifted onto the result so callers see one flat policy.
func (e *Engine) GetActionPolicy(name string, defaults map[string]any) map[string]any {
	ctx := Context{ActionName: name}
	merged := e.mergedPolicy(ctx, defaults)
	if actionsMap, ok := merged["actions"].(map[string]any); ok {
		if sub, ok := actionsMap[name].(map[string]any); ok {
			merged = deepMerge(merged, sub)
		}
	}
	return merged
}

// GetCombatPolicy deep-merges the defaults with every active, matching
// "always"/"health_below" rule's patch for combat scope.
func (e *Engine) GetCombatPolicy(ctx Context, defaults map[string]any) map[string]any {
	return e.mergedPolicy(ctx, defaults)
}

// GetSelfPreservationPolicy is an alias entry point over the same merge
// machinery, scoped by caller-supplied context.
func (e *Engine) GetSelfPreservationPolicy(ctx Context, defaults map[string]any) map[string]any {
	return e.mergedPolicy(ctx, defaults)
}

func (e *Engine) mergedPolicy(ctx Context, defaults map[string]any) map[string]any {
	result := deepClone(defaults)
	for _, r := range e.ActiveRules() {
		if !e.matches(r, ctx) {
			continue
		}
		result = deepMerge(result, r.ActionPatch)
	}
	return result
}

// RecordOutcome drives outcome accounting directly (used by tests and
// by the bus-subscribed handlers below).
func (e *Engine) RecordOutcome(ruleID string, positive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rule *Rule
	for _, r := range e.rules {
		if r.ID == ruleID {
			rule = r
			break
		}
	}
	if rule == nil {
		return
	}

	if positive {
		created, ok := e.createdAt[ruleID]
		if ok && e.now().Sub(created) <= 24*time.Hour {
			rule.consecutiveNegative = 0
		}
		return
	}

	rule.consecutiveNegative++
	if rule.consecutiveNegative >= 3 {
		rule.Active = false
		e.sourceReliability[rule.SourceActor] -= 2
		e.revertedRules[rule.SourceActor]++
		e.publish(bus.SignalRuleReverted, bus.Payload{"rule_id": rule.ID, "source": rule.SourceActor})
	}
}

// onPositive credits the most recently created active rule matching the
// completed task's name within 24h of its creation.
func (e *Engine) onPositive(p bus.Payload) {
	name, _ := p["name"].(string)
	rule := e.mostRecentMatchingRule(name)
	if rule == nil {
		return
	}
	e.RecordOutcome(rule.ID, true)
}

func (e *Engine) onNegative(p bus.Payload) {
	name, _ := p["name"].(string)
	rule := e.mostRecentMatchingRule(name)
	if rule == nil {
		return
	}
	e.RecordOutcome(rule.ID, false)
}

func (e *Engine) mostRecentMatchingRule(actionName string) *Rule {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *Rule
	for _, r := range e.rules {
		if !r.Active || !r.ExpiresAt.After(now) {
			continue
		}
		if r.Condition.Trigger == TriggerAction && r.Condition.Domain != actionName {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func (e *Engine) publish(signal bus.Signal, payload bus.Payload) {
	if e.b != nil {
		e.b.Publish(signal, payload)
	}
}

// SourceReliability reports a source actor's accumulated reliability
// adjustment, for tests and diagnostics.
func (e *Engine) SourceReliability(source string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sourceReliability[source]
}

// deepMerge overlays patch onto base, recursing into nested maps and
// otherwise letting patch values win.
func deepMerge(base, patch map[string]any) map[string]any {
	out := deepClone(base)
	for k, v := range patch {
		if patchMap, ok := v.(map[string]any); ok {
			if baseMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(baseMap, patchMap)
				continue
			}
			out[k] = deepClone(patchMap)
			continue
		}
		out[k] = v
	}
	return out
}

func deepClone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepClone(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// patchToText serializes a patch into a flat string for denylist scanning
// and as the rule's SourceText.
func patchToText(patch map[string]any) string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fmt.Sprint(patch[k]))
		b.WriteByte(';')
	}
	return b.String()
}
