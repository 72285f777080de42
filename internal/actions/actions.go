// Package actions implements the action layer: the primitive action
// registry, parameter normalization, policy-gated dispatch with
// per-primitive retry defaults, outcome telemetry, and the chain executor
// that deliberative callers use to sequence several primitives together.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maitrongthinh/agentrt/internal/behavior"
	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/ports"
	"github.com/maitrongthinh/agentrt/internal/retry"
)

// Params is a record of named primitive arguments, kept as a map since
// primitives are registered dynamically.
type Params map[string]any

// Outcome is returned by every primitive dispatch. It is always
// produced; errors never propagate out of Dispatch as Go errors.
type Outcome struct {
	Success    bool
	Action     string
	Attempts   int
	RetriesUsed int
	DurationMS int64
	Error      string
	Data       map[string]any
}

// Primitive is a registered executor. It returns an Outcome directly so a
// failing primitive never needs to panic or return a Go error to signal
// failure — only unexpected programming errors should ever reach recover().
type Primitive func(ctx context.Context, params Params) Outcome

// RetryDefaults is the per-action default retry policy.
type RetryDefaults struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var defaultRetryDefaults = RetryDefaults{Retries: 1, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// builtinRetryDefaults carry the per-primitive retry budgets; primitives
// without an entry fall back to defaultRetryDefaults.
var builtinRetryDefaults = map[string]RetryDefaults{
	"mine":    {Retries: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second},
	"craft":   {Retries: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second},
	"move-to": {Retries: 1, BaseDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second},
	"smelt":   {Retries: 2, BaseDelay: 400 * time.Millisecond, MaxDelay: 5 * time.Second},
}

// keepTopLevel lists, per primitive, the semantic arguments that stay at
// the top level of Params during normalization; everything else from the
// well-known folded-key set moves into "options".
var keepTopLevel = map[string][]string{
	"mine":                     {"targetBlock"},
	"craft":                    {"recipe", "count", "table"},
	"place":                    {"ref", "faceVec"},
	"smelt":                    {"item", "count"},
	"move-to":                  {"position"},
	"gather-nearby":            {"itemName", "radius"},
	"ensure-item":              {"itemName", "targetCount"},
	"collect-drops":            {"radius"},
	"eat":                      {"item"},
	"equip":                    {"item", "slot"},
	"attack":                   {"entityID"},
	"craft-first-available":    {"candidates", "count"},
	"ensure-offhand":           {"item"},
	"enforce-combat-posture":   {"shield", "totemThreshold"},
	"hold-position":            {"position"},
	"safe-wander":              {"radius"},
	"human-look":               {"target"},
	"advance-strategy":         {"name"},
	"request-new-tool":         {"toolName"},
}

// foldedKeys is the well-known set of options folded off the top level when
// not already present.
var foldedKeys = []string{
	"retries", "baseDelay", "timeoutMs", "maxDistance", "moveTimeoutMs",
	"moveRetries", "minDistance", "maxSearchAttempts", "reachDistance",
	"continueOnError", "collectDrops", "executor", "placeOn", "dontCheat",
}

// Normalize folds every well-known key not already under "options" into an
// "options" sub-record, leaving the primitive's keep-top-level arguments
// alone.
func Normalize(primitiveName string, params Params) Params {
	keep := make(map[string]bool)
	for _, k := range keepTopLevel[primitiveName] {
		keep[k] = true
	}

	out := make(Params, len(params))
	options, _ := params["options"].(map[string]any)
	if options == nil {
		options = make(map[string]any)
	} else {
		cloned := make(map[string]any, len(options))
		for k, v := range options {
			cloned[k] = v
		}
		options = cloned
	}

	foldable := make(map[string]bool, len(foldedKeys))
	for _, k := range foldedKeys {
		foldable[k] = true
	}

	for k, v := range params {
		if k == "options" {
			continue
		}
		if foldable[k] && !keep[k] {
			if _, exists := options[k]; !exists {
				options[k] = v
			}
			continue
		}
		out[k] = v
	}
	if len(options) > 0 {
		out["options"] = options
	}
	return out
}

// ActionStatRecorder receives per-dispatch telemetry: on success or
// failure alike, the layer reports {success, duration} for the action.
type ActionStatRecorder func(action string, success bool, durationMS int64)

// Layer owns the primitive registry, policy engine, and override table.
// The zero value is not usable; call New.
type Layer struct {
	primitives map[string]Primitive
	overrides  map[string]map[string]any

	policy   *behavior.Engine
	b        *bus.Bus
	log      *logging.Logger
	tools    ports.ToolRegistry
	recorder ActionStatRecorder
	now      func() time.Time
}

// Option configures a Layer at construction time.
type Option func(*Layer)

func WithPolicy(p *behavior.Engine) Option { return func(l *Layer) { l.policy = p } }
func WithBus(b *bus.Bus) Option            { return func(l *Layer) { l.b = b } }
func WithLogger(log *logging.Logger) Option {
	return func(l *Layer) {
		if log != nil {
			l.log = log
		}
	}
}
func WithToolRegistry(t ports.ToolRegistry) Option { return func(l *Layer) { l.tools = t } }
func WithStatRecorder(r ActionStatRecorder) Option { return func(l *Layer) { l.recorder = r } }
func WithClock(clock func() time.Time) Option {
	return func(l *Layer) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New constructs an empty Action Layer.
func New(opts ...Option) *Layer {
	l := &Layer{
		primitives: make(map[string]Primitive),
		overrides:  make(map[string]map[string]any),
		log:        logging.NewTestLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Register adds or replaces a primitive executor.
func (l *Layer) Register(name string, fn Primitive) {
	l.primitives[name] = fn
}

// SetOverride installs a per-action parameter override patch, consulted
// before the built-in retry defaults are read. Overrides live in a table
// rather than mutating the registered primitive.
func (l *Layer) SetOverride(name string, patch map[string]any) {
	l.overrides[name] = patch
}

func (l *Layer) retryDefaultsFor(name string) RetryDefaults {
	defaults := builtinRetryDefaults[name]
	if defaults == (RetryDefaults{}) {
		defaults = defaultRetryDefaults
	}
	if override, ok := l.overrides[name]; ok {
		if v, ok := override["retries"].(int); ok {
			defaults.Retries = v
		}
		if v, ok := override["baseDelay"].(time.Duration); ok {
			defaults.BaseDelay = v
		}
		if v, ok := override["maxDelay"].(time.Duration); ok {
			defaults.MaxDelay = v
		}
	}
	return defaults
}

// Directive is a dispatch request. Callers supply either the
// named Params record or a Positional argument list; positional arguments
// are mapped to the named record through the per-action adapter table.
type Directive struct {
	Type       string
	Params     Params
	Positional []any
	ActionID   string
}

// positionalParams maps an array-based caller's arguments onto the named
// record using the primitive's keep-top-level order. Extra arguments
// beyond the known names are dropped.
func positionalParams(primitiveName string, args []any) Params {
	names := keepTopLevel[primitiveName]
	out := make(Params, len(args))
	for i, arg := range args {
		if i >= len(names) {
			break
		}
		out[names[i]] = arg
	}
	return out
}

// Dispatch resolves type to a primitive (falling back to the tool
// registry), applies the behavior engine's action policy, normalizes parameters, and
// executes with per-action retry.
func (l *Layer) Dispatch(ctx context.Context, d Directive) Outcome {
	if d.ActionID == "" {
		d.ActionID = uuid.NewString()
	}
	start := l.now()

	prim, ok := l.primitives[d.Type]
	if !ok {
		if l.tools != nil {
			if exec, ok := l.tools.FindSkill(d.Type); ok {
				return l.dispatchTool(ctx, d, exec, start)
			}
		}
		return Outcome{Success: false, Action: d.Type, Error: fmt.Sprintf("Unknown action type: %s", d.Type)}
	}

	raw := d.Params
	if raw == nil && len(d.Positional) > 0 {
		raw = positionalParams(d.Type, d.Positional)
	}
	params := Normalize(d.Type, raw)

	if l.policy != nil {
		defaults := map[string]any{}
		policy := l.policy.GetActionPolicy(d.Type, defaults)
		if blocked, _ := policy["blocked"].(bool); blocked {
			l.publishActionFailed(d.Type, "Action blocked by policy")
			return Outcome{Success: false, Action: d.Type, Error: "Action blocked by policy"}
		}
		params = applyPolicyOverrides(params, policy)
	}

	defaults := l.retryDefaultsFor(d.Type)
	var last Outcome
	result := retry.Do(ctx, func(ctx context.Context) error {
		last = prim(ctx, params)
		if !last.Success {
			return fmt.Errorf("%s", last.Error)
		}
		return nil
	}, retry.Options{
		MaxRetries: defaults.Retries,
		BaseDelay:  defaults.BaseDelay,
		MaxDelay:   defaults.MaxDelay,
		Context:    d.Type,
		Logger:     l.log,
	})

	duration := l.now().Sub(start).Milliseconds()
	last.Action = d.Type
	last.Attempts = result.Attempts
	last.RetriesUsed = result.Attempts - 1
	last.DurationMS = duration

	if result.Err != nil {
		if last.Error == "" {
			last.Error = result.Err.Error()
		}
		l.publishActionFailed(d.Type, last.Error)
	}
	l.recordStat(d.Type, last.Success, duration)
	return last
}

func (l *Layer) dispatchTool(ctx context.Context, d Directive, exec ports.ToolExecutor, start time.Time) Outcome {
	data, err := exec(ctx, d.Params)
	duration := l.now().Sub(start).Milliseconds()
	if err != nil {
		l.publishActionFailed(d.Type, err.Error())
		l.recordStat(d.Type, false, duration)
		return Outcome{Success: false, Action: d.Type, Error: err.Error(), DurationMS: duration, Attempts: 1}
	}
	l.recordStat(d.Type, true, duration)
	out := Outcome{Success: true, Action: d.Type, DurationMS: duration, Attempts: 1}
	if m, ok := data.(map[string]any); ok {
		out.Data = m
	}
	return out
}

func (l *Layer) recordStat(action string, success bool, durationMS int64) {
	if l.recorder != nil {
		l.recorder(action, success, durationMS)
	}
}

func (l *Layer) publishActionFailed(action, reason string) {
	if l.b != nil {
		l.b.Publish(bus.SignalActionFailed, bus.Payload{"action": action, "error": reason})
	}
}

// applyPolicyOverrides deep-merges a matched policy's "params" sub-record
// over the dispatch params, letting the behavior engine adjust arguments without the caller
// knowing.
func applyPolicyOverrides(params Params, policy map[string]any) Params {
	patch, ok := policy["params"].(map[string]any)
	if !ok {
		return params
	}
	out := make(Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
