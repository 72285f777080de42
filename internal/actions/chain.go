package actions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maitrongthinh/agentrt/internal/blackboard"
)

// StepKind is the closed set of chain step kinds.
type StepKind string

const (
	StepPrimitive    StepKind = "primitive"
	StepTool         StepKind = "tool"
	StepBlackboardOp StepKind = "blackboard-op"
	StepWait         StepKind = "wait"
)

// BlackboardOp selects read or write for a blackboard-op step.
type BlackboardOp string

const (
	BBRead  BlackboardOp = "read"
	BBWrite BlackboardOp = "write"
)

// Condition gates whether a step runs, using one of the comparison
// operators ==, !=, <, <=, >, >= or contains.
type Condition struct {
	Left     string // template-resolved before comparison
	Operator string
	Right    string
}

// Step is one element of a chain.
type Step struct {
	ID            string
	Kind          StepKind
	Name          string // primitive/tool name, or blackboard path for blackboard-op
	Op            BlackboardOp
	Params        Params
	Condition     *Condition
	StoreAs       string
	IgnoreFailure bool
}

// StepResult records one step's outcome in chain history.
type StepResult struct {
	StepID  string
	Success bool
	Data    any
	Error   string
}

// ChainResult is executeChain's return value.
type ChainResult struct {
	Success bool
	Stage   string
	Error   string
	History []StepResult
}

var templateRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExecuteChain runs chain in order against context, cloning context into a
// fresh local-memory map so nothing leaks into sibling chain runs.
func (l *Layer) ExecuteChain(ctx context.Context, chain []Step, initial map[string]any, bb *blackboard.Blackboard) ChainResult {
	localMemory := make(map[string]any, len(initial))
	for k, v := range initial {
		localMemory[k] = v
	}

	history := make([]StepResult, 0, len(chain))

	for _, step := range chain {
		resolvedParams := resolveParams(step.Params, localMemory, bb)

		if step.Condition != nil {
			resolved := Condition{
				Left:     resolveTemplate(step.Condition.Left, localMemory, bb),
				Operator: step.Condition.Operator,
				Right:    resolveTemplate(step.Condition.Right, localMemory, bb),
			}
			if !evaluateCondition(resolved) {
				continue
			}
		}

		result := l.runStep(ctx, step, resolvedParams, localMemory, bb)
		if step.StoreAs != "" {
			localMemory[step.StoreAs] = result.Data
		}

		if !result.Success && !step.IgnoreFailure {
			history = append(history, result)
			return ChainResult{Success: false, Stage: step.ID, Error: result.Error, History: history}
		}
		history = append(history, result)
	}

	return ChainResult{Success: true, History: history}
}

func (l *Layer) runStep(ctx context.Context, step Step, params Params, localMemory map[string]any, bb *blackboard.Blackboard) StepResult {
	switch step.Kind {
	case StepPrimitive:
		outcome := l.Dispatch(ctx, Directive{Type: step.Name, Params: params})
		return StepResult{StepID: step.ID, Success: outcome.Success, Data: outcomeData(outcome), Error: outcome.Error}
	case StepTool:
		if l.tools == nil {
			return StepResult{StepID: step.ID, Success: false, Error: "no tool registry configured"}
		}
		exec, ok := l.tools.FindSkill(step.Name)
		if !ok {
			return StepResult{StepID: step.ID, Success: false, Error: "tool not found: " + step.Name}
		}
		data, err := exec(ctx, params)
		if err != nil {
			return StepResult{StepID: step.ID, Success: false, Error: err.Error()}
		}
		return StepResult{StepID: step.ID, Success: true, Data: data}
	case StepBlackboardOp:
		return l.runBlackboardStep(step, bb)
	case StepWait:
		ms := 1000.0
		if raw, ok := params["ms"]; ok {
			if f, ok := toFloat(raw); ok {
				ms = f
			}
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return StepResult{StepID: step.ID, Success: true}
	default:
		return StepResult{StepID: step.ID, Success: false, Error: "unknown step kind: " + string(step.Kind)}
	}
}

func (l *Layer) runBlackboardStep(step Step, bb *blackboard.Blackboard) StepResult {
	if bb == nil {
		return StepResult{StepID: step.ID, Success: false, Error: "no blackboard configured"}
	}
	switch step.Op {
	case BBRead:
		v, ok := bb.Get(step.Name)
		if !ok {
			return StepResult{StepID: step.ID, Success: true, Data: nil}
		}
		return StepResult{StepID: step.ID, Success: true, Data: v}
	case BBWrite:
		bb.Set(step.Name, step.Params["value"], "chain")
		return StepResult{StepID: step.ID, Success: true}
	default:
		return StepResult{StepID: step.ID, Success: false, Error: "unknown blackboard op: " + string(step.Op)}
	}
}

func outcomeData(o Outcome) any {
	if o.Data != nil {
		return o.Data
	}
	return o
}

// resolveParams recursively expands ${key} templates across a param record:
// local-memory first, then BB.<path> from the Blackboard; unresolved
// templates are left literal.
func resolveParams(params Params, localMemory map[string]any, bb *blackboard.Blackboard) Params {
	out := make(Params, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, localMemory, bb)
	}
	return out
}

func resolveValue(v any, localMemory map[string]any, bb *blackboard.Blackboard) any {
	switch val := v.(type) {
	case string:
		return resolveTemplateValue(val, localMemory, bb)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = resolveValue(nested, localMemory, bb)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = resolveValue(nested, localMemory, bb)
		}
		return out
	default:
		return v
	}
}

// resolveTemplateValue handles the common case of a string that is
// *entirely* one template placeholder (e.g. "${h}") by substituting the raw
// resolved value (which may be non-string, such as a position record)
// rather than stringifying it. Partial-template strings fall back to
// textual substitution.
func resolveTemplateValue(s string, localMemory map[string]any, bb *blackboard.Blackboard) any {
	matches := templateRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		key := s[matches[0][2]:matches[0][3]]
		if resolved, ok := lookupTemplate(key, localMemory, bb); ok {
			return resolved
		}
		return s
	}
	return resolveTemplate(s, localMemory, bb)
}

func resolveTemplate(s string, localMemory map[string]any, bb *blackboard.Blackboard) string {
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		resolved, ok := lookupTemplate(key, localMemory, bb)
		if !ok {
			return match
		}
		return stringify(resolved)
	})
}

func lookupTemplate(key string, localMemory map[string]any, bb *blackboard.Blackboard) (any, bool) {
	if strings.HasPrefix(key, "BB.") {
		if bb == nil {
			return nil, false
		}
		return bb.Get(strings.TrimPrefix(key, "BB."))
	}
	v, ok := localMemory[key]
	return v, ok
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func evaluateCondition(c Condition) bool {
	switch c.Operator {
	case "==", "!=":
		// Numeric operands compare as numbers so equality agrees with the
		// ordering operators ("6.0" == "6"); anything else falls back to a
		// string compare.
		equal := c.Left == c.Right
		lf, lErr := strconv.ParseFloat(c.Left, 64)
		rf, rErr := strconv.ParseFloat(c.Right, 64)
		if lErr == nil && rErr == nil {
			equal = lf == rf
		}
		if c.Operator == "!=" {
			return !equal
		}
		return equal
	case "contains":
		return strings.Contains(c.Left, c.Right)
	case "<", "<=", ">", ">=":
		lf, lErr := strconv.ParseFloat(c.Left, 64)
		rf, rErr := strconv.ParseFloat(c.Right, 64)
		if lErr != nil || rErr != nil {
			return false
		}
		switch c.Operator {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
