// Package agent wires the core subsystems and the collaborator ports into
// a single runnable process. Construction order follows data dependency
// (bus and blackboard first, then the layers that read them), and
// Run/Shutdown own the process lifecycle.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/maitrongthinh/agentrt/internal/actions"
	"github.com/maitrongthinh/agentrt/internal/behavior"
	"github.com/maitrongthinh/agentrt/internal/blackboard"
	"github.com/maitrongthinh/agentrt/internal/bus"
	"github.com/maitrongthinh/agentrt/internal/combatfsm"
	"github.com/maitrongthinh/agentrt/internal/config"
	"github.com/maitrongthinh/agentrt/internal/evolution"
	"github.com/maitrongthinh/agentrt/internal/llmqueue"
	"github.com/maitrongthinh/agentrt/internal/locks"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/persist"
	"github.com/maitrongthinh/agentrt/internal/ports"
	"github.com/maitrongthinh/agentrt/internal/scheduler"
)

// Ports bundles the collaborator interfaces the runtime consumes. Any
// field left nil disables the corresponding Evolution Engine capability
// (e.g. without a LanguageModel, failures are captured and deduped but no
// fix is ever requested).
type Ports struct {
	GameAdapter  ports.GameAdapter
	LanguageModel ports.LanguageModel
	Sandbox      ports.Sandbox
	Memory       ports.Memory
	ToolRegistry ports.ToolRegistry
}

// Agent exclusively owns one instance of each core subsystem plus the
// persisted-state store.
type Agent struct {
	cfg *config.Config
	log *logging.Logger

	Bus        *bus.Bus
	Blackboard *blackboard.Blackboard
	Locks      *locks.Manager
	Scheduler  *scheduler.Scheduler
	Actions    *actions.Layer
	Behavior   *behavior.Engine
	Combat     *combatfsm.FSM
	Evolution  *evolution.Engine
	Store      *persist.Store

	adapter ports.GameAdapter
}

// New constructs a fully wired Agent. Construction never fails on missing
// optional ports; it fails only if cfg is nil or the persisted-state
// directory cannot be created.
func New(cfg *config.Config, log *logging.Logger, p Ports) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent: config must be provided")
	}
	if log == nil {
		log = logging.NewTestLogger()
	}

	store, err := persist.New(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	b := bus.New(bus.WithLogger(log))
	bb := blackboard.New()
	lockMgr := locks.New()

	policy := behavior.New(behavior.WithBus(b), behavior.WithLogger(log))
	if rules, err := store.LoadRules(); err != nil {
		log.Warn("failed to load persisted rules", logging.Component("agent"), logging.Error(err))
	} else {
		for _, r := range rules {
			policy.AddRule(r)
		}
	}
	policy.StartPruning(60 * time.Second)

	sched := scheduler.New(
		scheduler.WithTick(cfg.SchedulerTick),
		scheduler.WithMaxAge(cfg.TaskMaxAge),
		scheduler.WithCancelGrace(cfg.TaskCancelGrace),
		scheduler.WithBlackboard(bb),
		scheduler.WithBus(b),
		scheduler.WithLogger(log),
	)

	// Every language-model call passes through the global request queue
	// (per-minute rate limit, priority ordering, backoff, breaker).
	var llm ports.LanguageModel
	if p.LanguageModel != nil {
		llm = llmqueue.New(p.LanguageModel, llmqueue.WithBus(b), llmqueue.WithLogger(log))
	}

	evo := evolution.New(
		evolution.WithBus(b),
		evolution.WithLanguageModel(llm),
		evolution.WithSandbox(p.Sandbox),
		evolution.WithMemory(p.Memory),
		evolution.WithToolRegistry(p.ToolRegistry),
		evolution.WithGameAdapter(p.GameAdapter),
		evolution.WithLogger(log),
	)

	actionLayer := actions.New(
		actions.WithPolicy(policy),
		actions.WithBus(b),
		actions.WithLogger(log),
		actions.WithToolRegistry(p.ToolRegistry),
		actions.WithStatRecorder(evo.RecordActionStat),
	)
	if p.GameAdapter != nil {
		actions.RegisterDefaults(actionLayer, p.GameAdapter)
	}

	combat := combatfsm.New(
		p.GameAdapter,
		combatfsm.WithBus(b),
		combatfsm.WithPolicy(policy),
		combatfsm.WithLocks(lockMgr),
		combatfsm.WithLogger(log),
		combatfsm.WithTick(cfg.CombatTick),
		combatfsm.WithOutcomeRecorder(evo.AdaptCombatParams),
	)
	evo.SetCombatFSM(combat)

	// Emergency-recall cancels the current exclusive task and pulls the
	// Combat FSM back to IDLE.
	b.Subscribe(bus.SignalEmergencyRecall, func(bus.Payload) {
		sched.CancelExclusive()
		combat.Recall()
	}, 0)

	// Short in-world explanations for blocked/failed commands and deaths.
	// Failure chatter is throttled so a
	// retry storm does not flood the chat.
	if p.GameAdapter != nil {
		adapter := p.GameAdapter
		b.Subscribe(bus.SignalActionFailed, func(pl bus.Payload) {
			action, _ := pl["action"].(string)
			reason, _ := pl["error"].(string)
			if err := adapter.Chat(context.Background(), fmt.Sprintf("can't %s: %s", action, reason)); err != nil {
				log.Debug("failed to send failure chat", logging.Component("agent"), logging.Error(err))
			}
		}, 2*time.Second)
		b.Subscribe(bus.SignalDeath, func(pl bus.Payload) {
			dim, _ := pl["dimension"].(string)
			if dim == "" {
				dim = "overworld"
			}
			pos, err := adapter.Position(context.Background())
			if err != nil {
				return
			}
			msg := fmt.Sprintf("died at (%.0f,%.0f,%.0f) in %s", pos.X, pos.Y, pos.Z, dim)
			if err := adapter.Chat(context.Background(), msg); err != nil {
				log.Debug("failed to send death chat", logging.Component("agent"), logging.Error(err))
			}
		}, 0)
	}

	return &Agent{
		cfg:        cfg,
		log:        log,
		Bus:        b,
		Blackboard: bb,
		Locks:      lockMgr,
		Scheduler:  sched,
		Actions:    actionLayer,
		Behavior:   policy,
		Combat:     combat,
		Evolution:  evo,
		Store:      store,
		adapter:    p.GameAdapter,
	}, nil
}

// Run starts the scheduler's admission tick loop. It blocks until ctx is
// cancelled, then performs an orderly shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.Scheduler.Start(ctx)
	a.Combat.Start(ctx)
	a.log.Info("agent runtime started", logging.Component("agent"))
	<-ctx.Done()
	return a.Shutdown()
}

// Shutdown tears down background goroutines and persists rule/metric state.
func (a *Agent) Shutdown() error {
	a.Scheduler.Stop()
	a.Combat.Stop()
	a.Behavior.StopPruning()

	if err := a.Store.SaveRules(a.Behavior.ActiveRules()); err != nil {
		a.log.Error("failed to persist rules on shutdown", logging.Component("agent"), logging.Error(err))
	}
	if err := a.Store.WriteCoreExtraction(); err != nil {
		a.log.Error("failed to write core-extraction archive", logging.Component("agent"), logging.Error(err))
	}
	a.log.Info("agent runtime stopped", logging.Component("agent"))
	return nil
}

// HandleSignal is a convenience hook for the cmd entrypoint's inbound-event
// translation layer: it publishes a signal and, for high-damage and death
// events, drives the combat FSM and scheduler directly rather than waiting
// a full bus round-trip.
func (a *Agent) HandleSignal(ctx context.Context, signal bus.Signal, payload bus.Payload) {
	a.Bus.Publish(signal, payload)

	switch signal {
	case bus.SignalDamageTaken:
		amount, _ := payload["amount"].(float64)
		target, _ := payload["target"].(string)
		if amount > 4 && target != "" && a.Combat.State() == combatfsm.StateIdle {
			a.Combat.EnterCombat(ctx, target)
		}
	case bus.SignalDeath:
		a.Combat.Recall()
		a.Scheduler.CancelExclusive()
	}
}
