package ports

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryGameAdapter is an interface-level test double for GameAdapter.
// It keeps enough world state to drive deterministic unit tests across the
// action layer and combat FSM.
type InMemoryGameAdapter struct {
	mu sync.Mutex

	Pos             Position
	HealthValue     float64
	FoodValue       float64
	Inventory       map[string]int
	LatencyMs       float64
	LowestArmor     float64
	HasMelee        bool
	HasRanged       bool
	CrystalAuraCap  bool
	Blocks          map[string]string // position key -> block name
	Entities        []Entity
	RaycastBlocked  bool

	DigCalls   []string
	ChatLog    []string
	EquipCalls []string
	AttackLog  []string
}

// NewInMemoryGameAdapter constructs a ready-to-use fake with sane defaults.
func NewInMemoryGameAdapter() *InMemoryGameAdapter {
	return &InMemoryGameAdapter{
		Inventory:   make(map[string]int),
		HealthValue: 20,
		FoodValue:   20,
		LowestArmor: 100,
		Blocks:      make(map[string]string),
	}
}

func (a *InMemoryGameAdapter) Dig(ctx context.Context, block string, forceLook bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.DigCalls = append(a.DigCalls, block)
	return nil
}

func (a *InMemoryGameAdapter) PlaceBlock(ctx context.Context, ref string, faceVec Position) error {
	return nil
}

func (a *InMemoryGameAdapter) Craft(ctx context.Context, recipe string, count int, table bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Inventory[recipe] += count
	return nil
}

func (a *InMemoryGameAdapter) Equip(ctx context.Context, item string, slot Slot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.EquipCalls = append(a.EquipCalls, fmt.Sprintf("%s:%s", slot, item))
	return nil
}

func (a *InMemoryGameAdapter) LookAt(ctx context.Context, pos Position) error { return nil }

func (a *InMemoryGameAdapter) SetControlState(ctx context.Context, name ControlName, active bool) error {
	return nil
}

func (a *InMemoryGameAdapter) Attack(ctx context.Context, entityID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.AttackLog = append(a.AttackLog, entityID)
	return nil
}

func (a *InMemoryGameAdapter) ActivateItem(ctx context.Context) error   { return nil }
func (a *InMemoryGameAdapter) DeactivateItem(ctx context.Context) error { return nil }
func (a *InMemoryGameAdapter) Consume(ctx context.Context) error        { return nil }

func (a *InMemoryGameAdapter) Chat(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ChatLog = append(a.ChatLog, text)
	return nil
}

func (a *InMemoryGameAdapter) Whisper(ctx context.Context, user, text string) error {
	return a.Chat(ctx, fmt.Sprintf("(whisper to %s) %s", user, text))
}

// ChatMessages returns a copy of the chat log, safe to read while bus
// handlers are still appending to it.
func (a *InMemoryGameAdapter) ChatMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.ChatLog))
	copy(out, a.ChatLog)
	return out
}

func (a *InMemoryGameAdapter) FindBlock(ctx context.Context, q BlockQuery) (string, Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range a.Blocks {
		if q.Matching == nil || q.Matching(name) {
			return name, a.Pos, true
		}
	}
	return "", Position{}, false
}

func (a *InMemoryGameAdapter) BlockAt(ctx context.Context, pos Position) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Blocks[blockKey(pos)], nil
}

func (a *InMemoryGameAdapter) NearestEntity(ctx context.Context, pred EntityPredicate) (Entity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.Entities {
		if pred == nil || pred(e) {
			return e, true
		}
	}
	return Entity{}, false
}

func (a *InMemoryGameAdapter) Raycast(ctx context.Context, from, to Position) RaycastResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return RaycastResult{Hit: !a.RaycastBlocked, Blocked: a.RaycastBlocked, HitPoint: to}
}

func (a *InMemoryGameAdapter) Position(ctx context.Context) (Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Pos, nil
}

func (a *InMemoryGameAdapter) Health(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.HealthValue, nil
}

func (a *InMemoryGameAdapter) Food(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.FoodValue, nil
}

func (a *InMemoryGameAdapter) InventoryCount(ctx context.Context, item string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Inventory[item], nil
}

func (a *InMemoryGameAdapter) Latency(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.LatencyMs, nil
}

func (a *InMemoryGameAdapter) ArmorDurability(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.LowestArmor, nil
}

func (a *InMemoryGameAdapter) HasMeleeWeapon(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.HasMelee, nil
}

func (a *InMemoryGameAdapter) HasRangedWeapon(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.HasRanged, nil
}

func (a *InMemoryGameAdapter) SupportsCrystalAura() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CrystalAuraCap
}

func blockKey(p Position) string {
	return fmt.Sprintf("%.1f,%.1f,%.1f", p.X, p.Y, p.Z)
}

// InMemoryLanguageModel is a deterministic test double for LanguageModel.
type InMemoryLanguageModel struct {
	mu          sync.Mutex
	ChatReply   string
	CodingReply string
	Calls       int
}

func (m *InMemoryLanguageModel) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return m.ChatReply, nil
}

func (m *InMemoryLanguageModel) PromptCoding(ctx context.Context, messages []ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return m.CodingReply, nil
}

// InMemorySandbox returns the configured ValidateResult and Issues from
// Validate and ExecuteResult and ExecuteErr from Execute, suitable for
// exercising the Evolution Engine's hot-swap path without a real sandbox.
type InMemorySandbox struct {
	ValidateResult bool
	Issues         []SandboxIssue
	ExecuteResult  any
	ExecuteErr     error
}

func (s *InMemorySandbox) Validate(ctx context.Context, code string) (bool, []SandboxIssue) {
	return s.ValidateResult, s.Issues
}

func (s *InMemorySandbox) Execute(ctx context.Context, code string, bindings map[string]any, timeout int) (any, error) {
	return s.ExecuteResult, s.ExecuteErr
}

// InMemoryMemory is a map-backed Memory port test double.
type InMemoryMemory struct {
	mu     sync.Mutex
	facts  map[string][]string
	places map[string]Position
}

func NewInMemoryMemory() *InMemoryMemory {
	return &InMemoryMemory{facts: make(map[string][]string), places: make(map[string]Position)}
}

func (m *InMemoryMemory) Remember(ctx context.Context, kind string, facts []string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[kind] = append(m.facts[kind], facts...)
	return nil
}

func (m *InMemoryMemory) Recall(ctx context.Context, query string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.facts[query]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *InMemoryMemory) RememberPlace(ctx context.Context, name string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places[name] = pos
	return nil
}

func (m *InMemoryMemory) GetPlace(ctx context.Context, name string) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.places[name]
	return pos, ok, nil
}

// InMemoryToolRegistry is a map-backed ToolRegistry test double.
type InMemoryToolRegistry struct {
	mu        sync.Mutex
	executors map[string]ToolExecutor
	schemas   map[string]ToolSchema
}

func NewInMemoryToolRegistry() *InMemoryToolRegistry {
	return &InMemoryToolRegistry{
		executors: make(map[string]ToolExecutor),
		schemas:   make(map[string]ToolSchema),
	}
}

func (r *InMemoryToolRegistry) Register(name string, schema ToolSchema, executor ToolExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
	r.schemas[name] = schema
	return nil
}

func (r *InMemoryToolRegistry) FindSkill(name string) (ToolExecutor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executors[name]
	return exec, ok
}

func (r *InMemoryToolRegistry) DiscoverSkills() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

func (r *InMemoryToolRegistry) ListSchemas() []ToolSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}
