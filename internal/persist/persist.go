// Package persist implements the runtime's on-disk persisted state:
// a per-agent directory holding behavior_rules.json, learning_metrics.json,
// dynamic_reflexes.json, mental_snapshot.json, and a snappy-compressed
// core-extraction archive. Every JSON file uses 2-space indentation.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/maitrongthinh/agentrt/internal/behavior"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

const (
	rulesFile    = "behavior_rules.json"
	metricsFile  = "learning_metrics.json"
	reflexesFile = "dynamic_reflexes.json"
	snapshotFile = "mental_snapshot.json"
	archiveFile  = "core_extraction.sz"

	ruleSchemaVersion = 1
)

// RuleRecord is the on-disk rule schema for behavior_rules.json.
type RuleRecord struct {
	ID           string         `json:"id"`
	Intent       string         `json:"intent"`
	SourceText   string         `json:"sourceText"`
	SourcePlayer string         `json:"sourcePlayer"`
	TrustScore   int            `json:"trustScore"`
	Scope        string         `json:"scope"`
	Condition    ConditionRecord `json:"condition"`
	ActionPatch  map[string]any `json:"actionPatch"`
	Priority     int            `json:"priority"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	Version      int            `json:"version"`
	Active       bool           `json:"active"`
}

// ConditionRecord is the on-disk form of a behavior.Condition.
type ConditionRecord struct {
	Domain  string  `json:"domain"`
	Trigger string  `json:"trigger"`
	Value   float64 `json:"value,omitempty"`
}

// ToRecord converts a live Rule into its on-disk representation.
func ToRecord(r *behavior.Rule) RuleRecord {
	return RuleRecord{
		ID:           r.ID,
		Intent:       r.Intent,
		SourceText:   r.SourceText,
		SourcePlayer: r.SourceActor,
		TrustScore:   r.Trust,
		Scope:        r.Scope,
		Condition: ConditionRecord{
			Domain:  r.Condition.Domain,
			Trigger: string(r.Condition.Trigger),
			Value:   r.Condition.Value,
		},
		ActionPatch: r.ActionPatch,
		Priority:    r.Priority,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		Version:     r.Version,
		Active:      r.Active,
	}
}

// ToRule converts a stored record back into a live Rule.
func (rec RuleRecord) ToRule() *behavior.Rule {
	return &behavior.Rule{
		ID:          rec.ID,
		Intent:      rec.Intent,
		SourceText:  rec.SourceText,
		SourceActor: rec.SourcePlayer,
		Trust:       rec.TrustScore,
		Scope:       rec.Scope,
		Condition: behavior.Condition{
			Domain:  rec.Condition.Domain,
			Trigger: behavior.Trigger(rec.Condition.Trigger),
			Value:   rec.Condition.Value,
		},
		ActionPatch: rec.ActionPatch,
		Priority:    rec.Priority,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Version:     rec.Version,
		Active:      rec.Active,
	}
}

// LearningMetrics is the learning_metrics.json schema: running totals the
// Behavior Rule Engine and Evolution Engine contribute to over the agent's
// lifetime.
type LearningMetrics struct {
	TotalRulesLearned  int       `json:"totalRulesLearned"`
	TotalRulesReverted int       `json:"totalRulesReverted"`
	TotalSkillsLearned int       `json:"totalSkillsLearned"`
	TotalTaskFailures  int       `json:"totalTaskFailures"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// DynamicReflex is one entry of dynamic_reflexes.json: a retained reactive
// rule's compact reflex form.
type DynamicReflex struct {
	Name          string    `json:"name"`
	TriggerSignal string    `json:"triggerSignal"`
	SkillName     string    `json:"skillName"`
	ErrorHash     string    `json:"errorHash"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MentalSnapshot is the mental_snapshot.json schema: a compact view of the
// agent's deliberative state for warm restart.
type MentalSnapshot struct {
	StateStack       []string                  `json:"stateStack"`
	SpatialMap       map[string]ports.Position `json:"spatialMap"`
	InventorySummary map[string]int            `json:"inventorySummary"`
	SavedAt          time.Time                 `json:"savedAt"`
}

// Store owns the per-agent persistence directory.
type Store struct {
	dir string
	now func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the default wall-clock time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a Store rooted at dir, creating it if absent.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("persist: directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create state dir: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Dir reports the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveRules writes the full rule set to behavior_rules.json, 2-space
// indented, converting each live Rule to its on-disk record.
func (s *Store) SaveRules(rules []*behavior.Rule) error {
	records := make([]RuleRecord, 0, len(rules))
	for _, r := range rules {
		rec := ToRecord(r)
		if rec.Version == 0 {
			rec.Version = ruleSchemaVersion
		}
		records = append(records, rec)
	}
	return writeJSON(s.path(rulesFile), records)
}

// LoadRules reads behavior_rules.json and reconstructs the live Rule set.
// A missing file is not an error; it returns an empty set.
func (s *Store) LoadRules() ([]*behavior.Rule, error) {
	var records []RuleRecord
	if err := readJSON(s.path(rulesFile), &records); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: load rules: %w", err)
	}
	rules := make([]*behavior.Rule, 0, len(records))
	for _, rec := range records {
		rules = append(rules, rec.ToRule())
	}
	return rules, nil
}

// SaveMetrics writes learning_metrics.json, stamping LastUpdated with the
// store's clock.
func (s *Store) SaveMetrics(m LearningMetrics) error {
	m.LastUpdated = s.now()
	return writeJSON(s.path(metricsFile), m)
}

// LoadMetrics reads learning_metrics.json, returning the zero value if absent.
func (s *Store) LoadMetrics() (LearningMetrics, error) {
	var m LearningMetrics
	if err := readJSON(s.path(metricsFile), &m); err != nil {
		if os.IsNotExist(err) {
			return LearningMetrics{}, nil
		}
		return LearningMetrics{}, fmt.Errorf("persist: load metrics: %w", err)
	}
	return m, nil
}

// SaveReflexes writes dynamic_reflexes.json.
func (s *Store) SaveReflexes(reflexes []DynamicReflex) error {
	return writeJSON(s.path(reflexesFile), reflexes)
}

// LoadReflexes reads dynamic_reflexes.json, returning nil if absent.
func (s *Store) LoadReflexes() ([]DynamicReflex, error) {
	var reflexes []DynamicReflex
	if err := readJSON(s.path(reflexesFile), &reflexes); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: load reflexes: %w", err)
	}
	return reflexes, nil
}

// SaveSnapshot writes mental_snapshot.json, stamping SavedAt.
func (s *Store) SaveSnapshot(snap MentalSnapshot) error {
	snap.SavedAt = s.now()
	return writeJSON(s.path(snapshotFile), snap)
}

// LoadSnapshot reads mental_snapshot.json, returning the zero value if absent.
func (s *Store) LoadSnapshot() (MentalSnapshot, error) {
	var snap MentalSnapshot
	if err := readJSON(s.path(snapshotFile), &snap); err != nil {
		if os.IsNotExist(err) {
			return MentalSnapshot{}, nil
		}
		return MentalSnapshot{}, fmt.Errorf("persist: load snapshot: %w", err)
	}
	return snap, nil
}

// WriteCoreExtraction bundles the JSON state files that currently exist on
// disk into a single snappy-compressed archive for export.
func (s *Store) WriteCoreExtraction() error {
	out, err := os.Create(s.path(archiveFile))
	if err != nil {
		return fmt.Errorf("persist: create archive: %w", err)
	}
	defer out.Close()

	writer := snappy.NewBufferedWriter(out)
	defer writer.Close()

	for _, name := range []string{rulesFile, metricsFile, reflexesFile, snapshotFile} {
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("persist: read %s for archive: %w", name, err)
		}
		record := archiveEntry{Name: name, Data: data}
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("persist: encode archive entry %s: %w", name, err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("persist: write archive entry %s: %w", name, err)
		}
		if _, err := writer.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return writer.Flush()
}

type archiveEntry struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}
