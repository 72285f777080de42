package blackboard

import (
	"testing"
	"time"
)

// 1. Set then Get round-trips a deeply nested dot path.
func TestSetGetRoundTrip(t *testing.T) {
	bb := New()
	bb.Set("perception.threats.nearest", "zombie", "radar")

	v, ok := bb.Get("perception.threats.nearest")
	if !ok {
		t.Fatal("expected value present")
	}
	if v != "zombie" {
		t.Fatalf("expected zombie, got %v", v)
	}
}

// 2. Get on an absent key returns undefined, not an error.
func TestGetAbsentKeyReturnsUndefined(t *testing.T) {
	bb := New()
	v, ok := bb.Get("nothing.here")
	if ok {
		t.Fatalf("expected absent key, got %v", v)
	}
	if v != nil {
		t.Fatalf("expected nil value for absent key, got %v", v)
	}
}

// 3. Set tags the entry with its source, retrievable via Source.
func TestSourceTag(t *testing.T) {
	bb := New()
	bb.Set("combat.target", "enderman", "combatfsm")

	src, ok := bb.Source("combat.target")
	if !ok || src != "combatfsm" {
		t.Fatalf("expected source combatfsm, got %q (ok=%v)", src, ok)
	}
}

// 4. A later write to the same path overwrites the value and source.
func TestOverwrite(t *testing.T) {
	bb := New()
	bb.Set("health", 20, "sensors")
	bb.Set("health", 8, "sensors")

	v, _ := bb.Get("health")
	if v != 8 {
		t.Fatalf("expected overwritten value 8, got %v", v)
	}
}

// 5. Writing through a path that used to hold a scalar replaces it with a map.
func TestWriteThroughScalarReplacesWithMap(t *testing.T) {
	bb := New()
	bb.Set("a", "scalar", "x")
	bb.Set("a.b", 1, "x")

	v, ok := bb.Get("a.b")
	if !ok || v != 1 {
		t.Fatalf("expected a.b == 1, got %v (ok=%v)", v, ok)
	}
}

// 6. Snapshot returns a shallow, unwrapped copy of a subtree.
func TestSnapshotUnwrapsEntries(t *testing.T) {
	bb := New()
	bb.Set("perception.mobs.count", 3, "radar")
	bb.Set("perception.mobs.nearest", "skeleton", "radar")

	snap := bb.Snapshot("perception.mobs")
	if snap["count"] != 3 || snap["nearest"] != "skeleton" {
		t.Fatalf("unexpected snapshot contents: %#v", snap)
	}
}

// 7. Snapshot of an absent path returns an empty map, not nil or an error.
func TestSnapshotAbsentPath(t *testing.T) {
	bb := New()
	snap := bb.Snapshot("does.not.exist")
	if snap == nil || len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %#v", snap)
	}
}

// 8. Stamped write time reflects the injected clock.
func TestClockInjection(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bb := New().WithClock(func() time.Time { return fixed })
	bb.Set("a", 1, "x")

	bb.mu.RLock()
	entry := bb.root["a"].(Entry)
	bb.mu.RUnlock()

	if !entry.At.Equal(fixed) {
		t.Fatalf("expected injected clock time, got %v", entry.At)
	}
}
