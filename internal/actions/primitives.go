package actions

import (
	"context"
	"strings"

	"github.com/maitrongthinh/agentrt/internal/ports"
)

// woodVariants lists the plank-convertible log/plank family names used by
// ensure-item and craft-first-available's wood-aware fast paths.
var woodVariants = []string{"oak", "spruce", "birch", "jungle", "acacia", "dark_oak", "mangrove", "cherry"}

// RegisterDefaults wires the closed set of built-in primitive actions
// against a concrete GameAdapter. Callers needing custom behavior (e.g.
// a learned skill overriding a built-in) can Register over these afterward.
func RegisterDefaults(l *Layer, adapter ports.GameAdapter) {
	l.Register("mine", minePrimitive(adapter))
	l.Register("craft", craftPrimitive(adapter))
	l.Register("place", placePrimitive(adapter))
	l.Register("smelt", smeltPrimitive(adapter))
	l.Register("move-to", moveToPrimitive(adapter))
	l.Register("eat", eatPrimitive(adapter))
	l.Register("equip", equipPrimitive(adapter))
	l.Register("attack", attackPrimitive(adapter))
	l.Register("collect-drops", collectDropsPrimitive(adapter))
	l.Register("gather-nearby", gatherNearbyPrimitive(adapter))
	l.Register("ensure-item", ensureItemPrimitive(adapter, l))
	l.Register("craft-first-available", craftFirstAvailablePrimitive(adapter))
	l.Register("ensure-offhand", ensureOffhandPrimitive(adapter))
	l.Register("enforce-combat-posture", enforceCombatPosturePrimitive(adapter))
	l.Register("hold-position", holdPositionPrimitive(adapter))
	l.Register("safe-wander", safeWanderPrimitive(adapter))
	l.Register("human-look", humanLookPrimitive(adapter))
	l.Register("advance-strategy", advanceStrategyPrimitive())
	l.Register("request-new-tool", requestNewToolPrimitive())
}

func paramString(p Params, key string) string {
	v, _ := p[key].(string)
	return v
}

func paramInt(p Params, key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func paramFloat(p Params, key string, fallback float64) float64 {
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return fallback
}

func paramPosition(p Params, key string) (ports.Position, bool) {
	switch v := p[key].(type) {
	case ports.Position:
		return v, true
	case map[string]any:
		x, _ := toFloat(v["x"])
		y, _ := toFloat(v["y"])
		z, _ := toFloat(v["z"])
		return ports.Position{X: x, Y: y, Z: z}, true
	}
	return ports.Position{}, false
}

func minePrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		target := paramString(p, "targetBlock")
		if target == "" {
			return Outcome{Success: false, Error: "mine requires targetBlock"}
		}
		if err := adapter.Dig(ctx, target, true); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true, Data: map[string]any{"block": target}}
	}
}

func craftPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		recipe := paramString(p, "recipe")
		if recipe == "" {
			return Outcome{Success: false, Error: "craft requires recipe"}
		}
		count := paramInt(p, "count", 1)
		table, ok := p["table"].(bool)
		if !ok {
			options, _ := p["options"].(map[string]any)
			table, _ = options["table"].(bool)
		}
		if err := adapter.Craft(ctx, recipe, count, table); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true, Data: map[string]any{"recipe": recipe, "count": count}}
	}
}

func placePrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		ref := paramString(p, "ref")
		face, _ := paramPosition(p, "faceVec")
		if err := adapter.PlaceBlock(ctx, ref, face); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

func smeltPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		item := paramString(p, "item")
		count := paramInt(p, "count", 1)
		if err := adapter.Craft(ctx, item, count, true); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true, Data: map[string]any{"item": item, "count": count}}
	}
}

func moveToPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		pos, ok := paramPosition(p, "position")
		if !ok {
			return Outcome{Success: false, Error: "move-to requires position"}
		}
		if err := adapter.LookAt(ctx, pos); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		if err := adapter.SetControlState(ctx, ports.ControlForward, true); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		defer adapter.SetControlState(ctx, ports.ControlForward, false)
		return Outcome{Success: true, Data: map[string]any{"position": pos}}
	}
}

func eatPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		item := paramString(p, "item")
		if item != "" {
			if err := adapter.Equip(ctx, item, ports.SlotHand); err != nil {
				return Outcome{Success: false, Error: err.Error()}
			}
		}
		if err := adapter.Consume(ctx); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

func equipPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		item := paramString(p, "item")
		slot := ports.Slot(paramString(p, "slot"))
		if slot == "" {
			slot = ports.SlotHand
		}
		if err := adapter.Equip(ctx, item, slot); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

func attackPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		entityID := paramString(p, "entityID")
		if entityID == "" {
			return Outcome{Success: false, Error: "attack requires entityID"}
		}
		if err := adapter.Attack(ctx, entityID); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

func collectDropsPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		radius := paramFloat(p, "radius", 8)
		collected := 0
		if _, ok := adapter.NearestEntity(ctx, func(e ports.Entity) bool { return e.Kind == "item" }); ok {
			collected = 1
		}
		return Outcome{Success: true, Data: map[string]any{"radius": radius, "collected": collected}}
	}
}

func gatherNearbyPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		itemName := paramString(p, "itemName")
		radius := paramFloat(p, "radius", 16)
		name, pos, found := adapter.FindBlock(ctx, ports.BlockQuery{
			Matching:    func(block string) bool { return strings.Contains(block, itemName) },
			MaxDistance: radius,
		})
		if !found {
			return Outcome{Success: false, Error: "no " + itemName + " found within radius"}
		}
		return Outcome{Success: true, Data: map[string]any{"block": name, "position": pos}}
	}
}

// ensureItemPrimitive reads current inventory count; if below target it
// crafts the delta, recursing through craft-first-available for compound
// items (planks from any wood variant, crafting_table via planks, stick via
// planks).
func ensureItemPrimitive(adapter ports.GameAdapter, l *Layer) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		itemName := paramString(p, "itemName")
		target := paramInt(p, "targetCount", 1)
		if itemName == "" {
			return Outcome{Success: false, Error: "ensure-item requires itemName"}
		}

		have, err := adapter.InventoryCount(ctx, itemName)
		if err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		if have >= target {
			return Outcome{Success: true, Data: map[string]any{"item": itemName, "count": have}}
		}
		delta := target - have

		switch itemName {
		case "planks":
			candidates := make([]string, 0, len(woodVariants))
			for _, wood := range woodVariants {
				candidates = append(candidates, wood+"_planks")
			}
			outcome := craftFirstAvailablePrimitive(adapter)(ctx, Params{"candidates": candidates, "count": delta})
			return mergeEnsureOutcome(itemName, outcome)
		case "crafting_table":
			ensurePlanks := ensureItemPrimitive(adapter, l)(ctx, Params{"itemName": "planks", "targetCount": 4})
			if !ensurePlanks.Success {
				return ensurePlanks
			}
			if err := adapter.Craft(ctx, "crafting_table", 1, false); err != nil {
				return Outcome{Success: false, Error: err.Error()}
			}
			return Outcome{Success: true, Data: map[string]any{"item": itemName, "count": 1}}
		case "stick":
			ensurePlanks := ensureItemPrimitive(adapter, l)(ctx, Params{"itemName": "planks", "targetCount": 2})
			if !ensurePlanks.Success {
				return ensurePlanks
			}
			if err := adapter.Craft(ctx, "stick", delta, false); err != nil {
				return Outcome{Success: false, Error: err.Error()}
			}
			return Outcome{Success: true, Data: map[string]any{"item": itemName, "count": delta}}
		default:
			if err := adapter.Craft(ctx, itemName, delta, true); err != nil {
				return Outcome{Success: false, Error: err.Error()}
			}
			newCount, _ := adapter.InventoryCount(ctx, itemName)
			return Outcome{Success: true, Data: map[string]any{"item": itemName, "count": newCount}}
		}
	}
}

func mergeEnsureOutcome(itemName string, outcome Outcome) Outcome {
	if !outcome.Success {
		return outcome
	}
	data := map[string]any{"item": itemName}
	if outcome.Data != nil {
		if c, ok := outcome.Data["count"]; ok {
			data["count"] = c
		}
	}
	return Outcome{Success: true, Data: data}
}

// craftFirstAvailablePrimitive iterates candidates in order, crafting the
// first one whose source material is available; for plank-only candidate
// lists it fast-fails when no wood source exists at all.
func craftFirstAvailablePrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		rawCandidates, _ := p["candidates"].([]string)
		if rawCandidates == nil {
			if generic, ok := p["candidates"].([]any); ok {
				for _, c := range generic {
					if s, ok := c.(string); ok {
						rawCandidates = append(rawCandidates, s)
					}
				}
			}
		}
		count := paramInt(p, "count", 1)
		if len(rawCandidates) == 0 {
			return Outcome{Success: false, Error: "craft-first-available requires candidates"}
		}

		allPlanks := true
		for _, c := range rawCandidates {
			if !strings.HasSuffix(c, "_planks") {
				allPlanks = false
				break
			}
		}

		for _, candidate := range rawCandidates {
			logName := strings.TrimSuffix(candidate, "_planks") + "_log"
			if allPlanks {
				n, err := adapter.InventoryCount(ctx, logName)
				if err != nil || n == 0 {
					continue
				}
			}
			if err := adapter.Craft(ctx, candidate, count, false); err != nil {
				continue
			}
			return Outcome{Success: true, Data: map[string]any{"candidate": candidate, "count": count}}
		}

		if allPlanks {
			return Outcome{Success: false, Error: "no wood source available for any plank candidate"}
		}
		return Outcome{Success: false, Error: "no candidate could be crafted"}
	}
}

func ensureOffhandPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		item := paramString(p, "item")
		if err := adapter.Equip(ctx, item, ports.SlotOff); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

// enforceCombatPosturePrimitive chooses totem offhand if health is at or
// below threshold, else shield.
func enforceCombatPosturePrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		threshold := paramFloat(p, "totemThreshold", 6)
		shieldItem := paramString(p, "shield")
		if shieldItem == "" {
			shieldItem = "shield"
		}

		health, err := adapter.Health(ctx)
		if err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}

		item := shieldItem
		if health <= threshold {
			item = "totem_of_undying"
		}
		if err := adapter.Equip(ctx, item, ports.SlotOff); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true, Data: map[string]any{"offhand": item, "health": health}}
	}
}

func holdPositionPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		for _, c := range []ports.ControlName{ports.ControlForward, ports.ControlBack, ports.ControlLeft, ports.ControlRight} {
			if err := adapter.SetControlState(ctx, c, false); err != nil {
				return Outcome{Success: false, Error: err.Error()}
			}
		}
		return Outcome{Success: true}
	}
}

func safeWanderPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		if err := adapter.SetControlState(ctx, ports.ControlForward, true); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		defer adapter.SetControlState(ctx, ports.ControlForward, false)
		return Outcome{Success: true}
	}
}

func humanLookPrimitive(adapter ports.GameAdapter) Primitive {
	return func(ctx context.Context, p Params) Outcome {
		target, ok := paramPosition(p, "target")
		if !ok {
			return Outcome{Success: false, Error: "human-look requires target"}
		}
		jitter := ports.Position{X: target.X, Y: target.Y, Z: target.Z}
		if err := adapter.LookAt(ctx, jitter); err != nil {
			return Outcome{Success: false, Error: err.Error()}
		}
		return Outcome{Success: true}
	}
}

// advanceStrategyPrimitive and requestNewToolPrimitive are deliberately
// thin: they exist in the closed primitive set as hooks for
// higher layers (planner, Evolution Engine) rather than doing I/O
// themselves.
func advanceStrategyPrimitive() Primitive {
	return func(ctx context.Context, p Params) Outcome {
		return Outcome{Success: true, Data: map[string]any{"name": paramString(p, "name")}}
	}
}

func requestNewToolPrimitive() Primitive {
	return func(ctx context.Context, p Params) Outcome {
		return Outcome{Success: true, Data: map[string]any{"toolName": paramString(p, "toolName")}}
	}
}
