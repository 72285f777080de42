package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENTRT_CRITICAL_HEALTH", "")
	t.Setenv("AGENTRT_CRITICAL_FOOD", "")
	t.Setenv("AGENTRT_TERRITORIAL_RADIUS", "")
	t.Setenv("AGENTRT_MAX_COMMANDS", "")
	t.Setenv("AGENTRT_ALLOW_INSECURE_CODING", "")
	t.Setenv("AGENTRT_ONLY_CHAT_WITH", "")
	t.Setenv("AGENTRT_AUTO_EAT_START", "")
	t.Setenv("AGENTRT_TIMEOUT_CODE_EXECUTION", "")
	t.Setenv("AGENTRT_WHITELIST", "")
	t.Setenv("AGENTRT_SECURITY_WHITELIST", "")
	t.Setenv("AGENTRT_SCHEDULER_TICK", "")
	t.Setenv("AGENTRT_TASK_MAX_AGE", "")
	t.Setenv("AGENTRT_COMBAT_TICK", "")
	t.Setenv("AGENTRT_RETREAT_HEALTH", "")
	t.Setenv("AGENTRT_STATE_DIR", "")
	t.Setenv("AGENTRT_LOG_LEVEL", "")
	t.Setenv("AGENTRT_LOG_PATH", "")
	t.Setenv("AGENTRT_LOG_MAX_SIZE_MB", "")
	t.Setenv("AGENTRT_LOG_MAX_BACKUPS", "")
	t.Setenv("AGENTRT_LOG_MAX_AGE_DAYS", "")
	t.Setenv("AGENTRT_LOG_COMPRESS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.CriticalHealth != DefaultCriticalHealth {
		t.Fatalf("expected default critical health %v, got %v", DefaultCriticalHealth, cfg.CriticalHealth)
	}
	if cfg.CriticalFood != DefaultCriticalFood {
		t.Fatalf("expected default critical food %v, got %v", DefaultCriticalFood, cfg.CriticalFood)
	}
	if cfg.TerritorialRadius != DefaultTerritorialRadius {
		t.Fatalf("expected default territorial radius %v, got %v", DefaultTerritorialRadius, cfg.TerritorialRadius)
	}
	if cfg.MaxCommands != DefaultMaxCommands {
		t.Fatalf("expected default max commands %d, got %d", DefaultMaxCommands, cfg.MaxCommands)
	}
	if cfg.AllowInsecureCoding {
		t.Fatalf("expected insecure coding disabled by default")
	}
	if cfg.OnlyChatWith != nil {
		t.Fatalf("expected no chat whitelist, got %#v", cfg.OnlyChatWith)
	}
	if cfg.AutoEatStart != DefaultAutoEatStart {
		t.Fatalf("expected default auto eat start %v, got %v", DefaultAutoEatStart, cfg.AutoEatStart)
	}
	if cfg.CodeExecutionTimeout != DefaultCodeExecutionTimeout {
		t.Fatalf("expected default code execution timeout %v, got %v", DefaultCodeExecutionTimeout, cfg.CodeExecutionTimeout)
	}
	if cfg.SchedulerTick != DefaultSchedulerTick {
		t.Fatalf("expected default scheduler tick %v, got %v", DefaultSchedulerTick, cfg.SchedulerTick)
	}
	if cfg.TaskMaxAge != DefaultTaskMaxAge {
		t.Fatalf("expected default task max age %v, got %v", DefaultTaskMaxAge, cfg.TaskMaxAge)
	}
	if cfg.CombatTick != DefaultCombatTick {
		t.Fatalf("expected default combat tick %v, got %v", DefaultCombatTick, cfg.CombatTick)
	}
	if cfg.RetreatHealth != DefaultRetreatHealth {
		t.Fatalf("expected default retreat health %v, got %v", DefaultRetreatHealth, cfg.RetreatHealth)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Fatalf("expected default state dir %q, got %q", DefaultStateDir, cfg.StateDir)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENTRT_CRITICAL_HEALTH", "10")
	t.Setenv("AGENTRT_CRITICAL_FOOD", "5")
	t.Setenv("AGENTRT_TERRITORIAL_RADIUS", "25")
	t.Setenv("AGENTRT_MAX_COMMANDS", "500")
	t.Setenv("AGENTRT_ALLOW_INSECURE_CODING", "true")
	t.Setenv("AGENTRT_ONLY_CHAT_WITH", "alice, bob")
	t.Setenv("AGENTRT_AUTO_EAT_START", "16")
	t.Setenv("AGENTRT_TIMEOUT_CODE_EXECUTION", "30s")
	t.Setenv("AGENTRT_WHITELIST", "alice")
	t.Setenv("AGENTRT_SECURITY_WHITELIST", "bob, carol")
	t.Setenv("AGENTRT_SCHEDULER_TICK", "100ms")
	t.Setenv("AGENTRT_TASK_MAX_AGE", "60s")
	t.Setenv("AGENTRT_COMBAT_TICK", "25ms")
	t.Setenv("AGENTRT_RETREAT_HEALTH", "9")
	t.Setenv("AGENTRT_STATE_DIR", "/tmp/agentrt-state")
	t.Setenv("AGENTRT_LOG_LEVEL", "debug")
	t.Setenv("AGENTRT_LOG_PATH", "/var/log/agentrt.log")
	t.Setenv("AGENTRT_LOG_MAX_SIZE_MB", "512")
	t.Setenv("AGENTRT_LOG_MAX_BACKUPS", "4")
	t.Setenv("AGENTRT_LOG_MAX_AGE_DAYS", "2")
	t.Setenv("AGENTRT_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.CriticalHealth != 10 {
		t.Fatalf("expected overridden critical health, got %v", cfg.CriticalHealth)
	}
	if cfg.CriticalFood != 5 {
		t.Fatalf("expected overridden critical food, got %v", cfg.CriticalFood)
	}
	if cfg.TerritorialRadius != 25 {
		t.Fatalf("expected overridden territorial radius, got %v", cfg.TerritorialRadius)
	}
	if cfg.MaxCommands != 500 {
		t.Fatalf("expected overridden max commands, got %d", cfg.MaxCommands)
	}
	if !cfg.AllowInsecureCoding {
		t.Fatalf("expected insecure coding enabled")
	}
	if len(cfg.OnlyChatWith) != 2 || cfg.OnlyChatWith[0] != "alice" || cfg.OnlyChatWith[1] != "bob" {
		t.Fatalf("unexpected chat whitelist: %#v", cfg.OnlyChatWith)
	}
	if cfg.CodeExecutionTimeout != 30*time.Second {
		t.Fatalf("expected overridden code execution timeout, got %v", cfg.CodeExecutionTimeout)
	}
	if len(cfg.Whitelist) != 1 || cfg.Whitelist[0] != "alice" {
		t.Fatalf("unexpected whitelist: %#v", cfg.Whitelist)
	}
	if len(cfg.SecurityWhitelist) != 2 {
		t.Fatalf("unexpected security whitelist: %#v", cfg.SecurityWhitelist)
	}
	if cfg.SchedulerTick != 100*time.Millisecond {
		t.Fatalf("expected overridden scheduler tick, got %v", cfg.SchedulerTick)
	}
	if cfg.TaskMaxAge != 60*time.Second {
		t.Fatalf("expected overridden task max age, got %v", cfg.TaskMaxAge)
	}
	if cfg.CombatTick != 25*time.Millisecond {
		t.Fatalf("expected overridden combat tick, got %v", cfg.CombatTick)
	}
	if cfg.RetreatHealth != 9 {
		t.Fatalf("expected overridden retreat health, got %v", cfg.RetreatHealth)
	}
	if cfg.StateDir != "/tmp/agentrt-state" {
		t.Fatalf("unexpected state dir %q", cfg.StateDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("AGENTRT_CRITICAL_HEALTH", "-1")
	t.Setenv("AGENTRT_MAX_COMMANDS", "abc")
	t.Setenv("AGENTRT_ALLOW_INSECURE_CODING", "notabool")
	t.Setenv("AGENTRT_TIMEOUT_CODE_EXECUTION", "-5s")
	t.Setenv("AGENTRT_SCHEDULER_TICK", "0s")
	t.Setenv("AGENTRT_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("AGENTRT_LOG_COMPRESS", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"AGENTRT_CRITICAL_HEALTH",
		"AGENTRT_MAX_COMMANDS",
		"AGENTRT_ALLOW_INSECURE_CODING",
		"AGENTRT_TIMEOUT_CODE_EXECUTION",
		"AGENTRT_SCHEDULER_TICK",
		"AGENTRT_LOG_MAX_SIZE_MB",
		"AGENTRT_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyWhitelistEntries(t *testing.T) {
	t.Setenv("AGENTRT_WHITELIST", " , ,alice, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.Whitelist) != 1 || cfg.Whitelist[0] != "alice" {
		t.Fatalf("expected single cleaned whitelist entry, got %#v", cfg.Whitelist)
	}
}

func TestLoadAllowsUnboundedMaxCommands(t *testing.T) {
	t.Setenv("AGENTRT_MAX_COMMANDS", "-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MaxCommands != -1 {
		t.Fatalf("expected -1 to mean unbounded, got %d", cfg.MaxCommands)
	}
}
