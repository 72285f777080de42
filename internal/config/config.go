package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCriticalHealth is the health threshold that triggers survival behaviour.
	DefaultCriticalHealth = 8
	// DefaultCriticalFood is the food threshold that triggers eating behaviour.
	DefaultCriticalFood = 6
	// DefaultTerritorialRadius bounds how far (in blocks) the avatar defends its home.
	DefaultTerritorialRadius = 15.0
	// DefaultMaxCommands bounds the number of actuator commands issued per loop; -1 disables the bound.
	DefaultMaxCommands = -1
	// DefaultAutoEatStart is the food level at which auto-eating engages outside combat.
	DefaultAutoEatStart = 14
	// DefaultCodeExecutionTimeout bounds how long a sandboxed skill may run.
	DefaultCodeExecutionTimeout = 90 * time.Second

	// DefaultSchedulerTick is the cooperative admission tick period.
	DefaultSchedulerTick = 50 * time.Millisecond
	// DefaultTaskMaxAge forces watchdog termination of tasks older than this.
	DefaultTaskMaxAge = 120 * time.Second
	// DefaultTaskCancelGrace is how long a task has to honour a cancellation token.
	DefaultTaskCancelGrace = 2 * time.Second

	// DefaultCombatTick is the combat reflex FSM's inner tick period.
	DefaultCombatTick = 50 * time.Millisecond
	// DefaultDeadmanLatency is the round-trip latency above which the deadman switch trips.
	DefaultDeadmanLatency = 500 * time.Millisecond
	// DefaultCircuitBreakerLimit is the consecutive tick-exception count that opens the breaker.
	DefaultCircuitBreakerLimit = 3
	// DefaultRetreatHealth is the default health threshold that forces ENGAGE -> RETREAT.
	DefaultRetreatHealth = 6.0
	// DefaultTotemThreshold is the default health threshold for auto-totem.
	DefaultTotemThreshold = 6.0

	// DefaultLogLevel controls verbosity for runtime logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "agentrt.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStateDir is where persisted JSON state (rules, metrics, reflexes, snapshot) lives.
	DefaultStateDir = "state"
)

// Config captures all runtime tunables for the agent process.
type Config struct {
	CriticalHealth       float64
	CriticalFood         float64
	TerritorialRadius    float64
	MaxCommands          int
	AllowInsecureCoding  bool
	OnlyChatWith         []string
	AutoEatStart         float64
	CodeExecutionTimeout time.Duration
	Whitelist            []string
	SecurityWhitelist    []string

	SchedulerTick    time.Duration
	TaskMaxAge       time.Duration
	TaskCancelGrace  time.Duration
	CombatTick       time.Duration
	DeadmanLatency   time.Duration
	CircuitBreaker   int
	RetreatHealth    float64
	TotemThreshold   float64

	StateDir string
	Logging  LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the runtime configuration from environment variables, applying sane
// defaults and returning a descriptive error for every invalid override found.
func Load() (*Config, error) {
	cfg := &Config{
		CriticalHealth:       DefaultCriticalHealth,
		CriticalFood:         DefaultCriticalFood,
		TerritorialRadius:    DefaultTerritorialRadius,
		MaxCommands:          DefaultMaxCommands,
		AllowInsecureCoding:  false,
		OnlyChatWith:         parseList(os.Getenv("AGENTRT_ONLY_CHAT_WITH")),
		AutoEatStart:         DefaultAutoEatStart,
		CodeExecutionTimeout: DefaultCodeExecutionTimeout,
		Whitelist:            parseList(os.Getenv("AGENTRT_WHITELIST")),
		SecurityWhitelist:    parseList(os.Getenv("AGENTRT_SECURITY_WHITELIST")),

		SchedulerTick:   DefaultSchedulerTick,
		TaskMaxAge:      DefaultTaskMaxAge,
		TaskCancelGrace: DefaultTaskCancelGrace,
		CombatTick:      DefaultCombatTick,
		DeadmanLatency:  DefaultDeadmanLatency,
		CircuitBreaker:  DefaultCircuitBreakerLimit,
		RetreatHealth:   DefaultRetreatHealth,
		TotemThreshold:  DefaultTotemThreshold,

		StateDir: strings.TrimSpace(getString("AGENTRT_STATE_DIR", DefaultStateDir)),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("AGENTRT_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("AGENTRT_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_CRITICAL_HEALTH")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_CRITICAL_HEALTH must be a positive number, got %q", raw))
		} else {
			cfg.CriticalHealth = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_CRITICAL_FOOD")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_CRITICAL_FOOD must be a positive number, got %q", raw))
		} else {
			cfg.CriticalFood = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_TERRITORIAL_RADIUS")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_TERRITORIAL_RADIUS must be a positive number, got %q", raw))
		} else {
			cfg.TerritorialRadius = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_MAX_COMMANDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("AGENTRT_MAX_COMMANDS must be an integer, got %q", raw))
		} else {
			cfg.MaxCommands = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_ALLOW_INSECURE_CODING")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("AGENTRT_ALLOW_INSECURE_CODING must be a boolean value, got %q", raw))
		} else {
			cfg.AllowInsecureCoding = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_AUTO_EAT_START")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_AUTO_EAT_START must be a positive number, got %q", raw))
		} else {
			cfg.AutoEatStart = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_TIMEOUT_CODE_EXECUTION")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_TIMEOUT_CODE_EXECUTION must be a positive duration, got %q", raw))
		} else {
			cfg.CodeExecutionTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_SCHEDULER_TICK")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_SCHEDULER_TICK must be a positive duration, got %q", raw))
		} else {
			cfg.SchedulerTick = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_TASK_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_TASK_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.TaskMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_COMBAT_TICK")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_COMBAT_TICK must be a positive duration, got %q", raw))
		} else {
			cfg.CombatTick = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_RETREAT_HEALTH")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_RETREAT_HEALTH must be a positive number, got %q", raw))
		} else {
			cfg.RetreatHealth = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("AGENTRT_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AGENTRT_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("AGENTRT_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
