// Command agentrt is the cognitive runtime's process entrypoint: it loads
// configuration, constructs the structured logger, wires the Agent (the
// core subsystems plus the collaborator ports), and runs until an interrupt or
// termination signal triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maitrongthinh/agentrt/internal/agent"
	"github.com/maitrongthinh/agentrt/internal/config"
	"github.com/maitrongthinh/agentrt/internal/logging"
	"github.com/maitrongthinh/agentrt/internal/ports"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	// The game-protocol client, language-model client, sandbox, memory, and
	// tool-registry backends are out of scope: this process boots
	// the core runtime against in-memory collaborator ports until a real
	// adapter is wired in by deployment-specific glue.
	runtimePorts := agent.Ports{
		GameAdapter:   ports.NewInMemoryGameAdapter(),
		LanguageModel: &ports.InMemoryLanguageModel{},
		Sandbox:       &ports.InMemorySandbox{ValidateResult: true},
		Memory:        ports.NewInMemoryMemory(),
		ToolRegistry:  ports.NewInMemoryToolRegistry(),
	}

	a, err := agent.New(cfg, logger, runtimePorts)
	if err != nil {
		logger.Fatal("failed to construct agent runtime", logging.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("agentrt starting", logging.String("state_dir", cfg.StateDir))
	if err := a.Run(ctx); err != nil {
		logger.Fatal("agent runtime exited with error", logging.Error(err))
	}
	logger.Info("agentrt stopped cleanly")
}
