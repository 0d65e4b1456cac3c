package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/me/gosched/internal/agent"
	"github.com/me/gosched/internal/config"
	"github.com/me/gosched/internal/logging"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	agentID := flag.String("id", "", "Agent id (default: hostname)")
	token := flag.String("token", "", "Agent token issued by the server")
	servers := flag.String("servers", "", "Comma-separated server addresses")
	tags := flag.String("tags", "", "Comma-separated agent tags")
	maxConcurrent := flag.Int("max-concurrent", 0, "Maximum concurrently running tasks")
	workDir := flag.String("workdir", "", "Working directory for task processes")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.LoadAgent(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *servers != "" {
		cfg.Servers = splitList(*servers)
	}
	if *tags != "" {
		cfg.Tags = splitList(*tags)
	}
	if *maxConcurrent > 0 {
		cfg.MaxConcurrent = *maxConcurrent
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Log)
	defer closer.Close()

	acfg := agent.DefaultConfig()
	acfg.AgentID = cfg.AgentID
	acfg.Token = cfg.Token
	acfg.ServerURLs = cfg.Servers
	acfg.Tags = cfg.Tags
	acfg.Version = version
	acfg.HeartbeatInterval = cfg.HeartbeatInterval
	acfg.ReconnectMax = cfg.ReconnectMax
	acfg.Process.MaxConcurrent = cfg.MaxConcurrent
	acfg.Process.WorkDir = cfg.WorkDir
	acfg.Process.Env = cfg.Env
	acfg.Process.KillGrace = cfg.KillGrace
	if h, err := os.Hostname(); err == nil {
		acfg.Address = h
	}

	a, err := agent.New(acfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"agent_id", cfg.AgentID,
		"servers", cfg.Servers,
		"max_concurrent", cfg.MaxConcurrent,
		"tags", cfg.Tags,
	)

	if err := a.Run(ctx); err != nil {
		logger.Error("agent error", "error", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
