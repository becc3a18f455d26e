// Command peptiflow drives workflow definitions through the orchestration
// engine: run, resume, inspect, cancel and clean up workflows from the
// shell.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/peptilab/peptiflow/internal/pipeline/cache"
	"github.com/peptilab/peptiflow/internal/pipeline/engine"
	"github.com/peptilab/peptiflow/internal/pipeline/notify"
	"github.com/peptilab/peptiflow/internal/pipeline/state"
	"github.com/peptilab/peptiflow/internal/pipeline/tasks"
)

const (
	exitOK             = 0
	exitWorkflowFailed = 1
	exitUsage          = 2
	exitSignal         = 130
)

func main() {
	os.Exit(cliMain(os.Args[1:], os.Stdout, os.Stderr))
}

func cliMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "workflow":
		return workflowCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: peptiflow workflow <subcommand> [flags]

subcommands:
  run      --definition <file> [--config <file>] [--state-dir <dir>]
           [--cache-dir <dir>] [--force-refresh]
  resume   <workflow_id> [--config <file>] [--state-dir <dir>] [--cache-dir <dir>]
  status   <workflow_id> [--config <file>] [--state-dir <dir>]
  cancel   <workflow_id> [--config <file>] [--state-dir <dir>]
  list     [--config <file>] [--state-dir <dir>]
  cleanup  [--older-than <duration>] [--config <file>] [--state-dir <dir>]

exit codes: 0 ok, 1 workflow failed, 2 usage or definition error, 130 interrupted
`)
}

// resolveConfig layers file, environment and flags, in that order.
func resolveConfig(configPath, stateDir, cacheDir string) (engine.Config, error) {
	var cfg engine.Config
	if configPath != "" {
		loaded, err := engine.LoadConfigFile(configPath)
		if err != nil {
			return engine.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return engine.Config{}, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

// runtimeEnv bundles the wired subsystems behind one setup/teardown pair.
type runtimeEnv struct {
	cfg   engine.Config
	store *state.Store
	cache *cache.Cache
	reg   *engine.Registry
	orch  *engine.Orchestrator
}

func buildEnv(cfg engine.Config, forceRefresh bool, stderr io.Writer) (*runtimeEnv, error) {
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	c := cache.New(cfg.CacheDir, cfg.CacheTTL())
	c.ForceRefresh = forceRefresh

	reg := engine.NewRegistry()
	if err := tasks.RegisterBuiltins(reg, c); err != nil {
		store.Close()
		return nil, err
	}

	var sink notify.Sink = notify.NewLogSink(stderr)
	if cfg.WebhookURL != "" {
		sink = notify.MultiSink{sink, notify.NewWebhookSink(cfg.WebhookURL)}
	}
	orch, err := engine.New(cfg, store, reg, sink)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &runtimeEnv{cfg: cfg, store: store, cache: c, reg: reg, orch: orch}, nil
}

func (e *runtimeEnv) close() {
	e.orch.Close()
	e.store.Close()
}
