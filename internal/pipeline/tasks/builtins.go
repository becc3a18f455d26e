// Package tasks provides the builtin task functions every peptiflow process
// registers: small host-level operations workflows compose while the real
// analyses live behind caller-registered functions.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/cache"
	"github.com/peptilab/peptiflow/internal/pipeline/engine"
	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// RegisterBuiltins wires the builtin functions into the registry. The cache
// backs produce.files; passing nil disables only that builtin.
func RegisterBuiltins(reg *engine.Registry, c *cache.Cache) error {
	if err := reg.Register("noop", Noop); err != nil {
		return err
	}
	if err := reg.Register("sleep", Sleep); err != nil {
		return err
	}
	if err := reg.Register("exec.command", ExecCommand); err != nil {
		return err
	}
	if c != nil {
		if err := reg.Register("produce.files", ProduceFiles(c)); err != nil {
			return err
		}
	}
	return nil
}

// Noop succeeds immediately. Useful as a join point in a graph.
func Noop(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

// Sleep waits for args["duration_ms"] milliseconds, honoring cancellation.
func Sleep(ctx context.Context, args map[string]any) (any, error) {
	ms, err := argFloat(args, "duration_ms")
	if err != nil {
		return nil, err
	}
	d := time.Duration(ms * float64(time.Millisecond))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecCommand runs args["command"] with args["args"] under the attempt
// context. A non-zero exit is a transient failure so external tools get the
// retry budget; a missing binary is a validation failure.
func ExecCommand(ctx context.Context, args map[string]any) (any, error) {
	command, err := argString(args, "command")
	if err != nil {
		return nil, err
	}
	argv, err := argStringSlice(args, "args")
	if err != nil {
		return nil, err
	}
	dir, _ := args["dir"].(string)

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = dir
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, model.NewTaskError(model.KindValidation,
				fmt.Sprintf("cannot run %q", command), runErr)
		}
		return nil, model.NewTaskError(model.KindTransientIO,
			fmt.Sprintf("%q exited with %d: %s", command, exitErr.ExitCode(), tail(out, 512)),
			runErr)
	}
	return map[string]any{
		"exit_code": 0,
		"output":    string(out),
	}, nil
}

// ProduceFiles writes declared artifacts into the cache slot for
// args["source"] and records them in its manifest. When the slot is already
// valid it returns the cached files without rewriting anything, so the
// force-refresh flag on the cache decides whether work repeats.
func ProduceFiles(c *cache.Cache) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		source, err := argString(args, "source")
		if err != nil {
			return nil, err
		}

		if ok, _ := c.Valid(source); ok {
			return map[string]any{
				"cached": true,
				"files":  c.ReadFiles(source),
			}, nil
		}

		declared, ok := args["files"].(map[string]any)
		if !ok || len(declared) == 0 {
			return nil, model.Validationf("produce.files requires a files map")
		}
		dir := c.Dir(source)
		written := make([]string, 0, len(declared))
		for name, content := range declared {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			text, ok := content.(string)
			if !ok {
				return nil, model.Validationf("file %q content must be a string", name)
			}
			path := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, model.NewTaskError(model.KindTransientIO, fmt.Sprintf("mkdir for %s", name), err)
			}
			if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
				return nil, model.NewTaskError(model.KindTransientIO, fmt.Sprintf("write %s", name), err)
			}
			written = append(written, path)
		}

		if patterns, err := argStringSlice(args, "patterns"); err == nil && len(patterns) > 0 {
			collected, err := c.CollectGlobs(source, patterns)
			if err != nil {
				return nil, model.NewTaskError(model.KindValidation, "bad artifact pattern", err)
			}
			written = collected
		}

		meta, _ := args["metadata"].(map[string]any)
		m, err := c.Write(source, written, meta)
		if err != nil {
			return nil, model.NewTaskError(model.KindTransientIO, fmt.Sprintf("record cache slot %s", source), err)
		}
		// Report paths from the manifest just written; under force-refresh
		// the slot never validates, so ReadFiles would come back empty.
		produced := make([]string, 0, len(m.Files))
		for _, rec := range m.Files {
			produced = append(produced, filepath.Join(dir, rec.Path))
		}
		return map[string]any{
			"cached": false,
			"files":  produced,
		}, nil
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", model.Validationf("missing required arg %q", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", model.Validationf("arg %q must be a non-empty string", key)
	}
	return s, nil
}

func argFloat(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, model.Validationf("missing required arg %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, model.Validationf("arg %q must be a number", key)
	}
}

func argStringSlice(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, model.Validationf("arg %q must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, model.Validationf("arg %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
