package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/engine"
	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

func workflowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runCommand(args[1:], stdout, stderr)
	case "resume":
		return resumeCommand(args[1:], stdout, stderr)
	case "status":
		return statusCommand(args[1:], stdout, stderr)
	case "cancel":
		return cancelCommand(args[1:], stdout, stderr)
	case "list":
		return listCommand(args[1:], stdout, stderr)
	case "cleanup":
		return cleanupCommand(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown workflow subcommand: %s\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

// commonFlags are the flags every subcommand accepts.
type commonFlags struct {
	configPath string
	stateDir   string
	cacheDir   string
}

// parseCommon consumes a common flag at args[i]. Returns the new index and
// whether it matched; a flag error is reported through errp.
func (f *commonFlags) parseCommon(args []string, i int, errp *error) (int, bool) {
	switch args[i] {
	case "--config":
		i++
		if i >= len(args) {
			*errp = errors.New("--config requires a value")
			return i, true
		}
		f.configPath = args[i]
		return i, true
	case "--state-dir":
		i++
		if i >= len(args) {
			*errp = errors.New("--state-dir requires a value")
			return i, true
		}
		f.stateDir = args[i]
		return i, true
	case "--cache-dir":
		i++
		if i >= len(args) {
			*errp = errors.New("--cache-dir requires a value")
			return i, true
		}
		f.cacheDir = args[i]
		return i, true
	}
	return i, false
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	var definition string
	forceRefresh := false
	var flagErr error
	for i := 0; i < len(args); i++ {
		if ni, ok := common.parseCommon(args, i, &flagErr); ok {
			if flagErr != nil {
				fmt.Fprintln(stderr, flagErr)
				return exitUsage
			}
			i = ni
			continue
		}
		switch args[i] {
		case "--definition":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--definition requires a value")
				return exitUsage
			}
			definition = args[i]
		case "--force-refresh":
			forceRefresh = true
		default:
			fmt.Fprintf(stderr, "unknown flag: %s\n", args[i])
			return exitUsage
		}
	}
	if definition == "" {
		fmt.Fprintln(stderr, "run requires --definition")
		return exitUsage
	}

	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, forceRefresh, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()

	def, err := engine.LoadDefinition(definition)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defaults := engine.TaskDefaults{
		MaxRetries: cfg.MaxRetries,
		Timeout:    model.DefaultTaskTimeout,
	}
	built, err := def.BuildTasks(env.reg, defaults)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	id, err := env.orch.Create(def.Name, built)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	fmt.Fprintf(stdout, "workflow_id=%s\n", id)

	return executeAndReport(env, id, stdout, stderr)
}

func resumeCommand(args []string, stdout, stderr io.Writer) int {
	id, common, code := parseIDCommand("resume", args, stderr)
	if code != exitOK {
		return code
	}
	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, false, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()
	return executeAndReport(env, id, stdout, stderr)
}

// executeAndReport runs the workflow under signal cancellation and maps the
// terminal state to an exit code.
func executeAndReport(env *runtimeEnv, id string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := env.orch.Execute(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownWorkflow) {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		fmt.Fprintln(stderr, err)
		if st != nil {
			printSummary(stdout, st)
		}
		return exitWorkflowFailed
	}
	printSummary(stdout, st)

	switch st.Status {
	case model.WorkflowFailed:
		return exitWorkflowFailed
	case model.WorkflowCancelled:
		if ctx.Err() != nil {
			return exitSignal
		}
		return exitOK
	default:
		return exitOK
	}
}

func statusCommand(args []string, stdout, stderr io.Writer) int {
	id, common, code := parseIDCommand("status", args, stderr)
	if code != exitOK {
		return code
	}
	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, false, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()

	st, err := env.orch.Status(id)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	printSummary(stdout, st)
	return exitOK
}

func cancelCommand(args []string, stdout, stderr io.Writer) int {
	id, common, code := parseIDCommand("cancel", args, stderr)
	if code != exitOK {
		return code
	}
	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, false, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()

	if err := env.orch.Cancel(id); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	fmt.Fprintf(stdout, "workflow_id=%s cancelled\n", id)
	return exitOK
}

func listCommand(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	var flagErr error
	for i := 0; i < len(args); i++ {
		if ni, ok := common.parseCommon(args, i, &flagErr); ok {
			if flagErr != nil {
				fmt.Fprintln(stderr, flagErr)
				return exitUsage
			}
			i = ni
			continue
		}
		fmt.Fprintf(stderr, "unknown flag: %s\n", args[i])
		return exitUsage
	}
	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, false, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()

	ids, err := env.orch.List()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitWorkflowFailed
	}
	for _, id := range ids {
		st, err := env.orch.Status(id)
		if err != nil {
			fmt.Fprintf(stdout, "%s status=UNREADABLE\n", id)
			continue
		}
		fmt.Fprintf(stdout, "%s name=%s status=%s progress=%.1f\n", id, st.Name, st.Status, st.Progress)
	}
	return exitOK
}

func cleanupCommand(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	olderThan := 7 * 24 * time.Hour
	var flagErr error
	for i := 0; i < len(args); i++ {
		if ni, ok := common.parseCommon(args, i, &flagErr); ok {
			if flagErr != nil {
				fmt.Fprintln(stderr, flagErr)
				return exitUsage
			}
			i = ni
			continue
		}
		switch args[i] {
		case "--older-than":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--older-than requires a value")
				return exitUsage
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				fmt.Fprintf(stderr, "bad --older-than: %v\n", err)
				return exitUsage
			}
			olderThan = d
		default:
			fmt.Fprintf(stderr, "unknown flag: %s\n", args[i])
			return exitUsage
		}
	}
	cfg, err := resolveConfig(common.configPath, common.stateDir, common.cacheDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	env, err := buildEnv(cfg, false, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer env.close()

	removed, err := env.orch.Cleanup(olderThan)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitWorkflowFailed
	}
	fmt.Fprintf(stdout, "removed=%d\n", removed)
	return exitOK
}

// parseIDCommand handles subcommands of the form `<sub> <workflow_id>
// [common flags]`.
func parseIDCommand(sub string, args []string, stderr io.Writer) (string, commonFlags, int) {
	var common commonFlags
	var id string
	var flagErr error
	for i := 0; i < len(args); i++ {
		if ni, ok := common.parseCommon(args, i, &flagErr); ok {
			if flagErr != nil {
				fmt.Fprintln(stderr, flagErr)
				return "", common, exitUsage
			}
			i = ni
			continue
		}
		if len(args[i]) > 2 && args[i][:2] == "--" {
			fmt.Fprintf(stderr, "unknown flag: %s\n", args[i])
			return "", common, exitUsage
		}
		if id != "" {
			fmt.Fprintf(stderr, "%s takes exactly one workflow id\n", sub)
			return "", common, exitUsage
		}
		id = args[i]
	}
	if id == "" {
		fmt.Fprintf(stderr, "%s requires a workflow id\n", sub)
		return "", common, exitUsage
	}
	return id, common, exitOK
}

func printSummary(w io.Writer, st *model.WorkflowState) {
	fmt.Fprintf(w, "workflow_id=%s\n", st.WorkflowID)
	fmt.Fprintf(w, "name=%s\n", st.Name)
	fmt.Fprintf(w, "status=%s\n", st.Status)
	fmt.Fprintf(w, "progress=%.1f\n", st.Progress)

	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := st.Tasks[id]
		line := fmt.Sprintf("task %s status=%s retries=%d", id, t.Status, t.RetryCount)
		if t.Error != "" {
			line += fmt.Sprintf(" error=%q", t.Error)
		}
		fmt.Fprintln(w, line)
	}
}
