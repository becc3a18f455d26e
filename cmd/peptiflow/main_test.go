package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

type cliDirs struct {
	state string
	cache string
}

func newDirs(t *testing.T) cliDirs {
	t.Helper()
	return cliDirs{state: t.TempDir(), cache: t.TempDir()}
}

func (d cliDirs) flags() []string {
	return []string{"--state-dir", d.state, "--cache-dir", d.cache}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cliMain(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunCompletesLinearWorkflow(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", `name: smoke
tasks:
  - id: a
    function: noop
  - id: b
    function: produce.files
    dependencies: [a]
    args:
      source: report
      files:
        summary.txt: "3 peptides ranked"
`)
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, stdout, stderr := runCLI(t, args...)
	if code != exitOK {
		t.Fatalf("exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "status=COMPLETED") {
		t.Fatalf("stdout: %s", stdout)
	}
	if !strings.Contains(stdout, "progress=100.0") {
		t.Fatalf("stdout: %s", stdout)
	}

	// The produced artifact landed in the cache slot.
	if _, err := os.Stat(filepath.Join(dirs.cache, "report", "summary.txt")); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func TestRunRejectsCycle(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", `name: cyclic
tasks:
  - id: a
    function: noop
    dependencies: [b]
  - id: b
    function: noop
    dependencies: [a]
`)
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, _, stderr := runCLI(t, args...)
	if code != exitUsage {
		t.Fatalf("exit %d want %d, stderr: %s", code, exitUsage, stderr)
	}
	if !strings.Contains(stderr, "cycle") {
		t.Fatalf("stderr: %s", stderr)
	}

	// Nothing was persisted for the rejected workflow.
	entries, err := os.ReadDir(dirs.state)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			t.Fatalf("state persisted for rejected workflow: %s", e.Name())
		}
	}
}

func TestRunRejectsMissingDependency(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", `name: dangling
tasks:
  - id: a
    function: noop
    dependencies: [ghost]
`)
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, _, _ := runCLI(t, args...)
	if code != exitUsage {
		t.Fatalf("exit %d want %d", code, exitUsage)
	}
}

func TestRunRejectsUnknownFunction(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", `name: unknown
tasks:
  - id: a
    function: blast.search
`)
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, _, stderr := runCLI(t, args...)
	if code != exitUsage {
		t.Fatalf("exit %d want %d, stderr: %s", code, exitUsage, stderr)
	}
}

func TestRunFailedWorkflowExitsOne(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", `name: failing
tasks:
  - id: a
    function: exec.command
    max_retries: 0
    args:
      command: sh
      args: ["-c", "exit 7"]
  - id: b
    function: noop
    dependencies: [a]
`)
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, stdout, stderr := runCLI(t, args...)
	if code != exitWorkflowFailed {
		t.Fatalf("exit %d want %d, stderr: %s", code, exitWorkflowFailed, stderr)
	}
	if !strings.Contains(stdout, "status=FAILED") {
		t.Fatalf("stdout: %s", stdout)
	}
	// The failure notification went to the log sink on stderr.
	if !strings.Contains(stderr, "workflow_failure") {
		t.Fatalf("stderr: %s", stderr)
	}
}

func TestStatusAndListAfterRun(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", "name: s\ntasks:\n  - id: a\n    function: noop\n")
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	code, stdout, stderr := runCLI(t, args...)
	if code != exitOK {
		t.Fatalf("run: exit %d, stderr: %s", code, stderr)
	}
	var id string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, "workflow_id=") {
			id = strings.TrimPrefix(line, "workflow_id=")
			break
		}
	}
	if id == "" {
		t.Fatalf("no workflow id in output: %s", stdout)
	}

	args = append([]string{"workflow", "status", id, "--state-dir", dirs.state, "--cache-dir", dirs.cache})
	code, stdout, stderr = runCLI(t, args...)
	if code != exitOK {
		t.Fatalf("status: exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "status=COMPLETED") || !strings.Contains(stdout, "task a") {
		t.Fatalf("status output: %s", stdout)
	}

	args = append([]string{"workflow", "list", "--state-dir", dirs.state, "--cache-dir", dirs.cache})
	code, stdout, _ = runCLI(t, args...)
	if code != exitOK || !strings.Contains(stdout, id) {
		t.Fatalf("list: exit %d output %s", code, stdout)
	}
}

func TestCancelUnknownWorkflow(t *testing.T) {
	dirs := newDirs(t)
	args := append([]string{"workflow", "cancel", "no-such-id"}, dirs.flags()...)
	code, _, _ := runCLI(t, args...)
	if code != exitUsage {
		t.Fatalf("exit %d want %d", code, exitUsage)
	}
}

func TestCleanup(t *testing.T) {
	dirs := newDirs(t)
	def := writeFile(t, "wf.yaml", "name: c\ntasks: []\n")
	args := append([]string{"workflow", "run", "--definition", def}, dirs.flags()...)
	if code, _, stderr := runCLI(t, args...); code != exitOK {
		t.Fatalf("run: exit %d, stderr: %s", code, stderr)
	}

	// Fresh terminal workflow survives the default window.
	args = append([]string{"workflow", "cleanup"}, dirs.flags()...)
	code, stdout, _ := runCLI(t, args...)
	if code != exitOK || !strings.Contains(stdout, "removed=0") {
		t.Fatalf("cleanup: exit %d output %s", code, stdout)
	}

	// Everything terminal goes with a zero window.
	args = append([]string{"workflow", "cleanup", "--older-than", "0s"}, dirs.flags()...)
	code, stdout, _ = runCLI(t, args...)
	if code != exitOK || !strings.Contains(stdout, "removed=1") {
		t.Fatalf("cleanup 0s: exit %d output %s", code, stdout)
	}
}

func TestUsageAndUnknownCommands(t *testing.T) {
	if code, _, _ := runCLI(t); code != exitUsage {
		t.Fatalf("no args should be a usage error")
	}
	if code, stdout, _ := runCLI(t, "help"); code != exitOK || !strings.Contains(stdout, "usage:") {
		t.Fatalf("help: %d %s", code, stdout)
	}
	if code, _, _ := runCLI(t, "frobnicate"); code != exitUsage {
		t.Fatalf("unknown command should be a usage error")
	}
	if code, _, _ := runCLI(t, "workflow", "explode"); code != exitUsage {
		t.Fatalf("unknown subcommand should be a usage error")
	}
	if code, _, _ := runCLI(t, "workflow", "cleanup", "--older-than", "soon"); code != exitUsage {
		t.Fatalf("bad duration should be a usage error")
	}
	if code, _, _ := runCLI(t, "workflow", "run"); code != exitUsage {
		t.Fatalf("run without definition should be a usage error")
	}
}
