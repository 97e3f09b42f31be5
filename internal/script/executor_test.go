package script

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/paths"
)

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	delay    time.Duration
}

func (f fakeRunner) Run(ctx context.Context, script, workDir string) (string, string, int, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return f.stdout, f.stderr, -1, nil
		}
	}
	return f.stdout, f.stderr, f.exitCode, nil
}

func testExecutor(t *testing.T, cfg config.ScriptExecutorConfig) (*Executor, paths.Roots) {
	t.Helper()
	home := t.TempDir()
	roots := paths.Roots{
		Home:      home,
		State:     filepath.Join(home, "state"),
		Workspace: filepath.Join(home, "workspace"),
	}
	if err := os.MkdirAll(roots.Workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewExecutor(cfg, roots, logger), roots
}

func TestExecute_Success(t *testing.T) {
	ex, _ := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"echo"},
		TimeoutSec:      30,
		MaxOutputChars:  1000,
	})
	ex.SetRunner(fakeRunner{stdout: "hello\n", exitCode: 0})

	res := ex.Execute(context.Background(), "echo hello", 0)
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if !strings.HasPrefix(res.RunID, "run-") || len(res.RunID) != len("run-")+8 {
		t.Fatalf("run id format: %q", res.RunID)
	}
}

func TestExecute_Blocked(t *testing.T) {
	ex, roots := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"echo"},
		TimeoutSec:      30,
	})

	res := ex.Execute(context.Background(), "rm -f file", 0)
	if res.OK {
		t.Fatal("blocked script must not be ok")
	}
	if res.ExitCode != nil {
		t.Fatalf("blocked script must have nil exit code, got %d", *res.ExitCode)
	}
	if want := "Command 'rm' is not allowed by the script executor allowlist"; res.Stderr != want {
		t.Fatalf("stderr = %q, want %q", res.Stderr, want)
	}
	// Blocked scripts must not leave a run directory behind.
	entries, _ := os.ReadDir(roots.ScriptRunsDir())
	if len(entries) != 0 {
		t.Fatalf("expected no run dirs, found %d", len(entries))
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	ex, _ := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"ls"},
		TimeoutSec:      30,
	})
	ex.SetRunner(fakeRunner{stderr: "no such file", exitCode: 2})

	res := ex.Execute(context.Background(), "ls missing", 0)
	if res.OK {
		t.Fatal("non-zero exit must not be ok")
	}
	if res.ExitCode == nil || *res.ExitCode != 2 {
		t.Fatalf("exit code = %v, want 2", res.ExitCode)
	}
}

func TestExecute_Timeout(t *testing.T) {
	ex, _ := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"echo"},
		TimeoutSec:      30,
	})
	ex.SetRunner(fakeRunner{delay: 5 * time.Second})

	res := ex.Execute(context.Background(), "echo slow", 1)
	if res.OK {
		t.Fatal("timed out script must not be ok")
	}
	if !res.TimedOut {
		t.Fatal("expected timedOut")
	}
	if res.ExitCode != nil {
		t.Fatalf("timed out script must have nil exit code, got %d", *res.ExitCode)
	}
	if res.DurationMs < 1000 {
		t.Fatalf("durationMs = %d, want >= 1000", res.DurationMs)
	}
}

func TestExecute_Artifacts(t *testing.T) {
	ex, _ := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"echo"},
		TimeoutSec:      30,
	})
	ex.SetRunner(fakeRunner{stdout: "out", stderr: "err", exitCode: 0})

	res := ex.Execute(context.Background(), "echo x", 0)
	for _, name := range []string{"script.sh", "stdout.log", "stderr.log", "result.json"} {
		if _, err := os.Stat(filepath.Join(res.RunDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(res.RunDir, "result.json"))
	if err != nil {
		t.Fatal(err)
	}
	var saved Result
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.RunID != res.RunID || !saved.OK {
		t.Fatalf("result.json mismatch: %+v", saved)
	}
}

func TestExecute_OutputTruncated(t *testing.T) {
	ex, _ := testExecutor(t, config.ScriptExecutorConfig{
		AllowedCommands: []string{"echo"},
		TimeoutSec:      30,
		MaxOutputChars:  10,
	})
	ex.SetRunner(fakeRunner{stdout: strings.Repeat("x", 100), exitCode: 0})

	res := ex.Execute(context.Background(), "echo big", 0)
	if !strings.HasSuffix(res.Stdout, "[output truncated]") {
		t.Fatalf("stdout = %q, want truncation marker", res.Stdout)
	}
}

func TestHostRunner_Basic(t *testing.T) {
	stdout, _, code, err := HostRunner{}.Run(context.Background(), "echo hi", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 || strings.TrimSpace(stdout) != "hi" {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}
