package script

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/paths"
)

// Runner executes a shell script and returns its captured output. Timeouts
// arrive through the context; a -1 exit code means the process did not exit
// on its own.
type Runner interface {
	Run(ctx context.Context, script, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostRunner runs scripts directly on the host via sh.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, script, workDir string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = workDir

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			runErr = nil
		} else {
			exitCode = -1
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, runErr
}

// Result is the outcome of a script run. OK is false for blocked scripts,
// non-zero exits, and timeouts; execution never surfaces a Go error to the
// agent loop.
type Result struct {
	OK         bool   `json:"ok"`
	RunID      string `json:"runId"`
	RunDir     string `json:"runDir,omitempty"`
	ExitCode   *int   `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// Summary renders the result for the model's observation history.
func (r Result) Summary() string {
	if r.TimedOut {
		return fmt.Sprintf("Script timed out after %dms. stderr: %s", r.DurationMs, r.Stderr)
	}
	code := "null"
	if r.ExitCode != nil {
		code = fmt.Sprintf("%d", *r.ExitCode)
	}
	return fmt.Sprintf("exit=%s stdout: %s stderr: %s", code, r.Stdout, r.Stderr)
}

// Executor validates scripts, runs them through a Runner, and archives the
// artifacts of every run.
type Executor struct {
	cfg    config.ScriptExecutorConfig
	roots  paths.Roots
	runner Runner
	logger *slog.Logger
}

// NewExecutor builds an executor. When the sandbox option is enabled it
// attempts a Docker-backed runner and falls back to the host on failure.
func NewExecutor(cfg config.ScriptExecutorConfig, roots paths.Roots, logger *slog.Logger) *Executor {
	ex := &Executor{cfg: cfg, roots: roots, runner: HostRunner{}, logger: logger}
	if cfg.Sandbox {
		sandbox, err := NewDockerRunner(cfg.SandboxImage, int64(cfg.SandboxMemoryMB), cfg.SandboxNetwork, roots.Workspace)
		if err != nil {
			logger.Warn("script sandbox unavailable, falling back to host runner", "error", err)
		} else {
			ex.runner = sandbox
		}
	}
	return ex
}

// SetRunner replaces the runner, used by tests.
func (e *Executor) SetRunner(r Runner) { e.runner = r }

// Execute validates and runs a script with the given timeout. Blocked scripts
// return OK=false with a nil exit code and the block reason in Stderr.
func (e *Executor) Execute(ctx context.Context, script string, timeoutSec int) Result {
	runID := "run-" + uuid.NewString()[:8]
	if timeoutSec <= 0 {
		timeoutSec = e.cfg.TimeoutSec
	}

	if err := Validate(script, e.cfg.AllowedCommands); err != nil {
		e.logger.Warn("script blocked", "runId", runID, "reason", err.Error())
		return Result{OK: false, RunID: runID, Stderr: err.Error()}
	}

	runDir := filepath.Join(e.roots.ScriptRunsDir(), runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{OK: false, RunID: runID, Stderr: "run dir: " + err.Error()}
	}
	_ = os.WriteFile(filepath.Join(runDir, "script.sh"), []byte(script), 0o644)

	timeout := time.Duration(timeoutSec) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := e.runner.Run(runCtx, script, e.roots.Workspace)
	elapsed := time.Since(start)

	timedOut := runCtx.Err() == context.DeadlineExceeded
	res := Result{
		RunID:      runID,
		RunDir:     runDir,
		TimedOut:   timedOut,
		Stdout:     truncateOutput(stdout, e.cfg.MaxOutputChars),
		Stderr:     truncateOutput(stderr, e.cfg.MaxOutputChars),
		DurationMs: elapsed.Milliseconds(),
	}
	if timedOut {
		if res.DurationMs < int64(timeoutSec)*1000 {
			res.DurationMs = int64(timeoutSec) * 1000
		}
		if res.Stderr == "" {
			res.Stderr = fmt.Sprintf("script killed after %ds timeout", timeoutSec)
		}
	} else if runErr != nil {
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += runErr.Error()
	} else {
		res.ExitCode = &exitCode
		res.OK = exitCode == 0
	}

	_ = os.WriteFile(filepath.Join(runDir, "stdout.log"), []byte(res.Stdout), 0o644)
	_ = os.WriteFile(filepath.Join(runDir, "stderr.log"), []byte(res.Stderr), 0o644)
	if data, err := json.MarshalIndent(res, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(runDir, "result.json"), data, 0o644)
	}

	e.logger.Info("script run finished",
		"runId", runID, "ok", res.OK, "timedOut", res.TimedOut, "durationMs", res.DurationMs)
	return res
}

// truncateOutput caps output at max characters, appending a marker when
// anything was dropped.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}
