package agent

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openpocket/openpocket/internal/action"
	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/bus"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/humanauth"
	"github.com/openpocket/openpocket/internal/model"
	"github.com/openpocket/openpocket/internal/operr"
	"github.com/openpocket/openpocket/internal/paths"
	"github.com/openpocket/openpocket/internal/script"
	"github.com/openpocket/openpocket/internal/session"
	"github.com/openpocket/openpocket/internal/skills"
	"github.com/openpocket/openpocket/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 108, 240))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeAdbRunner answers the adb invocations the loop makes: device listing,
// boot probe, screencap, wm size, window dump, and input events.
func fakeAdbRunner(t *testing.T, pngBytes []byte, foreground string) adb.Runner {
	return func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		joined := strings.Join(args, " ")
		switch {
		case joined == "devices":
			return []byte("List of devices attached\nemulator-5554\tdevice\n"), nil, nil
		case strings.Contains(joined, "getprop sys.boot_completed"):
			return []byte("1\n"), nil, nil
		case strings.Contains(joined, "screencap"):
			return pngBytes, nil, nil
		case strings.Contains(joined, "wm size"):
			return []byte("Physical size: 1080x2400\n"), nil, nil
		case strings.Contains(joined, "dumpsys window"):
			return []byte("mCurrentFocus=Window{abc u0 " + foreground + "/.Main}\n"), nil, nil
		default:
			return nil, nil, nil
		}
	}
}

type scriptedPlanner struct {
	decisions []model.Decision
	calls     int
}

func (p *scriptedPlanner) Plan(ctx context.Context, pr model.PlanRequest) (model.Decision, error) {
	if p.calls >= len(p.decisions) {
		return model.Decision{Action: action.Action{Type: action.TypeWait, DurationMs: 10}}, nil
	}
	d := p.decisions[p.calls]
	p.calls++
	return d, nil
}

func (p *scriptedPlanner) ModelName() string { return "scripted" }

func testDeps(t *testing.T, p planner, runner adb.Runner) Deps {
	t.Helper()
	roots, err := paths.Resolve(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		DefaultModel: "test",
		Models: map[string]config.ModelProfile{
			"test": {Model: "test-model", APIKey: "key"},
		},
		Agent: config.AgentConfig{
			MaxSteps:        5,
			LoopDelayMs:     1,
			AdbFailureLimit: 3,
			ModelTimeoutSec: 10,
		},
		ScriptExecutor: config.ScriptExecutorConfig{
			AllowedCommands: []string{"echo"},
			TimeoutSec:      5,
		},
		HumanAuth: config.HumanAuthConfig{RequestTimeoutSec: 1, PollIntervalMs: 50},
	}
	logger := testLogger()
	return Deps{
		Cfg:      cfg,
		Adb:      adb.New("", adb.WithRunner(runner)),
		Sessions: session.NewWriter(roots, 50),
		Scripts:  script.NewExecutor(cfg.ScriptExecutor, roots, logger),
		Bridge:   humanauth.NewBridge(cfg.HumanAuth, "", roots, bus.New(), logger),
		Skills:   skills.NewLoader("", "", "", logger),
		Bus:      bus.New(),
		Metrics:  metrics,
		Logger:   logger,
		newModel: func(config.ModelProfile, string, time.Duration, *slog.Logger) planner { return p },
	}
}

func TestLoop_FinishSucceeds(t *testing.T) {
	p := &scriptedPlanner{decisions: []model.Decision{
		{Thought: "done", Action: action.Action{Type: action.TypeFinish, Message: "All set."}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))
	task := NewTask(1, "check the weather", "")

	res := New(deps, task).Run(context.Background())
	if res.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", res.State, res.Message)
	}
	if res.Message != "All set." || res.Steps != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.SessionPath == "" {
		t.Fatal("missing session path")
	}
	data, err := os.ReadFile(res.SessionPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "succeeded") {
		t.Fatal("session log missing terminal state")
	}
}

func TestLoop_UnknownModelFallsBackToDefault(t *testing.T) {
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{Type: action.TypeFinish, Message: "done"}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))
	var gotProfile config.ModelProfile
	deps.newModel = func(pr config.ModelProfile, _ string, _ time.Duration, _ *slog.Logger) planner {
		gotProfile = pr
		return p
	}
	task := NewTask(1, "task", "no-such-profile")

	res := New(deps, task).Run(context.Background())
	if res.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", res.State, res.Message)
	}
	if gotProfile.Model != "test-model" {
		t.Fatalf("profile = %+v, want the default profile", gotProfile)
	}
	if p.calls == 0 {
		t.Fatal("planner never ran")
	}
}

func TestLoop_WaitRecordsDegradationReason(t *testing.T) {
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{Type: action.TypeWait, DurationMs: 5, Reason: `unknown action type "dance"`}},
		{Action: action.Action{Type: action.TypeFinish, Message: "done"}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))
	task := NewTask(1, "task", "")

	res := New(deps, task).Run(context.Background())
	if res.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", res.State, res.Message)
	}
	data, err := os.ReadFile(res.SessionPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `Waited 5ms: unknown action type "dance"`) {
		t.Fatal("session log missing wait reason")
	}
}

func TestLoop_MissingSecretFailsAdmission(t *testing.T) {
	p := &scriptedPlanner{}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), ""))
	deps.Cfg.Models["test"] = config.ModelProfile{Model: "test-model"}
	task := NewTask(1, "task", "")

	res := New(deps, task).Run(context.Background())
	if res.Kind != operr.KindSecretMissing {
		t.Fatalf("kind = %s, want secret_missing", res.Kind)
	}
}

func TestLoop_NoDeviceFails(t *testing.T) {
	p := &scriptedPlanner{}
	runner := func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		return []byte("List of devices attached\n"), nil, nil
	}
	deps := testDeps(t, p, runner)

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	if res.State != StateFailed || res.Kind != operr.KindDeviceUnavailable {
		t.Fatalf("result = %+v", res)
	}
}

func TestLoop_MaxStepsGivesUp(t *testing.T) {
	p := &scriptedPlanner{} // always waits
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	if res.State != StateFailed || res.Kind != operr.KindMaxSteps {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "gave up after 5 steps") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestLoop_RunScriptStep(t *testing.T) {
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{Type: action.TypeRunScript, Script: "echo hi", TimeoutSec: 5}},
		{Action: action.Action{Type: action.TypeFinish, Message: "ran"}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	if res.State != StateSucceeded || res.Steps != 2 {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(res.SessionPath)
	if !strings.Contains(string(data), "Script run run-") {
		t.Fatal("session log missing script run record")
	}
}

func TestLoop_AuthTimeoutFailsTask(t *testing.T) {
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{
			Type: action.TypeRequestHumanAuth, Capability: "purchase",
			Instruction: "approve", TimeoutSec: 1,
		}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	if res.State != StateFailed || res.Kind != operr.KindAuthTimeout {
		t.Fatalf("result = %+v", res)
	}
}

func TestLoop_CancellationAfterPersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{Type: action.TypeWait, DurationMs: 5}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.android.launcher"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := New(deps, NewTask(1, "task", "")).Run(ctx)
	if res.State != StateCancelled || res.Kind != operr.KindCancelled {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(res.SessionPath)
	if !strings.Contains(string(data), "cancelled") {
		t.Fatal("session log missing cancelled terminal")
	}
}

func TestLoop_PermissionFenceInjectsAuth(t *testing.T) {
	// The model keeps tapping while a permission dialog is foregrounded; the
	// second consecutive permission-screen step must divert to human auth.
	p := &scriptedPlanner{decisions: []model.Decision{
		{Action: action.Action{Type: action.TypeTap, X: 10, Y: 10}},
		{Action: action.Action{Type: action.TypeTap, X: 10, Y: 10}},
	}}
	deps := testDeps(t, p, fakeAdbRunner(t, testPNG(t), "com.google.android.permissioncontroller"))
	deps.Cfg.Agent.PermissionPackages = []string{"com.google.android.permissioncontroller"}
	deps.Cfg.HumanAuth.RequestTimeoutSec = 1

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	// The injected auth request times out, failing the task with auth_timeout.
	if res.Kind != operr.KindAuthTimeout {
		t.Fatalf("result = %+v", res)
	}
	if res.Steps != 2 {
		t.Fatalf("steps = %d, want 2", res.Steps)
	}
}

func TestLoop_AdbFailureLimitTerminates(t *testing.T) {
	p := &scriptedPlanner{}
	calls := 0
	runner := func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		joined := strings.Join(args, " ")
		if joined == "devices" {
			calls++
			if calls == 1 {
				return []byte("List of devices attached\nemulator-5554\tdevice\n"), nil, nil
			}
			// Subsequent snapshots cannot resolve a device.
			return []byte("List of devices attached\n"), nil, nil
		}
		if strings.Contains(joined, "getprop") {
			return []byte("1\n"), nil, nil
		}
		return nil, nil, nil
	}
	deps := testDeps(t, p, runner)

	res := New(deps, NewTask(1, "task", "")).Run(context.Background())
	if res.State != StateFailed {
		t.Fatalf("result = %+v", res)
	}
}
