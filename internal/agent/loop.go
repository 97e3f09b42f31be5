// Package agent runs the observe-plan-act loop for a single task against the
// emulator, the model, and the human-auth bridge.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpocket/openpocket/internal/action"
	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/bus"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/humanauth"
	"github.com/openpocket/openpocket/internal/model"
	"github.com/openpocket/openpocket/internal/operr"
	"github.com/openpocket/openpocket/internal/script"
	"github.com/openpocket/openpocket/internal/session"
	"github.com/openpocket/openpocket/internal/skills"
	"github.com/openpocket/openpocket/internal/telemetry"
)

// State is the lifecycle phase of a task.
type State string

const (
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateAwaitingAuth State = "awaiting_auth"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Task is one natural-language instruction bound to a chat.
type Task struct {
	ID        string
	ChatID    int64
	Text      string
	ModelName string
	StartedAt time.Time
}

// NewTask assigns an id and start instant.
func NewTask(chatID int64, text, modelName string) *Task {
	return &Task{
		ID:        uuid.NewString()[:8],
		ChatID:    chatID,
		Text:      text,
		ModelName: modelName,
		StartedAt: time.Now(),
	}
}

// Result is the terminal outcome of a loop run.
type Result struct {
	State       State
	Message     string
	Steps       int
	SessionPath string
	Kind        operr.Kind
}

// Deps are the shared collaborators every loop instance reuses.
type Deps struct {
	Cfg      config.Config
	Adb      *adb.Client
	Sessions *session.Writer
	Scripts  *script.Executor
	Bridge   *humanauth.Bridge
	Skills   *skills.Loader
	Bus      *bus.Bus
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// Notify sends a progress line to the task's chat. May be nil.
	Notify func(chatID int64, text string)

	// NotifyAuth, when set, delivers the approval link with richer chrome
	// (inline buttons); otherwise Notify carries a plain-text fallback.
	NotifyAuth func(o humanauth.Opened)

	// newModel is swapped in tests.
	newModel func(p config.ModelProfile, key string, timeout time.Duration, l *slog.Logger) planner
}

type planner interface {
	Plan(ctx context.Context, pr model.PlanRequest) (model.Decision, error)
	ModelName() string
}

// Loop executes one task to a terminal state.
type Loop struct {
	deps Deps
	task *Task

	state    State
	detector loopDetector
	history  []string

	sessMu sync.Mutex
	sess   *session.Session
}

// New builds a loop for the task.
func New(deps Deps, task *Task) *Loop {
	if deps.newModel == nil {
		deps.newModel = func(p config.ModelProfile, key string, timeout time.Duration, l *slog.Logger) planner {
			return model.New(p, key, timeout, l)
		}
	}
	return &Loop{deps: deps, task: task, state: StateQueued}
}

// State reports the current lifecycle phase.
func (l *Loop) State() State { return l.state }

// NoteStuck writes a marker into the session log when the heartbeat flags
// this task as running longer than expected. No-op before the session opens.
func (l *Loop) NoteStuck(runtime time.Duration) {
	l.sessMu.Lock()
	sess := l.sess
	l.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.AppendNote(fmt.Sprintf("Heartbeat: still running after %s.", runtime.Round(time.Second))); err != nil {
		l.deps.Logger.Warn("stuck note append failed", "taskId", l.task.ID, "error", err)
	}
}

// Run executes the loop until a terminal state. Cancellation arrives through
// ctx and is honored after each persistence step.
func (l *Loop) Run(ctx context.Context) Result {
	cfg := l.deps.Cfg
	log := l.deps.Logger.With("taskId", l.task.ID, "chatId", l.task.ChatID)

	profileName := l.task.ModelName
	if profileName == "" {
		profileName = cfg.DefaultModel
	}
	profile, ok := cfg.Profile(profileName)
	if !ok {
		log.Warn("unknown model profile, using default", "requested", profileName, "default", cfg.DefaultModel)
	}
	apiKey, err := config.ResolveSecret(profile)
	if err != nil {
		return l.admissionFailure(log, err)
	}

	timeout := time.Duration(cfg.Agent.ModelTimeoutSec) * time.Second
	planner := l.deps.newModel(profile, apiKey, timeout, log)

	sess, err := l.deps.Sessions.Open(l.task.ID, l.task.Text, planner.ModelName(), l.task.StartedAt)
	if err != nil {
		return l.admissionFailure(log, err)
	}
	l.sessMu.Lock()
	l.sess = sess
	l.sessMu.Unlock()

	deviceID, err := l.deps.Adb.ResolveDevice(ctx, cfg.Emulator.DeviceID)
	if err != nil {
		_ = sess.AppendTerminal("failed", err.Error())
		return l.terminal(sess, log, Result{
			State: StateFailed, Message: err.Error(), Kind: operr.KindOf(err), SessionPath: sess.Path,
		})
	}

	l.state = StateRunning
	l.deps.Metrics.TasksStarted.Add(ctx, 1)
	l.deps.Metrics.ActiveTasks.Add(ctx, 1)
	defer l.deps.Metrics.ActiveTasks.Add(context.WithoutCancel(ctx), -1)
	l.deps.Bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{
		TaskID: l.task.ID, ChatID: l.task.ChatID, SessionID: sess.ID, Message: l.task.Text,
	})
	log.Info("task started", "sessionId", sess.ID, "model", planner.ModelName(), "device", deviceID)

	adbFailures := 0
	antiLoop := false
	forcePermissionAuth := false

	for step := 1; step <= cfg.Agent.MaxSteps; step++ {
		// Observe
		snap, err := l.deps.Adb.CaptureSnapshot(ctx, deviceID, planner.ModelName())
		if err != nil {
			adbFailures++
			log.Warn("snapshot failed", "step", step, "failures", adbFailures, "error", err)
			if adbFailures >= cfg.Agent.AdbFailureLimit {
				return l.fail(ctx, sess, log, step-1, operr.Wrap(operr.KindAdbFailed, err))
			}
			if done := l.sleepOrDone(ctx, time.Second); done {
				return l.cancelled(ctx, sess, log, step-1)
			}
			continue
		}

		permissionScreen := l.isPermissionPackage(snap.CurrentApp)

		// Plan
		prompt := systemPrompt(promptOptions{
			skillCatalog:    l.deps.Skills.CatalogPrompt(),
			antiLoop:        antiLoop,
			permissionFence: forcePermissionAuth,
			lang:            cfg.Agent.Lang,
		})
		planStart := time.Now()
		decision, err := planner.Plan(ctx, model.PlanRequest{
			SystemPrompt: prompt,
			Task:         l.task.Text,
			StepIndex:    step,
			MaxSteps:     cfg.Agent.MaxSteps,
			Screen: model.ScreenMeta{
				CurrentApp:   snap.CurrentApp,
				WidthScaled:  snap.WidthScaled,
				HeightScaled: snap.HeightScaled,
				WidthDevice:  snap.WidthDevice,
				HeightDevice: snap.HeightDevice,
			},
			History: l.history,
			PNG:     snap.PNG,
		})
		l.deps.Metrics.ModelCallDuration.Record(ctx, time.Since(planStart).Seconds())
		if err != nil {
			return l.fail(ctx, sess, log, step-1, err)
		}

		act := decision.Action
		if permissionScreen && act.Type != action.TypeRequestHumanAuth {
			if forcePermissionAuth {
				act = action.Action{
					Type:        action.TypeRequestHumanAuth,
					Capability:  "permission",
					Instruction: fmt.Sprintf("A system permission dialog (%s) is blocking the task.", snap.CurrentApp),
					TimeoutSec:  l.deps.Cfg.HumanAuth.RequestTimeoutSec,
				}
				log.Info("injected permission auth request", "step", step, "package", snap.CurrentApp)
			}
			forcePermissionAuth = !forcePermissionAuth
		} else {
			forcePermissionAuth = false
		}

		antiLoop = l.detector.Observe(act)

		// Rescale model coordinates back to device space
		if act.Positional() {
			act.X, act.Y = snap.RescaleClamp(act.X, act.Y)
			if act.Type == action.TypeSwipe {
				act.X2, act.Y2 = snap.RescaleClamp(act.X2, act.Y2)
			}
		}

		// Act
		message, terminal := l.execute(ctx, deviceID, act, sess, step, &adbFailures)
		l.deps.Metrics.StepsExecuted.Add(ctx, 1)
		if adbFailures >= cfg.Agent.AdbFailureLimit {
			return l.fail(ctx, sess, log, step, operr.New(operr.KindAdbFailed,
				"%d consecutive adb failures: %s", adbFailures, message))
		}

		// Persist
		shotPath, shotErr := l.deps.Sessions.SaveScreenshot(sess.ID, step, snap.PNG)
		if shotErr != nil {
			log.Warn("screenshot save failed", "step", step, "error", shotErr)
		}
		entry := session.StepEntry{
			Index:          step,
			Thought:        decision.Thought,
			Action:         act,
			Message:        message,
			ScreenshotPath: shotPath,
			ScaledSize:     [2]int{snap.WidthScaled, snap.HeightScaled},
			DeviceSize:     [2]int{snap.WidthDevice, snap.HeightDevice},
			ExecutedAt:     time.Now(),
		}
		if antiLoop {
			entry.Message = strings.TrimSpace(entry.Message + "\nanti_loop=1")
		}
		if err := sess.AppendStep(entry); err != nil {
			log.Warn("session append failed", "step", step, "error", err)
		}

		l.deps.Bus.Publish(bus.TopicTaskStep, bus.TaskEvent{
			TaskID: l.task.ID, ChatID: l.task.ChatID, SessionID: sess.ID, Step: step, Message: string(act.Type),
		})
		l.history = append(l.history, fmt.Sprintf("step %d: %s -> %s", step, act.JSON(), firstLine(message)))
		l.progressReport(step)

		if terminal != nil {
			terminal.Steps = step
			terminal.SessionPath = sess.Path
			return l.terminalWithMemory(ctx, sess, log, *terminal)
		}

		// Cancellation is honored after persistence so the session log stays
		// consistent with what actually ran.
		if ctx.Err() != nil {
			return l.cancelled(ctx, sess, log, step)
		}
		if done := l.sleepOrDone(ctx, time.Duration(cfg.Agent.LoopDelayMs)*time.Millisecond); done {
			return l.cancelled(ctx, sess, log, step)
		}
	}

	return l.fail(ctx, sess, log, cfg.Agent.MaxSteps, operr.New(operr.KindMaxSteps,
		"gave up after %d steps", cfg.Agent.MaxSteps))
}

// execute dispatches one action. A non-nil returned Result ends the task.
func (l *Loop) execute(ctx context.Context, deviceID string, act action.Action, sess *session.Session, step int, adbFailures *int) (string, *Result) {
	switch act.Type {
	case action.TypeFinish:
		// best-effort return to the launcher
		_ = l.deps.Adb.Keyevent(ctx, deviceID, "KEYCODE_HOME")
		return act.Message, &Result{State: StateSucceeded, Message: act.Message}

	case action.TypeRunScript:
		l.deps.Metrics.ScriptRuns.Add(ctx, 1)
		res := l.deps.Scripts.Execute(ctx, act.Script, act.TimeoutSec)
		msg := fmt.Sprintf("Script run %s (ok=%v, dir=%s): %s", res.RunID, res.OK, res.RunDir, res.Summary())
		return msg, nil

	case action.TypeRequestHumanAuth:
		l.deps.Metrics.AuthRequests.Add(ctx, 1)
		l.state = StateAwaitingAuth
		decision := l.deps.Bridge.RequestAndWait(ctx, l.task.ChatID, l.task.Text, humanauth.AuthRequest{
			Capability:  act.Capability,
			Instruction: act.Instruction,
			TimeoutSec:  act.TimeoutSec,
			SessionID:   sess.ID,
			Step:        step,
		}, l.notifyAuthOpened)
		l.state = StateRunning
		switch decision.Status {
		case humanauth.StatusApproved:
			msg := "Authorization approved: " + decision.Message
			if decision.ArtifactPath != "" {
				msg += " (artifact: " + decision.ArtifactPath + ")"
			}
			return msg, nil
		case humanauth.StatusTimeout:
			l.deps.Metrics.AuthTimeouts.Add(ctx, 1)
			return decision.Message, &Result{State: StateFailed, Message: decision.Message, Kind: operr.KindAuthTimeout}
		default:
			return decision.Message, &Result{State: StateFailed, Message: decision.Message, Kind: operr.KindAuthRejected}
		}

	case action.TypeWait:
		if done := l.sleepOrDone(ctx, time.Duration(act.DurationMs)*time.Millisecond); done {
			return "wait interrupted", nil
		}
		msg := fmt.Sprintf("Waited %dms", act.DurationMs)
		note := act.Message
		if note == "" {
			note = act.Reason
		}
		if note != "" {
			msg += ": " + note
		}
		return msg, nil
	}

	msg, err := l.executeAdb(ctx, deviceID, act)
	if err != nil {
		*adbFailures++
		// degrade to a wait so the loop can re-observe
		_ = l.sleepOrDone(ctx, time.Second)
		return fmt.Sprintf("adb failed (%v), waited 1000ms", err), nil
	}
	*adbFailures = 0
	return msg, nil
}

func (l *Loop) executeAdb(ctx context.Context, deviceID string, act action.Action) (string, error) {
	c := l.deps.Adb
	switch act.Type {
	case action.TypeTap:
		return fmt.Sprintf("Tapped (%d,%d)", act.X, act.Y), c.Tap(ctx, deviceID, act.X, act.Y)
	case action.TypeSwipe:
		return fmt.Sprintf("Swiped (%d,%d)->(%d,%d) in %dms", act.X, act.Y, act.X2, act.Y2, act.DurationMs),
			c.Swipe(ctx, deviceID, act.X, act.Y, act.X2, act.Y2, act.DurationMs)
	case action.TypeText:
		return c.Type(ctx, deviceID, act.Text)
	case action.TypeKeyevent:
		return "Sent " + act.Keycode, c.Keyevent(ctx, deviceID, act.Keycode)
	case action.TypeLaunchApp:
		return "Launched " + act.PackageName, c.LaunchApp(ctx, deviceID, act.PackageName)
	case action.TypeShell:
		out, err := c.Shell(ctx, deviceID, act.Command)
		return "Shell: " + firstLine(out), err
	default:
		return "", operr.New(operr.KindInternal, "unexpected action type %q", act.Type)
	}
}

func (l *Loop) notifyAuthOpened(o humanauth.Opened) {
	if l.deps.NotifyAuth != nil {
		l.deps.NotifyAuth(o)
		return
	}
	if l.deps.Notify == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Authorization needed (%s): %s\n", o.Capability, o.Instruction)
	if o.OpenURL != "" {
		fmt.Fprintf(&b, "Approve from another device: %s\n", o.OpenURL)
	}
	fmt.Fprintf(&b, "Or reply /auth approve %s or /auth reject %s (expires %s).",
		o.ID, o.ID, o.ExpiresAt.Format("15:04:05"))
	l.deps.Notify(o.ChatID, b.String())
}

func (l *Loop) progressReport(step int) {
	interval := l.deps.Cfg.Agent.ProgressReportInterval
	if l.deps.Notify == nil || interval <= 0 || step%interval != 0 {
		return
	}
	last := ""
	if len(l.history) > 0 {
		last = l.history[len(l.history)-1]
	}
	l.deps.Notify(l.task.ChatID, fmt.Sprintf("Still working (%d/%d). %s", step, l.deps.Cfg.Agent.MaxSteps, last))
}

func (l *Loop) isPermissionPackage(pkg string) bool {
	for _, p := range l.deps.Cfg.Agent.PermissionPackages {
		if p == pkg {
			return true
		}
	}
	return false
}

// sleepOrDone waits d and reports whether ctx finished first.
func (l *Loop) sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() != nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

func (l *Loop) admissionFailure(log *slog.Logger, err error) Result {
	log.Error("task admission failed", "error", err)
	day := time.Now()
	_ = l.deps.Sessions.AppendMemory(day, fmt.Sprintf("Task %q failed before starting: %v", l.task.Text, err))
	l.state = StateFailed
	l.deps.Bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		TaskID: l.task.ID, ChatID: l.task.ChatID, Message: err.Error(),
	})
	return Result{State: StateFailed, Message: err.Error(), Kind: operr.KindOf(err)}
}

func (l *Loop) fail(ctx context.Context, sess *session.Session, log *slog.Logger, steps int, err error) Result {
	res := Result{
		State: StateFailed, Message: err.Error(), Steps: steps,
		SessionPath: sess.Path, Kind: operr.KindOf(err),
	}
	return l.terminalWithMemory(ctx, sess, log, res)
}

func (l *Loop) cancelled(ctx context.Context, sess *session.Session, log *slog.Logger, steps int) Result {
	res := Result{
		State: StateCancelled, Message: "Task cancelled", Steps: steps,
		SessionPath: sess.Path, Kind: operr.KindCancelled,
	}
	return l.terminalWithMemory(ctx, sess, log, res)
}

func (l *Loop) terminalWithMemory(ctx context.Context, sess *session.Session, log *slog.Logger, res Result) Result {
	_ = sess.AppendTerminal(string(res.State), res.Message)
	_ = l.deps.Sessions.AppendMemory(time.Now(), fmt.Sprintf(
		"Task %q ended %s after %d steps: %s", l.task.Text, res.State, res.Steps, firstLine(res.Message)))
	return l.terminal(sess, log, res)
}

func (l *Loop) terminal(sess *session.Session, log *slog.Logger, res Result) Result {
	l.state = res.State
	bg := context.Background()
	event := bus.TaskEvent{
		TaskID: l.task.ID, ChatID: l.task.ChatID, SessionID: sess.ID,
		Step: res.Steps, Message: res.Message,
	}
	switch res.State {
	case StateSucceeded:
		l.deps.Metrics.TasksSucceeded.Add(bg, 1)
		l.deps.Bus.Publish(bus.TopicTaskSucceeded, event)
	case StateCancelled:
		l.deps.Bus.Publish(bus.TopicTaskCancelled, event)
	default:
		l.deps.Metrics.TasksFailed.Add(bg, 1)
		l.deps.Bus.Publish(bus.TopicTaskFailed, event)
	}
	log.Info("task finished", "state", res.State, "steps", res.Steps, "kind", res.Kind)
	return res
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
