package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openpocket/openpocket/internal/agent"
	"github.com/openpocket/openpocket/internal/operr"
)

// TaskSnapshot is a read-only view of an admitted task.
type TaskSnapshot struct {
	TaskID    string        `json:"taskId"`
	ChatID    int64         `json:"chatId"`
	Text      string        `json:"text"`
	State     agent.State   `json:"state"`
	StartedAt time.Time     `json:"startedAt"`
	Runtime   time.Duration `json:"-"`
}

type runningTask struct {
	task   *agent.Task
	loop   *agent.Loop
	cancel context.CancelFunc
}

type queuedTask struct {
	task *agent.Task
}

// TaskManager enforces at-most-one running task per chatId. Direct
// submissions are rejected while a task runs; queued submissions wait in
// arrival order.
type TaskManager struct {
	deps   agent.Deps
	logger *slog.Logger

	// onDone receives every terminal result, after queue advancement.
	onDone func(task *agent.Task, res agent.Result)

	mu      sync.Mutex
	running map[int64]*runningTask
	queues  map[int64][]*queuedTask
	wg      sync.WaitGroup
	closed  bool
}

// NewTaskManager wires the shared agent dependencies.
func NewTaskManager(deps agent.Deps, onDone func(*agent.Task, agent.Result), logger *slog.Logger) *TaskManager {
	return &TaskManager{
		deps:    deps,
		logger:  logger,
		onDone:  onDone,
		running: make(map[int64]*runningTask),
		queues:  make(map[int64][]*queuedTask),
	}
}

// Submit admits a task for the chat. With queue=false a busy chat yields an
// error naming the active task; with queue=true the task waits its turn.
func (m *TaskManager) Submit(chatID int64, text, modelName string, queue bool) (*agent.Task, error) {
	task := agent.NewTask(chatID, text, modelName)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, operr.New(operr.KindInternal, "gateway is shutting down")
	}
	if active, busy := m.running[chatID]; busy {
		if !queue {
			return nil, operr.New(operr.KindInternal,
				"another task is already running: %q (use /stop to cancel it or /run to queue)", active.task.Text)
		}
		m.queues[chatID] = append(m.queues[chatID], &queuedTask{task: task})
		m.logger.Info("task queued", "taskId", task.ID, "chatId", chatID, "position", len(m.queues[chatID]))
		return task, nil
	}
	m.startLocked(task)
	return task, nil
}

// Cancel stops the running task for the chat and drops its queue. Returns
// false when nothing was running.
func (m *TaskManager) Cancel(chatID int64) bool {
	m.mu.Lock()
	active, ok := m.running[chatID]
	m.queues[chatID] = nil
	m.mu.Unlock()
	if !ok {
		return false
	}
	active.cancel()
	return true
}

// Running lists all currently admitted tasks, running first.
func (m *TaskManager) Running() []TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []TaskSnapshot
	for _, rt := range m.running {
		out = append(out, TaskSnapshot{
			TaskID:    rt.task.ID,
			ChatID:    rt.task.ChatID,
			Text:      rt.task.Text,
			State:     rt.loop.State(),
			StartedAt: rt.task.StartedAt,
			Runtime:   now.Sub(rt.task.StartedAt),
		})
	}
	for chatID, q := range m.queues {
		for _, qt := range q {
			out = append(out, TaskSnapshot{
				TaskID: qt.task.ID, ChatID: chatID, Text: qt.task.Text, State: agent.StateQueued,
			})
		}
	}
	return out
}

// MarkStuck writes a stuck marker into the session of the running task with
// the given id. Returns false when no such task is running.
func (m *TaskManager) MarkStuck(taskID string, runtime time.Duration) bool {
	m.mu.Lock()
	var loop *agent.Loop
	for _, rt := range m.running {
		if rt.task.ID == taskID {
			loop = rt.loop
			break
		}
	}
	m.mu.Unlock()
	if loop == nil {
		return false
	}
	loop.NoteStuck(runtime)
	return true
}

// CancelAll stops every running task and waits for completion, used on
// shutdown with the supervisor's grace period.
func (m *TaskManager) CancelAll(grace time.Duration) {
	m.mu.Lock()
	m.closed = true
	for _, rt := range m.running {
		rt.cancel()
	}
	m.queues = make(map[int64][]*queuedTask)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("task drain exceeded grace period", "grace", grace)
	}
}

// startLocked launches the loop goroutine. Caller holds m.mu.
func (m *TaskManager) startLocked(task *agent.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := agent.New(m.deps, task)
	rt := &runningTask{task: task, loop: loop, cancel: cancel}
	m.running[task.ChatID] = rt

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res := loop.Run(ctx)

		m.mu.Lock()
		delete(m.running, task.ChatID)
		var next *queuedTask
		if q := m.queues[task.ChatID]; len(q) > 0 && !m.closed {
			next = q[0]
			m.queues[task.ChatID] = q[1:]
			m.startLocked(next.task)
		}
		m.mu.Unlock()

		if m.onDone != nil {
			m.onDone(task, res)
		}
	}()
}
