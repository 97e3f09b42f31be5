// Package heartbeat emits periodic runtime snapshots and flags stuck tasks.
package heartbeat

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/gateway"
)

// Snapshot is one heartbeat observation.
type Snapshot struct {
	At          time.Time `json:"at"`
	Uptime      string    `json:"uptime"`
	Tasks       int       `json:"tasks"`
	Goroutines  int       `json:"goroutines"`
	HeapAllocMB uint64    `json:"heapAllocMb"`
	StuckTasks  []string  `json:"stuckTasks,omitempty"`
}

// TaskTable is the view of the gateway's task manager the heartbeat needs.
type TaskTable interface {
	Running() []gateway.TaskSnapshot
	MarkStuck(taskID string, runtime time.Duration) bool
}

// Heartbeat ticks at the configured cadence.
type Heartbeat struct {
	cfg     config.HeartbeatConfig
	tasks   TaskTable
	uptime  func() time.Duration
	logger  *slog.Logger
	started sync.Once

	mu   sync.Mutex
	last Snapshot
	wg   sync.WaitGroup
	stop context.CancelFunc

	// warned tracks tasks already reported as stuck so each is flagged once.
	warned map[string]struct{}
}

// New wires the heartbeat against the gateway's task table.
func New(cfg config.HeartbeatConfig, tasks TaskTable, uptime func() time.Duration, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		cfg:    cfg,
		tasks:  tasks,
		uptime: uptime,
		logger: logger,
		warned: make(map[string]struct{}),
	}
}

// Start launches the tick loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.started.Do(func() {
		ctx, h.stop = context.WithCancel(ctx)
		h.wg.Add(1)
		go h.loop(ctx)
		h.logger.Info("heartbeat started", "everySec", h.cfg.EverySec)
	})
}

// Stop halts the loop and waits for it.
func (h *Heartbeat) Stop() {
	if h.stop != nil {
		h.stop()
	}
	h.wg.Wait()
}

// Last returns the most recent snapshot for the dashboard.
func (h *Heartbeat) Last() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Duration(h.cfg.EverySec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	running := h.tasks.Running()
	warnAfter := time.Duration(h.cfg.StuckTaskWarnSec) * time.Second

	snap := Snapshot{
		At:          time.Now(),
		Uptime:      h.uptime().Round(time.Second).String(),
		Tasks:       len(running),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: mem.HeapAlloc / (1024 * 1024),
	}
	active := make(map[string]struct{}, len(running))
	for _, t := range running {
		active[t.TaskID] = struct{}{}
		if t.Runtime < warnAfter {
			continue
		}
		snap.StuckTasks = append(snap.StuckTasks, t.TaskID)
		if _, seen := h.warned[t.TaskID]; !seen {
			h.warned[t.TaskID] = struct{}{}
			h.logger.Warn("task running longer than expected",
				"taskId", t.TaskID, "chatId", t.ChatID, "runtime", t.Runtime.Round(time.Second), "state", t.State)
			h.tasks.MarkStuck(t.TaskID, t.Runtime)
		}
	}
	// drop warn state for tasks that have since finished
	for id := range h.warned {
		if _, ok := active[id]; !ok {
			delete(h.warned, id)
		}
	}

	h.mu.Lock()
	h.last = snap
	h.mu.Unlock()

	h.logger.Info("heartbeat",
		"tasks", snap.Tasks, "uptime", snap.Uptime,
		"goroutines", snap.Goroutines, "heapAllocMb", snap.HeapAllocMB)
}
