package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openpocket/openpocket/internal/agent"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHeartbeat_TicksAndSnapshots(t *testing.T) {
	logger := testLogger()
	tasks := gateway.NewTaskManager(agent.Deps{}, nil, logger)
	started := time.Now()
	hb := New(config.HeartbeatConfig{EverySec: 1, StuckTaskWarnSec: 600}, tasks,
		func() time.Duration { return time.Since(started) }, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx)
	defer hb.Stop()

	waitFor(t, 3*time.Second, func() bool { return !hb.Last().At.IsZero() })

	snap := hb.Last()
	if snap.Tasks != 0 {
		t.Fatalf("tasks = %d", snap.Tasks)
	}
	if snap.Uptime == "" {
		t.Fatal("uptime missing")
	}
}

// fakeTable scripts the running-task view and records stuck marks.
type fakeTable struct {
	snapshots []gateway.TaskSnapshot
	marked    []string
}

func (f *fakeTable) Running() []gateway.TaskSnapshot { return f.snapshots }

func (f *fakeTable) MarkStuck(taskID string, _ time.Duration) bool {
	f.marked = append(f.marked, taskID)
	return true
}

func TestHeartbeat_StuckTaskMarkedOnceAndPruned(t *testing.T) {
	table := &fakeTable{snapshots: []gateway.TaskSnapshot{
		{TaskID: "t1", ChatID: 7, State: agent.StateRunning, Runtime: 20 * time.Minute},
	}}
	hb := New(config.HeartbeatConfig{EverySec: 60, StuckTaskWarnSec: 600}, table,
		func() time.Duration { return time.Hour }, testLogger())

	hb.tick()
	hb.tick()
	if len(table.marked) != 1 || table.marked[0] != "t1" {
		t.Fatalf("marked = %v, want one mark for t1", table.marked)
	}
	if got := hb.Last().StuckTasks; len(got) != 1 || got[0] != "t1" {
		t.Fatalf("stuckTasks = %v", got)
	}

	// task finishes, then a new task reuses the id after a restart
	table.snapshots = nil
	hb.tick()
	if len(hb.Last().StuckTasks) != 0 {
		t.Fatalf("stuckTasks = %v after drain", hb.Last().StuckTasks)
	}
	table.snapshots = []gateway.TaskSnapshot{
		{TaskID: "t1", ChatID: 7, State: agent.StateRunning, Runtime: 15 * time.Minute},
	}
	hb.tick()
	if len(table.marked) != 2 {
		t.Fatalf("marked = %v, want the warn state pruned between runs", table.marked)
	}
}

func TestHeartbeat_LastBeforeStartIsZero(t *testing.T) {
	tasks := gateway.NewTaskManager(agent.Deps{}, nil, testLogger())
	hb := New(config.HeartbeatConfig{EverySec: 60}, tasks,
		func() time.Duration { return 0 }, testLogger())
	if !hb.Last().At.IsZero() {
		t.Fatal("snapshot must be zero before the first tick")
	}
}

func TestHeartbeat_StartIdempotentAndStops(t *testing.T) {
	tasks := gateway.NewTaskManager(agent.Deps{}, nil, testLogger())
	hb := New(config.HeartbeatConfig{EverySec: 1, StuckTaskWarnSec: 600}, tasks,
		func() time.Duration { return time.Minute }, testLogger())

	ctx := context.Background()
	hb.Start(ctx)
	hb.Start(ctx) // second Start is a no-op

	waitFor(t, 3*time.Second, func() bool { return hb.Last().Tasks == 0 && !hb.Last().At.IsZero() })

	snap := hb.Last()
	if snap.Goroutines <= 0 {
		t.Fatalf("goroutines = %d", snap.Goroutines)
	}
	if snap.Uptime == "" {
		t.Fatal("uptime missing")
	}
	if len(snap.StuckTasks) != 0 {
		t.Fatalf("stuckTasks = %v with no running tasks", snap.StuckTasks)
	}
	hb.Stop()
}
