package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpocket/openpocket/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordTask_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	finished := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i, state := range []string{"succeeded", "failed", "cancelled"} {
		err := store.RecordTask(ctx, TaskResult{
			TaskID:     string(rune('a' + i)),
			ChatID:     42,
			Task:       "check the weather",
			State:      state,
			Kind:       "max_steps_reached",
			Steps:      i + 1,
			Message:    "done",
			FinishedAt: finished.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.RecentTasks(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].State != "cancelled" || got[1].State != "failed" {
		t.Fatalf("order = %s, %s", got[0].State, got[1].State)
	}
	r := got[0]
	if r.TaskID != "c" || r.ChatID != 42 || r.Steps != 3 || r.Task != "check the weather" {
		t.Fatalf("row = %+v", r)
	}
	if !r.FinishedAt.Equal(finished.Add(2 * time.Minute)) {
		t.Fatalf("finishedAt = %v", r.FinishedAt)
	}
}

func TestRecentTasks_Empty(t *testing.T) {
	store := openTestStore(t)
	got, err := store.RecentTasks(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d rows from empty store", len(got))
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTask(context.Background(), TaskResult{
		TaskID: "t1", ChatID: 1, Task: "x", State: "succeeded", FinishedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Schema creation is idempotent and data survives reopening.
	store2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	got, err := store2.RecentTasks(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("rows after reopen = %+v", got)
	}
}

func TestRecorder_CapturesAuthResolved(t *testing.T) {
	store := openTestStore(t)
	events := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := NewRecorder(store, events, logger)
	rec.Start()

	events.Publish(bus.TopicAuthResolved, bus.AuthEvent{
		RequestID:  "req-1",
		ChatID:     7,
		Capability: "banking_2fa",
		Status:     "approved",
	})
	// Opened events are not settlements and must be ignored.
	events.Publish(bus.TopicAuthOpened, bus.AuthEvent{RequestID: "req-2", ChatID: 7})

	// Stop drains the subscription before we assert.
	rec.Stop()

	var count int
	row := store.db.QueryRow("SELECT COUNT(*) FROM auth_decisions")
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("recorded %d decisions, want 1", count)
	}
	var requestID, status string
	row = store.db.QueryRow("SELECT request_id, status FROM auth_decisions")
	if err := row.Scan(&requestID, &status); err != nil {
		t.Fatal(err)
	}
	if requestID != "req-1" || status != "approved" {
		t.Fatalf("decision = (%q, %q)", requestID, status)
	}
}
