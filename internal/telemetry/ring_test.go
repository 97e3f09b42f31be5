package telemetry

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestRing_TailOrdering(t *testing.T) {
	r := NewRing(4)
	if got := r.Tail(10); len(got) != 0 {
		t.Fatalf("empty ring Tail = %v", got)
	}

	for i := 1; i <= 3; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	if got := r.Tail(0); !reflect.DeepEqual(got, []string{"line-1", "line-2", "line-3"}) {
		t.Fatalf("Tail(0) = %v", got)
	}
	if got := r.Tail(2); !reflect.DeepEqual(got, []string{"line-2", "line-3"}) {
		t.Fatalf("Tail(2) = %v", got)
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	if got := r.Tail(10); !reflect.DeepEqual(got, []string{"line-3", "line-4", "line-5"}) {
		t.Fatalf("Tail after wrap = %v", got)
	}
}

func TestRing_WriteSplitsLines(t *testing.T) {
	r := NewRing(8)
	n, err := r.Write([]byte("first\nsecond\n\nthird\n"))
	if err != nil || n != len("first\nsecond\n\nthird\n") {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if got := r.Tail(0); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Fatalf("Tail = %v", got)
	}
}

func TestRing_Subscribe(t *testing.T) {
	r := NewRing(8)
	ch, cancel := r.Subscribe()
	r.Append("hello")

	select {
	case line := <-ch:
		if line != "hello" {
			t.Fatalf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber got nothing")
	}

	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	cancel() // second cancel is a no-op
	r.Append("after-cancel")
}

func TestRing_SlowSubscriberDrops(t *testing.T) {
	r := NewRing(256)
	ch, cancel := r.Subscribe()
	defer cancel()
	for i := 0; i < 100; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	// The channel buffers 64 lines; the rest are dropped, never blocked on.
	var n int
	for {
		select {
		case <-ch:
			n++
		default:
			if n != 64 {
				t.Fatalf("buffered %d lines, want 64", n)
			}
			return
		}
	}
}
