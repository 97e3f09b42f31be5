package agent

import (
	"testing"

	"github.com/openpocket/openpocket/internal/action"
)

func tap(x, y int) action.Action {
	return action.Action{Type: action.TypeTap, X: x, Y: y}
}

func TestLoopDetector_TripsOnRepeatedTap(t *testing.T) {
	var d loopDetector
	if d.Observe(tap(100, 200)) {
		t.Fatal("first observation must not trip")
	}
	if d.Observe(tap(100, 200)) {
		t.Fatal("second observation must not trip")
	}
	if d.Observe(tap(100, 200)) {
		t.Fatal("third observation must not trip")
	}
	if !d.Observe(tap(100, 200)) {
		t.Fatal("fourth identical tap must trip the detector")
	}
}

func TestLoopDetector_NearbyTapsShareABucket(t *testing.T) {
	var d loopDetector
	// All within the same 32px cell.
	d.Observe(tap(100, 200))
	d.Observe(tap(101, 201))
	d.Observe(tap(99, 199))
	if !d.Observe(tap(102, 198)) {
		t.Fatal("taps inside one 32px cell must count as repeats")
	}
}

func TestLoopDetector_DistinctActionsDoNotTrip(t *testing.T) {
	var d loopDetector
	actions := []action.Action{
		tap(100, 200),
		{Type: action.TypeKeyevent, Keycode: "KEYCODE_BACK"},
		{Type: action.TypeLaunchApp, PackageName: "com.example"},
		tap(500, 600),
		{Type: action.TypeSwipe, X: 1, Y: 2, X2: 3, Y2: 4},
	}
	for i, a := range actions {
		if d.Observe(a) {
			t.Fatalf("varied action %d must not trip", i)
		}
	}
}

func TestLoopDetector_OldHistoryForgotten(t *testing.T) {
	var d loopDetector
	d.Observe(tap(100, 200))
	d.Observe(tap(100, 200))
	d.Observe(tap(100, 200))
	// Push the repeats out of the recent window.
	for i := 0; i < 8; i++ {
		d.Observe(action.Action{Type: action.TypeKeyevent, Keycode: "KEYCODE_BACK"})
	}
	if d.Observe(tap(100, 200)) {
		t.Fatal("taps beyond the recent window must not count")
	}
}
