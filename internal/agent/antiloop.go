package agent

import (
	"fmt"

	"github.com/openpocket/openpocket/internal/action"
)

// fingerprintRingSize bounds the remembered action history.
const fingerprintRingSize = 8

// fingerprint is a coarse (actionType, target) pair used to detect the model
// replaying the same gesture.
type fingerprint struct {
	actionType action.Type
	target     string
}

// coarseTarget buckets tap coordinates into 32px cells so near-identical taps
// compare equal.
func coarseTarget(a action.Action) string {
	switch a.Type {
	case action.TypeTap:
		return fmt.Sprintf("%d,%d", a.X>>5, a.Y>>5)
	case action.TypeLaunchApp:
		return a.PackageName
	case action.TypeKeyevent:
		return a.Keycode
	default:
		return ""
	}
}

// loopDetector keeps a ring of recent fingerprints and flags an incoming
// action that matches at least 3 of the last 4.
type loopDetector struct {
	ring []fingerprint
}

// Observe records the action and reports whether it trips the detector.
func (d *loopDetector) Observe(a action.Action) bool {
	fp := fingerprint{actionType: a.Type, target: coarseTarget(a)}

	recent := d.ring
	if len(recent) > 4 {
		recent = recent[len(recent)-4:]
	}
	matches := 0
	for _, prev := range recent {
		if prev == fp {
			matches++
		}
	}

	d.ring = append(d.ring, fp)
	if len(d.ring) > fingerprintRingSize {
		d.ring = d.ring[len(d.ring)-fingerprintRingSize:]
	}
	return matches >= 3
}
