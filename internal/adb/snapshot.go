package adb

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/openpocket/openpocket/internal/operr"
	"github.com/openpocket/openpocket/internal/scaler"
)

// Snapshot is one observed screen state, scaled for a specific model.
type Snapshot struct {
	DeviceID     string
	CurrentApp   string
	WidthDevice  int
	HeightDevice int
	WidthScaled  int
	HeightScaled int
	ScaleX       float64
	ScaleY       float64
	CapturedAt   time.Time
	PNG          []byte
}

var physicalSizeRe = regexp.MustCompile(`Physical size:\s*(\d+)x(\d+)`)

// foregroundRes are tried in priority order against the window dump; the
// first capture group of the first match wins.
var foregroundRes = []*regexp.Regexp{
	regexp.MustCompile(`mCurrentFocus=Window\{\S+\s+\S+\s+([a-zA-Z0-9_.]+)/`),
	regexp.MustCompile(`mFocusedApp=.*\s([a-zA-Z0-9_.]+)/[a-zA-Z0-9_.$]+`),
	regexp.MustCompile(`mResumedActivity:.*\s([a-zA-Z0-9_.]+)/`),
}

// CaptureSnapshot screenshots the device, reads the physical screen size,
// extracts the foreground package, and scales the PNG for the given model.
func (c *Client) CaptureSnapshot(ctx context.Context, deviceID, modelName string) (*Snapshot, error) {
	id, err := c.ResolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	png, err := c.Screenshot(ctx, id)
	if err != nil {
		return nil, err
	}

	scaled, err := scaler.Scale(png, modelName)
	if err != nil {
		return nil, operr.Wrap(operr.KindAdbFailed, err)
	}

	snap := &Snapshot{
		DeviceID:     id,
		WidthDevice:  scaled.WidthDevice,
		HeightDevice: scaled.HeightDevice,
		WidthScaled:  scaled.WidthScaled,
		HeightScaled: scaled.HeightScaled,
		ScaleX:       scaled.ScaleX,
		ScaleY:       scaled.ScaleY,
		CapturedAt:   time.Now().UTC(),
		PNG:          scaled.PNG,
	}

	// `wm size` is authoritative for device bounds; the decoded PNG can be
	// rotated or letterboxed on some emulator images.
	if out, err := c.Shell(ctx, id, "wm size"); err == nil {
		if m := physicalSizeRe.FindStringSubmatch(out); len(m) == 3 {
			if w, err := strconv.Atoi(m[1]); err == nil {
				snap.WidthDevice = w
			}
			if h, err := strconv.Atoi(m[2]); err == nil {
				snap.HeightDevice = h
			}
			snap.ScaleX = float64(snap.WidthDevice) / float64(snap.WidthScaled)
			snap.ScaleY = float64(snap.HeightDevice) / float64(snap.HeightScaled)
		}
	}

	if out, err := c.Shell(ctx, id, "dumpsys window windows"); err == nil {
		snap.CurrentApp = ForegroundPackage(out)
	}
	return snap, nil
}

// ForegroundPackage extracts the foreground package name from a window dump.
// Returns "" when no pattern matches.
func ForegroundPackage(windowDump string) string {
	for _, re := range foregroundRes {
		if m := re.FindStringSubmatch(windowDump); len(m) >= 2 {
			return m[1]
		}
	}
	return ""
}

// RescaleClamp maps a model-space coordinate into device space and clamps it
// to the device bounds.
func (s *Snapshot) RescaleClamp(x, y int) (int, int) {
	dx := int(float64(x) * s.ScaleX)
	dy := int(float64(y) * s.ScaleY)
	return clamp(dx, s.WidthDevice), clamp(dy, s.HeightDevice)
}

func clamp(v, bound int) int {
	if v < 0 {
		return 0
	}
	if bound > 0 && v >= bound {
		return bound - 1
	}
	return v
}
