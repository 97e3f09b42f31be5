// Package scaler resizes screenshots to provider-specific targets and tracks
// the inverse scale factors needed to map model coordinates back to device
// space. Scaling is a pure function; callers own the result.
package scaler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Result carries the scaled PNG plus the factors to undo the scaling.
type Result struct {
	PNG          []byte
	WidthDevice  int
	HeightDevice int
	WidthScaled  int
	HeightScaled int
	// ScaleX/ScaleY are the multipliers from scaled (model) space back to
	// device space.
	ScaleX float64
	ScaleY float64
}

// TargetFor returns the resize policy for a model name: OpenAI-style vision
// models want the shortest side at 768px, Claude-style models the longest
// side at 1568px.
func TargetFor(modelName string) (pixels int, longestSide bool) {
	name := strings.ToLower(modelName)
	if strings.Contains(name, "claude") || strings.Contains(name, "anthropic") {
		return 1568, true
	}
	return 768, false
}

// Scale decodes pngBytes, resizes per the model target, and re-encodes.
// Images already within target are passed through with unit factors.
func Scale(pngBytes []byte, modelName string) (Result, error) {
	src, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return Result{}, fmt.Errorf("decode screenshot: %w", err)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return Result{}, fmt.Errorf("degenerate screenshot %dx%d", w, h)
	}

	target, longest := TargetFor(modelName)
	ratio := scaleRatio(w, h, target, longest)
	if ratio >= 1 {
		return Result{
			PNG:         pngBytes,
			WidthDevice: w, HeightDevice: h,
			WidthScaled: w, HeightScaled: h,
			ScaleX: 1, ScaleY: 1,
		}, nil
	}

	sw := max(1, int(float64(w)*ratio))
	sh := max(1, int(float64(h)*ratio))
	dst := image.NewRGBA(image.Rect(0, 0, sw, sh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Result{}, fmt.Errorf("encode scaled screenshot: %w", err)
	}
	return Result{
		PNG:         buf.Bytes(),
		WidthDevice: w, HeightDevice: h,
		WidthScaled: sw, HeightScaled: sh,
		ScaleX: float64(w) / float64(sw),
		ScaleY: float64(h) / float64(sh),
	}, nil
}

// scaleRatio computes the shrink factor; >=1 means no resize needed.
func scaleRatio(w, h, target int, longestSide bool) float64 {
	ref := min(w, h)
	if longestSide {
		ref = max(w, h)
	}
	if ref <= target {
		return 1
	}
	return float64(target) / float64(ref)
}
