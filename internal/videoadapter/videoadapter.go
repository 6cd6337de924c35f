// Package videoadapter implements the Video Adapter (§4.9): per-frame FPS
// throttling and dimension shaping applied to outgoing video before it
// reaches the WebRTC video track.
package videoadapter

import (
	"math"
	"sync"
	"time"
)

// minFrameInterval enforces the ≥32 FPS drop threshold: a frame arriving
// less than ~31ms after the last accepted one is dropped rather than
// forwarded, so the cadence drifts no lower than this floor.
const minFrameInterval = 31 * time.Millisecond

const (
	minShorterAxis = 360
	maxLongerAxis  = 720
)

// Frame is one I420 video frame, matching screenshot.Frame's plane layout
// plus the capture timestamp the spec requires frames be delivered with.
type Frame struct {
	Width, Height    int
	Y, Cb, Cr        []byte
	YStride, CStride int
	TimestampMicros  int64
}

// Adapter is stateful only in the FPS gate; dimension clamping is a pure
// function (ClampDimensions) so it can be exercised independently of frame
// timing.
type Adapter struct {
	mu           sync.Mutex
	lastAccepted time.Time
}

func New() *Adapter {
	return &Adapter{}
}

// Accept reports whether a frame arriving at now should be forwarded, and
// records it as the new baseline if so. The very first frame is always
// accepted.
func (a *Adapter) Accept(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.lastAccepted.IsZero() && now.Sub(a.lastAccepted) < minFrameInterval {
		return false
	}
	a.lastAccepted = now
	return true
}

// ClampDimensions applies §4.9's dimension policy to a WebRTC-suggested
// (width,height): lift the shorter axis to ≥360px (scaling the other axis
// proportionally), then cap the taller axis to ≤720px (again scaling the
// other axis proportionally), then round both axes up to the nearest even
// number. The two scaling passes are applied in that order even when the
// second partially undoes the first, matching the spec's literal sequence.
func ClampDimensions(width, height int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}

	w, h := float64(width), float64(height)
	widthIsShorter := w <= h

	shorter, longer := w, h
	if !widthIsShorter {
		shorter, longer = h, w
	}

	if shorter < minShorterAxis {
		scale := float64(minShorterAxis) / shorter
		shorter = minShorterAxis
		longer *= scale
	}
	if longer > maxLongerAxis {
		scale := float64(maxLongerAxis) / longer
		longer = maxLongerAxis
		shorter *= scale
	}

	if widthIsShorter {
		w, h = shorter, longer
	} else {
		w, h = longer, shorter
	}
	return roundUpEven(w), roundUpEven(h)
}

func roundUpEven(v float64) int {
	i := int(math.Ceil(v))
	if i%2 != 0 {
		i++
	}
	return i
}

// Scale resizes an I420 frame to (dstW, dstH) via nearest-neighbor sampling,
// applied independently to the Y plane and the subsampled Cb/Cr planes.
// Nearest-neighbor rather than a filtered resize (e.g. x/image/draw's
// bilinear scaler) because every third-party scaler in the example corpus
// operates on draw.Image (an RGBA-backed interface with Set); routing I420
// through one would force the same RGB round-trip the screenshot pipeline
// was built to avoid (DESIGN.md).
func Scale(f Frame, dstW, dstH int) Frame {
	if f.Width == dstW && f.Height == dstH {
		return f
	}

	srcCW, srcCH := (f.Width+1)/2, (f.Height+1)/2
	dstCW, dstCH := (dstW+1)/2, (dstH+1)/2

	out := Frame{
		Width: dstW, Height: dstH,
		Y:       scalePlane(f.Y, f.Width, f.Height, f.YStride, dstW, dstH),
		Cb:      scalePlane(f.Cb, srcCW, srcCH, f.CStride, dstCW, dstCH),
		Cr:      scalePlane(f.Cr, srcCW, srcCH, f.CStride, dstCW, dstCH),
		YStride: dstW, CStride: dstCW,
		TimestampMicros: f.TimestampMicros,
	}
	return out
}

func scalePlane(src []byte, srcW, srcH, srcStride, dstW, dstH int) []byte {
	dst := make([]byte, dstW*dstH)
	if srcW <= 0 || srcH <= 0 || len(src) == 0 {
		return dst
	}
	for y := 0; y < dstH; y++ {
		srcY := y * srcH / dstH
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < dstW; x++ {
			srcX := x * srcW / dstW
			if srcX >= srcW {
				srcX = srcW - 1
			}
			dst[y*dstW+x] = src[srcY*srcStride+srcX]
		}
	}
	return dst
}
