// Package screenshot implements the Screenshot Pipeline (§4.8): a
// single-shot promise/future hand-off fulfilled by the first outgoing video
// frame, encoding it to a JPEG the broadcast controller's go-live sequence
// uploads before the controller reaches Online.
package screenshot

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
)

// jpegQuality matches the original capturer's quality-95 encode (§4.8).
const jpegQuality = 95

// Frame is one I420 video frame as produced by the video adapter (§4.9):
// planar Y plus subsampled Cb/Cr, laid out exactly as Go's stdlib
// image.YCbCr expects for 4:2:0 — encoding it to JPEG needs no RGB
// round-trip, unlike the original capturer's I420→RAW24→JPEG path.
type Frame struct {
	Width, Height    int
	Y, Cb, Cr        []byte
	YStride, CStride int
}

// Encoder turns a Frame into an encoded image. NewDefault builds a Pipeline
// around NewJPEGEncoder(jpegQuality); hosts needing a different codec can
// supply their own through New.
type Encoder interface {
	Encode(Frame) ([]byte, error)
}

// JPEGEncoder encodes frames straight from their I420 planes via
// image/jpeg, which natively understands 4:2:0 YCbCr and needs no manual
// BT.601 math (contrast the teacher's bgraToNV12, which does its own
// fixed-point BT.601 conversion because NV12 has no stdlib image type).
type JPEGEncoder struct {
	Quality int
}

func NewJPEGEncoder(quality int) JPEGEncoder {
	return JPEGEncoder{Quality: quality}
}

func (e JPEGEncoder) Encode(f Frame) ([]byte, error) {
	img := &image.YCbCr{
		Y:              f.Y,
		Cb:             f.Cb,
		Cr:             f.Cr,
		YStride:        f.YStride,
		CStride:        f.CStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	quality := e.Quality
	if quality == 0 {
		quality = jpegQuality
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Pipeline is the one-shot promise/future hand-off (§4.8). The broadcast
// controller creates one at start; the video pipeline calls OfferFrame on
// its first outgoing I420 frame; the controller's Start calls Wait during
// its go-live sequence, before the heartbeat and long-poll loops start.
type Pipeline struct {
	encoder   Encoder
	fulfilled atomic.Bool
	done      chan struct{}
	once      sync.Once

	result []byte
	err    error
}

// New builds a Pipeline around encoder. Use NewDefault for the standard
// quality-95 JPEG encoder.
func New(encoder Encoder) *Pipeline {
	return &Pipeline{encoder: encoder, done: make(chan struct{})}
}

func NewDefault() *Pipeline {
	return New(NewJPEGEncoder(jpegQuality))
}

// OfferFrame attempts to fulfill the promise with f. Only the first call
// across the Pipeline's lifetime does anything (§4.8: "fulfilled at most
// once; a boolean guard... ensures subsequent frames do not attempt to
// refill"); encoding runs on its own goroutine so the video pipeline's hot
// path is never blocked by JPEG encoding.
func (p *Pipeline) OfferFrame(f Frame) {
	if !p.fulfilled.CompareAndSwap(false, true) {
		return
	}
	go func() {
		p.result, p.err = p.encoder.Encode(f)
		close(p.done)
	}()
}

// Wait blocks until the promise is fulfilled or ctx is done, returning the
// encoded JPEG bytes. Any encode error is propagated through the returned
// error, per §4.8's "any exception is propagated through the future".
func (p *Pipeline) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
