package screenshot

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
	"time"
)

func solidFrame(w, h int, y, cb, cr byte) Frame {
	yPlane := bytes.Repeat([]byte{y}, w*h)
	cw, ch := (w+1)/2, (h+1)/2
	cbPlane := bytes.Repeat([]byte{cb}, cw*ch)
	crPlane := bytes.Repeat([]byte{cr}, cw*ch)
	return Frame{Width: w, Height: h, Y: yPlane, Cb: cbPlane, Cr: crPlane, YStride: w, CStride: cw}
}

func TestJPEGEncoderProducesDecodableImage(t *testing.T) {
	enc := NewJPEGEncoder(95)
	data, err := enc.Encode(solidFrame(16, 16, 180, 128, 128))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("encoded output did not decode as JPEG: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Errorf("unexpected decoded dimensions: %v", img.Bounds())
	}
}

func TestJPEGEncoderDefaultsQualityToNinetyFive(t *testing.T) {
	enc := NewJPEGEncoder(0)
	if enc.Quality != 0 {
		t.Fatalf("constructor should not rewrite Quality itself")
	}
	frame := solidFrame(8, 8, 100, 128, 128)
	got, err := enc.Encode(frame)
	if err != nil {
		t.Fatalf("unexpected error with zero-value quality: %v", err)
	}
	want, err := NewJPEGEncoder(95).Encode(frame)
	if err != nil {
		t.Fatalf("unexpected error with quality 95: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("expected zero-value quality to encode identically to quality 95")
	}
}

type fakeEncoder struct {
	calls int
	err   error
}

func (f *fakeEncoder) Encode(Frame) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("jpeg-bytes"), nil
}

func TestPipelineFulfillsOnceFromFirstFrame(t *testing.T) {
	enc := &fakeEncoder{}
	p := New(enc)

	p.OfferFrame(Frame{})
	p.OfferFrame(Frame{}) // second offer must be a no-op

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected payload: %q", data)
	}
	if enc.calls != 1 {
		t.Errorf("expected exactly 1 encode call, got %d", enc.calls)
	}
}

func TestPipelinePropagatesEncodeError(t *testing.T) {
	wantErr := errors.New("encode boom")
	p := New(&fakeEncoder{err: wantErr})
	p.OfferFrame(Frame{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Wait(ctx)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestPipelineWaitRespectsContextCancellation(t *testing.T) {
	p := New(&fakeEncoder{}) // never offered a frame

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
