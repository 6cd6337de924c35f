// Package audioadapter implements the Audio Adapter (§4.10): chunking of
// host-supplied 16-bit stereo 48kHz PCM into the fixed-size frames the
// WebRTC audio transport's record callback expects.
package audioadapter

import "sync"

const (
	// SampleRateHz and Channels describe the only input format accepted
	// (§4.10: "16-bit stereo samples at 48 kHz").
	SampleRateHz   = 48000
	Channels       = 2
	bytesPerSample = 2

	// samplesPerChunk is 480 samples/channel, i.e. 10ms at 48kHz.
	samplesPerChunk = 480

	// ChunkBytes is one chunk's size in interleaved little-endian bytes.
	ChunkBytes = samplesPerChunk * Channels * bytesPerSample
)

// RecordFunc receives one fixed-size 10ms chunk of interleaved PCM16
// stereo samples, ready for the WebRTC audio transport's record callback.
type RecordFunc func(pcm []byte)

// Adapter buffers host-supplied PCM across calls to Write and hands off
// exactly ChunkBytes-sized chunks, in order, as soon as enough data has
// accumulated. Any remainder shorter than a full chunk is carried forward.
type Adapter struct {
	mu     sync.Mutex
	carry  []byte
	record RecordFunc
}

func New(record RecordFunc) *Adapter {
	return &Adapter{record: record}
}

// Write appends pcm to the carry buffer and flushes every complete chunk
// it now contains, in order.
func (a *Adapter) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.carry = append(a.carry, pcm...)
	for len(a.carry) >= ChunkBytes {
		chunk := make([]byte, ChunkBytes)
		copy(chunk, a.carry[:ChunkBytes])
		a.carry = a.carry[ChunkBytes:]
		a.record(chunk)
	}
}

// Pending reports the number of carried-over bytes shorter than a full
// chunk, awaiting more data. Exposed for tests; not needed by callers.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.carry)
}
