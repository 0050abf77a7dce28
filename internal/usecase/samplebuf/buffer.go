// Package samplebuf accumulates streamed ECG voltage samples for one session
// and derives a running heart rate from them.
//
// A Buffer keeps two views of the same data: the full append-only record that
// is persisted with the session, and a capped live window that feeds the
// heart-rate detector and live display. The cap bounds memory for the live
// view only; it never truncates the persisted record.
//
// Buffer is not goroutine-safe. It has a single logical owner — the
// coordinator event loop — which serializes all mutations.
package samplebuf

import (
	"time"

	"pulselink/internal/domain"
)

// Buffer is the per-session sample accumulator.
type Buffer struct {
	sampleRate int
	windowMax  int

	record   []float32
	window   []float32
	detector *peakDetector
	rates    []domain.HeartRatePoint
}

// New creates a Buffer for the given device sample rate (Hz) and live window
// cap (samples).
func New(sampleRate, liveWindow int) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		windowMax:  liveWindow,
		detector:   newPeakDetector(sampleRate),
	}
}

// Append adds a batch of samples in arrival order and updates the derived
// heart-rate series. The caller guarantees monotonic arrival; no
// deduplication is attempted.
func (b *Buffer) Append(samples []float32) {
	base := len(b.record)
	b.record = append(b.record, samples...)

	b.window = append(b.window, samples...)
	if len(b.window) > b.windowMax {
		b.window = b.window[len(b.window)-b.windowMax:]
	}

	for i, v := range samples {
		if bpm, ok := b.detector.process(v, base+i); ok {
			offset := time.Duration(base+i) * time.Second / time.Duration(b.sampleRate)
			b.rates = append(b.rates, domain.HeartRatePoint{Offset: offset, BPM: bpm})
		}
	}
}

// CurrentHeartRate returns the most recent derived heart rate in BPM.
// Until enough peaks have been seen it returns (0, false), never panicking
// on an empty buffer.
func (b *Buffer) CurrentHeartRate() (int, bool) {
	if len(b.rates) == 0 {
		return 0, false
	}
	return b.rates[len(b.rates)-1].BPM, true
}

// HeartRates returns the derived heart-rate series accumulated so far.
// The returned slice is the buffer's own; callers take ownership only after
// the session is sealed.
func (b *Buffer) HeartRates() []domain.HeartRatePoint {
	return b.rates
}

// Record returns a copy of the full session record.
func (b *Buffer) Record() []float32 {
	out := make([]float32, len(b.record))
	copy(out, b.record)
	return out
}

// Window returns the capped live window (most recent samples).
func (b *Buffer) Window() []float32 {
	return b.window
}

// Len returns the total number of samples recorded.
func (b *Buffer) Len() int { return len(b.record) }

// Reset clears the record, the window and the detector state. Called when a
// new session opens.
func (b *Buffer) Reset() {
	b.record = nil
	b.window = nil
	b.rates = nil
	b.detector = newPeakDetector(b.sampleRate)
}
