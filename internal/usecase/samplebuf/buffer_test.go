package samplebuf

import (
	"testing"
	"time"
)

// synthBeats produces a flat trace with a one-sample spike every interval
// samples, approximating R peaks at a fixed heart rate.
func synthBeats(total, interval int) []float32 {
	out := make([]float32, total)
	for i := interval; i < total; i += interval {
		out[i] = 1.0
	}
	return out
}

func TestAppendPreservesFullRecord(t *testing.T) {
	b := New(250, 100)

	batches := 30
	for i := 0; i < batches; i++ {
		b.Append(make([]float32, 250))
	}

	if b.Len() != batches*250 {
		t.Fatalf("record length = %d, want %d", b.Len(), batches*250)
	}
	if len(b.Window()) != 100 {
		t.Fatalf("window length = %d, want cap 100", len(b.Window()))
	}
	if got := len(b.Record()); got != batches*250 {
		t.Fatalf("record copy length = %d", got)
	}
}

func TestCurrentHeartRateSentinel(t *testing.T) {
	b := New(250, 2500)

	if bpm, ok := b.CurrentHeartRate(); ok || bpm != 0 {
		t.Fatalf("empty buffer: got (%d, %v), want (0, false)", bpm, ok)
	}

	// One peak is not enough for an interval.
	trace := make([]float32, 300)
	trace[50] = 1.0
	b.Append(trace)
	if _, ok := b.CurrentHeartRate(); ok {
		t.Fatal("single peak must not yield a heart rate")
	}
}

func TestHeartRateFromPeakIntervals(t *testing.T) {
	const rate = 250
	b := New(rate, 10*rate)

	// Peaks every 250 samples at 250 Hz → 60 BPM.
	b.Append(synthBeats(10*rate, rate))

	bpm, ok := b.CurrentHeartRate()
	if !ok {
		t.Fatal("expected a heart rate after several beats")
	}
	if bpm != 60 {
		t.Fatalf("bpm = %d, want 60", bpm)
	}

	points := b.HeartRates()
	if len(points) == 0 {
		t.Fatal("expected derived heart-rate points")
	}
	for i := 1; i < len(points); i++ {
		if points[i].Offset <= points[i-1].Offset {
			t.Fatalf("heart-rate offsets not increasing: %v", points)
		}
	}
}

func TestHeartRateAcrossBatchBoundaries(t *testing.T) {
	const rate = 250
	b := New(rate, 10*rate)

	// Same trace as above, delivered in uneven batches.
	trace := synthBeats(10*rate, rate)
	for len(trace) > 0 {
		n := 173
		if n > len(trace) {
			n = len(trace)
		}
		b.Append(trace[:n])
		trace = trace[n:]
	}

	bpm, ok := b.CurrentHeartRate()
	if !ok || bpm != 60 {
		t.Fatalf("bpm = (%d, %v), want (60, true)", bpm, ok)
	}
}

func TestHeartRateOffsetUsesSampleClock(t *testing.T) {
	const rate = 250
	b := New(rate, 10*rate)
	b.Append(synthBeats(3*rate, rate))

	points := b.HeartRates()
	if len(points) == 0 {
		t.Fatal("expected points")
	}
	// Second peak lands at sample 500 → 2s.
	if points[0].Offset != 2*time.Second {
		t.Fatalf("first point offset = %v, want 2s", points[0].Offset)
	}
}

func TestReset(t *testing.T) {
	b := New(250, 500)
	b.Append(synthBeats(1000, 250))
	b.Reset()

	if b.Len() != 0 || len(b.Window()) != 0 || len(b.HeartRates()) != 0 {
		t.Fatal("reset must clear record, window and rate series")
	}
	if _, ok := b.CurrentHeartRate(); ok {
		t.Fatal("reset must clear detector state")
	}
}

func TestRefractorySuppressesDoubleCount(t *testing.T) {
	const rate = 250
	b := New(rate, 10*rate)

	// Each beat is a 3-sample plateau: only the first crossing may count.
	trace := make([]float32, 5*rate)
	for i := rate; i < len(trace)-2; i += rate {
		trace[i], trace[i+1], trace[i+2] = 1.0, 1.0, 1.0
	}
	b.Append(trace)

	bpm, ok := b.CurrentHeartRate()
	if !ok || bpm != 60 {
		t.Fatalf("bpm = (%d, %v), want (60, true)", bpm, ok)
	}
}
