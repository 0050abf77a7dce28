package samplebuf

// Heart-rate derivation by R-peak interval. A beat is detected on an upward
// crossing of the voltage threshold; the interval between consecutive peaks
// (in samples, at a known sample rate) gives the instantaneous BPM. A
// refractory period after each peak suppresses double-counting within the
// same QRS complex.
const (
	// peakThreshold is the millivolt level an upward crossing must reach to
	// count as an R peak.
	peakThreshold = 0.6
	// refractory is the dead time after a peak, expressed as a fraction of a
	// second (200 ms — above any physiological heart rate).
	refractorySeconds = 0.2

	// minBPM and maxBPM bound plausible readings; intervals outside the
	// range are treated as noise and discarded.
	minBPM = 25
	maxBPM = 240
)

type peakDetector struct {
	sampleRate    int
	refractoryGap int
	lastValue     float32
	lastPeakIndex int
	havePeak      bool
	haveSample    bool
}

func newPeakDetector(sampleRate int) *peakDetector {
	return &peakDetector{
		sampleRate:    sampleRate,
		refractoryGap: int(float64(sampleRate) * refractorySeconds),
	}
}

// process consumes one sample at the given absolute index and returns a BPM
// reading when the sample completes a peak-to-peak interval.
func (d *peakDetector) process(value float32, index int) (int, bool) {
	if !d.haveSample {
		d.haveSample = true
		d.lastValue = value
		return 0, false
	}

	crossed := d.lastValue < peakThreshold && value >= peakThreshold
	d.lastValue = value
	if !crossed {
		return 0, false
	}

	if d.havePeak && index-d.lastPeakIndex <= d.refractoryGap {
		return 0, false
	}

	if !d.havePeak {
		d.havePeak = true
		d.lastPeakIndex = index
		return 0, false
	}

	interval := index - d.lastPeakIndex
	d.lastPeakIndex = index

	bpm := 60 * d.sampleRate / interval
	if bpm < minBPM || bpm > maxBPM {
		return 0, false
	}
	return bpm, true
}
