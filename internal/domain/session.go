package domain

import (
	"context"
	"time"
)

// RecordingState is the lifecycle stage of a capture session. Transitions are
// strictly sequential (idle → countdown → recording → processing → completed)
// except that disconnects and explicit stops can return any state to idle.
type RecordingState string

const (
	StateIdle       RecordingState = "idle"
	StateCountdown  RecordingState = "countdown"
	StateRecording  RecordingState = "recording"
	StateProcessing RecordingState = "processing"
	StateCompleted  RecordingState = "completed"
)

// SessionStatus is the terminal disposition of a session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// SampleBatch is one transport delivery of consecutive voltage samples.
// Seq increases monotonically per connection; Samples are millivolts.
type SampleBatch struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Samples []float32 `json:"samples"`
}

// HeartRatePoint is one derived heart-rate measurement within a session.
type HeartRatePoint struct {
	Offset time.Duration `json:"offset"` // since session start
	BPM    int           `json:"bpm"`
}

// Session is one bounded ECG recording with its samples and derived metrics.
// The sample sequence is append-only while recording and immutable once
// sealed; Append and Seal enforce this.
type Session struct {
	ID         string           `json:"id"`
	DeviceID   string           `json:"device_id"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	SampleRate int              `json:"sample_rate"`
	Samples    []float32        `json:"-"`
	HeartRates []HeartRatePoint `json:"heart_rates,omitempty"`
	Status     SessionStatus    `json:"status"`

	sealed bool
}

// NewSession opens a recording session. The sample sequence starts empty.
func NewSession(id, deviceID string, sampleRate int, startedAt time.Time) *Session {
	return &Session{
		ID:         id,
		DeviceID:   deviceID,
		StartedAt:  startedAt,
		SampleRate: sampleRate,
		Status:     SessionRecording,
	}
}

// RestoreSession rehydrates a persisted session. Restored sessions are
// sealed regardless of status so their samples stay immutable.
func RestoreSession(s Session) *Session {
	s.sealed = true
	return &s
}

// Append adds a batch of samples. Fails with ErrSessionSealed once the
// session has been sealed or aborted.
func (s *Session) Append(samples []float32) error {
	if s.sealed {
		return NewDomainError("Session.Append", ErrSessionSealed, s.ID)
	}
	s.Samples = append(s.Samples, samples...)
	return nil
}

// Seal marks the session completed and freezes its sample sequence.
// Sealing twice is an error.
func (s *Session) Seal(endedAt time.Time) error {
	if s.sealed {
		return NewDomainError("Session.Seal", ErrSessionSealed, s.ID)
	}
	s.sealed = true
	s.Status = SessionCompleted
	s.Duration = endedAt.Sub(s.StartedAt)
	return nil
}

// Abort marks the session aborted and freezes it. Aborting an already sealed
// session is a no-op so that a disconnect racing a stop cannot flip status.
func (s *Session) Abort(endedAt time.Time) {
	if s.sealed {
		return
	}
	s.sealed = true
	s.Status = SessionAborted
	s.Duration = endedAt.Sub(s.StartedAt)
}

// Sealed reports whether the sample sequence is frozen.
func (s *Session) Sealed() bool { return s.sealed }

// SampleCount returns the number of recorded samples.
func (s *Session) SampleCount() int { return len(s.Samples) }

// Statistics derives summary metrics from the heart-rate series.
func (s *Session) Statistics() SessionStatistics {
	stats := SessionStatistics{
		SessionID:   s.ID,
		DeviceID:    s.DeviceID,
		StartedAt:   s.StartedAt,
		Duration:    s.Duration,
		SampleCount: len(s.Samples),
	}
	if len(s.HeartRates) == 0 {
		return stats
	}
	minBPM, maxBPM, sum := s.HeartRates[0].BPM, s.HeartRates[0].BPM, 0
	for _, p := range s.HeartRates {
		if p.BPM < minBPM {
			minBPM = p.BPM
		}
		if p.BPM > maxBPM {
			maxBPM = p.BPM
		}
		sum += p.BPM
	}
	stats.MinBPM = minBPM
	stats.MaxBPM = maxBPM
	stats.AvgBPM = sum / len(s.HeartRates)
	return stats
}

// SessionStatistics aggregates a sealed session for display and AI summary.
type SessionStatistics struct {
	SessionID   string        `json:"session_id"`
	DeviceID    string        `json:"device_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	SampleCount int           `json:"sample_count"`
	MinBPM      int           `json:"min_bpm"`
	AvgBPM      int           `json:"avg_bpm"`
	MaxBPM      int           `json:"max_bpm"`
}

// SessionSummary is the lightweight listing view of a stored session.
type SessionSummary struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"device_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	SampleCount int           `json:"sample_count"`
	AvgBPM      int           `json:"avg_bpm"`
	Status      SessionStatus `json:"status"`
}

// SessionStore persists sealed sessions. Ownership of a Session transfers to
// the store on SaveSession; callers must not mutate it afterwards.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns newest-first summaries, optionally filtered by
	// device. limit <= 0 means no limit.
	ListSessions(ctx context.Context, deviceID string, limit int) ([]SessionSummary, error)
	// DeleteOlderThan removes sessions started before cutoff and reports how
	// many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
