package transport

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"pulselink/internal/domain"
)

// Mock transport defaults.
const (
	mockDeviceID   = "mock-ecg-0"
	mockBatchEvery = 100 * time.Millisecond
	mockBPM        = 72
)

// MockTransport synthesizes an ECG waveform for development and tests. Scan
// reports one fake device; Connect starts streaming sample batches at the
// configured rate with beats at a fixed BPM.
type MockTransport struct {
	sampleRate int
	logger     *slog.Logger
	events     chan domain.DeviceEvent

	mu        sync.Mutex
	streaming bool
	stopGen   chan struct{}
	closed    bool
	closeOne  sync.Once
}

// NewMock creates a mock transport producing sampleRate samples per second.
func NewMock(sampleRate int, logger *slog.Logger) *MockTransport {
	if sampleRate <= 0 {
		sampleRate = 250
	}
	return &MockTransport{
		sampleRate: sampleRate,
		logger:     logger,
		events:     make(chan domain.DeviceEvent, 64),
	}
}

// Events implements domain.Transport.
func (t *MockTransport) Events() <-chan domain.DeviceEvent { return t.events }

// Scan implements domain.Transport.
func (t *MockTransport) Scan(context.Context) error {
	t.emit(domain.DeviceEvent{
		Kind:   domain.DeviceEventDiscovered,
		At:     time.Now(),
		Device: t.device(domain.DeviceDisconnected),
	})
	return nil
}

// Connect implements domain.Transport. Any deviceID is accepted.
func (t *MockTransport) Connect(_ context.Context, deviceID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.NewSubSystemError("device", "MockTransport.Connect", domain.ErrUnavailable, "transport closed")
	}
	if t.streaming {
		t.mu.Unlock()
		return domain.NewSubSystemError("device", "MockTransport.Connect", domain.ErrInvalidState, "already connected")
	}
	t.streaming = true
	t.stopGen = make(chan struct{})
	stop := t.stopGen
	t.mu.Unlock()

	t.emit(domain.DeviceEvent{
		Kind:   domain.DeviceEventStatus,
		At:     time.Now(),
		Device: t.device(domain.DeviceConnected),
	})
	t.logger.Info("mock device connected", "device_id", deviceID, "sample_rate", t.sampleRate)

	go t.stream(stop)
	return nil
}

// Disconnect implements domain.Transport.
func (t *MockTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	if !t.streaming {
		t.mu.Unlock()
		return nil
	}
	t.streaming = false
	close(t.stopGen)
	t.stopGen = nil
	t.mu.Unlock()

	t.emit(domain.DeviceEvent{
		Kind:   domain.DeviceEventStatus,
		At:     time.Now(),
		Device: t.device(domain.DeviceDisconnected),
	})
	return nil
}

// Close implements domain.Transport.
func (t *MockTransport) Close() error {
	t.closeOne.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.streaming {
			t.streaming = false
			close(t.stopGen)
			t.stopGen = nil
		}
		close(t.events)
		t.mu.Unlock()
	})
	return nil
}

// stream emits sample batches every mockBatchEvery until stopped.
func (t *MockTransport) stream(stop <-chan struct{}) {
	ticker := time.NewTicker(mockBatchEvery)
	defer ticker.Stop()

	var (
		seq   uint64
		index int
	)
	batchSize := t.sampleRate / int(time.Second/mockBatchEvery)
	if batchSize < 1 {
		batchSize = 1
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			samples := make([]float32, batchSize)
			for i := range samples {
				samples[i] = synthSample(index+i, t.sampleRate)
			}
			index += batchSize
			seq++
			t.emit(domain.DeviceEvent{
				Kind: domain.DeviceEventSampleBatch,
				At:   time.Now(),
				Batch: domain.SampleBatch{
					Seq:     seq,
					At:      time.Now(),
					Samples: samples,
				},
			})
		}
	}
}

// synthSample renders an idealized trace: a sharp R peak at each beat on top
// of low-amplitude baseline noise.
func synthSample(index, sampleRate int) float32 {
	beatInterval := sampleRate * 60 / mockBPM
	phase := index % beatInterval
	baseline := 0.05 * math.Sin(2*math.Pi*float64(index)/float64(sampleRate))
	if phase < 3 {
		return float32(1.1 + baseline)
	}
	return float32(baseline)
}

func (t *MockTransport) device(status domain.DeviceStatus) domain.Device {
	return domain.Device{
		ID:         mockDeviceID,
		Name:       "Mock ECG",
		Address:    "mock",
		Firmware:   "sim-1.0",
		SampleRate: t.sampleRate,
		Status:     status,
		LastSeenAt: time.Now(),
	}
}

func (t *MockTransport) emit(ev domain.DeviceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Error("event channel full, dropping event", "kind", string(ev.Kind))
	}
}

// Compile-time interface check.
var _ domain.Transport = (*MockTransport)(nil)
