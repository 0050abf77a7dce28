package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pulselink/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]domain.EventType, len(b.events))
	for i, evt := range b.events {
		types[i] = evt.Type
	}
	return types
}

func (b *recordingBus) Has(eventType domain.EventType) bool {
	for _, t := range b.Types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func (b *recordingBus) Find(eventType domain.EventType) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range b.events {
		if evt.Type == eventType {
			return evt, true
		}
	}
	return domain.Event{}, false
}

// fakeTransport emits scripted events on demand.
type fakeTransport struct {
	events      chan domain.DeviceEvent
	mu          sync.Mutex
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan domain.DeviceEvent, 64)}
}

func (t *fakeTransport) Events() <-chan domain.DeviceEvent { return t.events }
func (t *fakeTransport) Scan(context.Context) error        { return nil }
func (t *fakeTransport) Connect(_ context.Context, deviceID string) error {
	t.emitStatus(deviceID, domain.DeviceConnected, nil)
	return nil
}
func (t *fakeTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	return nil
}
func (t *fakeTransport) Close() error {
	close(t.events)
	return nil
}

func (t *fakeTransport) emitStatus(deviceID string, status domain.DeviceStatus, err error) {
	t.events <- domain.DeviceEvent{
		Kind: domain.DeviceEventStatus,
		At:   time.Now(),
		Device: domain.Device{
			ID:         deviceID,
			Name:       "PulseLink " + deviceID,
			SampleRate: 250,
			Status:     status,
			LastSeenAt: time.Now(),
		},
		Err: err,
	}
}

func (t *fakeTransport) emitSamples(seq uint64, samples []float32) {
	t.events <- domain.DeviceEvent{
		Kind:  domain.DeviceEventSampleBatch,
		At:    time.Now(),
		Batch: domain.SampleBatch{Seq: seq, At: time.Now(), Samples: samples},
	}
}

func (t *fakeTransport) emitDiscovered(deviceID string) {
	t.events <- domain.DeviceEvent{
		Kind: domain.DeviceEventDiscovered,
		At:   time.Now(),
		Device: domain.Device{
			ID:         deviceID,
			Name:       "PulseLink " + deviceID,
			Status:     domain.DeviceDisconnected,
			LastSeenAt: time.Now(),
		},
	}
}

// memStore keeps saved sessions in memory.
type memStore struct {
	mu      sync.Mutex
	saved   []*domain.Session
	saveErr error
}

func (s *memStore) SaveSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, sess)
	return nil
}

func (s *memStore) GetSession(context.Context, string) (*domain.Session, error) {
	return nil, domain.ErrSessionNotFound
}

func (s *memStore) ListSessions(context.Context, string, int) ([]domain.SessionSummary, error) {
	return nil, nil
}

func (s *memStore) DeleteOlderThan(context.Context, time.Time) (int, error) { return 0, nil }
func (s *memStore) Close() error                                            { return nil }

func (s *memStore) Saved() []*domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]*domain.Session, len(s.saved))
	copy(cp, s.saved)
	return cp
}

type fixture struct {
	coord     *Coordinator
	transport *fakeTransport
	store     *memStore
	bus       *recordingBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Countdown == 0 {
		cfg.Countdown = 5 * time.Millisecond
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = time.Minute
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 250
	}
	transport := newFakeTransport()
	store := &memStore{}
	bus := &recordingBus{}
	coord := New(cfg, transport, store, bus, newTestLogger())
	t.Cleanup(func() { coord.Close() })
	return &fixture{coord: coord, transport: transport, store: store, bus: bus}
}

// connect emits a connected device and waits until the coordinator sees it.
func (f *fixture) connect(t *testing.T, deviceID string) {
	t.Helper()
	f.transport.emitStatus(deviceID, domain.DeviceConnected, nil)
	waitFor(t, func() bool {
		snap, err := f.coord.State(context.Background())
		return err == nil && snap.Device != nil && snap.Device.ID == deviceID
	}, "device connected")
}

func (f *fixture) waitState(t *testing.T, want domain.RecordingState) {
	t.Helper()
	waitFor(t, func() bool {
		snap, err := f.coord.State(context.Background())
		return err == nil && snap.State == want
	}, "state "+string(want))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pulses builds n samples with a spike at every interval-th sample, enough to
// drive the peak detector.
func pulses(n, interval int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%interval == 0 {
			out[i] = 1.2
		} else {
			out[i] = 0.05
		}
	}
	return out
}

func TestStartRequiresConnectedDevice(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.coord.Start(context.Background(), 30*time.Second)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Start without a device: got %v, want ErrInvalidState", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, 30*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)

	// 30 batches of 250 samples = 7500 samples.
	all := pulses(7500, 250)
	for i := 0; i < 30; i++ {
		f.transport.emitSamples(uint64(i), all[i*250:(i+1)*250])
	}
	waitFor(t, func() bool {
		snap, err := f.coord.State(ctx)
		return err == nil && snap.SampleCount == 7500
	}, "samples buffered")

	if err := f.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return len(f.store.Saved()) == 1 }, "session saved")

	sess := f.store.Saved()[0]
	if !sess.Sealed() {
		t.Fatal("saved session is not sealed")
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("session status = %s, want completed", sess.Status)
	}
	if got := sess.SampleCount(); got != 7500 {
		t.Fatalf("sample count = %d, want 7500", got)
	}
	if len(sess.HeartRates) == 0 {
		t.Fatal("expected derived heart-rate points")
	}

	f.waitState(t, domain.StateIdle)
	for _, want := range []domain.EventType{
		domain.EventRecordingCountdown,
		domain.EventRecordingStarted,
		domain.EventHeartRateUpdated,
		domain.EventRecordingStopped,
		domain.EventSessionSaved,
		domain.EventRecordingCompleted,
	} {
		if !f.bus.Has(want) {
			t.Errorf("missing event %s; saw %v", want, f.bus.Types())
		}
	}
}

func TestStopWhileIdleIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}
	snap, err := f.coord.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.State != domain.StateIdle {
		t.Fatalf("state = %s, want idle", snap.State)
	}
	if f.bus.Has(domain.EventRecordingStopped) {
		t.Fatal("stop while idle should not publish a stopped event")
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	f := newFixture(t, Config{Countdown: time.Hour})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := f.coord.Start(ctx, time.Minute)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second Start: got %v, want ErrInvalidState", err)
	}
}

func TestStopDuringCountdownCancels(t *testing.T) {
	f := newFixture(t, Config{Countdown: 30 * time.Millisecond})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop during countdown: %v", err)
	}
	f.waitState(t, domain.StateIdle)

	// The countdown timer must not open a session after cancellation.
	time.Sleep(60 * time.Millisecond)
	snap, err := f.coord.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.State != domain.StateIdle {
		t.Fatalf("state after stale countdown = %s, want idle", snap.State)
	}
	if len(f.store.Saved()) != 0 {
		t.Fatal("cancelled countdown should not persist anything")
	}
	if f.bus.Has(domain.EventRecordingStarted) {
		t.Fatal("cancelled countdown should not start recording")
	}
}

func TestDisconnectAbortsRecording(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)
	f.transport.emitSamples(0, pulses(500, 250))
	waitFor(t, func() bool {
		snap, err := f.coord.State(ctx)
		return err == nil && snap.SampleCount == 500
	}, "samples buffered")

	f.transport.emitStatus("ecg-1", domain.DeviceDisconnected, nil)
	f.waitState(t, domain.StateIdle)

	if !f.bus.Has(domain.EventRecordingAborted) {
		t.Fatal("expected an aborted event")
	}
	if len(f.store.Saved()) != 0 {
		t.Fatal("aborted session should be discarded without partial-save")
	}
	snap, err := f.coord.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.Device != nil {
		t.Fatal("device should be cleared after disconnect")
	}
}

func TestOtherDeviceDisconnectKeepsRecording(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")
	f.transport.emitDiscovered("ecg-2")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)
	f.transport.emitSamples(0, pulses(250, 250))

	// A stale status for a device we never connected to.
	f.transport.emitStatus("ecg-2", domain.DeviceDisconnected, nil)
	waitFor(t, func() bool { return f.bus.Has(domain.EventDeviceDisconnected) }, "status event processed")

	snap, err := f.coord.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.State != domain.StateRecording {
		t.Fatalf("state = %s, want recording", snap.State)
	}
	if snap.Device == nil || snap.Device.ID != "ecg-1" {
		t.Fatalf("connected device = %+v, want ecg-1", snap.Device)
	}
	if f.bus.Has(domain.EventRecordingAborted) {
		t.Fatal("unrelated device status must not abort the session")
	}

	// The recording still finishes normally.
	if err := f.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return len(f.store.Saved()) == 1 }, "session saved")
}

func TestDisconnectSavesPartialWhenEnabled(t *testing.T) {
	f := newFixture(t, Config{SavePartial: true})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)
	f.transport.emitSamples(0, pulses(750, 250))
	waitFor(t, func() bool {
		snap, err := f.coord.State(ctx)
		return err == nil && snap.SampleCount == 750
	}, "samples buffered")

	f.transport.emitStatus("ecg-1", domain.DeviceDisconnected, nil)
	waitFor(t, func() bool { return len(f.store.Saved()) == 1 }, "partial session saved")

	sess := f.store.Saved()[0]
	if sess.Status != domain.SessionAborted {
		t.Fatalf("session status = %s, want aborted", sess.Status)
	}
	if got := sess.SampleCount(); got != 750 {
		t.Fatalf("sample count = %d, want 750", got)
	}
}

func TestMaxDurationStopsRecording(t *testing.T) {
	f := newFixture(t, Config{MaxDuration: time.Minute})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, 40*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)
	f.transport.emitSamples(0, pulses(250, 250))

	waitFor(t, func() bool { return len(f.store.Saved()) == 1 }, "session saved at duration cap")
	sess := f.store.Saved()[0]
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("session status = %s, want completed", sess.Status)
	}
	f.waitState(t, domain.StateIdle)
}

func TestSaveErrorReturnsToIdle(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.saveErr = errors.New("disk full")
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)
	f.transport.emitSamples(0, pulses(250, 250))
	if err := f.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f.waitState(t, domain.StateIdle)
	if f.bus.Has(domain.EventRecordingCompleted) {
		t.Fatal("failed save must not publish a completed event")
	}

	// The async save failure is reported on the bus, not swallowed.
	evt, ok := f.bus.Find(domain.EventSessionSaveFailed)
	if !ok {
		t.Fatalf("no save-failed event published, got %v", f.bus.Types())
	}
	var payload struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal save-failed payload: %v", err)
	}
	if payload.Code != string(domain.CodePersistence) {
		t.Fatalf("code = %q, want %q", payload.Code, domain.CodePersistence)
	}
	if payload.Reason != "disk full" {
		t.Fatalf("reason = %q", payload.Reason)
	}
	if evt.SessionID == "" {
		t.Fatal("save-failed event carries no session id")
	}
}

func TestSamplesIgnoredOutsideRecording(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	f.transport.emitSamples(0, pulses(250, 250))
	// Give the loop time to (not) buffer them.
	time.Sleep(20 * time.Millisecond)
	snap, err := f.coord.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.SampleCount != 0 {
		t.Fatalf("sample count = %d, want 0 while idle", snap.SampleCount)
	}
}

func TestDevicesListsDiscovered(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.transport.emitDiscovered("ecg-1")
	f.transport.emitDiscovered("ecg-2")
	waitFor(t, func() bool {
		devices, err := f.coord.Devices(ctx)
		return err == nil && len(devices) == 2
	}, "devices discovered")

	if !f.bus.Has(domain.EventDeviceDiscovered) {
		t.Fatal("expected discovered events on the bus")
	}
}

func TestConnectDisconnectPassthrough(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.coord.Connect(ctx, "ecg-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		snap, err := f.coord.State(ctx)
		return err == nil && snap.Device != nil
	}, "device connected")

	if err := f.coord.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.transport.mu.Lock()
	n := f.transport.disconnects
	f.transport.mu.Unlock()
	if n != 1 {
		t.Fatalf("transport disconnects = %d, want 1", n)
	}
}

func TestHeartRateEventsCarryBPM(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, "ecg-1")

	if err := f.coord.Start(ctx, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitState(t, domain.StateRecording)

	// Beats every 250 samples at 250 Hz → 60 BPM.
	f.transport.emitSamples(0, pulses(1500, 250))
	waitFor(t, func() bool {
		snap, err := f.coord.State(ctx)
		return err == nil && snap.HeartRate == 60
	}, "heart rate derived")
}
