package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pulselink/internal/adapter/summary"
	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
	"pulselink/internal/usecase/coordinator"
)

// --- handler test doubles ---

// gwTransport emits a connected status as soon as Connect is called.
type gwTransport struct {
	events chan domain.DeviceEvent
}

func newGWTransport() *gwTransport {
	return &gwTransport{events: make(chan domain.DeviceEvent, 16)}
}

func (t *gwTransport) Events() <-chan domain.DeviceEvent { return t.events }
func (t *gwTransport) Scan(context.Context) error        { return nil }
func (t *gwTransport) Connect(_ context.Context, deviceID string) error {
	t.events <- domain.DeviceEvent{
		Kind: domain.DeviceEventStatus,
		At:   time.Now(),
		Device: domain.Device{
			ID:         deviceID,
			Name:       "PulseLink " + deviceID,
			SampleRate: 250,
			Status:     domain.DeviceConnected,
			LastSeenAt: time.Now(),
		},
	}
	return nil
}
func (t *gwTransport) Disconnect(context.Context) error { return nil }
func (t *gwTransport) Close() error {
	close(t.events)
	return nil
}

// gwStore serves pre-seeded sessions.
type gwStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newGWStore() *gwStore {
	return &gwStore{sessions: make(map[string]*domain.Session)}
}

func (s *gwStore) SaveSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *gwStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.NewDomainError("gwStore.GetSession", domain.ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *gwStore) ListSessions(_ context.Context, deviceID string, limit int) ([]domain.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionSummary
	for _, sess := range s.sessions {
		if deviceID != "" && sess.DeviceID != deviceID {
			continue
		}
		out = append(out, domain.SessionSummary{ID: sess.ID, DeviceID: sess.DeviceID})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *gwStore) DeleteOlderThan(context.Context, time.Time) (int, error) { return 0, nil }
func (s *gwStore) Close() error                                            { return nil }

type stubProvider struct{}

func (stubProvider) Summarize(_ context.Context, stats domain.SessionStatistics, _ string) (*domain.Summary, error) {
	return &domain.Summary{Summary: "all good for " + stats.SessionID}, nil
}
func (stubProvider) Name() string { return "stub" }

func sealedTestSession(t *testing.T, id string) *domain.Session {
	t.Helper()
	started := time.Now().Add(-time.Minute)
	sess := domain.NewSession(id, "ecg-1", 250, started)
	if err := sess.Append([]float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sess.HeartRates = []domain.HeartRatePoint{{Offset: 2 * time.Second, BPM: 64}}
	if err := sess.Seal(started.Add(30 * time.Second)); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return sess
}

func newTestHandlers(t *testing.T) (*Handlers, *gwStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := &testBus{}
	store := newGWStore()

	coord := coordinator.New(coordinator.Config{Countdown: time.Millisecond}, newGWTransport(), store, bus, logger)
	t.Cleanup(func() { coord.Close() })

	registry := summary.NewRegistry()
	if err := registry.Register(stubProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := summary.NewService(registry, config.SummaryConfig{DefaultProvider: "stub"}, bus, logger)

	return NewHandlers(coord, store, svc, logger), store
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &ClientInfo{Name: "test"}, json.RawMessage(payload))
}

// --- tests ---

func TestHandlerRecordingState(t *testing.T) {
	h, _ := newTestHandlers(t)

	result, err := callHandler(t, h.RecordingState, ``)
	if err != nil {
		t.Fatalf("recording.state: %v", err)
	}

	var snap coordinator.Snapshot
	if err := json.Unmarshal(result, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.State != domain.StateIdle {
		t.Errorf("state = %q, want idle", snap.State)
	}
}

func TestHandlerRecordingStartWithoutDevice(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.RecordingStart, `{"duration_ms":1000}`)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestHandlerRecordingStartInvalidPayload(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.RecordingStart, `not json`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerDeviceConnectAndList(t *testing.T) {
	h, _ := newTestHandlers(t)

	if _, err := callHandler(t, h.DeviceConnect, `{"device_id":"ecg-1"}`); err != nil {
		t.Fatalf("device.connect: %v", err)
	}

	// The connected status arrives asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := callHandler(t, h.DeviceList, ``)
		if err != nil {
			t.Fatalf("device.list: %v", err)
		}
		var resp struct {
			Devices []domain.Device `json:"devices"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Devices) == 1 && resp.Devices[0].Status == domain.DeviceConnected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("device never connected: %+v", resp.Devices)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerDeviceConnectMissingID(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.DeviceConnect, `{}`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerSessionList(t *testing.T) {
	h, store := newTestHandlers(t)
	store.SaveSession(context.Background(), sealedTestSession(t, "sess-1"))

	result, err := callHandler(t, h.SessionList, `{}`)
	if err != nil {
		t.Fatalf("session.list: %v", err)
	}

	var resp struct {
		Sessions []domain.SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "sess-1" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

func TestHandlerSessionListEmpty(t *testing.T) {
	h, _ := newTestHandlers(t)

	result, err := callHandler(t, h.SessionList, ``)
	if err != nil {
		t.Fatalf("session.list: %v", err)
	}
	if !strings.Contains(string(result), `"sessions":[]`) {
		t.Errorf("result = %s, want empty array", result)
	}
}

func TestHandlerSessionGet(t *testing.T) {
	h, store := newTestHandlers(t)
	store.SaveSession(context.Background(), sealedTestSession(t, "sess-1"))

	result, err := callHandler(t, h.SessionGet, `{"id":"sess-1"}`)
	if err != nil {
		t.Fatalf("session.get: %v", err)
	}

	var resp struct {
		Session    domain.Session           `json:"session"`
		Statistics domain.SessionStatistics `json:"statistics"`
		Samples    []float32                `json:"samples"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Session.ID != "sess-1" {
		t.Errorf("session id = %q", resp.Session.ID)
	}
	if resp.Statistics.AvgBPM != 64 {
		t.Errorf("avg bpm = %d, want 64", resp.Statistics.AvgBPM)
	}
	if resp.Samples != nil {
		t.Errorf("samples included without include_samples: %v", resp.Samples)
	}

	// With samples.
	result, err = callHandler(t, h.SessionGet, `{"id":"sess-1","include_samples":true}`)
	if err != nil {
		t.Fatalf("session.get with samples: %v", err)
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Samples) != 3 {
		t.Errorf("len(samples) = %d, want 3", len(resp.Samples))
	}
}

func TestHandlerSessionGetNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.SessionGet, `{"id":"nope"}`)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestHandlerSessionGetMissingID(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.SessionGet, `{}`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerSessionSummarize(t *testing.T) {
	h, store := newTestHandlers(t)
	store.SaveSession(context.Background(), sealedTestSession(t, "sess-1"))

	result, err := callHandler(t, h.SessionSummarize, `{"id":"sess-1"}`)
	if err != nil {
		t.Fatalf("session.summarize: %v", err)
	}

	var resp struct {
		Summary domain.Summary `json:"summary"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(resp.Summary.Summary, "sess-1") {
		t.Errorf("summary = %q", resp.Summary.Summary)
	}
	if resp.Summary.Fallback {
		t.Error("stub provider result marked as fallback")
	}
}

func TestHandlerSessionSummarizeUnknownSession(t *testing.T) {
	h, _ := newTestHandlers(t)

	_, err := callHandler(t, h.SessionSummarize, `{"id":"nope"}`)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestHandlerRegister(t *testing.T) {
	h, _ := newTestHandlers(t)

	srv := startTestServer(t, testGatewayConfig(), &testBus{})
	h.Register(srv)

	ws := dialWS(t, srv.BoundAddr(), "test-token")

	resp := call(t, ws, 1, "recording.state", nil)
	if resp.Error != "" {
		t.Fatalf("recording.state error: %s", resp.Error)
	}
	if !strings.Contains(string(resp.Payload), `"state":"idle"`) {
		t.Errorf("payload = %s", resp.Payload)
	}
}
