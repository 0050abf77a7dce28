// Package transport delivers device events from an ECG source. The bridge
// transport speaks JSON over WebSocket to a LAN bridge; the mock transport
// synthesizes a waveform for development without hardware.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pulselink/internal/domain"
	"pulselink/internal/infra/config"
)

// defaultConnectTimeout bounds the WebSocket dial plus hello exchange.
const defaultConnectTimeout = 10 * time.Second

// bridgeFrame is the JSON envelope exchanged with an ECG bridge.
//
//	hello      ← bridge capabilities after connect (device, sample_rate)
//	connect    → pick a sensor behind the bridge
//	disconnect → drop the sensor
//	status     ← sensor status change
//	samples    ← one batch of millivolt samples
//	error      ← bridge-side failure
type bridgeFrame struct {
	Type       string      `json:"type"`
	DeviceID   string      `json:"device_id,omitempty"`
	Device     *wireDevice `json:"device,omitempty"`
	Status     string      `json:"status,omitempty"`
	Seq        uint64      `json:"seq,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Samples    []float32   `json:"samples,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// wireDevice is the bridge's device description.
type wireDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	RSSI       int    `json:"rssi,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// BridgeTransport implements domain.Transport against a WebSocket ECG bridge.
// Bridges are found via mDNS unless a fixed URL is configured.
type BridgeTransport struct {
	cfg      config.DeviceConfig
	logger   *slog.Logger
	events   chan domain.DeviceEvent
	discover *Discoverer

	mu       sync.Mutex
	conn     *websocket.Conn
	device   *domain.Device
	connGen  int
	lastSeq  uint64
	haveSeq  bool
	closed   bool
	closeOne sync.Once
}

// NewBridge creates a bridge transport. No connection is made until Connect.
func NewBridge(cfg config.DeviceConfig, logger *slog.Logger) *BridgeTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &BridgeTransport{
		cfg:      cfg,
		logger:   logger,
		events:   make(chan domain.DeviceEvent, 64),
		discover: NewDiscoverer(cfg.ScanTimeout, logger),
	}
}

// Events implements domain.Transport.
func (t *BridgeTransport) Events() <-chan domain.DeviceEvent { return t.events }

// Scan implements domain.Transport. With a fixed bridge URL the bridge itself
// is reported; otherwise the local network is browsed via mDNS.
func (t *BridgeTransport) Scan(ctx context.Context) error {
	if t.cfg.BridgeURL != "" {
		t.emit(domain.DeviceEvent{
			Kind: domain.DeviceEventDiscovered,
			At:   time.Now(),
			Device: domain.Device{
				ID:         t.cfg.BridgeURL,
				Name:       "configured bridge",
				Address:    t.cfg.BridgeURL,
				SampleRate: t.cfg.SampleRate,
				Status:     domain.DeviceDisconnected,
				LastSeenAt: time.Now(),
			},
		})
		return nil
	}
	if !t.cfg.MDNS {
		return domain.NewSubSystemError("device", "BridgeTransport.Scan", domain.ErrInvalidInput,
			"no bridge URL configured and mdns disabled")
	}

	devices, err := t.discover.Scan(ctx)
	if err != nil {
		return domain.NewSubSystemError("device", "BridgeTransport.Scan", domain.ErrDeviceConnection, err.Error())
	}
	for _, dev := range devices {
		t.emit(domain.DeviceEvent{Kind: domain.DeviceEventDiscovered, At: time.Now(), Device: dev})
	}
	return nil
}

// Connect implements domain.Transport. deviceID is the bridge address from a
// discovered device (or the configured URL). The hello frame may override the
// configured sample rate.
func (t *BridgeTransport) Connect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.NewSubSystemError("device", "BridgeTransport.Connect", domain.ErrUnavailable, "transport closed")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return domain.NewSubSystemError("device", "BridgeTransport.Connect", domain.ErrInvalidState, "already connected")
	}
	t.mu.Unlock()

	url := t.cfg.BridgeURL
	if url == "" {
		url = deviceID
	}

	t.emit(domain.DeviceEvent{
		Kind:   domain.DeviceEventStatus,
		At:     time.Now(),
		Device: domain.Device{ID: deviceID, Status: domain.DeviceConnecting, LastSeenAt: time.Now()},
	})

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		t.emit(domain.DeviceEvent{
			Kind:   domain.DeviceEventStatus,
			At:     time.Now(),
			Device: domain.Device{ID: deviceID, Status: domain.DeviceError, LastSeenAt: time.Now()},
			Err:    err,
		})
		return domain.NewSubSystemError("device", "BridgeTransport.Connect", domain.ErrDeviceConnection, err.Error())
	}
	// Sample batches are small but a slow LAN peer shouldn't kill the socket.
	conn.SetReadLimit(1 << 20)

	if err := t.writeFrame(dialCtx, conn, bridgeFrame{Type: "connect", DeviceID: deviceID}); err != nil {
		conn.Close(websocket.StatusInternalError, "connect frame failed")
		return domain.NewSubSystemError("device", "BridgeTransport.Connect", domain.ErrDeviceConnection, err.Error())
	}

	hello, err := t.readFrame(dialCtx, conn)
	if err != nil || hello.Type != "hello" {
		conn.Close(websocket.StatusProtocolError, "missing hello")
		detail := "bridge did not send hello"
		if err != nil {
			detail = err.Error()
		}
		return domain.NewSubSystemError("device", "BridgeTransport.Connect", domain.ErrDeviceConnection, detail)
	}

	dev := deviceFromWire(hello.Device, deviceID)
	if dev.SampleRate == 0 {
		dev.SampleRate = t.cfg.SampleRate
	}
	dev.Status = domain.DeviceConnected
	dev.LastSeenAt = time.Now()

	t.mu.Lock()
	t.conn = conn
	t.device = &dev
	t.connGen++
	t.lastSeq = 0
	t.haveSeq = false
	gen := t.connGen
	t.mu.Unlock()

	t.emit(domain.DeviceEvent{Kind: domain.DeviceEventStatus, At: time.Now(), Device: dev})
	t.logger.Info("bridge connected", "device_id", dev.ID, "sample_rate", dev.SampleRate, "url", url)

	go t.readLoop(conn, dev, gen)
	return nil
}

// Disconnect implements domain.Transport.
func (t *BridgeTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Best effort: tell the bridge before dropping the socket.
	_ = t.writeFrame(ctx, conn, bridgeFrame{Type: "disconnect"})
	conn.Close(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

// Close implements domain.Transport.
func (t *BridgeTransport) Close() error {
	t.closeOne.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.conn = nil
		close(t.events)
		t.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "transport closed")
		}
	})
	return nil
}

// readLoop translates bridge frames into device events until the socket dies.
func (t *BridgeTransport) readLoop(conn *websocket.Conn, dev domain.Device, gen int) {
	for {
		frame, err := t.readFrame(context.Background(), conn)
		if err != nil {
			t.handleDrop(conn, dev, gen, err)
			return
		}

		switch frame.Type {
		case "samples":
			t.checkSeq(frame.Seq, dev.ID)
			t.emit(domain.DeviceEvent{
				Kind: domain.DeviceEventSampleBatch,
				At:   time.Now(),
				Batch: domain.SampleBatch{
					Seq:     frame.Seq,
					At:      time.Now(),
					Samples: frame.Samples,
				},
			})
		case "status":
			status := domain.DeviceStatus(frame.Status)
			if status == domain.DeviceDisconnected || status == domain.DeviceError {
				var cause error
				if frame.Error != "" {
					cause = fmt.Errorf("%s", frame.Error)
				}
				t.handleDrop(conn, dev, gen, cause)
				return
			}
		case "error":
			t.handleDrop(conn, dev, gen, fmt.Errorf("%s", frame.Error))
			return
		default:
			t.logger.Debug("ignoring bridge frame", "type", frame.Type)
		}
	}
}

// checkSeq logs sample batch sequence gaps. Delivery stays in order over the
// single socket; a gap means the bridge dropped batches.
func (t *BridgeTransport) checkSeq(seq uint64, deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.haveSeq && seq != t.lastSeq+1 {
		t.logger.Warn("sample batch sequence gap", "device_id", deviceID, "expected", t.lastSeq+1, "got", seq)
	}
	t.lastSeq = seq
	t.haveSeq = true
}

// handleDrop clears the connection (if it is still this one) and emits a
// terminal status event.
func (t *BridgeTransport) handleDrop(conn *websocket.Conn, dev domain.Device, gen int, cause error) {
	conn.Close(websocket.StatusNormalClosure, "bridge dropped")

	t.mu.Lock()
	stale := t.connGen != gen
	if !stale {
		t.conn = nil
		t.device = nil
	}
	closed := t.closed
	t.mu.Unlock()
	if stale || closed {
		return
	}

	dev.Status = domain.DeviceDisconnected
	if cause != nil {
		dev.Status = domain.DeviceError
	}
	dev.LastSeenAt = time.Now()
	t.emit(domain.DeviceEvent{Kind: domain.DeviceEventStatus, At: time.Now(), Device: dev, Err: cause})
	if cause != nil {
		t.logger.Warn("bridge connection lost", "device_id", dev.ID, "error", cause)
	} else {
		t.logger.Info("bridge disconnected", "device_id", dev.ID)
	}
}

func (t *BridgeTransport) writeFrame(ctx context.Context, conn *websocket.Conn, frame bridgeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *BridgeTransport) readFrame(ctx context.Context, conn *websocket.Conn) (bridgeFrame, error) {
	var frame bridgeFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("unmarshal frame: %w", err)
	}
	return frame, nil
}

// emit delivers an event. The send happens under the mutex so it cannot race
// Close; the coordinator drains quickly, so a full buffer means it wedged and
// the event is dropped rather than blocking the read loop.
func (t *BridgeTransport) emit(ev domain.DeviceEvent) {
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

func deviceFromWire(w *wireDevice, fallbackID string) domain.Device {
	if w == nil {
		return domain.Device{ID: fallbackID, Name: "ECG bridge"}
	}
	id := w.ID
	if id == "" {
		id = fallbackID
	}
	return domain.Device{
		ID:         id,
		Name:       w.Name,
		Address:    w.Address,
		RSSI:       w.RSSI,
		Firmware:   w.Firmware,
		SampleRate: w.SampleRate,
	}
}

// Compile-time interface check.
var _ domain.Transport = (*BridgeTransport)(nil)
