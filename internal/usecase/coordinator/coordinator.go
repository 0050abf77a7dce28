// Package coordinator owns the recording state machine. All state lives on a
// single event-loop goroutine; public methods and transport events are
// funneled through one channel so transitions are strictly serialized.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"pulselink/internal/domain"
	"pulselink/internal/usecase/samplebuf"
)

// Config holds recording policy for the Coordinator.
type Config struct {
	Countdown   time.Duration // delay between start and first sample (default: 3s)
	MaxDuration time.Duration // hard cap on a single recording (default: 5m)
	LiveWindow  int           // samples retained for live display (default: 2500)
	SampleRate  int           // expected device sample rate in Hz (default: 250)
	SaveTimeout time.Duration // budget for persisting a sealed session (default: 30s)
	SavePartial bool          // persist aborted sessions that hold samples
}

// Snapshot is a point-in-time view of the coordinator for status queries.
type Snapshot struct {
	State         domain.RecordingState `json:"state"`
	Device        *domain.Device        `json:"device,omitempty"`
	SessionID     string                `json:"session_id,omitempty"`
	StartedAt     time.Time             `json:"started_at,omitzero"`
	SampleCount   int                   `json:"sample_count"`
	HeartRate     int                   `json:"heart_rate"`
	LastSessionID string                `json:"last_session_id,omitempty"`
}

// Coordinator drives sessions through idle → countdown → recording →
// processing → completed. A disconnect or explicit stop returns any
// pre-processing state to idle.
type Coordinator struct {
	config    Config
	transport domain.Transport
	store     domain.SessionStore
	bus       domain.EventBus
	logger    *slog.Logger

	calls  chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	// Everything below is owned by the loop goroutine.
	state        domain.RecordingState
	devices      map[string]domain.Device
	current      *domain.Device
	session      *domain.Session
	buffer       *samplebuf.Buffer
	lastBPM      int
	gen          uint64
	duration     time.Duration
	processingID string
	lastSaved    string
	countdownT   *time.Timer
	recordT      *time.Timer
}

// New creates a Coordinator and starts its event loop. The transport's event
// stream is consumed until the transport closes it or Close is called.
func New(cfg Config, transport domain.Transport, store domain.SessionStore, bus domain.EventBus, logger *slog.Logger) *Coordinator {
	if cfg.Countdown < 0 {
		cfg.Countdown = 0
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = 2500
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 250
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	c := &Coordinator{
		config:    cfg,
		transport: transport,
		store:     store,
		bus:       bus,
		logger:    logger,
		calls:     make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		state:     domain.StateIdle,
		devices:   make(map[string]domain.Device),
		buffer:    samplebuf.New(cfg.SampleRate, cfg.LiveWindow),
	}
	go c.loop()
	go c.pump()
	return c
}

// loop is the single goroutine that owns all coordinator state.
func (c *Coordinator) loop() {
	defer close(c.doneCh)
	for {
		select {
		case fn := <-c.calls:
			fn()
		case <-c.stopCh:
			c.stopTimers()
			return
		}
	}
}

// pump forwards transport events into the loop.
func (c *Coordinator) pump() {
	for {
		select {
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.enqueue(func() { c.handleDeviceEvent(ev) })
		case <-c.stopCh:
			return
		}
	}
}

// enqueue hands fn to the loop without blocking shutdown.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.stopCh:
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.calls <- wrapped:
	case <-c.stopCh:
		return domain.NewSubSystemError("recorder", "Coordinator", domain.ErrUnavailable, "coordinator closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopCh:
		return domain.NewSubSystemError("recorder", "Coordinator", domain.ErrUnavailable, "coordinator closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a recording after the configured countdown. duration bounds the
// recording; zero or anything above the configured maximum is clamped to the
// maximum. Valid only while a device is connected and the state is idle.
func (c *Coordinator) Start(ctx context.Context, duration time.Duration) error {
	var err error
	doErr := c.do(ctx, func() { err = c.handleStart(duration) })
	if doErr != nil {
		return doErr
	}
	return err
}

// Stop ends an active countdown or recording. Stopping while idle is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	doErr := c.do(ctx, func() { err = c.handleStop() })
	if doErr != nil {
		return doErr
	}
	return err
}

// State returns a snapshot of the coordinator.
func (c *Coordinator) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		snap = Snapshot{
			State:         c.state,
			SampleCount:   c.buffer.Len(),
			HeartRate:     c.lastBPM,
			LastSessionID: c.lastSaved,
		}
		if c.current != nil {
			dev := *c.current
			snap.Device = &dev
		}
		if c.session != nil {
			snap.SessionID = c.session.ID
			snap.StartedAt = c.session.StartedAt
		}
	})
	return snap, err
}

// Devices returns the devices seen so far, most recently seen first.
func (c *Coordinator) Devices(ctx context.Context) ([]domain.Device, error) {
	var out []domain.Device
	err := c.do(ctx, func() {
		out = make([]domain.Device, 0, len(c.devices))
		for _, dev := range c.devices {
			out = append(out, dev)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

// Scan asks the transport to start device discovery.
func (c *Coordinator) Scan(ctx context.Context) error {
	return c.transport.Scan(ctx)
}

// Connect asks the transport to connect to the identified device. The state
// change lands asynchronously through the transport's event stream.
func (c *Coordinator) Connect(ctx context.Context, deviceID string) error {
	return c.transport.Connect(ctx, deviceID)
}

// Disconnect tears down the current device connection. An active recording is
// aborted by the resulting transport event.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return c.transport.Disconnect(ctx)
}

// Close stops the event loop. In-flight persistence finishes on its own
// goroutine; the transport is not closed here.
func (c *Coordinator) Close() error {
	select {
	case <-c.stopCh:
		return nil
	default:
	}
	close(c.stopCh)
	<-c.doneCh
	return nil
}

func (c *Coordinator) handleStart(duration time.Duration) error {
	if c.current == nil || c.current.Status != domain.DeviceConnected {
		return domain.NewSubSystemError("recorder", "Coordinator.Start", domain.ErrInvalidState, "no device connected")
	}
	if c.state != domain.StateIdle {
		return domain.NewSubSystemError("recorder", "Coordinator.Start", domain.ErrInvalidState,
			fmt.Sprintf("cannot start while %s", c.state))
	}
	if duration <= 0 || duration > c.config.MaxDuration {
		duration = c.config.MaxDuration
	}
	c.duration = duration
	c.state = domain.StateCountdown
	c.gen++
	gen := c.gen

	deviceID := c.current.ID
	c.publish(domain.EventRecordingCountdown, "", deviceID, map[string]any{
		"countdown_ms": c.config.Countdown.Milliseconds(),
		"duration_ms":  duration.Milliseconds(),
	})
	c.countdownT = time.AfterFunc(c.config.Countdown, func() {
		c.enqueue(func() { c.onCountdownElapsed(gen) })
	})
	return nil
}

func (c *Coordinator) onCountdownElapsed(gen uint64) {
	if gen != c.gen || c.state != domain.StateCountdown {
		return // cancelled or superseded while the timer was in flight
	}
	now := time.Now()
	rate := c.config.SampleRate
	if c.current != nil && c.current.SampleRate > 0 {
		rate = c.current.SampleRate
	}
	c.session = domain.NewSession(c.newID(), c.current.ID, rate, now)
	c.buffer.Reset()
	c.lastBPM = 0
	c.state = domain.StateRecording

	c.publish(domain.EventRecordingStarted, c.session.ID, c.session.DeviceID, map[string]any{
		"sample_rate": rate,
		"duration_ms": c.duration.Milliseconds(),
	})
	c.recordT = time.AfterFunc(c.duration, func() {
		c.enqueue(func() { c.onMaxDuration(gen) })
	})
	c.logger.Info("recording started", "session_id", c.session.ID, "device_id", c.session.DeviceID, "sample_rate", rate)
}

func (c *Coordinator) onMaxDuration(gen uint64) {
	if gen != c.gen || c.state != domain.StateRecording {
		return
	}
	c.logger.Info("recording duration reached", "session_id", c.session.ID)
	c.finishRecording(time.Now())
}

func (c *Coordinator) handleStop() error {
	switch c.state {
	case domain.StateIdle:
		return nil
	case domain.StateCountdown:
		c.stopTimers()
		c.gen++
		c.state = domain.StateIdle
		deviceID := ""
		if c.current != nil {
			deviceID = c.current.ID
		}
		c.publish(domain.EventRecordingStopped, "", deviceID, nil)
		return nil
	case domain.StateRecording:
		c.finishRecording(time.Now())
		return nil
	default:
		return domain.NewSubSystemError("recorder", "Coordinator.Stop", domain.ErrInvalidState,
			fmt.Sprintf("cannot stop while %s", c.state))
	}
}

// finishRecording seals the active session and hands it to the store. The
// loop stays responsive while the save runs; its result rejoins via enqueue.
func (c *Coordinator) finishRecording(endedAt time.Time) {
	c.stopTimers()
	c.gen++

	sess := c.session
	c.session = nil
	c.state = domain.StateProcessing
	c.processingID = sess.ID

	if err := sess.Append(c.buffer.Record()); err != nil {
		c.logger.Error("sealing session", "session_id", sess.ID, "error", err)
	}
	sess.HeartRates = c.buffer.HeartRates()
	if err := sess.Seal(endedAt); err != nil {
		c.logger.Error("sealing session", "session_id", sess.ID, "error", err)
	}

	c.publish(domain.EventRecordingStopped, sess.ID, sess.DeviceID, map[string]any{
		"sample_count": sess.SampleCount(),
		"duration_ms":  sess.Duration.Milliseconds(),
	})
	c.persistAsync(sess)
}

// abortRecording discards or partially saves the active session after a
// disconnect.
func (c *Coordinator) abortRecording(endedAt time.Time, reason string) {
	c.stopTimers()
	c.gen++

	sess := c.session
	c.session = nil
	c.state = domain.StateIdle
	c.lastBPM = 0

	if sess == nil {
		return
	}
	if c.config.SavePartial && c.buffer.Len() > 0 {
		if err := sess.Append(c.buffer.Record()); err != nil {
			c.logger.Error("saving partial session", "session_id", sess.ID, "error", err)
		}
		sess.HeartRates = c.buffer.HeartRates()
	}
	sess.Abort(endedAt)

	c.publish(domain.EventRecordingAborted, sess.ID, sess.DeviceID, map[string]any{
		"reason":       reason,
		"sample_count": sess.SampleCount(),
	})
	c.logger.Warn("recording aborted", "session_id", sess.ID, "reason", reason, "sample_count", sess.SampleCount())

	if c.config.SavePartial && sess.SampleCount() > 0 {
		c.persistAsync(sess)
	}
}

// persistAsync saves a sealed session off the loop and rejoins the result.
func (c *Coordinator) persistAsync(sess *domain.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.SaveTimeout)
		defer cancel()
		err := c.store.SaveSession(ctx, sess)
		c.enqueue(func() { c.onSaved(sess, err) })
	}()
}

func (c *Coordinator) onSaved(sess *domain.Session, err error) {
	completed := sess.ID == c.processingID
	if completed {
		c.processingID = ""
	}
	if err != nil {
		c.logger.Error("persisting session", "session_id", sess.ID, "error", err)
		// Stores wrap their own sentinels; anything unrecognized is still a
		// persistence failure from the client's point of view.
		code := domain.ErrorCodeOf(err)
		if code == domain.CodeUnknown {
			code = domain.CodePersistence
		}
		c.publish(domain.EventSessionSaveFailed, sess.ID, sess.DeviceID, map[string]any{
			"code":   string(code),
			"reason": err.Error(),
		})
		if completed {
			c.state = domain.StateIdle
		}
		return
	}
	c.lastSaved = sess.ID
	stats := sess.Statistics()
	c.publish(domain.EventSessionSaved, sess.ID, sess.DeviceID, map[string]any{
		"status":       sess.Status,
		"sample_count": stats.SampleCount,
	})
	if completed {
		// Completed is reported through the event; the coordinator returns
		// to idle so the next recording can start immediately.
		c.state = domain.StateCompleted
		c.publish(domain.EventRecordingCompleted, sess.ID, sess.DeviceID, stats)
		c.state = domain.StateIdle
	}
	c.logger.Info("session saved", "session_id", sess.ID, "status", string(sess.Status),
		"sample_count", stats.SampleCount, "avg_bpm", stats.AvgBPM)
}

func (c *Coordinator) handleDeviceEvent(ev domain.DeviceEvent) {
	switch ev.Kind {
	case domain.DeviceEventDiscovered:
		c.devices[ev.Device.ID] = ev.Device
		c.publish(domain.EventDeviceDiscovered, "", ev.Device.ID, ev.Device)

	case domain.DeviceEventStatus:
		c.devices[ev.Device.ID] = ev.Device
		switch ev.Device.Status {
		case domain.DeviceConnected:
			dev := ev.Device
			c.current = &dev
			c.publish(domain.EventDeviceConnected, "", dev.ID, dev)
		case domain.DeviceDisconnected, domain.DeviceError:
			c.handleDisconnect(ev)
		}

	case domain.DeviceEventSampleBatch:
		c.handleSamples(ev.Batch)
	}
}

func (c *Coordinator) handleDisconnect(ev domain.DeviceEvent) {
	wasCurrent := c.current != nil && c.current.ID == ev.Device.ID
	if wasCurrent {
		c.current = nil
	}
	eventType := domain.EventDeviceDisconnected
	reason := "device disconnected"
	if ev.Device.Status == domain.DeviceError {
		eventType = domain.EventDeviceError
		reason = "device error"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
	}
	c.publish(eventType, "", ev.Device.ID, map[string]any{"reason": reason})

	// A status event for some other discovered device never touches an
	// in-progress session.
	if !wasCurrent {
		return
	}

	switch c.state {
	case domain.StateCountdown:
		c.stopTimers()
		c.gen++
		c.state = domain.StateIdle
		c.publish(domain.EventRecordingAborted, "", ev.Device.ID, map[string]any{"reason": reason})
	case domain.StateRecording:
		c.abortRecording(ev.At, reason)
	}
	// A session already in processing was sealed before the disconnect; its
	// save carries on untouched.
}

func (c *Coordinator) handleSamples(batch domain.SampleBatch) {
	if c.state != domain.StateRecording || c.session == nil {
		return // late or early delivery, nothing is recording
	}
	c.buffer.Append(batch.Samples)
	if bpm, ok := c.buffer.CurrentHeartRate(); ok && bpm != c.lastBPM {
		c.lastBPM = bpm
		c.publish(domain.EventHeartRateUpdated, c.session.ID, c.session.DeviceID, map[string]any{
			"bpm":       bpm,
			"offset_ms": (time.Duration(c.buffer.Len()) * time.Second / time.Duration(c.session.SampleRate)).Milliseconds(),
		})
	}
}

func (c *Coordinator) stopTimers() {
	if c.countdownT != nil {
		c.countdownT.Stop()
		c.countdownT = nil
	}
	if c.recordT != nil {
		c.recordT.Stop()
		c.recordT = nil
	}
}

func (c *Coordinator) publish(eventType domain.EventType, sessionID, deviceID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("marshaling event payload", "type", string(eventType), "error", err)
		} else {
			raw = data
		}
	}
	c.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		DeviceID:  deviceID,
		Payload:   raw,
	})
}

func (c *Coordinator) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
