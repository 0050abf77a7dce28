package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Device lifecycle events.
	EventDeviceDiscovered   EventType = "device.discovered"
	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventDeviceError        EventType = "device.error"

	// Recording lifecycle events.
	EventRecordingCountdown EventType = "recording.countdown"
	EventRecordingStarted   EventType = "recording.started"
	EventRecordingStopped   EventType = "recording.stopped"
	EventRecordingAborted   EventType = "recording.aborted"
	EventRecordingCompleted EventType = "recording.completed"

	// Live measurement events.
	EventHeartRateUpdated EventType = "heartrate.updated"

	// Persistence and summary events.
	EventSessionSaved      EventType = "session.saved"
	EventSessionSaveFailed EventType = "session.save_failed"
	EventSessionsPruned    EventType = "sessions.pruned"
	EventSummaryGenerated  EventType = "summary.generated"
	EventSummaryFellBack   EventType = "summary.fellback"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
