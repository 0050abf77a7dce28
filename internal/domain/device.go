package domain

import (
	"context"
	"time"
)

// DeviceStatus is the connection lifecycle stage of an ECG device.
type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceScanning     DeviceStatus = "scanning"
	DeviceConnecting   DeviceStatus = "connecting"
	DeviceConnected    DeviceStatus = "connected"
	DeviceError        DeviceStatus = "error"
)

// Device describes a discovered or connected ECG bridge device.
type Device struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Address    string       `json:"address"`
	RSSI       int          `json:"rssi,omitempty"`
	Firmware   string       `json:"firmware,omitempty"`
	SampleRate int          `json:"sample_rate"` // samples per second
	Status     DeviceStatus `json:"status"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// DeviceEventKind discriminates transport event payloads.
type DeviceEventKind string

const (
	DeviceEventDiscovered  DeviceEventKind = "discovered"
	DeviceEventStatus      DeviceEventKind = "status"
	DeviceEventSampleBatch DeviceEventKind = "samples"
)

// DeviceEvent is the tagged union emitted by a Transport. Exactly one payload
// field is meaningful for a given Kind:
//
//	discovered → Device
//	status     → Device (with new Status), Err optionally set for DeviceError
//	samples    → Batch
type DeviceEvent struct {
	Kind   DeviceEventKind
	At     time.Time
	Device Device
	Batch  SampleBatch
	Err    error
}

// Transport is the asynchronous event stream from an ECG bridge device.
// Implementations deliver all events on the single channel returned by
// Events so consumers can serialize them into one execution context.
type Transport interface {
	// Events returns the transport's event stream. The channel is closed
	// when the transport shuts down.
	Events() <-chan DeviceEvent
	// Scan starts device discovery. Discovered devices arrive as events.
	Scan(ctx context.Context) error
	// Connect establishes a connection to the identified device.
	Connect(ctx context.Context, deviceID string) error
	// Disconnect tears down the current connection, if any.
	Disconnect(ctx context.Context) error
	// Close releases transport resources and closes the event channel.
	Close() error
}
