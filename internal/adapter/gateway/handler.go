package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"pulselink/internal/adapter/summary"
	"pulselink/internal/domain"
	"pulselink/internal/usecase/coordinator"
)

// Handlers implements the gateway RPC surface on top of the coordinator,
// session store, and summary service.
type Handlers struct {
	coord     *coordinator.Coordinator
	store     domain.SessionStore
	summaries *summary.Service
	logger    *slog.Logger
}

// NewHandlers creates the RPC handler set.
func NewHandlers(coord *coordinator.Coordinator, store domain.SessionStore, summaries *summary.Service, logger *slog.Logger) *Handlers {
	return &Handlers{
		coord:     coord,
		store:     store,
		summaries: summaries,
		logger:    logger,
	}
}

// Register wires all RPC methods into the server.
func (h *Handlers) Register(s *Server) {
	s.RegisterHandler("recording.start", h.RecordingStart)
	s.RegisterHandler("recording.stop", h.RecordingStop)
	s.RegisterHandler("recording.state", h.RecordingState)
	s.RegisterHandler("device.scan", h.DeviceScan)
	s.RegisterHandler("device.list", h.DeviceList)
	s.RegisterHandler("device.connect", h.DeviceConnect)
	s.RegisterHandler("device.disconnect", h.DeviceDisconnect)
	s.RegisterHandler("session.list", h.SessionList)
	s.RegisterHandler("session.get", h.SessionGet)
	s.RegisterHandler("session.summarize", h.SessionSummarize)
}

func invalidPayload(op string, err error) error {
	return domain.NewSubSystemError("gateway", op, domain.ErrRPCInvalidPayload, err.Error())
}

// RecordingStart starts a recording. Payload: {"duration_ms": 30000}.
// duration_ms omitted or zero records up to the configured maximum.
func (h *Handlers) RecordingStart(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("recording.start", err)
		}
	}
	if err := h.coord.Start(ctx, time.Duration(req.DurationMS)*time.Millisecond); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}

// RecordingStop ends the active countdown or recording.
func (h *Handlers) RecordingStop(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	if err := h.coord.Stop(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}

// RecordingState returns the coordinator snapshot.
func (h *Handlers) RecordingState(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	snap, err := h.coord.State(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// DeviceScan starts device discovery. Results arrive as device.discovered events.
func (h *Handlers) DeviceScan(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	if err := h.coord.Scan(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}

// DeviceList returns devices seen so far, most recently seen first.
func (h *Handlers) DeviceList(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	devices, err := h.coord.Devices(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"devices": devices})
}

// DeviceConnect connects to a device. Payload: {"device_id": "..."}.
func (h *Handlers) DeviceConnect(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, invalidPayload("device.connect", err)
	}
	if req.DeviceID == "" {
		return nil, domain.NewSubSystemError("gateway", "device.connect", domain.ErrRPCInvalidPayload, "device_id required")
	}
	if err := h.coord.Connect(ctx, req.DeviceID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}

// DeviceDisconnect drops the current device connection.
func (h *Handlers) DeviceDisconnect(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	if err := h.coord.Disconnect(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}

// SessionList returns stored session summaries.
// Payload: {"device_id": "...", "limit": 20}, both optional.
func (h *Handlers) SessionList(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DeviceID string `json:"device_id"`
		Limit    int    `json:"limit"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("session.list", err)
		}
	}
	sessions, err := h.store.ListSessions(ctx, req.DeviceID, req.Limit)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	return json.Marshal(map[string]any{"sessions": sessions})
}

// SessionGet returns one stored session. Payload: {"id": "...",
// "include_samples": false}. Raw samples are omitted unless requested.
func (h *Handlers) SessionGet(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID             string `json:"id"`
		IncludeSamples bool   `json:"include_samples"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, invalidPayload("session.get", err)
	}
	if req.ID == "" {
		return nil, domain.NewSubSystemError("gateway", "session.get", domain.ErrRPCInvalidPayload, "id required")
	}

	sess, err := h.store.GetSession(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"session":    sess,
		"statistics": sess.Statistics(),
	}
	if req.IncludeSamples {
		resp["samples"] = sess.Samples
	}
	return json.Marshal(resp)
}

// SessionSummarize generates (or regenerates) the AI summary for a stored
// session. Payload: {"id": "...", "provider": "..."}, provider optional.
// A fallback summary is returned when providers are unavailable.
func (h *Handlers) SessionSummarize(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, invalidPayload("session.summarize", err)
	}
	if req.ID == "" {
		return nil, domain.NewSubSystemError("gateway", "session.summarize", domain.ErrRPCInvalidPayload, "id required")
	}

	sess, err := h.store.GetSession(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	result := h.summaries.Summarize(ctx, sess.Statistics(), req.Provider)
	return json.Marshal(map[string]any{"summary": result})
}
