/*
protocol.go - Wire format shared with the sync server

Payloads travel as string-encoded JSON inside the envelope, so the
server can relay them without parsing domain schemas.
*/
package sync

import (
	"encoding/json"
	"time"
)

// WireEvent is the event envelope on the wire.
type WireEvent struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Payload       string    `json:"payload"`
	Version       int64     `json:"version"`
	DeviceID      string    `json:"device_id"`
	UserID        string    `json:"user_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PushRequest is the body of POST /api/sync/events. DeviceID repeats
// the pushing device at the top level so the server can attribute the
// batch without opening every envelope.
type PushRequest struct {
	DeviceID string      `json:"device_id"`
	Events   []WireEvent `json:"events"`
}

// WireConflict reports a version collision detected server-side.
type WireConflict struct {
	EventID       string     `json:"event_id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	Version       int64      `json:"version"`
	ServerEvent   *WireEvent `json:"server_event,omitempty"`
}

// PushResponse acknowledges a push batch.
type PushResponse struct {
	AcceptedIDs []string       `json:"accepted_ids"`
	FailedIDs   []string       `json:"failed_ids"`
	Conflicts   []WireConflict `json:"conflicts"`
}

// PullResponse is the body of GET /api/sync/events. ServerTimestamp
// becomes the next pull watermark.
type PullResponse struct {
	Events          []WireEvent `json:"events"`
	ServerTimestamp time.Time   `json:"server_timestamp"`
}

// toWire converts a stored event to its wire envelope.
func toWire(e Event) WireEvent {
	return WireEvent{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       string(e.Payload),
		Version:       e.Version,
		DeviceID:      e.DeviceID,
		UserID:        e.UserID,
		OccurredAt:    e.CreatedAt,
	}
}

// fromWire converts a wire envelope back to a storable event.
func fromWire(w WireEvent) Event {
	return Event{
		ID:            w.ID,
		AggregateType: w.AggregateType,
		AggregateID:   w.AggregateID,
		EventType:     w.EventType,
		Payload:       json.RawMessage(w.Payload),
		Version:       w.Version,
		DeviceID:      w.DeviceID,
		UserID:        w.UserID,
		CreatedAt:     w.OccurredAt,
		SyncStatus:    SyncSynced,
	}
}
