/*
sync - Event sourcing and multi-device synchronization

Every domain mutation appends an immutable event. Events carry a
per-aggregate version assigned atomically at append time, a device id,
and a sync status. A background syncer pushes pending events to the
server and pulls remote ones, detecting version collisions and
resolving them per event type.
*/
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/core"
)

// ===== EVENT =====

type SyncStatus string

const (
	SyncPending  SyncStatus = "PENDING"
	SyncSynced   SyncStatus = "SYNCED"
	SyncConflict SyncStatus = "CONFLICT"
)

func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncPending, SyncSynced, SyncConflict:
		return SyncStatus(s), nil
	default:
		return "", core.DatabaseError(fmt.Errorf("unknown sync status %q", s))
	}
}

// Event is one immutable entry in the event log.
type Event struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Version       int64           `json:"version"`
	DeviceID      string          `json:"device_id"`
	UserID        string          `json:"user_id"`
	CreatedAt     time.Time       `json:"created_at"`
	SyncStatus    SyncStatus      `json:"sync_status"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

// ===== STORES =====

// EventStore persists the append-only event log.
//
// Append assigns Version = MAX(version)+1 for the event's aggregate,
// atomically with the insert. InsertRemote keeps the version carried
// by the remote event.
type EventStore interface {
	Append(ctx context.Context, e Event) (Event, error)
	InsertRemote(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	EventsForAggregate(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)
	EventAtVersion(ctx context.Context, aggregateType, aggregateID string, version int64) (*Event, error)
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkSynced(ctx context.Context, ids []string, at time.Time) error
	SetSyncStatus(ctx context.Context, id string, status SyncStatus) error
}

// ConflictStore persists detected conflicts until resolution.
type ConflictStore interface {
	InsertConflict(ctx context.Context, c Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, pendingOnly bool) ([]Conflict, error)
	MarkResolved(ctx context.Context, id string, winner Winner, resolvedBy string, at time.Time) error
}

// StateStore persists the pull watermark.
type StateStore interface {
	LastSyncedAt(ctx context.Context) (*time.Time, error)
	SetLastSyncedAt(ctx context.Context, t time.Time) error
}

// ===== RECORDER =====

// Recorder appends domain events on behalf of the stock and production
// packages. It satisfies their EventSink interface.
type Recorder struct {
	store    EventStore
	deviceID string
	log      zerolog.Logger
}

func NewRecorder(store EventStore, deviceID string, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		deviceID: deviceID,
		log:      log.With().Str("component", "sync.recorder").Logger(),
	}
}

// Emit appends one PENDING event for the aggregate. The payload is
// marshalled as-is; version assignment happens in the store.
func (r *Recorder) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, userID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.SyncError("marshal %s payload: %v", eventType, err)
	}
	evt, err := r.store.Append(ctx, Event{
		ID:            core.NewID(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		DeviceID:      r.deviceID,
		UserID:        userID,
		CreatedAt:     time.Now().UTC(),
		SyncStatus:    SyncPending,
	})
	if err != nil {
		return err
	}
	r.log.Debug().
		Str("event_type", eventType).
		Str("aggregate", aggregateType+"/"+aggregateID).
		Int64("version", evt.Version).
		Msg("event recorded")
	return nil
}
