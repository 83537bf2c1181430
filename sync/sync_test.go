package sync_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/store/memory"
	"github.com/Mokksdz/manchengo/sync"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newRecorder(t *testing.T) (*sync.Recorder, *memory.Store) {
	store := memory.New()
	return sync.NewRecorder(store, "device-A", zerolog.Nop()), store
}

func remoteEvent(id, aggType, aggID, eventType string, version int64, at time.Time) sync.Event {
	return sync.Event{
		ID:            id,
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     eventType,
		Payload:       json.RawMessage(`{}`),
		Version:       version,
		DeviceID:      "device-B",
		UserID:        "user-2",
		CreatedAt:     at,
		SyncStatus:    sync.SyncSynced,
	}
}

// =============================================================================
// VERSIONING
// =============================================================================

func TestRecorder_VersionsIncrementPerAggregate(t *testing.T) {
	// Three events on one aggregate get versions 1, 2, 3; an event on
	// a different aggregate starts back at 1.

	recorder, store := newRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, recorder.Emit(ctx, "Lot", "lot-1", "LotQuantityReduced", map[string]any{"i": i}, "user-1"))
	}
	require.NoError(t, recorder.Emit(ctx, "Lot", "lot-2", "LotQuantityReduced", nil, "user-1"))

	events, err := store.EventsForAggregate(ctx, "Lot", "lot-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version)
		assert.Equal(t, sync.SyncPending, e.SyncStatus)
		assert.Equal(t, "device-A", e.DeviceID)
	}

	other, err := store.EventsForAggregate(ctx, "Lot", "lot-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Version)
}

func TestEventStore_VersionSlotIsUnique(t *testing.T) {
	_, store := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRemote(ctx, remoteEvent("e1", "Lot", "lot-1", "LotCreated", 1, time.Now())))

	err := store.InsertRemote(ctx, remoteEvent("e2", "Lot", "lot-1", "LotUpdated", 1, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSync)
}

// =============================================================================
// CONFLICT RESOLUTION
// =============================================================================

func TestResolver_LastWriteWins_ByDefault(t *testing.T) {
	store := memory.New()
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	ctx := context.Background()

	older := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := remoteEvent("local", "Order", "o-1", "OrderUpdated", 3, older)
	remote := remoteEvent("remote", "Order", "o-1", "OrderUpdated", 3, newer)

	decision, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)
	assert.True(t, decision.ApplyRemote, "newer remote write must win")
	assert.Nil(t, decision.Conflict)

	// The automatic decision leaves an audit record behind.
	recorded, err := store.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Resolved)
	assert.Equal(t, sync.WinnerRemote, recorded[0].Winner)
	assert.Equal(t, "system", recorded[0].ResolvedBy)
	assert.NotNil(t, recorded[0].ResolvedAt)

	// Flip the timestamps: local wins.
	decision, err = resolver.Resolve(ctx, remote, local)
	require.NoError(t, err)
	assert.False(t, decision.ApplyRemote)

	recorded, err = store.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestResolver_SecurityEvents_ForceServerWins(t *testing.T) {
	store := memory.New()
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	ctx := context.Background()

	// Local copy is newer, but RoleChanged always takes the server side.
	newer := time.Now().UTC()
	local := remoteEvent("local", "User", "u-1", "RoleChanged", 2, newer)
	remote := remoteEvent("remote", "User", "u-1", "RoleChanged", 2, newer.Add(-time.Hour))

	decision, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)
	assert.True(t, decision.ApplyRemote)
}

func TestResolver_AdditiveCreations_AutoMerge(t *testing.T) {
	store := memory.New()
	resolver := sync.NewResolver(store, store, zerolog.Nop())

	for _, eventType := range []string{"LotMpCreated", "LotPfCreated", "SalesOrderCreated", "PaymentReceived"} {
		local := remoteEvent("l", "Lot", "x", eventType, 1, time.Now())
		remote := remoteEvent("r", "Lot", "x", eventType, 1, time.Now())
		decision, err := resolver.Resolve(context.Background(), local, remote)
		require.NoError(t, err)
		assert.True(t, decision.ApplyRemote, "%s must auto-merge", eventType)
		assert.True(t, decision.Merge, "%s keeps both sides", eventType)
		assert.Nil(t, decision.Conflict)
	}

	// Merges are not conflicts; nothing is recorded.
	recorded, err := store.ListConflicts(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

// =============================================================================
// MANUAL RESOLUTION
// =============================================================================

func TestSyncer_ManualConflict_ParkedUntilResolved(t *testing.T) {
	// GIVEN: a local and a remote event colliding on a version and a
	//        manual default strategy
	// WHEN: the remote arrives
	// THEN: nothing is applied; the conflict waits in the pending
	//       queue until an operator picks a winner

	store := memory.New()
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	resolver.SetDefaultStrategy(sync.Manual)
	ctx := context.Background()

	recorder := sync.NewRecorder(store, "device-A", zerolog.Nop())
	require.NoError(t, recorder.Emit(ctx, "Order", "o-1", "OrderUpdated", map[string]any{"qty": 5}, "user-1"))
	localEvents, err := store.EventsForAggregate(ctx, "Order", "o-1")
	require.NoError(t, err)
	local := localEvents[0]

	remote := remoteEvent("remote-1", "Order", "o-1", "OrderUpdated", local.Version, time.Now().UTC())
	decision, err := resolver.Resolve(ctx, local, remote)
	require.NoError(t, err)
	assert.False(t, decision.ApplyRemote)
	require.NotNil(t, decision.Conflict)

	pending, err := resolver.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Local event is flagged.
	flagged, err := store.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.SyncConflict, flagged.SyncStatus)

	// Operator resolves in favor of the local side.
	remote.SyncStatus = sync.SyncConflict
	require.NoError(t, store.InsertRemote(ctx, remote))
	require.NoError(t, resolver.ResolveManual(ctx, pending[0].ID, sync.WinnerLocal, "admin"))

	pending, err = resolver.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	restored, err := store.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.SyncPending, restored.SyncStatus, "winning local event goes back on the push queue")
}

func TestResolver_ResolveManual_Twice_Rejected(t *testing.T) {
	store := memory.New()
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	ctx := context.Background()

	c := sync.Conflict{
		ID:            core.NewID(),
		AggregateType: "Order",
		AggregateID:   "o-1",
		Version:       1,
		LocalEventID:  "l1",
		RemoteEventID: "r1",
		Strategy:      sync.Manual,
		DetectedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.InsertConflict(ctx, c))
	require.NoError(t, store.InsertRemote(ctx, remoteEvent("l1", "Order", "o-1", "OrderUpdated", 1, time.Now())))

	require.NoError(t, resolver.ResolveManual(ctx, c.ID, sync.WinnerLocal, "admin"))
	err := resolver.ResolveManual(ctx, c.ID, sync.WinnerRemote, "admin")
	assert.ErrorIs(t, err, core.ErrBusinessRule)
}

// =============================================================================
// FULL CYCLE
// =============================================================================

// fakeServer implements the push/pull wire contract in-memory.
type fakeServer struct {
	received     []sync.WireEvent
	outbound     []sync.WireEvent
	pushedDevice string
	rawPushBody  []byte
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sync/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.rawPushBody = body
			var req sync.PushRequest
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.pushedDevice = req.DeviceID
			resp := sync.PushResponse{AcceptedIDs: []string{}, FailedIDs: []string{}, Conflicts: []sync.WireConflict{}}
			for _, e := range req.Events {
				f.received = append(f.received, e)
				resp.AcceptedIDs = append(resp.AcceptedIDs, e.ID)
			}
			json.NewEncoder(w).Encode(resp)
		case http.MethodGet:
			json.NewEncoder(w).Encode(sync.PullResponse{
				Events:          f.outbound,
				ServerTimestamp: time.Now().UTC(),
			})
		}
	})
	return mux
}

func TestSyncer_FullCycle_PushThenPull(t *testing.T) {
	server := &fakeServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	store := memory.New()
	client := sync.NewClient(ts.URL, "token-1", "device-A", 5*time.Second, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())
	recorder := sync.NewRecorder(store, "device-A", zerolog.Nop())
	ctx := context.Background()

	// Two local pending events, one remote waiting on the server.
	require.NoError(t, recorder.Emit(ctx, "Lot", "lot-1", "LotMpCreated", map[string]any{"n": 1}, "user-1"))
	require.NoError(t, recorder.Emit(ctx, "Lot", "lot-1", "LotQuantityReduced", map[string]any{"n": 2}, "user-1"))
	server.outbound = []sync.WireEvent{{
		ID:            "remote-evt-1",
		AggregateType: "Lot",
		AggregateID:   "lot-9",
		EventType:     "LotMpCreated",
		Payload:       `{"lot_id":"lot-9"}`,
		Version:       1,
		DeviceID:      "device-B",
		UserID:        "user-2",
		OccurredAt:    time.Now().UTC(),
	}}

	report, err := syncer.Sync(ctx)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Conflicts)
	assert.Len(t, server.received, 2)

	// The push envelope names the sending device once, and event
	// timestamps travel as occurred_at.
	assert.Equal(t, "device-A", server.pushedDevice)
	assert.Contains(t, string(server.rawPushBody), `"device_id":"device-A"`)
	assert.Contains(t, string(server.rawPushBody), `"occurred_at"`)

	// Local events are now SYNCED; the remote one landed in the log.
	pending, err := store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	applied, err := store.GetEvent(ctx, "remote-evt-1")
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, sync.SyncSynced, applied.SyncStatus)

	// Watermark advanced.
	mark, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.WithinDuration(t, time.Now().UTC(), *mark, time.Minute)
	assert.True(t, syncer.Online())
}

func TestSyncer_Push_UploadsWithoutMovingWatermark(t *testing.T) {
	server := &fakeServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	store := memory.New()
	client := sync.NewClient(ts.URL, "token-1", "device-A", 5*time.Second, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())
	recorder := sync.NewRecorder(store, "device-A", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, recorder.Emit(ctx, "Lot", "lot-1", "LotMpCreated", nil, "user-1"))

	report, err := syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Pulled)
	assert.Len(t, server.received, 1)

	pending, err := store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Only a pull moves the watermark.
	mark, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, mark)
}

func TestSyncer_Pull_DownloadsAndMovesWatermark(t *testing.T) {
	server := &fakeServer{outbound: []sync.WireEvent{{
		ID:            "remote-evt-2",
		AggregateType: "Lot",
		AggregateID:   "lot-7",
		EventType:     "LotMpCreated",
		Payload:       `{}`,
		Version:       1,
		DeviceID:      "device-B",
		UserID:        "user-2",
		OccurredAt:    time.Now().UTC(),
	}}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	store := memory.New()
	client := sync.NewClient(ts.URL, "token-1", "device-A", 5*time.Second, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())
	ctx := context.Background()

	report, err := syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, 1, report.Applied)

	mark, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.NotNil(t, mark)
}

func TestSyncer_PulledCollision_NewerRemoteTakesSlot(t *testing.T) {
	// GIVEN: a local event and a newer remote event colliding on the
	//        same aggregate version, last-write-wins in effect
	// WHEN: a full cycle runs
	// THEN: the pull completes; the remote event holds the version
	//       slot, the local loser is parked in CONFLICT and the
	//       resolution is on record

	server := &fakeServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	store := memory.New()
	client := sync.NewClient(ts.URL, "token-1", "device-A", 5*time.Second, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())
	recorder := sync.NewRecorder(store, "device-A", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, recorder.Emit(ctx, "Order", "o-1", "OrderUpdated", map[string]any{"qty": 5}, "user-1"))
	locals, err := store.EventsForAggregate(ctx, "Order", "o-1")
	require.NoError(t, err)
	local := locals[0]

	server.outbound = []sync.WireEvent{{
		ID:            "remote-col-1",
		AggregateType: "Order",
		AggregateID:   "o-1",
		EventType:     "OrderUpdated",
		Payload:       `{"qty":7}`,
		Version:       local.Version,
		DeviceID:      "device-B",
		UserID:        "user-2",
		OccurredAt:    time.Now().UTC().Add(time.Hour),
	}}

	report, err := syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Conflicts)

	// The remote winner owns the slot; the local loser is parked.
	winner, err := store.GetEvent(ctx, "remote-col-1")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, sync.SyncSynced, winner.SyncStatus)

	loser, err := store.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.SyncConflict, loser.SyncStatus)

	// The decision is recorded as already resolved; nothing waits on
	// an operator.
	recorded, err := store.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Resolved)
	assert.Equal(t, sync.WinnerRemote, recorded[0].Winner)

	pending, err := resolver.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The cycle finished, so the watermark moved.
	mark, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.NotNil(t, mark)
}

func TestSyncer_OfflineServer_SkipsCycle(t *testing.T) {
	store := memory.New()
	client := sync.NewClient("http://127.0.0.1:1", "token-1", "device-A", 500*time.Millisecond, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())

	report, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.False(t, syncer.Online())
}

func TestSyncer_SkipsOwnDeviceEventsOnPull(t *testing.T) {
	server := &fakeServer{outbound: []sync.WireEvent{{
		ID:            "own-evt",
		AggregateType: "Lot",
		AggregateID:   "lot-1",
		EventType:     "LotMpCreated",
		Payload:       `{}`,
		Version:       1,
		DeviceID:      "device-A", // same device
		OccurredAt:    time.Now().UTC(),
	}}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	store := memory.New()
	client := sync.NewClient(ts.URL, "token-1", "device-A", 5*time.Second, zerolog.Nop())
	resolver := sync.NewResolver(store, store, zerolog.Nop())
	syncer := sync.NewSyncer(store, store, store, client, resolver, "device-A", zerolog.Nop())

	report, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.Zero(t, report.Applied)

	evt, err := store.GetEvent(context.Background(), "own-evt")
	require.NoError(t, err)
	assert.Nil(t, evt, "own events must not be re-applied")
}
