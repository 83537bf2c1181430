package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/store/sqlite"
	"github.com/Mokksdz/manchengo/sync"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func pendingEvent(aggregateType, aggregateID, eventType string) sync.Event {
	return sync.Event{
		ID:            core.NewID(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"ok":true}`),
		DeviceID:      "device-A",
		UserID:        "u1",
		CreatedAt:     time.Now().UTC(),
		SyncStatus:    sync.SyncPending,
	}
}

// =============================================================================
// EVENT VERSIONING
// =============================================================================

func TestEventStore_Append_AssignsSequentialVersions(t *testing.T) {
	// GIVEN: three appends to the same aggregate, one to another
	// THEN: versions 1, 2, 3 for the first, 1 again for the second

	store := newTestStore(t)
	ctx := context.Background()

	e1, err := store.Append(ctx, pendingEvent("Lot", "lot-1", "LotMpCreated"))
	require.NoError(t, err)
	e2, err := store.Append(ctx, pendingEvent("Lot", "lot-1", "LotStatusChanged"))
	require.NoError(t, err)
	e3, err := store.Append(ctx, pendingEvent("Lot", "lot-1", "LotStatusChanged"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Version)
	assert.Equal(t, int64(2), e2.Version)
	assert.Equal(t, int64(3), e3.Version)

	other, err := store.Append(ctx, pendingEvent("Lot", "lot-2", "LotMpCreated"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestEventStore_InsertRemote_KeepsRemoteVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	remote := pendingEvent("SalesOrder", "so-1", "SalesOrderCreated")
	remote.Version = 7
	remote.DeviceID = "device-B"
	remote.SyncStatus = sync.SyncSynced
	require.NoError(t, store.InsertRemote(ctx, remote))

	got, err := store.GetEvent(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, "device-B", got.DeviceID)
	assert.Equal(t, sync.SyncSynced, got.SyncStatus)
}

func TestEventStore_InsertRemote_VersionSlotTaken(t *testing.T) {
	// GIVEN: a local event at version 1
	// WHEN: a remote event claims the same (aggregate, version) slot
	// THEN: the insert fails so the syncer can run conflict resolution

	store := newTestStore(t)
	ctx := context.Background()

	local, err := store.Append(ctx, pendingEvent("Recipe", "rec-1", "RecipeUpdated"))
	require.NoError(t, err)

	remote := pendingEvent("Recipe", "rec-1", "RecipeUpdated")
	remote.Version = local.Version
	remote.DeviceID = "device-B"
	err = store.InsertRemote(ctx, remote)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSync)

	found, err := store.EventAtVersion(ctx, "Recipe", "rec-1", local.Version)
	require.NoError(t, err)
	assert.Equal(t, local.ID, found.ID)
}

// =============================================================================
// PENDING QUEUE
// =============================================================================

func TestEventStore_PendingAndMarkSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e1, err := store.Append(ctx, pendingEvent("Lot", "lot-1", "LotMpCreated"))
	require.NoError(t, err)
	e2, err := store.Append(ctx, pendingEvent("Lot", "lot-2", "LotMpCreated"))
	require.NoError(t, err)

	pending, err := store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	now := time.Now().UTC()
	require.NoError(t, store.MarkSynced(ctx, []string{e1.ID}, now))

	pending, err = store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e2.ID, pending[0].ID)

	synced, err := store.GetEvent(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.SyncSynced, synced.SyncStatus)
	require.NotNil(t, synced.SyncedAt)
}

func TestEventStore_SetSyncStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e, err := store.Append(ctx, pendingEvent("Lot", "lot-1", "LotMpCreated"))
	require.NoError(t, err)

	require.NoError(t, store.SetSyncStatus(ctx, e.ID, sync.SyncConflict))

	got, err := store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, sync.SyncConflict, got.SyncStatus)
}

// =============================================================================
// CONFLICTS
// =============================================================================

func TestConflictStore_InsertListResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := sync.Conflict{
		ID:            core.NewID(),
		AggregateType: "Recipe",
		AggregateID:   "rec-1",
		Version:       3,
		LocalEventID:  "evt-local",
		RemoteEventID: "evt-remote",
		Strategy:      sync.Manual,
		DetectedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.InsertConflict(ctx, c))

	open, err := store.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, c.ID, open[0].ID)
	assert.False(t, open[0].Resolved)

	require.NoError(t, store.MarkResolved(ctx, c.ID, sync.WinnerLocal, "admin", time.Now().UTC()))

	open, err = store.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, sync.WinnerLocal, got.Winner)
	assert.Equal(t, "admin", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
}

// =============================================================================
// SYNC STATE
// =============================================================================

func TestStateStore_Watermark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, at)

	mark := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.SetLastSyncedAt(ctx, mark))

	at, err = store.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(mark))
}
