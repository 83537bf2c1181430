/*
sync.go - sync.EventStore, sync.ConflictStore, sync.StateStore

Append assigns the per-aggregate version inside one transaction:
SELECT MAX(version)+1 then INSERT, with the unique aggregate index as
the backstop if two writers race past the mutex.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/sync"
)

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload, version,
	device_id, user_id, created_at, sync_status, synced_at`

// Append inserts the event with version = MAX(version)+1 for its
// aggregate, atomically.
func (s *Store) Append(ctx context.Context, e sync.Event) (sync.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, core.DatabaseError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM sync_events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, e.AggregateType, e.AggregateID).Scan(&e.Version)
	if err != nil {
		return e, wrapDB(err)
	}

	if err := insertEvent(ctx, tx, e); err != nil {
		return e, err
	}
	if err := tx.Commit(); err != nil {
		return e, wrapDB(err)
	}
	return e, nil
}

// InsertRemote stores an event keeping the version it arrived with.
func (s *Store) InsertRemote(ctx context.Context, e sync.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEvent(ctx, s.db, e)
}

func insertEvent(ctx context.Context, db dbtx, e sync.Event) error {
	query := `
		INSERT INTO sync_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID, e.AggregateType, e.AggregateID, e.EventType,
		string(e.Payload), e.Version, e.DeviceID, nullString(e.UserID),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(e.SyncStatus), nullTime(e.SyncedAt),
	)
	if err != nil {
		if isVersionCollisionError(err) {
			return core.SyncError("version %d already taken for %s/%s",
				e.Version, e.AggregateType, e.AggregateID)
		}
		return core.DatabaseError(fmt.Errorf("insert event: %w", err))
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneEvent(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE id = ?`, id)
}

// EventAtVersion returns the event holding a version slot. Events
// parked in CONFLICT no longer hold their slot and are excluded.
func (s *Store) EventAtVersion(ctx context.Context, aggregateType, aggregateID string, version int64) (*sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneEvent(ctx,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?
		   AND sync_status != ?`,
		aggregateType, aggregateID, version, string(sync.SyncConflict))
}

func (s *Store) queryOneEvent(ctx context.Context, query string, args ...any) (*sync.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) EventsForAggregate(ctx context.Context, aggregateType, aggregateID string) ([]sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE aggregate_type = ? AND aggregate_id = ?
		 ORDER BY version ASC`,
		aggregateType, aggregateID)
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]sync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT ` + eventColumns + ` FROM sync_events
		WHERE sync_status = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryEvents(ctx, query, string(sync.SyncPending))
}

func (s *Store) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// One transaction for the whole batch: an accepted batch flips
	// entirely or not at all.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err)
	}
	defer tx.Rollback()

	stamp := at.UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_events SET sync_status = ?, synced_at = ? WHERE id = ?`,
			string(sync.SyncSynced), stamp, id); err != nil {
			return wrapDB(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDB(err)
	}
	return nil
}

func (s *Store) SetSyncStatus(ctx context.Context, id string, status sync.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_events SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return &core.NotFoundError{EntityType: "Event", ID: id}
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]sync.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var events []sync.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, wrapDB(rows.Err())
}

func scanEvent(rows *sql.Rows) (sync.Event, error) {
	var (
		e          sync.Event
		payload    string
		userID     sql.NullString
		createdAt  string
		syncStatus string
		syncedAt   sql.NullString
	)
	err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload,
		&e.Version, &e.DeviceID, &userID, &createdAt, &syncStatus, &syncedAt)
	if err != nil {
		return e, wrapDB(err)
	}

	e.Payload = json.RawMessage(payload)
	e.UserID = userID.String
	if e.SyncStatus, err = sync.ParseSyncStatus(syncStatus); err != nil {
		return e, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return e, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", createdAt, err))
	}
	if e.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return e, err
	}
	return e, nil
}

// =============================================================================
// CONFLICTS
// =============================================================================

func (s *Store) InsertConflict(ctx context.Context, c sync.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sync_conflicts
		(id, aggregate_type, aggregate_id, version, local_event_id, remote_event_id,
		 strategy, resolved, winner, resolved_by, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.AggregateType, c.AggregateID, c.Version,
		c.LocalEventID, c.RemoteEventID, string(c.Strategy),
		boolInt(c.Resolved), nullString(string(c.Winner)), nullString(c.ResolvedBy),
		c.DetectedAt.UTC().Format(time.RFC3339Nano), nullTime(c.ResolvedAt),
	)
	if err != nil {
		return core.DatabaseError(fmt.Errorf("insert conflict: %w", err))
	}
	return nil
}

const conflictColumns = `id, aggregate_type, aggregate_id, version, local_event_id,
	remote_event_id, strategy, resolved, winner, resolved_by, detected_at, resolved_at`

func (s *Store) GetConflict(ctx context.Context, id string) (*sync.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanConflict(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConflicts(ctx context.Context, pendingOnly bool) ([]sync.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if pendingOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var conflicts []sync.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, wrapDB(rows.Err())
}

func (s *Store) MarkResolved(ctx context.Context, id string, winner sync.Winner, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolved = 1, winner = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`, string(winner), resolvedBy, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return wrapDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return &core.NotFoundError{EntityType: "Conflict", ID: id}
	}
	return nil
}

func scanConflict(rows *sql.Rows) (sync.Conflict, error) {
	var (
		c          sync.Conflict
		strategy   string
		resolved   int
		winner     sql.NullString
		resolvedBy sql.NullString
		detectedAt string
		resolvedAt sql.NullString
	)
	err := rows.Scan(&c.ID, &c.AggregateType, &c.AggregateID, &c.Version,
		&c.LocalEventID, &c.RemoteEventID, &strategy, &resolved,
		&winner, &resolvedBy, &detectedAt, &resolvedAt)
	if err != nil {
		return c, wrapDB(err)
	}

	c.Strategy = sync.Strategy(strategy)
	c.Resolved = resolved != 0
	c.Winner = sync.Winner(winner.String)
	c.ResolvedBy = resolvedBy.String
	if c.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
		return c, core.DatabaseError(fmt.Errorf("corrupt timestamp %q: %w", detectedAt, err))
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return c, err
	}
	return c, nil
}

// =============================================================================
// WATERMARK
// =============================================================================

func (s *Store) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stamp sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_state WHERE id = 1`).Scan(&stamp)
	if err != nil {
		return nil, wrapDB(err)
	}
	return parseNullTime(stamp)
}

func (s *Store) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET last_synced_at = ? WHERE id = 1`,
		t.UTC().Format(time.RFC3339Nano))
	return wrapDB(err)
}
