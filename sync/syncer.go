/*
syncer.go - Push/pull orchestration

A full cycle pushes pending local events, then pulls and integrates
remote ones, then advances the watermark. Cycles never overlap: a tick
arriving while one runs is skipped.
*/
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/core"
)

const pushBatchSize = 100

// Syncer drives full sync cycles against the central server.
type Syncer struct {
	events    EventStore
	conflicts ConflictStore
	state     StateStore
	client    *Client
	resolver  *Resolver
	deviceID  string
	running   atomic.Bool
	online    atomic.Bool
	log       zerolog.Logger
}

func NewSyncer(events EventStore, conflicts ConflictStore, state StateStore, client *Client, resolver *Resolver, deviceID string, log zerolog.Logger) *Syncer {
	return &Syncer{
		events:    events,
		conflicts: conflicts,
		state:     state,
		client:    client,
		resolver:  resolver,
		deviceID:  deviceID,
		log:       log.With().Str("component", "sync.syncer").Logger(),
	}
}

// Online reports the last known server reachability.
func (s *Syncer) Online() bool { return s.online.Load() }

// Probe refreshes the connectivity flag.
func (s *Syncer) Probe(ctx context.Context) bool {
	ok := s.client.Ping(ctx)
	was := s.online.Swap(ok)
	if ok != was {
		s.log.Info().Bool("online", ok).Msg("connectivity changed")
	}
	return ok
}

// Report summarizes one sync cycle.
type Report struct {
	Pushed    int       `json:"pushed"`
	Failed    int       `json:"failed"`
	Pulled    int       `json:"pulled"`
	Applied   int       `json:"applied"`
	Conflicts int       `json:"conflicts"`
	Skipped   bool      `json:"skipped"`
	At        time.Time `json:"at"`
}

// Sync runs one full cycle. Returns a skipped report when a cycle is
// already in flight or the server is unreachable.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug().Msg("sync already running, tick skipped")
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}
	defer s.running.Store(false)

	if !s.Probe(ctx) {
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}

	report := &Report{At: time.Now().UTC()}
	if err := s.push(ctx, report); err != nil {
		return report, err
	}
	serverAt, err := s.pull(ctx, report)
	if err != nil {
		return report, err
	}
	// Watermark on the server clock so a skewed local clock cannot
	// skip events on the next pull.
	if serverAt.IsZero() {
		serverAt = report.At
	}
	if err := s.state.SetLastSyncedAt(ctx, serverAt); err != nil {
		return report, err
	}

	s.log.Info().
		Int("pushed", report.Pushed).
		Int("pulled", report.Pulled).
		Int("applied", report.Applied).
		Int("conflicts", report.Conflicts).
		Msg("sync cycle complete")
	return report, nil
}

// Push runs the upload half of a cycle on its own. The watermark is
// untouched; only a pull may advance it.
func (s *Syncer) Push(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}
	defer s.running.Store(false)

	if !s.Probe(ctx) {
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}
	report := &Report{At: time.Now().UTC()}
	if err := s.push(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// Pull runs the download half of a cycle on its own and advances the
// watermark.
func (s *Syncer) Pull(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}
	defer s.running.Store(false)

	if !s.Probe(ctx) {
		return &Report{Skipped: true, At: time.Now().UTC()}, nil
	}
	report := &Report{At: time.Now().UTC()}
	serverAt, err := s.pull(ctx, report)
	if err != nil {
		return report, err
	}
	if serverAt.IsZero() {
		serverAt = report.At
	}
	if err := s.state.SetLastSyncedAt(ctx, serverAt); err != nil {
		return report, err
	}
	return report, nil
}

// push uploads pending events in batches and marks the accepted ones.
func (s *Syncer) push(ctx context.Context, report *Report) error {
	for {
		pending, err := s.events.PendingEvents(ctx, pushBatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		resp, err := s.client.Push(ctx, pending)
		if err != nil {
			return err
		}

		if len(resp.AcceptedIDs) > 0 {
			if err := s.events.MarkSynced(ctx, resp.AcceptedIDs, time.Now().UTC()); err != nil {
				return err
			}
			report.Pushed += len(resp.AcceptedIDs)
		}
		for _, id := range resp.FailedIDs {
			s.log.Warn().Str("event_id", id).Msg("server rejected event")
			report.Failed++
		}
		for _, wc := range resp.Conflicts {
			if err := s.integrateServerConflict(ctx, wc, report); err != nil {
				return err
			}
		}

		// A batch smaller than the limit means the queue is drained.
		if len(pending) < pushBatchSize {
			return nil
		}
	}
}

// integrateServerConflict handles a collision the server reported on a
// pushed event.
func (s *Syncer) integrateServerConflict(ctx context.Context, wc WireConflict, report *Report) error {
	local, err := s.events.GetEvent(ctx, wc.EventID)
	if err != nil {
		return err
	}
	if local == nil {
		return core.SyncError("server reported conflict on unknown event %s", wc.EventID)
	}
	if wc.ServerEvent == nil {
		// Server kept the detail to itself; park the local event.
		return s.events.SetSyncStatus(ctx, local.ID, SyncConflict)
	}
	return s.integrate(ctx, fromWire(*wc.ServerEvent), report)
}

// pull fetches remote events since the watermark and integrates each.
func (s *Syncer) pull(ctx context.Context, report *Report) (time.Time, error) {
	since, err := s.state.LastSyncedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	remote, serverAt, err := s.client.Pull(ctx, since)
	if err != nil {
		return time.Time{}, err
	}
	report.Pulled = len(remote)

	for _, evt := range remote {
		if evt.DeviceID == s.deviceID {
			continue
		}
		if err := s.integrate(ctx, evt, report); err != nil {
			return time.Time{}, err
		}
	}
	return serverAt, nil
}

// integrate stores one remote event, resolving any version collision
// with a local event first.
func (s *Syncer) integrate(ctx context.Context, remote Event, report *Report) error {
	existing, err := s.events.GetEvent(ctx, remote.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil // already integrated
	}

	local, err := s.events.EventAtVersion(ctx, remote.AggregateType, remote.AggregateID, remote.Version)
	if err != nil {
		return err
	}

	if local == nil || local.ID == remote.ID {
		if err := s.events.InsertRemote(ctx, remote); err != nil {
			return err
		}
		report.Applied++
		return nil
	}

	decision, err := s.resolver.Resolve(ctx, *local, remote)
	if err != nil {
		return err
	}

	if decision.Merge {
		// Both sides kept: the remote goes in at the next free version
		// for this aggregate, not the contested one.
		if _, err := s.events.Append(ctx, remote); err != nil {
			return err
		}
		report.Applied++
		return nil
	}

	report.Conflicts++

	if decision.Conflict != nil {
		// Parked for manual resolution: store the remote copy so the
		// operator can inspect both sides, but flag it unapplied.
		remote.SyncStatus = SyncConflict
		return s.events.InsertRemote(ctx, remote)
	}
	if decision.ApplyRemote {
		// The loser vacates the version slot before the winner takes it.
		if err := s.events.SetSyncStatus(ctx, local.ID, SyncConflict); err != nil {
			return err
		}
		if err := s.events.InsertRemote(ctx, remote); err != nil {
			return err
		}
		report.Applied++
		return nil
	}

	// Local keeps the slot; keep the losing remote copy for audit,
	// flagged so it never occupies the slot or gets re-pushed.
	remote.SyncStatus = SyncConflict
	return s.events.InsertRemote(ctx, remote)
}
