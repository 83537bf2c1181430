/*
conflict.go - Version collision detection and resolution

Two events targeting the same (aggregate_type, aggregate_id, version)
with different ids collide. The winning side depends on the event type:

  - security and pricing events always take the server copy
  - additive creations merge automatically (both sides kept)
  - everything else defaults to last-write-wins on created_at
  - types marked MANUAL park the pair in a pending queue until an
    operator picks a winner
*/
package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/core"
)

// ===== STRATEGY =====

type Strategy string

const (
	LastWriteWins Strategy = "LAST_WRITE_WINS"
	ServerWins    Strategy = "SERVER_WINS"
	ClientWins    Strategy = "CLIENT_WINS"
	Manual        Strategy = "MANUAL"
)

// Winner names the side chosen during resolution.
type Winner string

const (
	WinnerLocal  Winner = "LOCAL"
	WinnerRemote Winner = "REMOTE"
)

// forcedServerWins lists event types where the server copy always
// prevails regardless of the configured strategy.
var forcedServerWins = map[string]bool{
	"UserCreated":        true,
	"UserDeleted":        true,
	"RoleChanged":        true,
	"PriceListActivated": true,
}

// autoMergeable lists additive creations where both sides can coexist
// and no conflict needs resolving.
var autoMergeable = map[string]bool{
	"LotMpCreated":      true,
	"LotPfCreated":      true,
	"SalesOrderCreated": true,
	"PaymentReceived":   true,
}

// ===== CONFLICT =====

type Conflict struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	Version       int64      `json:"version"`
	LocalEventID  string     `json:"local_event_id"`
	RemoteEventID string     `json:"remote_event_id"`
	Strategy      Strategy   `json:"strategy"`
	Resolved      bool       `json:"resolved"`
	Winner        Winner     `json:"winner,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// ===== RESOLVER =====

// Resolver decides the outcome of version collisions.
type Resolver struct {
	events    EventStore
	conflicts ConflictStore
	defaults  Strategy
	log       zerolog.Logger
}

func NewResolver(events EventStore, conflicts ConflictStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		events:    events,
		conflicts: conflicts,
		defaults:  LastWriteWins,
		log:       log.With().Str("component", "sync.resolver").Logger(),
	}
}

// SetDefaultStrategy changes the fallback strategy for event types
// with no forced rule.
func (r *Resolver) SetDefaultStrategy(s Strategy) {
	r.defaults = s
}

// StrategyFor returns the resolution strategy for an event type.
func (r *Resolver) StrategyFor(eventType string) Strategy {
	if forcedServerWins[eventType] {
		return ServerWins
	}
	return r.defaults
}

// Mergeable reports whether two same-version events of this type can
// both be kept without conflict.
func Mergeable(eventType string) bool {
	return autoMergeable[eventType]
}

// Decision is the outcome of resolving one collision.
type Decision struct {
	ApplyRemote bool
	Merge       bool      // both sides kept; remote goes in at the next free version
	Conflict    *Conflict // non-nil when the pair was parked for manual resolution
}

// Resolve decides between a local and a remote event occupying the
// same version slot. Manual strategies park the pair and apply
// nothing; every other strategy decides immediately and records the
// resolution for audit. Merges are not conflicts and leave no record.
func (r *Resolver) Resolve(ctx context.Context, local, remote Event) (Decision, error) {
	if Mergeable(remote.EventType) {
		return Decision{ApplyRemote: true, Merge: true}, nil
	}

	strategy := r.StrategyFor(remote.EventType)
	switch strategy {
	case ServerWins:
		if err := r.recordResolved(ctx, local, remote, strategy, WinnerRemote); err != nil {
			return Decision{}, err
		}
		r.log.Info().
			Str("aggregate", remote.AggregateType+"/"+remote.AggregateID).
			Int64("version", remote.Version).
			Msg("conflict resolved server-wins")
		return Decision{ApplyRemote: true}, nil

	case ClientWins:
		if err := r.recordResolved(ctx, local, remote, strategy, WinnerLocal); err != nil {
			return Decision{}, err
		}
		return Decision{ApplyRemote: false}, nil

	case LastWriteWins:
		applyRemote := remote.CreatedAt.After(local.CreatedAt)
		winner := WinnerLocal
		if applyRemote {
			winner = WinnerRemote
		}
		if err := r.recordResolved(ctx, local, remote, strategy, winner); err != nil {
			return Decision{}, err
		}
		r.log.Info().
			Str("aggregate", remote.AggregateType+"/"+remote.AggregateID).
			Int64("version", remote.Version).
			Bool("remote_wins", applyRemote).
			Msg("conflict resolved last-write-wins")
		return Decision{ApplyRemote: applyRemote}, nil

	case Manual:
		c := Conflict{
			ID:            core.NewID(),
			AggregateType: remote.AggregateType,
			AggregateID:   remote.AggregateID,
			Version:       remote.Version,
			LocalEventID:  local.ID,
			RemoteEventID: remote.ID,
			Strategy:      Manual,
			DetectedAt:    time.Now().UTC(),
		}
		if err := r.conflicts.InsertConflict(ctx, c); err != nil {
			return Decision{}, err
		}
		if err := r.events.SetSyncStatus(ctx, local.ID, SyncConflict); err != nil {
			return Decision{}, err
		}
		r.log.Warn().
			Str("conflict_id", c.ID).
			Str("aggregate", remote.AggregateType+"/"+remote.AggregateID).
			Int64("version", remote.Version).
			Msg("conflict parked for manual resolution")
		return Decision{ApplyRemote: false, Conflict: &c}, nil

	default:
		return Decision{}, core.SyncError("unknown resolution strategy %q", strategy)
	}
}

// recordResolved persists an already-settled conflict so every
// collision leaves an audit trail, not just the manual ones.
func (r *Resolver) recordResolved(ctx context.Context, local, remote Event, strategy Strategy, winner Winner) error {
	now := time.Now().UTC()
	return r.conflicts.InsertConflict(ctx, Conflict{
		ID:            core.NewID(),
		AggregateType: remote.AggregateType,
		AggregateID:   remote.AggregateID,
		Version:       remote.Version,
		LocalEventID:  local.ID,
		RemoteEventID: remote.ID,
		Strategy:      strategy,
		Resolved:      true,
		Winner:        winner,
		ResolvedBy:    "system",
		DetectedAt:    now,
		ResolvedAt:    &now,
	})
}

// ResolveManual settles a parked conflict: the chosen side's event is
// kept (remote winners are inserted now), the loser stays in the log
// marked CONFLICT for audit.
func (r *Resolver) ResolveManual(ctx context.Context, conflictID string, winner Winner, resolvedBy string) error {
	if winner != WinnerLocal && winner != WinnerRemote {
		return core.BusinessRule("winner must be LOCAL or REMOTE, got %q", winner)
	}
	c, err := r.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return &core.NotFoundError{EntityType: "Conflict", ID: conflictID}
	}
	if c.Resolved {
		return core.BusinessRule("conflict %s already resolved", conflictID)
	}

	now := time.Now().UTC()
	if winner == WinnerRemote {
		remote, err := r.events.GetEvent(ctx, c.RemoteEventID)
		if err != nil {
			return err
		}
		if remote == nil {
			return core.SyncError("remote event %s missing for conflict %s", c.RemoteEventID, conflictID)
		}
		if err := r.events.SetSyncStatus(ctx, c.RemoteEventID, SyncSynced); err != nil {
			return err
		}
	} else {
		if err := r.events.SetSyncStatus(ctx, c.LocalEventID, SyncPending); err != nil {
			return err
		}
	}

	if err := r.conflicts.MarkResolved(ctx, conflictID, winner, resolvedBy, now); err != nil {
		return err
	}
	r.log.Info().
		Str("conflict_id", conflictID).
		Str("winner", string(winner)).
		Str("resolved_by", resolvedBy).
		Msg("manual conflict resolved")
	return nil
}

// PendingConflicts lists unresolved conflicts awaiting an operator.
func (r *Resolver) PendingConflicts(ctx context.Context) ([]Conflict, error) {
	return r.conflicts.ListConflicts(ctx, true)
}
