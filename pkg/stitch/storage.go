package stitch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

// ErrNotFound is returned by GetJourney when the event is unknown or not yet
// resolved to a journey.
var ErrNotFound = errors.New("journey not found")

// Storage is the contract every backend adapter implements. The engine never
// branches on backend identity; all coordination happens through these eight
// operations, which must each be idempotent so a batch can be retried in full.
type Storage interface {
	// InsertPendingEvents durably stores events as PENDING together with
	// their correlation-key associations. Upsert by event id.
	InsertPendingEvents(ctx context.Context, events []contracts.Event) error

	// FetchPending returns up to limit PENDING events with their keys.
	FetchPending(ctx context.Context, limit int) ([]contracts.Event, error)

	// LookupJourneysForKeys resolves committed key links in one bulk query.
	// Keys with no link are absent from the result.
	LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error)

	// CreateJourneys bulk-inserts journeys. Re-creating an existing journey
	// is a no-op.
	CreateJourneys(ctx context.Context, journeys []contracts.Journey) error

	// UpsertKeyLinks claims absent keys and refreshes last-seen timestamps on
	// existing ones. A key already pointing at another journey keeps its
	// owner, unless that link was last seen before reclaimBefore, in which
	// case the claim wins and the link is re-pointed. A zero reclaimBefore
	// never reclaims. Unreclaimed foreign owners are reported via
	// *KeyConflictError after the rest of the links have been applied.
	UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error

	// ReassignMergedJourneys moves every key and event of each loser journey
	// to the winner, then retires the loser. Re-applying a merge is a no-op.
	ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error

	// MarkResolved sets events RESOLVED with their final journey assignment.
	MarkResolved(ctx context.Context, assignments map[string]string) error

	// GetJourney returns the journey of an event and all member event ids,
	// or ErrNotFound.
	GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error)
}

// BatchStorage is an optional capability: backends that can group one batch's
// writes (a transaction, or a snapshot swap) expose it so the applier's four
// steps become atomic from the perspective of readers. The applier upgrades
// via type assertion; backends without it rely on idempotent writes + retry.
type BatchStorage interface {
	Storage

	// WithinBatch runs fn against a view whose writes commit together, or
	// not at all if fn returns an error.
	WithinBatch(ctx context.Context, fn func(Storage) error) error
}

// KeyConflictError reports correlation keys whose claim was lost: the key
// already points at a different journey. Owners maps key to its current
// journey id. The applier decides whether a conflict is benign (the owner is
// being merged away in the same plan) or means another worker won the race.
type KeyConflictError struct {
	Owners map[string]string
}

func (e *KeyConflictError) Error() string {
	keys := make([]string, 0, len(e.Owners))
	for k := range e.Owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("key links already owned: %s", strings.Join(keys, ", "))
}

// TransientError wraps failures worth retrying with a fresh plan: timeouts,
// serialization conflicts, lost key-claim races.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
