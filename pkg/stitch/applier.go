package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Applier commits plans to the store. Steps run in a fixed order (journeys,
// key links, merges, resolution marks) so that a crash between steps always
// leaves a state from which a full retry is safe. When the store supports it,
// the whole batch runs inside one WithinBatch grouping.
type Applier struct {
	store Storage
	log   *slog.Logger

	// KeyWindow mirrors Resolver.KeyWindow. Links last seen outside the
	// window are reclaimable: a plan that ignored an expired link may
	// re-point it instead of treating the old owner as a conflict.
	KeyWindow time.Duration

	now func() time.Time
}

func NewApplier(store Storage, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{store: store, log: log, now: time.Now}
}

// Apply writes a plan. A *TransientError return means the caller should
// rebuild the plan from current store state and try again; partial writes are
// harmless because every step is idempotent (and rolled back entirely on
// batch-capable stores).
func (a *Applier) Apply(ctx context.Context, plan Plan) error {
	if plan.Empty() {
		return nil
	}
	if bs, ok := a.store.(BatchStorage); ok {
		return bs.WithinBatch(ctx, func(s Storage) error {
			return a.applyOnce(ctx, s, plan)
		})
	}
	return a.applyOnce(ctx, a.store, plan)
}

func (a *Applier) applyOnce(ctx context.Context, s Storage, plan Plan) error {
	if err := s.CreateJourneys(ctx, plan.NewJourneys); err != nil {
		return fmt.Errorf("create journeys: %w", err)
	}

	err := s.UpsertKeyLinks(ctx, plan.KeyLinks, a.reclaimCutoff())
	var conflict *KeyConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		if foreign := a.foreignConflicts(plan, conflict); len(foreign) > 0 {
			// Another worker claimed these keys for a journey this plan knows
			// nothing about. Abort; the next plan will see that owner and
			// emit a merge instead.
			a.log.Debug("lost key claim race", "keys", foreign)
			return &TransientError{Err: fmt.Errorf("key claims lost to concurrent worker: %v", foreign)}
		}
		// Remaining owners are journeys this same plan merges away; the
		// reassignment below re-points them.
	default:
		return fmt.Errorf("upsert key links: %w", err)
	}

	if err := s.ReassignMergedJourneys(ctx, plan.Merges); err != nil {
		return fmt.Errorf("reassign merged journeys: %w", err)
	}
	if err := s.MarkResolved(ctx, plan.Resolved); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	return nil
}

// reclaimCutoff is the timestamp before which an existing key link counts as
// expired and may be overwritten. Zero when no window is configured.
func (a *Applier) reclaimCutoff() time.Time {
	if a.KeyWindow <= 0 {
		return time.Time{}
	}
	return a.now().Add(-a.KeyWindow)
}

// foreignConflicts filters claim conflicts down to the ones the plan cannot
// explain: the current owner is neither the planned journey for that key nor
// a loser being merged into it.
func (a *Applier) foreignConflicts(plan Plan, conflict *KeyConflictError) []string {
	var foreign []string
	for key, owner := range conflict.Owners {
		target, ok := plan.targetFor(key)
		if !ok {
			foreign = append(foreign, key)
			continue
		}
		if owner == target {
			continue // re-asserting an existing correct link
		}
		if winner, merged := plan.mergedInto(owner); merged && winner == target {
			continue // owner is retired into the target by this plan
		}
		foreign = append(foreign, key)
	}
	sort.Strings(foreign)
	return foreign
}
