package stitch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

// Component is one connected cluster of the current batch: the batch events
// it contains, every correlation key it touches, and any existing journeys
// those keys are already linked to (0, 1, or several).
type Component struct {
	Events   []contracts.Event
	Keys     []string
	Journeys []contracts.JourneyRef
}

// Resolver partitions pending events into connected components. It holds only
// a store reference; each batch re-fetches the links it needs, so there is no
// cache to invalidate.
type Resolver struct {
	store Storage

	// KeyWindow, when positive, makes the resolver ignore key links last seen
	// before now-KeyWindow. This stops recycled correlation keys from
	// bridging logically unrelated journeys. Zero disables the window.
	KeyWindow time.Duration

	now func() time.Time
}

func NewResolver(store Storage) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// ResolveBatch fetches up to limit PENDING events and partitions them, along
// with the journeys their keys already link to, into connected components.
// An empty result means no pending events remain.
func (r *Resolver) ResolveBatch(ctx context.Context, limit int) ([]Component, error) {
	events, err := r.store.FetchPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	uf := newUnionFind()
	keySet := make(map[string]struct{})
	for _, ev := range events {
		uf.add(eventNode(ev.ID))
		for _, key := range ev.CorrelationKeys {
			keySet[key] = struct{}{}
			uf.union(eventNode(ev.ID), keyNode(key))
		}
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	refs, err := r.store.LookupJourneysForKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup key links: %w", err)
	}

	var cutoff time.Time
	if r.KeyWindow > 0 {
		cutoff = r.now().Add(-r.KeyWindow)
	}
	linked := make(map[string]contracts.JourneyRef)
	for key, ref := range refs {
		if !cutoff.IsZero() && ref.LastSeenAt.Before(cutoff) {
			continue // expired link, treat the key as fresh
		}
		linked[ref.JourneyID] = ref
		uf.union(keyNode(key), journeyNode(ref.JourneyID))
	}

	byRoot := make(map[string]*Component)
	component := func(root string) *Component {
		c, ok := byRoot[root]
		if !ok {
			c = &Component{}
			byRoot[root] = c
		}
		return c
	}
	for _, ev := range events {
		c := component(uf.find(eventNode(ev.ID)))
		c.Events = append(c.Events, ev)
	}
	for _, key := range keys {
		c := component(uf.find(keyNode(key)))
		c.Keys = append(c.Keys, key)
	}
	for id, ref := range linked {
		c := component(uf.find(journeyNode(id)))
		c.Journeys = append(c.Journeys, ref)
	}

	components := make([]Component, 0, len(byRoot))
	for _, c := range byRoot {
		sort.Slice(c.Events, func(i, j int) bool { return c.Events[i].ID < c.Events[j].ID })
		sort.Strings(c.Keys)
		sortRefs(c.Journeys)
		components = append(components, *c)
	}
	sort.Slice(components, func(i, j int) bool {
		return componentKey(components[i]) < componentKey(components[j])
	})
	return components, nil
}

// sortRefs orders journeys by created_at, ties broken by id, which is also
// the merge tie-break order.
func sortRefs(refs []contracts.JourneyRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].CreatedAt.Before(refs[j].CreatedAt)
		}
		return refs[i].JourneyID < refs[j].JourneyID
	})
}

func componentKey(c Component) string {
	if len(c.Events) > 0 {
		return c.Events[0].ID
	}
	if len(c.Keys) > 0 {
		return c.Keys[0]
	}
	return ""
}
