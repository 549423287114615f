package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"
)

// Memory implements stitch.Storage entirely in memory. It is the reference
// backend for tests and single-process deployments. Batches apply to a
// snapshot that is swapped in on success, so readers never observe a
// half-applied batch and a failed batch leaves no trace.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	events   map[string]contracts.Event
	journeys map[string]contracts.Journey
	links    map[string]contracts.KeyLink
}

func newMemoryState() *memoryState {
	return &memoryState{
		events:   make(map[string]contracts.Event),
		journeys: make(map[string]contracts.Journey),
		links:    make(map[string]contracts.KeyLink),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.journeys {
		c.journeys[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

var (
	_ stitch.Storage      = (*Memory)(nil)
	_ stitch.BatchStorage = (*Memory)(nil)
)

func (m *Memory) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertPendingEvents(events)
}

func (m *Memory) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.fetchPending(limit)
}

func (m *Memory) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lookupJourneysForKeys(keys)
}

func (m *Memory) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createJourneys(journeys)
}

func (m *Memory) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.upsertKeyLinks(links, reclaimBefore)
}

func (m *Memory) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.reassignMergedJourneys(merges)
}

func (m *Memory) MarkResolved(ctx context.Context, assignments map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.markResolved(assignments)
}

func (m *Memory) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getJourney(eventID)
}

// WithinBatch applies fn to a snapshot of the store and swaps it in only if
// fn succeeds. The write lock is held throughout, so concurrent readers see
// either the whole batch or none of it.
func (m *Memory) WithinBatch(ctx context.Context, fn func(stitch.Storage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryBatch{state: snapshot}); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

// memoryBatch exposes a snapshot as a Storage without locking; the parent's
// write lock is already held for the duration of the batch.
type memoryBatch struct {
	state *memoryState
}

func (b *memoryBatch) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	return b.state.insertPendingEvents(events)
}

func (b *memoryBatch) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	return b.state.fetchPending(limit)
}

func (b *memoryBatch) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	return b.state.lookupJourneysForKeys(keys)
}

func (b *memoryBatch) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	return b.state.createJourneys(journeys)
}

func (b *memoryBatch) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	return b.state.upsertKeyLinks(links, reclaimBefore)
}

func (b *memoryBatch) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	return b.state.reassignMergedJourneys(merges)
}

func (b *memoryBatch) MarkResolved(ctx context.Context, assignments map[string]string) error {
	return b.state.markResolved(assignments)
}

func (b *memoryBatch) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	return b.state.getJourney(eventID)
}

func (s *memoryState) insertPendingEvents(events []contracts.Event) error {
	for _, ev := range events {
		if _, exists := s.events[ev.ID]; exists {
			continue // upsert by id: duplicates from at-least-once producers
		}
		ev.Status = contracts.EventPending
		s.events[ev.ID] = ev
	}
	return nil
}

func (s *memoryState) fetchPending(limit int) ([]contracts.Event, error) {
	pending := make([]contracts.Event, 0, limit)
	for _, ev := range s.events {
		if ev.Status == contracts.EventPending {
			pending = append(pending, ev)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].IngestedAt.Equal(pending[j].IngestedAt) {
			return pending[i].IngestedAt.Before(pending[j].IngestedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memoryState) lookupJourneysForKeys(keys []string) (map[string]contracts.JourneyRef, error) {
	refs := make(map[string]contracts.JourneyRef)
	for _, key := range keys {
		link, ok := s.links[key]
		if !ok {
			continue
		}
		journey, ok := s.journeys[link.JourneyID]
		if !ok {
			continue // link to a retired journey; treat as absent
		}
		refs[key] = contracts.JourneyRef{
			JourneyID:  link.JourneyID,
			CreatedAt:  journey.CreatedAt,
			LastSeenAt: link.LastSeenAt,
		}
	}
	return refs, nil
}

func (s *memoryState) createJourneys(journeys []contracts.Journey) error {
	for _, j := range journeys {
		if _, exists := s.journeys[j.ID]; exists {
			continue
		}
		s.journeys[j.ID] = j
	}
	return nil
}

func (s *memoryState) upsertKeyLinks(links []contracts.KeyLink, reclaimBefore time.Time) error {
	owners := make(map[string]string)
	for _, link := range links {
		current, ok := s.links[link.Key]
		switch {
		case !ok:
			s.links[link.Key] = link
		case current.JourneyID == link.JourneyID:
			current.LastSeenAt = link.LastSeenAt
			s.links[link.Key] = current
		case !reclaimBefore.IsZero() && current.LastSeenAt.Before(reclaimBefore):
			// Expired link: the old owner's claim is outside the validity
			// window, so the key is re-pointed.
			s.links[link.Key] = link
		default:
			// Claim lost: keep the current owner, refresh last-seen, report.
			current.LastSeenAt = link.LastSeenAt
			s.links[link.Key] = current
			owners[link.Key] = current.JourneyID
		}
	}
	if len(owners) > 0 {
		return &stitch.KeyConflictError{Owners: owners}
	}
	return nil
}

func (s *memoryState) reassignMergedJourneys(merges []contracts.Merge) error {
	for _, merge := range merges {
		losers := make(map[string]struct{}, len(merge.LoserIDs))
		for _, id := range merge.LoserIDs {
			losers[id] = struct{}{}
		}
		for key, link := range s.links {
			if _, lost := losers[link.JourneyID]; lost {
				link.JourneyID = merge.WinnerID
				s.links[key] = link
			}
		}
		for id, ev := range s.events {
			if _, lost := losers[ev.JourneyID]; lost {
				ev.JourneyID = merge.WinnerID
				s.events[id] = ev
			}
		}
		for id := range losers {
			delete(s.journeys, id)
		}
	}
	return nil
}

func (s *memoryState) markResolved(assignments map[string]string) error {
	for id, journeyID := range assignments {
		ev, ok := s.events[id]
		if !ok {
			continue
		}
		ev.Status = contracts.EventResolved
		ev.JourneyID = journeyID
		s.events[id] = ev
	}
	return nil
}

func (s *memoryState) getJourney(eventID string) (contracts.JourneyView, error) {
	ev, ok := s.events[eventID]
	if !ok || ev.Status != contracts.EventResolved || ev.JourneyID == "" {
		return contracts.JourneyView{}, stitch.ErrNotFound
	}

	var members []string
	for id, other := range s.events {
		if other.JourneyID == ev.JourneyID {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return contracts.JourneyView{JourneyID: ev.JourneyID, EventIDs: members}, nil
}
