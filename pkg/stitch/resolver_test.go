package stitch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

// fakeStore serves canned pending events and key links.
type fakeStore struct {
	stubStore
	pending []contracts.Event
	links   map[string]contracts.JourneyRef
}

func (f *fakeStore) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	return f.pending[:limit], nil
}

func (f *fakeStore) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	out := make(map[string]contracts.JourneyRef)
	for _, key := range keys {
		if ref, ok := f.links[key]; ok {
			out[key] = ref
		}
	}
	return out, nil
}

func TestResolver_GroupsByTransitiveKeys(t *testing.T) {
	f := &fakeStore{pending: []contracts.Event{
		{ID: "e1", CorrelationKeys: []string{"a"}},
		{ID: "e2", CorrelationKeys: []string{"a", "b"}},
		{ID: "e3", CorrelationKeys: []string{"c"}},
	}}

	components, err := NewResolver(f).ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, components, 2)

	assert.Equal(t, []string{"a", "b"}, components[0].Keys)
	require.Len(t, components[0].Events, 2)
	assert.Equal(t, "e1", components[0].Events[0].ID)
	assert.Equal(t, []string{"c"}, components[1].Keys)
}

func TestResolver_AttachesLinkedJourneys(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeStore{
		pending: []contracts.Event{
			{ID: "e1", CorrelationKeys: []string{"a", "b"}},
		},
		links: map[string]contracts.JourneyRef{
			"a": {JourneyID: "journey_x", CreatedAt: t0, LastSeenAt: t0},
			"b": {JourneyID: "journey_y", CreatedAt: t0.Add(time.Hour), LastSeenAt: t0},
		},
	}

	components, err := NewResolver(f).ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, components, 1)
	require.Len(t, components[0].Journeys, 2)
	// Oldest journey sorts first.
	assert.Equal(t, "journey_x", components[0].Journeys[0].JourneyID)
}

func TestResolver_KeyWindowDropsStaleLinks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeStore{
		pending: []contracts.Event{
			{ID: "e1", CorrelationKeys: []string{"fresh", "stale"}},
		},
		links: map[string]contracts.JourneyRef{
			"fresh": {JourneyID: "journey_f", LastSeenAt: now.Add(-time.Hour)},
			"stale": {JourneyID: "journey_s", LastSeenAt: now.Add(-72 * time.Hour)},
		},
	}

	r := NewResolver(f)
	r.KeyWindow = 24 * time.Hour
	r.now = func() time.Time { return now }

	components, err := r.ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, components, 1)
	require.Len(t, components[0].Journeys, 1)
	assert.Equal(t, "journey_f", components[0].Journeys[0].JourneyID)
}

func TestResolver_SharedJourneyBridgesComponents(t *testing.T) {
	// Two events with disjoint keys both linked to the same journey belong to
	// one component.
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeStore{
		pending: []contracts.Event{
			{ID: "e1", CorrelationKeys: []string{"a"}},
			{ID: "e2", CorrelationKeys: []string{"b"}},
		},
		links: map[string]contracts.JourneyRef{
			"a": {JourneyID: "journey_x", CreatedAt: t0, LastSeenAt: t0},
			"b": {JourneyID: "journey_x", CreatedAt: t0, LastSeenAt: t0},
		},
	}

	components, err := NewResolver(f).ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, components, 1)
	assert.Len(t, components[0].Events, 2)
	assert.Len(t, components[0].Journeys, 1)
}

func TestResolver_EmptyBatch(t *testing.T) {
	components, err := NewResolver(&fakeStore{}).ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, components)
}

func TestResolver_RespectsLimit(t *testing.T) {
	f := &fakeStore{pending: []contracts.Event{
		{ID: "e1"}, {ID: "e2"}, {ID: "e3"},
	}}

	components, err := NewResolver(f).ResolveBatch(context.Background(), 2)
	require.NoError(t, err)

	total := 0
	for _, c := range components {
		total += len(c.Events)
	}
	assert.Equal(t, 2, total)
}
