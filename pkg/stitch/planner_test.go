package stitch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

func testPlanner() *Planner {
	n := 0
	return &Planner{
		now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		newID: func() string {
			n++
			return fmt.Sprintf("journey_%03d", n)
		},
	}
}

func TestPlanner_NewJourneyForUnlinkedComponent(t *testing.T) {
	pl := testPlanner()

	plan := pl.Plan([]Component{{
		Events: []contracts.Event{{ID: "e1"}, {ID: "e2"}},
		Keys:   []string{"k1", "k2"},
	}})

	require.Len(t, plan.NewJourneys, 1)
	assert.Equal(t, "journey_001", plan.NewJourneys[0].ID)
	assert.Empty(t, plan.Merges)
	assert.Equal(t, map[string]string{"e1": "journey_001", "e2": "journey_001"}, plan.Resolved)
	require.Len(t, plan.KeyLinks, 2)
	for _, link := range plan.KeyLinks {
		assert.Equal(t, "journey_001", link.JourneyID)
	}
}

func TestPlanner_ExtendsSingleLinkedJourney(t *testing.T) {
	pl := testPlanner()

	plan := pl.Plan([]Component{{
		Events:   []contracts.Event{{ID: "e1"}},
		Keys:     []string{"k1"},
		Journeys: []contracts.JourneyRef{{JourneyID: "journey_old"}},
	}})

	assert.Empty(t, plan.NewJourneys)
	assert.Empty(t, plan.Merges)
	assert.Equal(t, "journey_old", plan.Resolved["e1"])
}

func TestPlanner_EarliestJourneyWinsMerge(t *testing.T) {
	pl := testPlanner()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := pl.Plan([]Component{{
		Events: []contracts.Event{{ID: "e1"}},
		Keys:   []string{"k1", "k2", "k3"},
		Journeys: []contracts.JourneyRef{
			{JourneyID: "journey_b", CreatedAt: t0.Add(time.Hour)},
			{JourneyID: "journey_a", CreatedAt: t0},
			{JourneyID: "journey_c", CreatedAt: t0.Add(2 * time.Hour)},
		},
	}})

	require.Len(t, plan.Merges, 1)
	assert.Equal(t, "journey_a", plan.Merges[0].WinnerID)
	assert.ElementsMatch(t, []string{"journey_b", "journey_c"}, plan.Merges[0].LoserIDs)
	assert.Equal(t, "journey_a", plan.Resolved["e1"])
	for _, link := range plan.KeyLinks {
		assert.Equal(t, "journey_a", link.JourneyID)
	}
}

func TestPlanner_MergeTieBrokenByJourneyID(t *testing.T) {
	pl := testPlanner()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := pl.Plan([]Component{{
		Events: []contracts.Event{{ID: "e1"}},
		Keys:   []string{"k1"},
		Journeys: []contracts.JourneyRef{
			{JourneyID: "journey_zz", CreatedAt: t0},
			{JourneyID: "journey_aa", CreatedAt: t0},
		},
	}})

	require.Len(t, plan.Merges, 1)
	assert.Equal(t, "journey_aa", plan.Merges[0].WinnerID)
	assert.Equal(t, []string{"journey_zz"}, plan.Merges[0].LoserIDs)
}

func TestPlanner_Deterministic(t *testing.T) {
	components := []Component{
		{
			Events: []contracts.Event{{ID: "e1"}},
			Keys:   []string{"k1"},
			Journeys: []contracts.JourneyRef{
				{JourneyID: "journey_x", CreatedAt: time.Unix(100, 0)},
				{JourneyID: "journey_y", CreatedAt: time.Unix(50, 0)},
			},
		},
		{
			Events: []contracts.Event{{ID: "e2"}, {ID: "e3"}},
			Keys:   []string{"k2"},
		},
	}

	a := testPlanner().Plan(components)
	b := testPlanner().Plan(components)
	assert.Equal(t, a, b)
}

func TestPlanner_ZeroKeyEventGetsOwnJourney(t *testing.T) {
	pl := testPlanner()

	plan := pl.Plan([]Component{
		{Events: []contracts.Event{{ID: "lonely"}}},
		{Events: []contracts.Event{{ID: "other"}}},
	})

	require.Len(t, plan.NewJourneys, 2)
	assert.NotEqual(t, plan.Resolved["lonely"], plan.Resolved["other"])
	assert.Empty(t, plan.KeyLinks)
}

func TestPlanner_EmptyInput(t *testing.T) {
	plan := testPlanner().Plan(nil)
	assert.True(t, plan.Empty())
}

func TestPlan_TargetForAndMergedInto(t *testing.T) {
	plan := Plan{
		KeyLinks: []contracts.KeyLink{{Key: "k1", JourneyID: "journey_a"}},
		Merges:   []contracts.Merge{{WinnerID: "journey_a", LoserIDs: []string{"journey_b"}}},
	}

	target, ok := plan.targetFor("k1")
	assert.True(t, ok)
	assert.Equal(t, "journey_a", target)
	_, ok = plan.targetFor("k2")
	assert.False(t, ok)

	winner, ok := plan.mergedInto("journey_b")
	assert.True(t, ok)
	assert.Equal(t, "journey_a", winner)
	_, ok = plan.mergedInto("journey_a")
	assert.False(t, ok)
}

func TestNewPlanner_JourneyIDFormat(t *testing.T) {
	pl := NewPlanner()
	plan := pl.Plan([]Component{{Events: []contracts.Event{{ID: "e1"}}}})

	require.Len(t, plan.NewJourneys, 1)
	assert.Regexp(t, `^journey_[0-9a-f-]{36}$`, plan.NewJourneys[0].ID)
}
