package stitch

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

// Plan is the complete write set for one resolved batch. Every entry is
// expressible as an idempotent bulk operation, so applying a plan twice
// (after a partial failure) converges to the same state.
type Plan struct {
	NewJourneys []contracts.Journey
	Merges      []contracts.Merge
	KeyLinks    []contracts.KeyLink
	Resolved    map[string]string // event id -> final journey id
}

// Empty reports whether the plan writes nothing.
func (p Plan) Empty() bool {
	return len(p.NewJourneys) == 0 && len(p.Merges) == 0 &&
		len(p.KeyLinks) == 0 && len(p.Resolved) == 0
}

// targetFor returns the journey a key was planned onto, if any.
func (p Plan) targetFor(key string) (string, bool) {
	for _, link := range p.KeyLinks {
		if link.Key == key {
			return link.JourneyID, true
		}
	}
	return "", false
}

// mergedInto returns the winner a loser journey is folded into, if any.
func (p Plan) mergedInto(loser string) (string, bool) {
	for _, m := range p.Merges {
		for _, l := range m.LoserIDs {
			if l == loser {
				return m.WinnerID, true
			}
		}
	}
	return "", false
}

// Planner turns components into plans. It is pure apart from clock and id
// generation, both injectable for tests.
type Planner struct {
	now   func() time.Time
	newID func() string
}

func NewPlanner() *Planner {
	return &Planner{
		now:   time.Now,
		newID: func() string { return "journey_" + uuid.NewString() },
	}
}

// Plan decides, for each component, whether to create a journey, extend one,
// or merge several. With two or more linked journeys the earliest created_at
// wins (ties broken by journey id), and the rest are folded into it.
func (pl *Planner) Plan(components []Component) Plan {
	plan := Plan{Resolved: make(map[string]string)}
	now := pl.now().UTC()

	for _, c := range components {
		var target string
		switch len(c.Journeys) {
		case 0:
			j := contracts.Journey{ID: pl.newID(), CreatedAt: now}
			plan.NewJourneys = append(plan.NewJourneys, j)
			target = j.ID
		case 1:
			target = c.Journeys[0].JourneyID
		default:
			refs := make([]contracts.JourneyRef, len(c.Journeys))
			copy(refs, c.Journeys)
			sortRefs(refs) // earliest created_at first, ties by id
			target = refs[0].JourneyID
			losers := make([]string, 0, len(refs)-1)
			for _, ref := range refs[1:] {
				losers = append(losers, ref.JourneyID)
			}
			plan.Merges = append(plan.Merges, contracts.Merge{WinnerID: target, LoserIDs: losers})
		}

		for _, key := range c.Keys {
			plan.KeyLinks = append(plan.KeyLinks, contracts.KeyLink{
				Key:        key,
				JourneyID:  target,
				LastSeenAt: now,
			})
		}
		for _, ev := range c.Events {
			plan.Resolved[ev.ID] = target
		}
	}
	return plan
}
