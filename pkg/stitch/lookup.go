package stitch

import (
	"context"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
)

// Lookup answers read-only journey queries for validators and downstream
// consumers. It is not part of the write path and may sit behind a cache.
type Lookup struct {
	store Storage
}

func NewLookup(store Storage) *Lookup {
	return &Lookup{store: store}
}

// GetJourney returns the journey an event resolved to and every member event
// id sharing it, or ErrNotFound for unknown or still-pending events.
func (l *Lookup) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	return l.store.GetJourney(ctx, eventID)
}
