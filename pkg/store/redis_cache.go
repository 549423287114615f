package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"
)

// CachedLookup wraps a Storage with a Redis read-through cache for GetJourney.
// Only resolved views are cached; key links are never cached because a merge
// can retire a journey id at any time, while a resolved event's membership in
// its winning journey only ever grows. A merge can still grow a view cached
// before it, so the TTL bounds how long such a view stays short.
type CachedLookup struct {
	stitch.Storage
	client *redis.Client
	ttl    time.Duration
}

func NewCachedLookup(inner stitch.Storage, client *redis.Client, ttl time.Duration) *CachedLookup {
	return &CachedLookup{Storage: inner, client: client, ttl: ttl}
}

func cacheKey(eventID string) string {
	return "stitch:journey:" + eventID
}

func (c *CachedLookup) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	// A miss, an unavailable cache, or a corrupt entry all fall through to
	// storage; the cache is an accelerator, never a source of truth.
	if raw, err := c.client.Get(ctx, cacheKey(eventID)).Bytes(); err == nil {
		var view contracts.JourneyView
		if jsonErr := json.Unmarshal(raw, &view); jsonErr == nil {
			return view, nil
		}
	}

	view, err := c.Storage.GetJourney(ctx, eventID)
	if err != nil {
		return contracts.JourneyView{}, err
	}
	if raw, jsonErr := json.Marshal(view); jsonErr == nil {
		c.client.Set(ctx, cacheKey(eventID), raw, c.ttl)
	}
	return view, nil
}
