package stitch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/observability"
	"github.com/Mindburn-Labs/stitch/pkg/payload"
)

// Ingestor writes raw event batches as PENDING records. It makes no
// clustering decision, which keeps ingestion throughput independent of
// resolution latency. Safe to call repeatedly with overlapping ids.
type Ingestor struct {
	store Storage

	// Payloads, when set, offloads payloads larger than OffloadBytes to the
	// content-addressed payload store, leaving a reference on the event.
	Payloads     payload.Store
	OffloadBytes int

	// Metrics may be nil.
	Metrics *observability.Metrics

	now func() time.Time
}

func NewIngestor(store Storage) *Ingestor {
	return &Ingestor{store: store, now: time.Now}
}

// Ingest validates, normalizes, and durably stores a batch of events as
// PENDING. An event without an id rejects the whole batch before anything is
// written. Duplicate correlation keys within an event collapse to one.
func (i *Ingestor) Ingest(ctx context.Context, events []contracts.Event) error {
	if len(events) == 0 {
		return nil
	}
	for idx, ev := range events {
		if ev.ID == "" {
			return fmt.Errorf("ingest: event at index %d has no id", idx)
		}
	}

	now := i.now().UTC()
	prepared := make([]contracts.Event, len(events))
	for idx, ev := range events {
		ev.Status = contracts.EventPending
		ev.JourneyID = ""
		if ev.IngestedAt.IsZero() {
			ev.IngestedAt = now
		}
		ev.CorrelationKeys = dedupeKeys(ev.CorrelationKeys)

		if i.Payloads != nil && i.OffloadBytes > 0 && len(ev.Payload) > i.OffloadBytes {
			ref, err := i.Payloads.Store(ctx, ev.Payload)
			if err != nil {
				return fmt.Errorf("offload payload for event %s: %w", ev.ID, err)
			}
			ev.PayloadRef = ref
			ev.Payload = nil
		}
		prepared[idx] = ev
	}

	if err := i.store.InsertPendingEvents(ctx, prepared); err != nil {
		return fmt.Errorf("insert pending events: %w", err)
	}
	i.Metrics.AddIngested(ctx, len(prepared))
	return nil
}

func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
