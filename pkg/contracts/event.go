package contracts

import "time"

// EventStatus tracks an event's position in the stitching pipeline.
type EventStatus string

// Event status constants.
const (
	EventPending  EventStatus = "PENDING"
	EventResolved EventStatus = "RESOLVED"
)

// Event is a single ingested record. Events are immutable once written except
// for their status and journey assignment, which only the commit applier
// touches.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	// ID is the producer-supplied unique identifier. Ingestion upserts by ID,
	// so at-least-once producers are safe.
	ID string `json:"id"`

	// CorrelationKeys are the opaque identifiers that connect this event to
	// others (session ids, account ids, device ids). May be empty; a keyless
	// event resolves into a singleton journey.
	CorrelationKeys []string `json:"correlation_keys"`

	// Payload is an opaque blob. The engine never inspects it.
	Payload []byte `json:"payload,omitempty"`

	// PayloadRef is set instead of Payload when the blob was offloaded to a
	// content-addressed payload store ("sha256:..." reference).
	PayloadRef string `json:"payload_ref,omitempty"`

	Status     EventStatus `json:"status"`
	JourneyID  string      `json:"journey_id,omitempty"`
	IngestedAt time.Time   `json:"ingested_at"`
}

// Journey is a resolved cluster of events.
type Journey struct {
	ID string `json:"id"`

	// CreatedAt is the merge tie-break: when journeys collide, the earliest
	// created one wins and the rest are retired into it.
	CreatedAt time.Time `json:"created_at"`
}

// JourneyRef is the result of a bulk correlation-key lookup: the journey a key
// currently points to, with enough metadata for merge planning and key-window
// filtering.
type JourneyRef struct {
	JourneyID  string    `json:"journey_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// KeyLink binds a correlation key to its journey. A key maps to at most one
// journey; links are re-pointed only when that journey loses a merge.
type KeyLink struct {
	Key        string    `json:"key"`
	JourneyID  string    `json:"journey_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Merge instructs the store to fold one or more journeys into a winner:
// all keys and events of every loser move to the winner, then the losers are
// retired. Applying a merge twice is a no-op.
type Merge struct {
	WinnerID string   `json:"winner_id"`
	LoserIDs []string `json:"loser_ids"`
}

// JourneyView is the read model returned by journey lookup: the journey an
// event belongs to and every member event sharing it.
type JourneyView struct {
	JourneyID string   `json:"journey_id"`
	EventIDs  []string `json:"event_ids"`
}
