package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"
)

// PostgresStore implements stitch.Storage on PostgreSQL with set-based bulk
// statements, so a batch of thousands of events costs a handful of round trips.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ stitch.Storage      = (*PostgresStore)(nil)
	_ stitch.BatchStorage = (*PostgresStore)(nil)
)

// Migrate creates the schema. Call once at startup; kept out of the
// constructor so tests can wire a mock database without DDL expectations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		journey_id TEXT,
		payload BYTEA,
		payload_ref TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_pending ON events(ingested_at) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_events_journey ON events(journey_id) WHERE journey_id IS NOT NULL;
	CREATE TABLE IF NOT EXISTS event_keys (
		event_id TEXT NOT NULL,
		key TEXT NOT NULL,
		PRIMARY KEY (event_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_event_keys_key ON event_keys(key);
	CREATE TABLE IF NOT EXISTS journeys (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS key_links (
		key TEXT PRIMARY KEY,
		journey_id TEXT NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_key_links_journey ON key_links(journey_id);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return pgClassify(fmt.Errorf("migrate schema: %w", err))
	}
	return nil
}

func (s *PostgresStore) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	return pgOps{s.db}.InsertPendingEvents(ctx, events)
}

func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	return pgOps{s.db}.FetchPending(ctx, limit)
}

func (s *PostgresStore) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	return pgOps{s.db}.LookupJourneysForKeys(ctx, keys)
}

func (s *PostgresStore) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	return pgOps{s.db}.CreateJourneys(ctx, journeys)
}

func (s *PostgresStore) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	return pgOps{s.db}.UpsertKeyLinks(ctx, links, reclaimBefore)
}

func (s *PostgresStore) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	return pgOps{s.db}.ReassignMergedJourneys(ctx, merges)
}

func (s *PostgresStore) MarkResolved(ctx context.Context, assignments map[string]string) error {
	return pgOps{s.db}.MarkResolved(ctx, assignments)
}

func (s *PostgresStore) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	return pgOps{s.db}.GetJourney(ctx, eventID)
}

// WithinBatch runs fn inside one transaction.
func (s *PostgresStore) WithinBatch(ctx context.Context, fn func(stitch.Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgClassify(fmt.Errorf("begin batch: %w", err))
	}
	if err := fn(pgOps{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pgClassify(fmt.Errorf("commit batch: %w", err))
	}
	return nil
}

type pgOps struct {
	q queryer
}

var _ stitch.Storage = pgOps{}

func (o pgOps) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, 0, len(events))
	ingested := make([]time.Time, 0, len(events))
	payloads := make([][]byte, 0, len(events))
	refs := make([]string, 0, len(events))
	var keyEventIDs, keys []string
	for _, ev := range events {
		ids = append(ids, ev.ID)
		ingested = append(ingested, ev.IngestedAt)
		payloads = append(payloads, ev.Payload)
		refs = append(refs, ev.PayloadRef)
		for _, key := range ev.CorrelationKeys {
			keyEventIDs = append(keyEventIDs, ev.ID)
			keys = append(keys, key)
		}
	}

	_, err := o.q.ExecContext(ctx, `
		INSERT INTO events (id, status, ingested_at, payload, payload_ref)
		SELECT i, 'PENDING', t, p, NULLIF(r, '')
		FROM unnest($1::text[], $2::timestamptz[], $3::bytea[], $4::text[]) AS u(i, t, p, r)
		ON CONFLICT (id) DO NOTHING`,
		pq.Array(ids), pq.Array(ingested), pq.ByteaArray(payloads), pq.Array(refs))
	if err != nil {
		return pgClassify(fmt.Errorf("insert events: %w", err))
	}

	if len(keys) > 0 {
		_, err = o.q.ExecContext(ctx, `
			INSERT INTO event_keys (event_id, key)
			SELECT e, k FROM unnest($1::text[], $2::text[]) AS u(e, k)
			ON CONFLICT (event_id, key) DO NOTHING`,
			pq.Array(keyEventIDs), pq.Array(keys))
		if err != nil {
			return pgClassify(fmt.Errorf("insert event keys: %w", err))
		}
	}
	return nil
}

func (o pgOps) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT e.id, e.ingested_at, e.payload, e.payload_ref,
		       COALESCE(array_agg(k.key) FILTER (WHERE k.key IS NOT NULL), '{}')
		FROM events e
		LEFT JOIN event_keys k ON k.event_id = e.id
		WHERE e.status = 'PENDING'
		GROUP BY e.id
		ORDER BY e.ingested_at, e.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, pgClassify(err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.Event
	for rows.Next() {
		var ev contracts.Event
		var payloadRef sql.NullString
		var keys pq.StringArray
		if err := rows.Scan(&ev.ID, &ev.IngestedAt, &ev.Payload, &payloadRef, &keys); err != nil {
			return nil, pgClassify(err)
		}
		ev.Status = contracts.EventPending
		ev.PayloadRef = payloadRef.String
		ev.CorrelationKeys = []string(keys)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pgClassify(err)
	}
	return events, nil
}

func (o pgOps) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	refs := make(map[string]contracts.JourneyRef)
	if len(keys) == 0 {
		return refs, nil
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT k.key, k.journey_id, k.last_seen, j.created_at
		FROM key_links k
		JOIN journeys j ON j.id = k.journey_id
		WHERE k.key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, pgClassify(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var ref contracts.JourneyRef
		if err := rows.Scan(&key, &ref.JourneyID, &ref.LastSeenAt, &ref.CreatedAt); err != nil {
			return nil, pgClassify(err)
		}
		refs[key] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, pgClassify(err)
	}
	return refs, nil
}

func (o pgOps) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	if len(journeys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(journeys))
	created := make([]time.Time, 0, len(journeys))
	for _, j := range journeys {
		ids = append(ids, j.ID)
		created = append(created, j.CreatedAt)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO journeys (id, created_at)
		SELECT i, t FROM unnest($1::text[], $2::timestamptz[]) AS u(i, t)
		ON CONFLICT (id) DO NOTHING`,
		pq.Array(ids), pq.Array(created))
	if err != nil {
		return pgClassify(fmt.Errorf("create journeys: %w", err))
	}
	return nil
}

func (o pgOps) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	if len(links) == 0 {
		return nil
	}
	keys := make([]string, 0, len(links))
	journeyIDs := make([]string, 0, len(links))
	seen := make([]time.Time, 0, len(links))
	want := make(map[string]string, len(links))
	for _, link := range links {
		keys = append(keys, link.Key)
		journeyIDs = append(journeyIDs, link.JourneyID)
		seen = append(seen, link.LastSeenAt)
		want[link.Key] = link.JourneyID
	}

	// Claim if absent. An existing link keeps its owner and only gets its
	// last-seen timestamp refreshed, unless it expired before $4, in which
	// case the new claim re-points it. RETURNING reports the surviving owner
	// of every key in one round trip; a zero $4 never reclaims.
	rows, err := o.q.QueryContext(ctx, `
		INSERT INTO key_links (key, journey_id, last_seen)
		SELECT k, j, t FROM unnest($1::text[], $2::text[], $3::timestamptz[]) AS u(k, j, t)
		ON CONFLICT (key) DO UPDATE SET
			journey_id = CASE WHEN key_links.last_seen < $4 THEN EXCLUDED.journey_id ELSE key_links.journey_id END,
			last_seen = EXCLUDED.last_seen
		RETURNING key, journey_id`,
		pq.Array(keys), pq.Array(journeyIDs), pq.Array(seen), reclaimBefore)
	if err != nil {
		return pgClassify(fmt.Errorf("upsert key links: %w", err))
	}
	defer func() { _ = rows.Close() }()

	owners := make(map[string]string)
	for rows.Next() {
		var key, owner string
		if err := rows.Scan(&key, &owner); err != nil {
			return pgClassify(err)
		}
		if owner != want[key] {
			owners[key] = owner
		}
	}
	if err := rows.Err(); err != nil {
		return pgClassify(err)
	}
	if len(owners) > 0 {
		return &stitch.KeyConflictError{Owners: owners}
	}
	return nil
}

func (o pgOps) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	for _, merge := range merges {
		losers := pq.Array(merge.LoserIDs)
		if _, err := o.q.ExecContext(ctx,
			`UPDATE key_links SET journey_id = $1 WHERE journey_id = ANY($2)`,
			merge.WinnerID, losers); err != nil {
			return pgClassify(fmt.Errorf("reassign key links to %s: %w", merge.WinnerID, err))
		}
		if _, err := o.q.ExecContext(ctx,
			`UPDATE events SET journey_id = $1 WHERE journey_id = ANY($2)`,
			merge.WinnerID, losers); err != nil {
			return pgClassify(fmt.Errorf("reassign events to %s: %w", merge.WinnerID, err))
		}
		if _, err := o.q.ExecContext(ctx,
			`DELETE FROM journeys WHERE id = ANY($1)`, losers); err != nil {
			return pgClassify(fmt.Errorf("retire journeys merged into %s: %w", merge.WinnerID, err))
		}
	}
	return nil
}

func (o pgOps) MarkResolved(ctx context.Context, assignments map[string]string) error {
	if len(assignments) == 0 {
		return nil
	}
	ids := make([]string, 0, len(assignments))
	journeyIDs := make([]string, 0, len(assignments))
	for id, journeyID := range assignments {
		ids = append(ids, id)
		journeyIDs = append(journeyIDs, journeyID)
	}
	_, err := o.q.ExecContext(ctx, `
		UPDATE events SET status = 'RESOLVED', journey_id = x.j
		FROM (SELECT i, j FROM unnest($1::text[], $2::text[]) AS u(i, j)) x
		WHERE events.id = x.i`,
		pq.Array(ids), pq.Array(journeyIDs))
	if err != nil {
		return pgClassify(fmt.Errorf("mark resolved: %w", err))
	}
	return nil
}

func (o pgOps) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	var journeyID string
	err := o.q.QueryRowContext(ctx, `
		SELECT journey_id FROM events
		WHERE id = $1 AND status = 'RESOLVED' AND journey_id IS NOT NULL`,
		eventID).Scan(&journeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.JourneyView{}, stitch.ErrNotFound
	}
	if err != nil {
		return contracts.JourneyView{}, pgClassify(err)
	}

	rows, err := o.q.QueryContext(ctx,
		`SELECT id FROM events WHERE journey_id = $1 ORDER BY id`, journeyID)
	if err != nil {
		return contracts.JourneyView{}, pgClassify(err)
	}
	defer func() { _ = rows.Close() }()

	view := contracts.JourneyView{JourneyID: journeyID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return contracts.JourneyView{}, pgClassify(err)
		}
		view.EventIDs = append(view.EventIDs, id)
	}
	if err := rows.Err(); err != nil {
		return contracts.JourneyView{}, pgClassify(err)
	}
	return view, nil
}

// pgClassify marks serialization failures and connection drops as transient
// so the worker retries with backoff instead of failing the batch.
func pgClassify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		if class == "40" || class == "08" {
			return &stitch.TransientError{Err: err}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "connection refused") {
		return &stitch.TransientError{Err: err}
	}
	return err
}
