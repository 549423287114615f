package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements stitch.Storage on an embedded SQLite database.
// One batch's writes run inside a single transaction via WithinBatch.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ stitch.Storage      = (*SQLiteStore)(nil)
	_ stitch.BatchStorage = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		ingested_at TIMESTAMP NOT NULL,
		journey_id TEXT,
		payload BLOB,
		payload_ref TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_events_journey ON events(journey_id) WHERE journey_id IS NOT NULL;
	CREATE TABLE IF NOT EXISTS event_keys (
		event_id TEXT NOT NULL,
		key TEXT NOT NULL,
		PRIMARY KEY (event_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_event_keys_key ON event_keys(key);
	CREATE TABLE IF NOT EXISTS journeys (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS key_links (
		key TEXT PRIMARY KEY,
		journey_id TEXT NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_key_links_journey ON key_links(journey_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx so every operation can run
// standalone or inside a batch transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	return sqliteOps{s.db}.InsertPendingEvents(ctx, events)
}

func (s *SQLiteStore) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	return sqliteOps{s.db}.FetchPending(ctx, limit)
}

func (s *SQLiteStore) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	return sqliteOps{s.db}.LookupJourneysForKeys(ctx, keys)
}

func (s *SQLiteStore) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	return sqliteOps{s.db}.CreateJourneys(ctx, journeys)
}

func (s *SQLiteStore) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	return sqliteOps{s.db}.UpsertKeyLinks(ctx, links, reclaimBefore)
}

func (s *SQLiteStore) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	return sqliteOps{s.db}.ReassignMergedJourneys(ctx, merges)
}

func (s *SQLiteStore) MarkResolved(ctx context.Context, assignments map[string]string) error {
	return sqliteOps{s.db}.MarkResolved(ctx, assignments)
}

func (s *SQLiteStore) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	return sqliteOps{s.db}.GetJourney(ctx, eventID)
}

// WithinBatch runs fn inside one transaction.
func (s *SQLiteStore) WithinBatch(ctx context.Context, fn func(stitch.Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteClassify(fmt.Errorf("begin batch: %w", err))
	}
	if err := fn(sqliteOps{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteClassify(fmt.Errorf("commit batch: %w", err))
	}
	return nil
}

// sqliteOps implements every operation over a DB or transaction handle.
type sqliteOps struct {
	q queryer
}

var _ stitch.Storage = sqliteOps{}

func (o sqliteOps) InsertPendingEvents(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO events (id, status, ingested_at, journey_id, payload, payload_ref)
			VALUES (?, ?, ?, NULL, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			ev.ID, string(contracts.EventPending), ev.IngestedAt, ev.Payload, ev.PayloadRef)
		if err != nil {
			return sqliteClassify(fmt.Errorf("insert event %s: %w", ev.ID, err))
		}
		for _, key := range ev.CorrelationKeys {
			_, err := o.q.ExecContext(ctx, `
				INSERT INTO event_keys (event_id, key) VALUES (?, ?)
				ON CONFLICT (event_id, key) DO NOTHING`,
				ev.ID, key)
			if err != nil {
				return sqliteClassify(fmt.Errorf("insert key for event %s: %w", ev.ID, err))
			}
		}
	}
	return nil
}

func (o sqliteOps) FetchPending(ctx context.Context, limit int) ([]contracts.Event, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, ingested_at, payload, payload_ref
		FROM events
		WHERE status = 'PENDING'
		ORDER BY ingested_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, sqliteClassify(err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.Event
	index := make(map[string]int)
	for rows.Next() {
		var ev contracts.Event
		var payloadRef sql.NullString
		if err := rows.Scan(&ev.ID, &ev.IngestedAt, &ev.Payload, &payloadRef); err != nil {
			return nil, sqliteClassify(err)
		}
		ev.Status = contracts.EventPending
		ev.PayloadRef = payloadRef.String
		index[ev.ID] = len(events)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteClassify(err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	keyRows, err := o.q.QueryContext(ctx,
		`SELECT event_id, key FROM event_keys WHERE event_id IN (`+placeholders(len(ids))+`)`,
		toAnySlice(ids)...)
	if err != nil {
		return nil, sqliteClassify(err)
	}
	defer func() { _ = keyRows.Close() }()

	for keyRows.Next() {
		var eventID, key string
		if err := keyRows.Scan(&eventID, &key); err != nil {
			return nil, sqliteClassify(err)
		}
		if i, ok := index[eventID]; ok {
			events[i].CorrelationKeys = append(events[i].CorrelationKeys, key)
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, sqliteClassify(err)
	}
	return events, nil
}

func (o sqliteOps) LookupJourneysForKeys(ctx context.Context, keys []string) (map[string]contracts.JourneyRef, error) {
	refs := make(map[string]contracts.JourneyRef)
	if len(keys) == 0 {
		return refs, nil
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT k.key, k.journey_id, k.last_seen, j.created_at
		FROM key_links k
		JOIN journeys j ON j.id = k.journey_id
		WHERE k.key IN (`+placeholders(len(keys))+`)`,
		toAnySlice(keys)...)
	if err != nil {
		return nil, sqliteClassify(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var ref contracts.JourneyRef
		if err := rows.Scan(&key, &ref.JourneyID, &ref.LastSeenAt, &ref.CreatedAt); err != nil {
			return nil, sqliteClassify(err)
		}
		refs[key] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteClassify(err)
	}
	return refs, nil
}

func (o sqliteOps) CreateJourneys(ctx context.Context, journeys []contracts.Journey) error {
	for _, j := range journeys {
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO journeys (id, created_at) VALUES (?, ?)
			ON CONFLICT (id) DO NOTHING`,
			j.ID, j.CreatedAt)
		if err != nil {
			return sqliteClassify(fmt.Errorf("create journey %s: %w", j.ID, err))
		}
	}
	return nil
}

func (o sqliteOps) UpsertKeyLinks(ctx context.Context, links []contracts.KeyLink, reclaimBefore time.Time) error {
	owners := make(map[string]string)
	for _, link := range links {
		// Claim if absent; an existing link keeps its owner and only gets its
		// last-seen timestamp refreshed, unless the old claim expired before
		// reclaimBefore. SQLite admits one writer at a time, so reading the
		// current link and then deciding cannot race.
		var owner string
		var lastSeen time.Time
		err := o.q.QueryRowContext(ctx,
			`SELECT journey_id, last_seen FROM key_links WHERE key = ?`,
			link.Key).Scan(&owner, &lastSeen)
		switch {
		case err == sql.ErrNoRows:
			if _, err := o.q.ExecContext(ctx,
				`INSERT INTO key_links (key, journey_id, last_seen) VALUES (?, ?, ?)`,
				link.Key, link.JourneyID, link.LastSeenAt); err != nil {
				return sqliteClassify(fmt.Errorf("claim key link %s: %w", link.Key, err))
			}
		case err != nil:
			return sqliteClassify(fmt.Errorf("read key link %s: %w", link.Key, err))
		case owner == link.JourneyID,
			!reclaimBefore.IsZero() && lastSeen.Before(reclaimBefore):
			if _, err := o.q.ExecContext(ctx,
				`UPDATE key_links SET journey_id = ?, last_seen = ? WHERE key = ?`,
				link.JourneyID, link.LastSeenAt, link.Key); err != nil {
				return sqliteClassify(fmt.Errorf("update key link %s: %w", link.Key, err))
			}
		default:
			if _, err := o.q.ExecContext(ctx,
				`UPDATE key_links SET last_seen = ? WHERE key = ?`,
				link.LastSeenAt, link.Key); err != nil {
				return sqliteClassify(fmt.Errorf("refresh key link %s: %w", link.Key, err))
			}
			owners[link.Key] = owner
		}
	}
	if len(owners) > 0 {
		return &stitch.KeyConflictError{Owners: owners}
	}
	return nil
}

func (o sqliteOps) ReassignMergedJourneys(ctx context.Context, merges []contracts.Merge) error {
	for _, merge := range merges {
		args := append([]any{merge.WinnerID}, toAnySlice(merge.LoserIDs)...)
		in := placeholders(len(merge.LoserIDs))

		if _, err := o.q.ExecContext(ctx,
			`UPDATE key_links SET journey_id = ? WHERE journey_id IN (`+in+`)`, args...); err != nil {
			return sqliteClassify(fmt.Errorf("reassign key links to %s: %w", merge.WinnerID, err))
		}
		if _, err := o.q.ExecContext(ctx,
			`UPDATE events SET journey_id = ? WHERE journey_id IN (`+in+`)`, args...); err != nil {
			return sqliteClassify(fmt.Errorf("reassign events to %s: %w", merge.WinnerID, err))
		}
		if _, err := o.q.ExecContext(ctx,
			`DELETE FROM journeys WHERE id IN (`+in+`)`, toAnySlice(merge.LoserIDs)...); err != nil {
			return sqliteClassify(fmt.Errorf("retire journeys merged into %s: %w", merge.WinnerID, err))
		}
	}
	return nil
}

func (o sqliteOps) MarkResolved(ctx context.Context, assignments map[string]string) error {
	for id, journeyID := range assignments {
		_, err := o.q.ExecContext(ctx,
			`UPDATE events SET status = 'RESOLVED', journey_id = ? WHERE id = ?`,
			journeyID, id)
		if err != nil {
			return sqliteClassify(fmt.Errorf("mark event %s resolved: %w", id, err))
		}
	}
	return nil
}

func (o sqliteOps) GetJourney(ctx context.Context, eventID string) (contracts.JourneyView, error) {
	var journeyID string
	err := o.q.QueryRowContext(ctx, `
		SELECT journey_id FROM events
		WHERE id = ? AND status = 'RESOLVED' AND journey_id IS NOT NULL`,
		eventID).Scan(&journeyID)
	if err == sql.ErrNoRows {
		return contracts.JourneyView{}, stitch.ErrNotFound
	}
	if err != nil {
		return contracts.JourneyView{}, sqliteClassify(err)
	}

	rows, err := o.q.QueryContext(ctx,
		`SELECT id FROM events WHERE journey_id = ? ORDER BY id`, journeyID)
	if err != nil {
		return contracts.JourneyView{}, sqliteClassify(err)
	}
	defer func() { _ = rows.Close() }()

	view := contracts.JourneyView{JourneyID: journeyID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return contracts.JourneyView{}, sqliteClassify(err)
		}
		view.EventIDs = append(view.EventIDs, id)
	}
	if err := rows.Err(); err != nil {
		return contracts.JourneyView{}, sqliteClassify(err)
	}
	return view, nil
}

// sqliteClassify marks lock contention as transient so the worker retries
// with backoff instead of failing the batch.
func sqliteClassify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &stitch.TransientError{Err: err}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
