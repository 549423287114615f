package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"

	_ "modernc.org/sqlite"
)

func setupSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLite_InsertAndFetchPending(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertPendingEvents(ctx, []contracts.Event{
		{ID: "b", IngestedAt: t0.Add(time.Second), CorrelationKeys: []string{"k1"}, Payload: []byte(`{"n":1}`)},
		{ID: "a", IngestedAt: t0, CorrelationKeys: []string{"k1", "k2"}},
		{ID: "nokeys", IngestedAt: t0.Add(2 * time.Second)},
	}))

	events, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].ID)
	assert.ElementsMatch(t, []string{"k1", "k2"}, events[0].CorrelationKeys)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, []byte(`{"n":1}`), events[1].Payload)
	// Zero-key events must still be fetched.
	assert.Equal(t, "nokeys", events[2].ID)
	assert.Empty(t, events[2].CorrelationKeys)
}

func TestSQLite_InsertDuplicateIsNoOp(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	ev := contracts.Event{ID: "e1", IngestedAt: time.Now().UTC(), CorrelationKeys: []string{"k1"}}
	require.NoError(t, s.InsertPendingEvents(ctx, []contracts.Event{ev}))
	require.NoError(t, s.InsertPendingEvents(ctx, []contracts.Event{ev}))

	events, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLite_KeyLinkClaimAndConflict(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateJourneys(ctx, []contracts.Journey{{ID: "journey_a", CreatedAt: t0}}))
	require.NoError(t, s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_a", LastSeenAt: t0},
	}, time.Time{}))

	err := s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_b", LastSeenAt: t0.Add(time.Hour)},
	}, time.Time{})
	var conflict *stitch.KeyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, map[string]string{"k1": "journey_a"}, conflict.Owners)

	// Owner unchanged, last-seen refreshed.
	refs, err := s.LookupJourneysForKeys(ctx, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, "journey_a", refs["k1"].JourneyID)
	assert.True(t, refs["k1"].LastSeenAt.Equal(t0.Add(time.Hour)))
}

func TestSQLite_KeyLinkReclaimsExpiredLink(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateJourneys(ctx, []contracts.Journey{
		{ID: "journey_old", CreatedAt: t0},
		{ID: "journey_new", CreatedAt: t0.Add(48 * time.Hour)},
	}))
	require.NoError(t, s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_old", LastSeenAt: t0},
	}, time.Time{}))

	// The old claim predates the cutoff, so the new journey takes the key
	// without a conflict.
	require.NoError(t, s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_new", LastSeenAt: t0.Add(48 * time.Hour)},
	}, t0.Add(24*time.Hour)))

	refs, err := s.LookupJourneysForKeys(ctx, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, "journey_new", refs["k1"].JourneyID)

	// A claim still inside the window is not reclaimable.
	err = s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_old", LastSeenAt: t0.Add(49 * time.Hour)},
	}, t0.Add(24*time.Hour))
	var conflict *stitch.KeyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, map[string]string{"k1": "journey_new"}, conflict.Owners)
}

func TestSQLite_FullResolutionFlow(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertPendingEvents(ctx, []contracts.Event{
		{ID: "e1", IngestedAt: t0, CorrelationKeys: []string{"k1"}},
		{ID: "e2", IngestedAt: t0.Add(time.Second), CorrelationKeys: []string{"k2"}},
		{ID: "e3", IngestedAt: t0.Add(2 * time.Second), CorrelationKeys: []string{"k1", "k2"}},
	}))
	require.NoError(t, s.CreateJourneys(ctx, []contracts.Journey{
		{ID: "journey_a", CreatedAt: t0},
		{ID: "journey_b", CreatedAt: t0.Add(time.Second)},
	}))
	require.NoError(t, s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "k1", JourneyID: "journey_a", LastSeenAt: t0},
		{Key: "k2", JourneyID: "journey_b", LastSeenAt: t0},
	}, time.Time{}))
	require.NoError(t, s.MarkResolved(ctx, map[string]string{"e1": "journey_a", "e2": "journey_b"}))

	// e3 bridges both journeys; journey_a is older and wins.
	require.NoError(t, s.ReassignMergedJourneys(ctx, []contracts.Merge{
		{WinnerID: "journey_a", LoserIDs: []string{"journey_b"}},
	}))
	require.NoError(t, s.MarkResolved(ctx, map[string]string{"e3": "journey_a"}))

	view, err := s.GetJourney(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, "journey_a", view.JourneyID)
	assert.Equal(t, []string{"e1", "e2", "e3"}, view.EventIDs)

	refs, err := s.LookupJourneysForKeys(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, "journey_a", refs["k1"].JourneyID)
	assert.Equal(t, "journey_a", refs["k2"].JourneyID)
}

func TestSQLite_GetJourneyNotFound(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	_, err := s.GetJourney(ctx, "missing")
	assert.ErrorIs(t, err, stitch.ErrNotFound)

	require.NoError(t, s.InsertPendingEvents(ctx, []contracts.Event{
		{ID: "pending", IngestedAt: time.Now().UTC()},
	}))
	_, err = s.GetJourney(ctx, "pending")
	assert.ErrorIs(t, err, stitch.ErrNotFound)
}

func TestSQLite_WithinBatchRollsBackOnError(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	boom := errors.New("abort")
	err := s.WithinBatch(ctx, func(tx stitch.Storage) error {
		if err := tx.CreateJourneys(ctx, []contracts.Journey{{ID: "journey_a", CreatedAt: t0}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The rolled-back journey must not exist: re-creating it with a later
	// created_at takes effect, which an ON CONFLICT no-op would have blocked.
	t1 := t0.Add(time.Hour)
	require.NoError(t, s.CreateJourneys(ctx, []contracts.Journey{{ID: "journey_a", CreatedAt: t1}}))
	require.NoError(t, s.UpsertKeyLinks(ctx, []contracts.KeyLink{
		{Key: "marker", JourneyID: "journey_a", LastSeenAt: t1},
	}, time.Time{}))
	refs, err := s.LookupJourneysForKeys(ctx, []string{"marker"})
	require.NoError(t, err)
	assert.True(t, refs["marker"].CreatedAt.Equal(t1))
}

func TestSQLite_WorkerEndToEnd(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	require.NoError(t, stitch.NewIngestor(s).Ingest(ctx, []contracts.Event{
		{ID: "e1", CorrelationKeys: []string{"session:1"}},
		{ID: "e2", CorrelationKeys: []string{"session:1", "user:7"}},
		{ID: "e3", CorrelationKeys: []string{"user:7"}},
		{ID: "e4", CorrelationKeys: []string{"other"}},
	}))

	w := stitch.NewWorker(s, stitch.WorkerConfig{}, nil, nil)
	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	v1, err := s.GetJourney(ctx, "e1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, v1.EventIDs)

	v4, err := s.GetJourney(ctx, "e4")
	require.NoError(t, err)
	assert.NotEqual(t, v1.JourneyID, v4.JourneyID)
}

func TestSQLiteClassify(t *testing.T) {
	assert.Nil(t, sqliteClassify(nil))
	assert.True(t, stitch.IsTransient(sqliteClassify(errors.New("database is locked (5) (SQLITE_BUSY)"))))
	plain := errors.New("syntax error")
	assert.False(t, stitch.IsTransient(sqliteClassify(plain)))
	assert.Equal(t, plain, sqliteClassify(plain))
}
