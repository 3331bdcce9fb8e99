package postgres

import (
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/es"
	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRecord(aggType, aggID string, version es.Version) es.Record {
	return es.Record{
		ID:            gonanoid.Must(),
		Version:       version,
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          "test.event",
		OccurredAt:    time.Now(),
		Data:          []byte(`{"n":1}`),
	}
}

type testEvent struct {
	N int `json:"n"`
}

func newEntry(opts ...outbox.EntryOption) outbox.Entry {
	e, err := outbox.New(testEvent{N: 1}, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func TestPostgres_EventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	store := NewTestStore(t)
	ctx := t.Context()

	t.Run("load unknown stream", func(t *testing.T) {
		_, err := store.Load(ctx, "account", "missing")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)
	})

	t.Run("append and load", func(t *testing.T) {
		res, err := store.Append(ctx, "account", "a-1", 0, []es.Record{
			newRecord("account", "a-1", 1),
			newRecord("account", "a-1", 2),
		})
		require.NoError(t, err)
		require.NotZero(t, res.LastSeq)

		records, err := store.Load(ctx, "account", "a-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, es.Version(1), records[0].Version)
		require.Equal(t, es.Version(2), records[1].Version)
		require.Greater(t, records[1].Seq, records[0].Seq)
		require.JSONEq(t, `{"n":1}`, string(records[0].Data))
	})

	t.Run("load tail from start version", func(t *testing.T) {
		records, err := store.Load(ctx, "account", "a-1", es.WithStartVersion(2))
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, es.Version(2), records[0].Version)
	})

	t.Run("version conflict", func(t *testing.T) {
		_, err := store.Append(ctx, "account", "a-1", 0, []es.Record{
			newRecord("account", "a-1", 1),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("empty append", func(t *testing.T) {
		_, err := store.Append(ctx, "account", "a-1", 2, nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})

	t.Run("streams are independent", func(t *testing.T) {
		_, err := store.Append(ctx, "account", "a-2", 0, []es.Record{
			newRecord("account", "a-2", 1),
		})
		require.NoError(t, err)

		records, err := store.Load(ctx, "account", "a-2")
		require.NoError(t, err)
		require.Len(t, records, 1)
	})
}

func TestPostgres_OutboxAtomicity(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	store := NewTestStore(t)
	ctx := t.Context()

	entry := newEntry(outbox.WithAggregate("account", "a-1"))
	_, err := store.AppendWithOutbox(ctx, "account", "a-1", 0,
		[]es.Record{newRecord("account", "a-1", 1)},
		[]outbox.Entry{entry},
	)
	require.NoError(t, err)

	records, err := store.Load(ctx, "account", "a-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	claimed, err := store.Outbox().Claim(ctx, "c-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, entry.ID, claimed[0].ID)
	require.Equal(t, "account", claimed[0].AggregateType)

	// conflicting append rolls back both sides
	failed := newEntry(outbox.WithAggregate("account", "a-1"))
	_, err = store.AppendWithOutbox(ctx, "account", "a-1", 0,
		[]es.Record{newRecord("account", "a-1", 1)},
		[]outbox.Entry{failed},
	)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	_, err = store.Outbox().Claim(ctx, "c-2", 10, time.Minute)
	require.NoError(t, err)
	records, err = store.Load(ctx, "account", "a-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestPostgres_Outbox(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	clock := newFakeClock()
	store := NewTestStore(t, WithStoreClock(clock.Now))
	ob := store.Outbox()
	ctx := t.Context()

	first := newEntry()
	second := newEntry()
	require.NoError(t, ob.Append(ctx, first, second))

	t.Run("claim is exclusive", func(t *testing.T) {
		claimed, err := ob.Claim(ctx, "c-1", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.Equal(t, first.ID, claimed[0].ID)

		other, err := ob.Claim(ctx, "c-2", 10, time.Minute)
		require.NoError(t, err)
		require.Empty(t, other)
	})

	t.Run("lease expiry makes entries eligible again", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		claimed, err := ob.Claim(ctx, "c-3", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
	})

	t.Run("mark published is terminal", func(t *testing.T) {
		require.NoError(t, ob.MarkPublished(ctx, first.ID))

		clock.Advance(2 * time.Minute)
		claimed, err := ob.Claim(ctx, "c-4", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, second.ID, claimed[0].ID)
	})

	t.Run("mark failed schedules a retry", func(t *testing.T) {
		require.NoError(t, ob.MarkFailed(ctx, second.ID, "broker down", clock.Now().Add(time.Hour)))

		claimed, err := ob.Claim(ctx, "c-5", 10, time.Minute)
		require.NoError(t, err)
		require.Empty(t, claimed)

		clock.Advance(2 * time.Hour)
		claimed, err = ob.Claim(ctx, "c-6", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, outbox.StatusOnError, claimed[0].Status)
		require.Equal(t, 1, claimed[0].Attempts)
		require.Equal(t, "broker down", claimed[0].LastError)
	})

	t.Run("discard is terminal", func(t *testing.T) {
		require.NoError(t, ob.Discard(ctx, second.ID, "gave up"))

		clock.Advance(2 * time.Hour)
		claimed, err := ob.Claim(ctx, "c-7", 10, time.Minute)
		require.NoError(t, err)
		require.Empty(t, claimed)
	})

	t.Run("release clears the claim", func(t *testing.T) {
		e := newEntry()
		require.NoError(t, ob.Append(ctx, e))

		claimed, err := ob.Claim(ctx, "c-8", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, ob.Release(ctx, "c-8"))

		claimed, err = ob.Claim(ctx, "c-9", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, e.ID, claimed[0].ID)
	})

	t.Run("unknown entry", func(t *testing.T) {
		require.ErrorIs(t, ob.MarkPublished(ctx, "nope"), outbox.ErrEntryNotFound)
	})
}

func TestPostgres_Snapshots(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	store := NewTestStore(t)
	ctx := t.Context()

	_, err := store.LoadSnapshot(ctx, "account", "a-1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	snap := &es.Snapshot{
		ID:            gonanoid.Must(),
		AggregateType: "account",
		AggregateID:   "a-1",
		Version:       3,
		Seq:           12,
		CreatedAt:     time.Now(),
		SchemaVersion: 1,
		Data:          []byte(`{"balance":60}`),
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, err := store.LoadSnapshot(ctx, "account", "a-1")
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Equal(t, es.Version(3), got.Version)
	require.Equal(t, uint64(12), got.Seq)
	require.JSONEq(t, `{"balance":60}`, string(got.Data))

	// newer snapshot replaces the old one
	snap2 := *snap
	snap2.ID = gonanoid.Must()
	snap2.Version = 5
	require.NoError(t, store.SaveSnapshot(ctx, &snap2))

	got, err = store.LoadSnapshot(ctx, "account", "a-1")
	require.NoError(t, err)
	require.Equal(t, snap2.ID, got.ID)
	require.Equal(t, es.Version(5), got.Version)
}
