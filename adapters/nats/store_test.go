package nats

import (
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/es"
)

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

func TestNats_EventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	connect := NewTestContainer(t)
	store, err := NewEventStore(EventStoreConfig{Connect: connect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

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
	})

	t.Run("version conflict", func(t *testing.T) {
		_, err := store.Append(ctx, "account", "a-1", 0, []es.Record{
			newRecord("account", "a-1", 1),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("stale subject sequence is rejected by the broker", func(t *testing.T) {
		// a writer that raced past the head check publishes with a stale
		// expected subject sequence and must be refused
		_, err := store.append(ctx, newRecord("account", "a-1", 3), 0)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		records, err := store.Load(ctx, "account", "a-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
	})

	t.Run("load tail from start version", func(t *testing.T) {
		records, err := store.Load(ctx, "account", "a-1", es.WithStartVersion(2))
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, es.Version(2), records[0].Version)
	})
}

func TestNats_Snapshotter(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	connect := NewTestContainer(t)
	snapshotter, err := NewSnapshotter(SnapshotterConfig{Connect: connect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapshotter.Close() })

	ctx := t.Context()

	_, err = snapshotter.LoadSnapshot(ctx, "account", "a-1")
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
	require.NoError(t, snapshotter.SaveSnapshot(ctx, snap))

	got, err := snapshotter.LoadSnapshot(ctx, "account", "a-1")
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Equal(t, es.Version(3), got.Version)
	require.JSONEq(t, `{"balance":60}`, string(got.Data))
}
