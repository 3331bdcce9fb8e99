package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/sourcebox-io/sourcebox-go/core/cache"
	"github.com/sourcebox-io/sourcebox-go/core/sf"
)

// Repository rehydrates aggregates by replaying their event stream and
// persists newly raised events with optimistic concurrency. It is the only
// component that clears an aggregate's uncommitted buffer.
type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

type repository struct {
	log         *slog.Logger
	store       EventStore
	registry    *Registry
	snapshotter Snapshotter
	cache       cache.Cache
	snapLoads   sf.Group[*Snapshot]
	idGenerator IDGenerator
	metrics     Metrics
}

func NewRepository(store EventStore, registry *Registry, opts ...RepositoryOption) Repository {
	options := newRepoOpts(opts...)

	log := options.log
	if log == nil {
		log = slog.Default()
	}

	return &repository{
		log:         log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:       store,
		registry:    registry,
		snapshotter: options.snapshotter,
		cache:       options.cache,
		idGenerator: options.idGenerator,
		metrics:     options.metrics,
	}
}

// Load rehydrates agg from its stream. With FromSnapshot the latest
// snapshot is restored first and only the tail after it is replayed; the
// observable result is identical either way.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error {
	aggType := agg.AggregateType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.ID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events")
	}

	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	loadOptions := loadOptions{}
	for _, opt := range opts {
		opt(&loadOptions)
	}

	if loadOptions.snapshot {
		if err := r.restoreLatestSnapshot(ctx, agg); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	var (
		curVersion = agg.Version()
		curSeq     = agg.Seq()
	)

	storeTimer := r.metrics.StoreLoadDuration(aggType)
	records, err := r.store.Load(
		ctx,
		aggType,
		aggID,
		WithStartVersion(curVersion+1),
		WithStartSeq(curSeq+1),
	)
	storeTimer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) && curVersion > 0 {
			// snapshot exists but the tail is empty
			return nil
		}
		return err
	}

	for _, rec := range records {
		expect := agg.Version() + 1
		if rec.Version != expect {
			return fmt.Errorf("replay gap on %s: expect version %d, got %d", rec.StreamKey(), expect, rec.Version)
		}

		evt, err := r.registry.Decode(rec)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		agg.setVersion(rec.Version)
		agg.setSeq(rec.Seq)
	}

	if agg.Version() == 0 {
		return ErrAggregateNotFound
	}
	return nil
}

// Save persists only the aggregate's uncommitted events, using the
// pre-mutation version as the optimistic concurrency token. With
// WithOutbox, the buffer's integration events are committed in the same
// append. On success the uncommitted buffer (and the outbox buffer) are
// cleared; on conflict the caller retries the whole command from a fresh
// Load.
func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.AggregateType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.ID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}

	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	saveOptions := saveOptions{}
	for _, opt := range opts {
		opt(&saveOptions)
	}

	// Version tracks the persisted stream head; raising events does not
	// advance it until the append succeeds
	expectVersion := agg.Version()

	records := make([]Record, 0, len(uncommitted))
	v := expectVersion
	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		v++

		rec := Record{
			ID:            r.idGenerator(),
			Type:          EventTypeOf(ev),
			AggregateType: aggType,
			AggregateID:   aggID,
			Version:       v,
			OccurredAt:    time.Now(),
			Data:          data,
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		records = append(records, rec)
	}

	storeTimer := r.metrics.StoreAppendDuration(aggType)
	res, err := r.appendRecords(ctx, aggType, aggID, expectVersion, records, saveOptions)
	storeTimer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("save %s: %w", StreamKey(aggType, aggID), err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}

	agg.setSeq(res.LastSeq)
	agg.setVersion(v)
	agg.ClearUncommitted()
	if saveOptions.outbox != nil {
		saveOptions.outbox.Clear()
	}

	r.metrics.EventsAppended(aggType, len(records))

	if saveOptions.snapshot {
		if _, err := r.CreateSnapshot(ctx, agg); err != nil {
			return err
		}
	}

	r.log.Debug("saved",
		slog.Group("agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
			slog.Uint64("seq", agg.Seq()),
			agg.Version().SlogAttr(),
		),
		slog.Int("num_events", len(records)),
	)
	return nil
}

func (r *repository) appendRecords(
	ctx context.Context,
	aggType, aggID string,
	expectVersion Version,
	records []Record,
	saveOptions saveOptions,
) (*AppendResult, error) {
	if saveOptions.outbox == nil || saveOptions.outbox.Len() == 0 {
		return r.store.Append(ctx, aggType, aggID, expectVersion, records)
	}

	oa, ok := r.store.(OutboxAppender)
	if !ok {
		return nil, ErrOutboxUnsupported
	}

	entries := saveOptions.outbox.Peek()
	for i := range entries {
		if entries[i].AggregateID == "" {
			entries[i].AggregateType = aggType
			entries[i].AggregateID = aggID
		}
	}
	return oa.AppendWithOutbox(ctx, aggType, aggID, expectVersion, records, entries)
}

// CreateSnapshot captures and stores the aggregate's current state.
func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}

	ss, err := TakeSnapshot(agg)
	if err != nil {
		return nil, err
	}

	timer := r.metrics.SnapshotSaveDuration(agg.AggregateType())
	err = r.snapshotter.SaveSnapshot(ctx, ss)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if r.cache != nil {
		r.cache.Put(StreamKey(ss.AggregateType, ss.AggregateID), ss)
	}
	return ss, nil
}

// restoreLatestSnapshot restores agg from the cached or stored snapshot.
// Concurrent loads of the same stream share one snapshotter round-trip.
func (r *repository) restoreLatestSnapshot(ctx context.Context, agg Aggregate) error {
	if r.snapshotter == nil {
		return ErrSnapshotterUnconfigured
	}

	var (
		aggType = agg.AggregateType()
		key     = StreamKey(aggType, agg.ID())
	)

	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			r.metrics.CacheHit(aggType)
			return applySnapshotTo(agg, v.(*Snapshot))
		}
		r.metrics.CacheMiss(aggType)
	}

	timer := r.metrics.SnapshotLoadDuration(aggType)
	ss, err := r.snapLoads.Do(key, func() (*Snapshot, error) {
		return r.snapshotter.LoadSnapshot(ctx, aggType, agg.ID())
	})
	timer.ObserveDuration()
	if err != nil {
		return err
	}

	if r.cache != nil {
		r.cache.Put(key, ss)
	}
	return applySnapshotTo(agg, ss)
}

func applySnapshotTo(agg Aggregate, ss *Snapshot) error {
	var err error
	if s, ok := any(agg).(Snapshottable); ok {
		err = s.RestoreSnapshot(ss.Data)
	} else {
		err = json.Unmarshal(ss.Data, agg)
	}
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	agg.setVersion(ss.Version)
	agg.setSeq(ss.Seq)
	return nil
}

var _ Repository = (*repository)(nil)

// === TypedRepository ===

// TypedRepository is a typed facade over Repository for one aggregate kind.
type TypedRepository[T Aggregate] interface {
	AggregateType() string
	New() T
	NewWithID(id string) T
	Create(ctx context.Context, aggID string) (T, error)
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) error
	// WithTransaction loads the aggregate, applies fn and saves, retrying
	// the whole cycle from a fresh load on concurrency conflicts.
	WithTransaction(ctx context.Context, aggID string, fn func(agg T) error, opts ...SaveOption) error
}

const txMaxRetries = 10

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func NewTypedRepository[T Aggregate](store EventStore, registry *Registry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](NewRepository(store, registry, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](r Repository) TypedRepository[T] {
	return &typedRepo[T]{
		r:   r,
		log: slog.Default().With(slog.String("repo", fmt.Sprintf("%T", *new(T)))),
	}
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	} else {
		a = *new(T)
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) AggregateType() string {
	return t.New().AggregateType()
}

func (t *typedRepo[T]) Create(ctx context.Context, aggID string) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = a.Create(aggID); err != nil {
		return a, err
	}
	if err = t.r.Save(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error) {
	a, err := t.GetByID(ctx, aggID, opts...)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAggregateNotFound) {
		return a, err
	}
	return t.Create(ctx, aggID)
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) WithTransaction(ctx context.Context, aggID string, fn func(agg T) error, opts ...SaveOption) error {
	var lastErr error
	for range txMaxRetries {
		a, err := t.GetByID(ctx, aggID)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		err = t.r.Save(ctx, a, opts...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
		t.log.Debug("retrying after conflict", slog.String("id", aggID))
	}
	return lastErr
}

var _ TypedRepository[Aggregate] = (*typedRepo[Aggregate])(nil)
