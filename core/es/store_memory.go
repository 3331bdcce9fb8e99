package es

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

// InMemoryStore is a simple, correct (optimistic) event store for tests and
// development. When constructed with an outbox store it also implements
// OutboxAppender: the outbox write happens under the same lock and a failed
// outbox append rolls the event append back, so either both sides are
// visible or neither is.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     uint64
	streams map[string][]Record
	outbox  outbox.Store
}

type InMemoryStoreOption func(*InMemoryStore)

// WithOutboxStore enables atomic event+outbox appends against ob.
func WithOutboxStore(ob outbox.Store) InMemoryStoreOption {
	return func(s *InMemoryStore) { s.outbox = ob }
}

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	s := &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Record{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Load(_ context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Record, error) {
	loadOpts := NewStoreLoadOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.streams[StreamKey(aggType, aggID)]
	if !ok {
		return nil, ErrAggregateNotFound
	}

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Version < loadOpts.StartVersion {
			continue
		}
		if r.Seq < loadOpts.StartSeq {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Append(ctx context.Context, aggType, aggID string, expectVersion Version, records []Record) (*AppendResult, error) {
	return s.AppendWithOutbox(ctx, aggType, aggID, expectVersion, records, nil)
}

func (s *InMemoryStore) AppendWithOutbox(
	ctx context.Context,
	aggType, aggID string,
	expectVersion Version,
	records []Record,
	entries []outbox.Entry,
) (*AppendResult, error) {
	if len(records) == 0 {
		return nil, ErrStoreNoEvents
	}
	if len(entries) > 0 && s.outbox == nil {
		return nil, ErrOutboxUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = StreamKey(aggType, aggID)
		stream     = s.streams[sk]
		curVersion Version
	)
	if len(stream) > 0 {
		curVersion = stream[len(stream)-1].Version
	}
	if curVersion != expectVersion {
		return nil, ErrConcurrencyConflict
	}

	appended := make([]Record, 0, len(records))
	seq := s.seq
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		seq++
		r.Seq = seq
		appended = append(appended, r)
	}

	if len(entries) > 0 {
		// the outbox write decides the transaction: nothing was published
		// to s.streams yet, so failing here leaves zero new records
		if err := s.outbox.Append(ctx, entries...); err != nil {
			return nil, err
		}
	}

	s.seq = seq
	s.streams[sk] = append(stream, appended...)

	s.log.Debug("append",
		slog.String("stream", sk),
		slog.Uint64("last_seq", seq),
		slog.Int("num_events", len(appended)),
		slog.Int("num_outbox", len(entries)),
	)

	return &AppendResult{LastSeq: seq}, nil
}

var (
	_ EventStore     = (*InMemoryStore)(nil)
	_ OutboxAppender = (*InMemoryStore)(nil)
)
