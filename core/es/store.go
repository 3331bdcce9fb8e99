package es

import (
	"context"
	"errors"

	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

var (
	ErrStoreNoEvents = errors.New("no events to store")
	// ErrOutboxUnsupported is returned when a save carries outbox entries
	// but the configured store cannot commit them atomically with the
	// domain events.
	ErrOutboxUnsupported = errors.New("event store does not support atomic outbox append")
)

type (
	// StoreLoadOptions is the evaluated form of a load's options, exposed so
	// store implementations outside this package can honor them.
	StoreLoadOptions struct {
		StartVersion Version
		StartSeq     uint64
	}

	StoreLoadOption func(*StoreLoadOptions)

	// AppendResult reports store-assigned metadata after an append.
	AppendResult struct {
		LastSeq uint64
	}
)

// WithStartVersion skips records below the given stream version. Used for
// snapshot tail replay.
func WithStartVersion(v Version) StoreLoadOption {
	return func(o *StoreLoadOptions) { o.StartVersion = v }
}

// WithStartSeq skips records below the given global sequence.
func WithStartSeq(seq uint64) StoreLoadOption {
	return func(o *StoreLoadOptions) { o.StartSeq = seq }
}

func NewStoreLoadOptions(opts ...StoreLoadOption) StoreLoadOptions {
	var o StoreLoadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EventStore is the append-only persistence abstraction for event records.
//
// Load returns an aggregate's records ordered by version ascending.
// Append persists records for one aggregate, checking expectVersion against
// the stream head: a mismatch (two writers racing the same stream) fails
// with ErrConcurrencyConflict so the caller can retry the whole command
// from a fresh load.
type EventStore interface {
	Load(ctx context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Record, error)
	Append(ctx context.Context, aggType, aggID string, expectVersion Version, records []Record) (*AppendResult, error)
}

// OutboxAppender is an optional EventStore capability: domain records and
// outbox entries commit atomically, or not at all. This is the outbox
// pattern's core guarantee, eliminating the dual write between the event
// store and a message broker.
type OutboxAppender interface {
	AppendWithOutbox(ctx context.Context, aggType, aggID string, expectVersion Version, records []Record, entries []outbox.Entry) (*AppendResult, error)
}
