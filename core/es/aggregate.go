package es

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
)

// Applier is implemented by types that can apply events to update state.
type Applier interface {
	Apply(event any) error
}

// Aggregate is the contract for event-sourced domain objects. State is
// derived purely from the ordered event history: mutation methods validate
// invariants and raise events, and Apply is the only place state changes.
//
// The lifecycle is:
//  1. Create a new aggregate or load an existing one via a Repository.
//  2. Domain methods validate and call Raise+Apply (see RaiseAndApply).
//  3. Repository.Save persists the uncommitted events at the pre-mutation
//     version and clears the buffer.
type Aggregate interface {
	// AggregateType returns the type name used for stream identification.
	AggregateType() string
	// ID returns the identifier of this aggregate instance.
	ID() string
	// SetID sets the aggregate ID. Called during creation and rehydration.
	SetID(string)

	// Version returns the number of events applied so far.
	Version() Version
	setVersion(Version)

	// Seq returns the global store sequence of the last applied event.
	Seq() uint64
	setSeq(uint64)

	// Create initializes a fresh aggregate via its factory event.
	Create(id string) error

	// RegisterEvents registers the aggregate's event types with a Registrar.
	RegisterEvents(r Registrar)
	// Raise records an event as uncommitted without applying it.
	Raise(event any)
	// Apply updates state from an event. Must behave identically during
	// replay and live mutation.
	Apply(event any) error

	// Uncommitted returns a copy of events raised but not yet persisted.
	Uncommitted() []any
	// ClearUncommitted drops the uncommitted buffer after a successful save.
	ClearUncommitted()
}

// Created is the factory event every aggregate stream starts with.
type Created struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Created) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred at is zero")
	}
	return nil
}

// Base is an embeddable aggregate implementation tracking identity, version
// and the uncommitted event buffer. The buffer is owned by the aggregate
// value and cleared only by the repository after a successful append.
type Base struct {
	CreatedAt time.Time `json:"created_at"`

	id          string
	version     Version
	seq         uint64
	uncommitted []any
}

func (b *Base) Apply(evt any) error {
	switch e := evt.(type) {
	case *Created:
		b.id = e.ID
		b.CreatedAt = e.OccurredAt
		return nil
	}
	return fmt.Errorf("unknown base event: %T", evt)
}

func (b *Base) IsCreated() bool { return !b.CreatedAt.IsZero() }

func (b *Base) Create(id string) error {
	if b.IsCreated() {
		return fmt.Errorf("aggregate already created")
	}
	if id == "" {
		return fmt.Errorf("id is required")
	}
	return RaiseAndApply(b, &Created{ID: id, OccurredAt: time.Now()})
}

func (b *Base) ID() string           { return b.id }
func (b *Base) SetID(id string)      { b.id = id }
func (b *Base) Version() Version     { return b.version }
func (b *Base) setVersion(v Version) { b.version = v }
func (b *Base) Seq() uint64          { return b.seq }
func (b *Base) setSeq(s uint64)      { b.seq = s }

func (b *Base) Raise(event any)   { b.uncommitted = append(b.uncommitted, event) }
func (b *Base) ClearUncommitted() { b.uncommitted = nil }
func (b *Base) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply validates the given events, then records each one as
// uncommitted and applies it so in-process state reflects the change before
// persistence. Validation runs for all events up front: an invalid event
// prevents any mutation (all-or-nothing per call).
func RaiseAndApply(a raiseApplier, events ...any) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}

	for _, e := range events {
		a.Raise(e)
		if err := a.Apply(e); err != nil {
			return err
		}
	}
	return nil
}
