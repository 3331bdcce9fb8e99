// Package outbox implements the transactional outbox pattern: integration
// events are buffered during a unit of work, persisted in the same
// transaction as the domain events that caused them, and later delivered to
// a publisher by a background scheduler with retry and circuit-breaker
// semantics. Delivery is at-least-once; downstream consumers must be
// idempotent.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sourcebox-io/sourcebox-go/internal/reflector"
)

// Status is the delivery state of an outbox entry.
type Status string

const (
	// StatusPending marks an entry that was never dispatched.
	StatusPending Status = "PENDING"
	// StatusPublished marks an entry delivered successfully. Terminal.
	StatusPublished Status = "PUBLISHED"
	// StatusOnError marks an entry whose last dispatch failed and which is
	// eligible for retry once NextAttemptAt has passed.
	StatusOnError Status = "ONERROR"
	// StatusDeleted marks an entry soft-deleted by retention or discarded
	// after exhausting its attempt ceiling. Terminal.
	StatusDeleted Status = "DELETED"
)

// Entry is a persisted integration event awaiting delivery. The payload is
// immutable once written; only the delivery metadata (status, claim,
// attempts, error) changes afterwards.
type Entry struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ClaimID       string          `json:"claim_id,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Eligible reports whether the entry may be claimed for dispatch at now.
func (e Entry) Eligible(now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusOnError {
		return false
	}
	return e.NextAttemptAt.IsZero() || !e.NextAttemptAt.After(now)
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry id is empty")
	}
	if e.EventType == "" {
		return errors.New("entry event type is empty")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("entry occurred at is zero")
	}
	return nil
}

// EntryOption customizes an Entry built by New.
type EntryOption func(*Entry)

// WithAggregate attributes the entry to the aggregate that produced it.
func WithAggregate(aggType, aggID string) EntryOption {
	return func(e *Entry) {
		e.AggregateType = aggType
		e.AggregateID = aggID
	}
}

// WithEventType overrides the reflected event type name.
func WithEventType(t string) EntryOption {
	return func(e *Entry) { e.EventType = t }
}

// WithOccurredAt overrides the event timestamp. Mostly useful in tests.
func WithOccurredAt(t time.Time) EntryOption {
	return func(e *Entry) { e.OccurredAt = t }
}

// New builds a pending Entry from an event value. The payload is the JSON
// encoding of the event and the type defaults to the reflected type name,
// the same convention the event store uses for domain events.
func New(event any, opts ...EntryOption) (Entry, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal outbox event %T: %w", event, err)
	}

	e := Entry{
		ID:         gonanoid.Must(),
		EventType:  EventTypeOf(event),
		Payload:    data,
		Status:     StatusPending,
		OccurredAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// EventTypeOf returns the wire type name of an event value. Events may
// override the reflected name by implementing EventType() string.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}
