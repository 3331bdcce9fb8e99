package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Version is the per-aggregate stream version. The first event of a stream
// has version 1 and every following event increments it by one.
type Version uint64

func (v Version) Uint64() uint64      { return uint64(v) }
func (v Version) SlogAttr() slog.Attr { return slog.Uint64("version", uint64(v)) }

// Record is the persisted, immutable representation of a single domain
// event. It is the unit of storage in the EventStore and carries everything
// needed to decode and replay the event.
type Record struct {
	// ID is the unique identifier of this record.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store on append.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream version used for optimistic
	// concurrency control and deterministic replay order.
	Version Version `json:"version"`
	// AggregateType identifies the kind of aggregate this event belongs to.
	AggregateType string `json:"aggregate_type"`
	// AggregateID identifies the aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type name used to resolve the decoder.
	Type string `json:"type"`
	// OccurredAt is when the event was raised.
	OccurredAt time.Time `json:"occurred_at"`
	// Data is the JSON-encoded event payload. Immutable once written.
	Data json.RawMessage `json:"data"`
}

func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if r.AggregateType == "" {
		return fmt.Errorf("record aggregate type is empty")
	}
	if r.AggregateID == "" {
		return fmt.Errorf("record aggregate id is empty")
	}
	if r.Type == "" {
		return fmt.Errorf("record type is empty")
	}
	if r.Version == 0 {
		return fmt.Errorf("record version is zero")
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("record occurred at is zero")
	}
	return nil
}

// StreamKey returns the canonical "<type>/<id>" key of the record's stream.
func (r Record) StreamKey() string { return StreamKey(r.AggregateType, r.AggregateID) }

// StreamKey builds the canonical stream key for an aggregate.
func StreamKey(aggType, aggID string) string { return aggType + "/" + aggID }

// Decoder turns a persisted Record back into a typed event value.
type Decoder interface {
	Decode(r Record) (any, error)
}
