package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sourcebox-io/sourcebox-go/internal/reflector"
)

// Registry maps event type names to constructors so persisted records can
// be decoded back into typed events.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]func() any{}}
}

func (r *Registry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// Decode resolves the constructor for rec.Type and unmarshals the payload
// into a fresh instance. Returns ErrUnknownEventType when the type was never
// registered; callers decide whether that is fatal or a skip.
func (r *Registry) Decode(rec Record) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.Type)
	}
	ev := ctor()
	if rec.Data != nil {
		if err := json.Unmarshal(rec.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Type, err)
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEventFor registers T under its reflected type name.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any { return any(new(T)) })
}

// EventTypeOf returns the wire type name of an event value. Events may
// override the reflected name by implementing EventType() string.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

var _ Decoder = (*Registry)(nil)
