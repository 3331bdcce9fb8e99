package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcebox-io/sourcebox-go/internal/reflector"
)

var (
	// ErrNoHandler is returned when no handler is registered for an entry's
	// event type. Reported as a distinct failure, never silently swallowed.
	ErrNoHandler = errors.New("no handler registered for event type")
)

// Publisher delivers a single outbox entry to its downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, e Entry) error

func (f PublisherFunc) Publish(ctx context.Context, e Entry) error { return f(ctx, e) }

// Mux routes entries to typed handlers keyed by event type name. Register
// handlers with Handle; publishing an entry decodes the payload once and
// fans out to every handler registered for the type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string][]func(ctx context.Context, e Entry) error
}

func NewMux() *Mux {
	return &Mux{handlers: map[string][]func(ctx context.Context, e Entry) error{}}
}

// Handle registers h for events of type T, keyed by the same reflected type
// name New uses when building entries.
func Handle[T any](m *Mux, h func(ctx context.Context, ev *T) error) {
	name := reflector.TypeInfoFor[T]().Name
	HandleType(m, name, func(ctx context.Context, e Entry) error {
		ev := new(T)
		if err := json.Unmarshal(e.Payload, ev); err != nil {
			return fmt.Errorf("decode %s: %w", e.EventType, err)
		}
		return h(ctx, ev)
	})
}

// HandleType registers a raw handler under an explicit event type name.
func HandleType(m *Mux, eventType string, h func(ctx context.Context, e Entry) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

func (m *Mux) Publish(ctx context.Context, e Entry) error {
	m.mu.RLock()
	hs := m.handlers[e.EventType]
	m.mu.RUnlock()

	if len(hs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandler, e.EventType)
	}

	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

var _ Publisher = (*Mux)(nil)
