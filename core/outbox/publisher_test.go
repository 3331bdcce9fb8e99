package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

func TestMux_TypedDispatch(t *testing.T) {
	mux := outbox.NewMux()

	var got []string
	outbox.Handle(mux, func(_ context.Context, ev *orderPlaced) error {
		got = append(got, ev.OrderID)
		return nil
	})

	e, err := outbox.New(orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	require.NoError(t, mux.Publish(t.Context(), e))
	require.Equal(t, []string{"o-1"}, got)
}

func TestMux_FanOut(t *testing.T) {
	mux := outbox.NewMux()

	calls := 0
	outbox.Handle(mux, func(context.Context, *orderPlaced) error { calls++; return nil })
	outbox.Handle(mux, func(context.Context, *orderPlaced) error { calls++; return nil })

	e, err := outbox.New(orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	require.NoError(t, mux.Publish(t.Context(), e))
	require.Equal(t, 2, calls)
}

func TestMux_NoHandler(t *testing.T) {
	mux := outbox.NewMux()
	outbox.Handle(mux, func(context.Context, *orderPlaced) error { return nil })

	e, err := outbox.New(orderShipped{OrderID: "o-1"})
	require.NoError(t, err)
	require.ErrorIs(t, mux.Publish(t.Context(), e), outbox.ErrNoHandler)
}

func TestMux_HandlerError(t *testing.T) {
	mux := outbox.NewMux()

	boom := errors.New("boom")
	outbox.Handle(mux, func(context.Context, *orderPlaced) error { return boom })

	e, err := outbox.New(orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	require.ErrorIs(t, mux.Publish(t.Context(), e), boom)
}

func TestMux_BadPayload(t *testing.T) {
	mux := outbox.NewMux()
	outbox.Handle(mux, func(context.Context, *orderPlaced) error { return nil })

	e, err := outbox.New(orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	e.Payload = []byte("not json")

	require.Error(t, mux.Publish(t.Context(), e))
}
