package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

func TestNats_Publisher(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	connect := NewTestContainer(t)
	pub, err := NewPublisher(PublisherConfig{
		Connect:       connect,
		SubjectPrefix: "orders",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	nc, closeNc, err := connect()
	require.NoError(t, err)
	t.Cleanup(closeNc)

	type orderPlaced struct {
		OrderID string `json:"order_id"`
	}

	entry, err := outbox.New(orderPlaced{OrderID: "o-1"}, outbox.WithEventType("order.placed"))
	require.NoError(t, err)

	sub, err := nc.SubscribeSync("orders.order.placed")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(t.Context(), entry))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"order_id":"o-1"}`, string(msg.Data))
	require.Equal(t, entry.ID, msg.Header.Get("x-entry-id"))
	require.Equal(t, "order.placed", msg.Header.Get("x-event-type"))
}
