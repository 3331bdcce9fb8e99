package nats

import (
	"context"
	"fmt"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

const defaultPublishPrefix = "sourcebox.outbox"

type PublisherConfig struct {
	Connect       Connector
	SubjectPrefix string // SubjectPrefix for outbox subjects, e.g. "orders" -> orders.<event_type>
	StreamName    string // StreamName of the delivery stream; empty means core NATS publish
}

// Publisher delivers outbox entries to per-event-type subjects. With a
// stream name it publishes through JetStream with the entry id as dedupe
// key, so redeliveries inside the duplicate window collapse to one message.
type Publisher struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	prefix  string
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultPublishPrefix
	}

	p := &Publisher{
		nc:      nc,
		closeNc: closeNatsCon,
		prefix:  prefix,
	}

	if cfg.StreamName != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
		defer cancel()

		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     strings.ToUpper(cfg.StreamName),
			Subjects: []string{prefix + ".>"},
			Storage:  jetstream.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
		}
		p.js = js
	}

	return p, nil
}

func (p *Publisher) Close() error {
	if p.js != nil {
		p.js.CleanupPublisher()
	}
	p.closeNc()
	return nil
}

func (p *Publisher) Publish(ctx context.Context, e outbox.Entry) error {
	msg := natsgo.NewMsg(p.subjectFor(e))
	msg.Header.Set("x-entry-id", e.ID)
	msg.Header.Set("x-event-type", e.EventType)
	if e.AggregateType != "" {
		msg.Header.Set("x-aggregate-type", e.AggregateType)
		msg.Header.Set("x-aggregate-id", e.AggregateID)
	}
	msg.Data = e.Payload

	if p.js == nil {
		return p.nc.PublishMsg(msg)
	}

	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// subjectFor maps an entry to "<prefix>.<event_type>" with the event type
// flattened into the subject charset.
func (p *Publisher) subjectFor(e outbox.Entry) string {
	t := strings.NewReplacer("/", ".", " ", "_").Replace(e.EventType)
	return p.prefix + "." + t
}

var _ outbox.Publisher = (*Publisher)(nil)
