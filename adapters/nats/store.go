package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sourcebox-io/sourcebox-go/core/es"
)

const defaultSubjectPrefix = "sourcebox.es"

type EventStoreConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix under which aggregate streams are stored
	StreamName    string
}

// EventStore persists event records on a JetStream stream, one subject per
// aggregate. The stream sequence doubles as the global record sequence.
//
// The optimistic concurrency check is read-then-append: the head version is
// read from the last message of the aggregate subject before appending. It
// does not atomically commit outbox entries; use the postgres store when the
// outbox guarantee is needed.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "SOURCEBOX_ES"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	log.Debug("stream ensured")

	return &EventStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	return nil
}

func (e *EventStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Record, error) {
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	loadOpts := es.NewStoreLoadOptions(opts...)
	subject := e.subjectFor(aggType, aggID)

	head, err := e.headRecord(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, es.ErrAggregateNotFound
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	}
	if loadOpts.StartSeq > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = loadOpts.StartSeq
	}

	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}

	var records []es.Record
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true
		done := false
		for msg := range mb.Messages() {
			empty = false
			r, err := decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			if r.Version >= loadOpts.StartVersion {
				records = append(records, *r)
			}
			if r.Seq >= head.Seq {
				done = true
				break
			}
		}
		if empty || done {
			break
		}
	}

	return records, nil
}

func (e *EventStore) Append(ctx context.Context, aggType, aggID string, expectVersion es.Version, records []es.Record) (*es.AppendResult, error) {
	if len(records) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	var curVersion es.Version
	head, err := e.headRecord(ctx, aggType, aggID)
	if err != nil {
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	if head != nil {
		curVersion = head.Version
	}
	if curVersion != expectVersion {
		return nil, fmt.Errorf("%w: expected version %d, got %d (stream=%s)",
			es.ErrConcurrencyConflict, expectVersion, curVersion, es.StreamKey(aggType, aggID))
	}

	var headSeq uint64
	if head != nil {
		headSeq = head.Seq
	}

	var lastSeq uint64
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		lastSeq, err = e.append(ctx, r, headSeq)
		if err != nil {
			return nil, err
		}
		headSeq = lastSeq
	}

	return &es.AppendResult{LastSeq: lastSeq}, nil
}

func (e *EventStore) append(ctx context.Context, r es.Record, expectSeq uint64) (uint64, error) {
	subject := e.subjectFor(r.AggregateType, r.AggregateID)

	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", r.Type)
	msg.Header.Set("x-aggregate-type", r.AggregateType)
	msg.Header.Set("x-aggregate-id", r.AggregateID)

	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	msg.Data = data

	// the record id doubles as the dedupe key; the expected subject sequence
	// rejects a racing writer that passed the head check concurrently
	ackF, err := e.js.PublishMsgAsync(msg,
		jetstream.WithMsgID(r.ID),
		jetstream.WithExpectLastSequencePerSubject(expectSeq),
	)
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", subject, err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case ack := <-ackF.Ok():
		return ack.Sequence, nil
	case err := <-ackF.Err():
		if isWrongLastSequence(err) {
			return 0, fmt.Errorf("%w: %s", es.ErrConcurrencyConflict, err)
		}
		return 0, fmt.Errorf("append to %s: %w", subject, err)
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (e *EventStore) headRecord(ctx context.Context, aggType, aggID string) (*es.Record, error) {
	subject := e.subjectFor(aggType, aggID)
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var r es.Record
	if err := json.Unmarshal(lm.Data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal head of %s: %w", subject, err)
	}
	r.Seq = lm.Sequence
	return &r, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Record, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	var r es.Record
	if err := json.Unmarshal(msg.Data(), &r); err != nil {
		return nil, err
	}
	r.Seq = md.Sequence.Stream
	return &r, nil
}

func (e *EventStore) subjectFor(aggType, aggID string) string {
	return e.subjectPrefix + "." + aggType + "." + aggID
}

var _ es.EventStore = (*EventStore)(nil)
