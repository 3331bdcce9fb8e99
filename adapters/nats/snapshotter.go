package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sourcebox-io/sourcebox-go/core/es"
)

type SnapshotterConfig struct {
	Connect Connector
	Bucket  string
}

// Snapshotter stores aggregate snapshots in a JetStream key-value bucket,
// one key per stream.
type Snapshotter struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewSnapshotter(cfg SnapshotterConfig) (*Snapshotter, error) {
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

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "sourcebox_snapshots"
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}

	return &Snapshotter{kv: kv, closeNc: closeNatsCon}, nil
}

func (s *Snapshotter) Close() error {
	s.closeNc()
	return nil
}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := snapshotKey(snapshot.AggregateType, snapshot.AggregateID)
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	key := snapshotKey(aggType, aggID)
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}

	var snap es.Snapshot
	if err := json.Unmarshal(v.Value(), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// snapshotKey flattens the stream key into the KV key charset.
func snapshotKey(aggType, aggID string) string {
	return strings.ReplaceAll(es.StreamKey(aggType, aggID), "/", ".")
}

var _ es.Snapshotter = (*Snapshotter)(nil)
