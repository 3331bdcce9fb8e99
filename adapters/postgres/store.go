package postgres

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"github.com/sourcebox-io/sourcebox-go/core/es"
	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

const pgUniqueViolation = "23505"

// Store implements the event store, the snapshotter and the outbox store on
// one PostgreSQL database. Because everything lives in the same database,
// AppendWithOutbox can commit domain events and outbox entries in a single
// transaction.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
	now  func() time.Time
}

type StoreOption func(*Store)

// WithStoreLog sets the store logger.
func WithStoreLog(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithStoreClock injects the store's time source. Mostly useful in tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool: pool,
		log:  slog.Default().With(slog.String("store", "postgres")),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// === es.EventStore ===

func (s *Store) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Record, error) {
	loadOpts := es.NewStoreLoadOptions(opts...)

	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, aggregate_type, aggregate_id, version, event_type, occurred_at, data
		FROM es_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		  AND version >= $3 AND seq >= $4
		ORDER BY version ASC`,
		aggType, aggID, loadOpts.StartVersion.Uint64(), loadOpts.StartSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM es_events WHERE aggregate_type = $1 AND aggregate_id = $2
			)`,
			aggType, aggID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check stream: %w", err)
		}
		if !exists {
			return nil, es.ErrAggregateNotFound
		}
	}

	return records, nil
}

func (s *Store) Append(ctx context.Context, aggType, aggID string, expectVersion es.Version, records []es.Record) (*es.AppendResult, error) {
	return s.AppendWithOutbox(ctx, aggType, aggID, expectVersion, records, nil)
}

func (s *Store) AppendWithOutbox(
	ctx context.Context,
	aggType, aggID string,
	expectVersion es.Version,
	records []es.Record,
	entries []outbox.Entry,
) (*es.AppendResult, error) {
	if len(records) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// serialize writers of the same stream for the duration of the
	// transaction; the unique version index still backstops a collision
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, streamLockKey(aggType, aggID)); err != nil {
		return nil, fmt.Errorf("stream lock: %w", err)
	}

	var curVersion uint64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM es_events
		WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(&curVersion)
	if err != nil {
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	if es.Version(curVersion) != expectVersion {
		return nil, fmt.Errorf("%w: expected version %d, got %d (stream=%s)",
			es.ErrConcurrencyConflict, expectVersion, curVersion, es.StreamKey(aggType, aggID))
	}

	var lastSeq uint64
	for _, r := range records {
		err := tx.QueryRow(ctx, `
			INSERT INTO es_events (id, aggregate_type, aggregate_id, version, event_type, occurred_at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING seq`,
			r.ID, aggType, aggID, r.Version.Uint64(), r.Type, r.OccurredAt, r.Data,
		).Scan(&lastSeq)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: version %d already written (stream=%s)",
					es.ErrConcurrencyConflict, r.Version, es.StreamKey(aggType, aggID))
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := s.appendEntries(ctx, tx, entries); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.Debug("append",
		slog.String("stream", es.StreamKey(aggType, aggID)),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(records)),
		slog.Int("num_outbox", len(entries)),
	)

	return &es.AppendResult{LastSeq: lastSeq}, nil
}

// === es.Snapshotter ===

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO es_snapshots (aggregate_type, aggregate_id, id, version, seq, schema_version, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
			id = EXCLUDED.id,
			version = EXCLUDED.version,
			seq = EXCLUDED.seq,
			schema_version = EXCLUDED.schema_version,
			created_at = EXCLUDED.created_at,
			data = EXCLUDED.data`,
		snapshot.AggregateType, snapshot.AggregateID, snapshot.ID,
		snapshot.Version.Uint64(), snapshot.Seq, snapshot.SchemaVersion,
		snapshot.CreatedAt, snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	var (
		snap    es.Snapshot
		version uint64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, aggregate_type, aggregate_id, version, seq, schema_version, created_at, data
		FROM es_snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggType, aggID,
	).Scan(
		&snap.ID, &snap.AggregateType, &snap.AggregateID, &version,
		&snap.Seq, &snap.SchemaVersion, &snap.CreatedAt, &snap.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Version = es.Version(version)
	return &snap, nil
}

// === outbox.Store ===

// Outbox is the outbox.Store view of the store. A separate type because the
// event store and the outbox store both have an Append method with different
// shapes.
type Outbox struct {
	store *Store
}

// Outbox returns the store's outbox.Store side, backed by the same pool, for
// wiring into a scheduler.
func (s *Store) Outbox() *Outbox { return &Outbox{store: s} }

func (o *Outbox) Append(ctx context.Context, entries ...outbox.Entry) error {
	s := o.store
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.appendEntries(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) appendEntries(ctx context.Context, tx pgx.Tx, entries []outbox.Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		payload := e.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_entries
				(id, aggregate_type, aggregate_id, event_type, payload, status, attempts,
				 last_error, claim_id, next_attempt_at, occurred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			e.ID, e.AggregateType, e.AggregateID, e.EventType, payload,
			string(e.Status), e.Attempts, e.LastError, e.ClaimID,
			nullableTime(e.NextAttemptAt), e.OccurredAt, s.now(),
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

func (o *Outbox) Claim(ctx context.Context, claimID string, limit int, lease time.Duration) ([]outbox.Entry, error) {
	s := o.store
	now := s.now()
	// the outer ORDER BY restores insertion order; UPDATE ... RETURNING
	// alone does not guarantee it
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE outbox_entries
			SET claim_id = $1, next_attempt_at = $2, updated_at = $3
			WHERE id IN (
				SELECT id FROM outbox_entries
				WHERE status IN ('PENDING', 'ONERROR')
				  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
				ORDER BY ord
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ord, id, aggregate_type, aggregate_id, event_type, payload,
			          status, attempts, last_error, claim_id, next_attempt_at,
			          occurred_at, created_at, updated_at
		)
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
		       attempts, last_error, claim_id, next_attempt_at, occurred_at,
		       created_at, updated_at
		FROM claimed ORDER BY ord`,
		claimID, now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	return scanEntries(rows)
}

func (o *Outbox) MarkPublished(ctx context.Context, id string) error {
	return o.store.updateEntry(ctx, id, `
		UPDATE outbox_entries
		SET status = 'PUBLISHED', claim_id = '', last_error = '', updated_at = $2
		WHERE id = $1`,
		id, o.store.now(),
	)
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, cause string, nextAttempt time.Time) error {
	return o.store.updateEntry(ctx, id, `
		UPDATE outbox_entries
		SET status = 'ONERROR', attempts = attempts + 1, last_error = $2,
		    claim_id = '', next_attempt_at = $3, updated_at = $4
		WHERE id = $1`,
		id, cause, nextAttempt, o.store.now(),
	)
}

func (o *Outbox) Discard(ctx context.Context, id string, cause string) error {
	return o.store.updateEntry(ctx, id, `
		UPDATE outbox_entries
		SET status = 'DELETED', attempts = attempts + 1, last_error = $2,
		    claim_id = '', updated_at = $3
		WHERE id = $1`,
		id, cause, o.store.now(),
	)
}

func (o *Outbox) Release(ctx context.Context, claimID string) error {
	s := o.store
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET claim_id = '', next_attempt_at = NULL, updated_at = $2
		WHERE claim_id = $1 AND status IN ('PENDING', 'ONERROR')`,
		claimID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("release claim %s: %w", claimID, err)
	}
	return nil
}

func (s *Store) updateEntry(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, id)
	}
	return nil
}

// === helpers ===

func scanRecords(rows pgx.Rows) ([]es.Record, error) {
	defer rows.Close()

	var records []es.Record
	for rows.Next() {
		var (
			r       es.Record
			version uint64
		)
		if err := rows.Scan(
			&r.Seq, &r.ID, &r.AggregateType, &r.AggregateID,
			&version, &r.Type, &r.OccurredAt, &r.Data,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Version = es.Version(version)
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]outbox.Entry, error) {
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e      outbox.Entry
			status string
			next   *time.Time
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&status, &e.Attempts, &e.LastError, &e.ClaimID, &next,
			&e.OccurredAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Status = outbox.Status(status)
		if next != nil {
			e.NextAttemptAt = *next
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// streamLockKey derives the advisory lock key of a stream from a short
// blake2b digest of its canonical key.
func streamLockKey(aggType, aggID string) int64 {
	sum := blake2b.Sum256([]byte(es.StreamKey(aggType, aggID)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var (
	_ es.EventStore     = (*Store)(nil)
	_ es.OutboxAppender = (*Store)(nil)
	_ es.Snapshotter    = (*Store)(nil)
	_ outbox.Store      = (*Outbox)(nil)
)
