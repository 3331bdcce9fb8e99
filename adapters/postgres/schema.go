package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for all tables the adapter uses. Idempotent; apply it
// with Store.Migrate or through an external migration tool.
//
// The unique (aggregate_type, aggregate_id, version) index on events is the
// hard optimistic-concurrency guarantee: two writers racing the same stream
// version collide there even if they slipped past the in-transaction head
// check.
const Schema = `
CREATE TABLE IF NOT EXISTS es_events (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT        NOT NULL UNIQUE,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	event_type     TEXT        NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	data           JSONB       NOT NULL,
	UNIQUE (aggregate_type, aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS es_snapshots (
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	id             TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	seq            BIGINT      NOT NULL,
	schema_version INT         NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	data           BYTEA       NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id)
);

CREATE TABLE IF NOT EXISTS outbox_entries (
	ord             BIGSERIAL   UNIQUE,
	id              TEXT        PRIMARY KEY,
	aggregate_type  TEXT        NOT NULL DEFAULT '',
	aggregate_id    TEXT        NOT NULL DEFAULT '',
	event_type      TEXT        NOT NULL,
	payload         JSONB       NOT NULL,
	status          TEXT        NOT NULL,
	attempts        INT         NOT NULL DEFAULT 0,
	last_error      TEXT        NOT NULL DEFAULT '',
	claim_id        TEXT        NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ,
	occurred_at     TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS outbox_entries_eligible_idx
	ON outbox_entries (next_attempt_at, ord)
	WHERE status IN ('PENDING', 'ONERROR');
`

// Migrate applies the adapter schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
