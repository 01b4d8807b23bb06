// Package outbox implements the transactional-outbox side of the relay.
//
// Producers insert rows into the outbox table in the same transaction as
// their domain writes; the Poller claims undelivered rows and hands them to
// a supervised channel worker for publishing. Rows are marked delivered only
// after a successful publish, so delivery is at-least-once across broker
// reconnections.
//
// Expected schema:
//
//	CREATE TABLE outbox_messages (
//	    id           UUID PRIMARY KEY,
//	    exchange     TEXT NOT NULL,
//	    routing_key  TEXT NOT NULL,
//	    body         BYTEA NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    delivered_at TIMESTAMPTZ
//	);
//	CREATE INDEX outbox_messages_pending_idx
//	    ON outbox_messages (created_at) WHERE delivered_at IS NULL;
package outbox
