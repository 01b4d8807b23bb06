package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a single outbox row awaiting delivery.
type Message struct {
	ID         uuid.UUID
	Exchange   string
	RoutingKey string
	Body       []byte
	CreatedAt  time.Time
}

// Store persists outbox rows in PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store on an existing pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new outbox row. Callers normally run this inside the
// same transaction as their domain writes; Enqueue exists for tooling.
func (s *Store) Enqueue(ctx context.Context, exchange, routingKey string, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO outbox_messages (id, exchange, routing_key, body)
		VALUES ($1, $2, $3, $4)`,
		id, exchange, routingKey, body,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue outbox row: %w", err)
	}
	return id, nil
}

// Pending returns up to limit undelivered rows, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, exchange, routing_key, body, created_at
		FROM outbox_messages
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending rows: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending rows: %w", err)
	}
	return msgs, nil
}

// MarkDelivered stamps a row as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_messages
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}
