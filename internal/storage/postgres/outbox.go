package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/domain"
)

type OutboxRepository struct {
	db
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{db{pool: pool}}
}

func (r *OutboxRepository) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	const stmt = `
INSERT INTO outbox (id, topic, aggregate_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.exec(ctx, stmt, msg.ID, msg.Topic, msg.AggregateID, string(msg.Payload), msg.CreatedAt); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// FetchUnpublished locks a batch in creation order. Run it inside a
// transaction so a second relay skips rows this one is delivering.
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	const query = `
SELECT id, topic, aggregate_id, payload::text, created_at
FROM outbox
WHERE published_at IS NULL
ORDER BY created_at ASC, id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		var (
			m       domain.OutboxMessage
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.AggregateID, &payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	return msgs, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if _, err := r.exec(ctx, `UPDATE outbox SET published_at = $2 WHERE id = $1`, id, at); err != nil {
		return translate(err, nil, "mark outbox published")
	}
	return nil
}
