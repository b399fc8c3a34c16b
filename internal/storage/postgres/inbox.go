package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type InboxRepository struct {
	db
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{db{pool: pool}}
}

// ClaimWebhook inserts the delivery id and reports whether this call won.
// Concurrent deliveries of one id serialize on the primary key; the loser
// sees zero rows once the winner commits.
func (r *InboxRepository) ClaimWebhook(ctx context.Context, eventID, kind string, at time.Time) (bool, error) {
	const stmt = `
INSERT INTO processed_webhooks (event_id, kind, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING`

	tag, err := r.exec(ctx, stmt, eventID, kind, at)
	if err != nil {
		return false, fmt.Errorf("claim webhook: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
