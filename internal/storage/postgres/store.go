package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles every repository over one pool. A transaction opened by
// WithTx is shared by all of them through the context.
type Store struct {
	*EventRepository
	*ParticipationRepository
	*PaymentRepository
	*EscrowRepository
	*DiscountRepository
	*RefundRepository
	*InboxRepository
	*OutboxRepository
	*DirectoryRepository

	base db
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		EventRepository:         NewEventRepository(pool),
		ParticipationRepository: NewParticipationRepository(pool),
		PaymentRepository:       NewPaymentRepository(pool),
		EscrowRepository:        NewEscrowRepository(pool),
		DiscountRepository:      NewDiscountRepository(pool),
		RefundRepository:        NewRefundRepository(pool),
		InboxRepository:         NewInboxRepository(pool),
		OutboxRepository:        NewOutboxRepository(pool),
		DirectoryRepository:     NewDirectoryRepository(pool),
		base:                    db{pool: pool},
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.base.WithTx(ctx, fn)
}
