package domain

import "time"

// Topics other subsystems may subscribe to.
const (
	TopicParticipationConfirmed = "participation.confirmed"
	TopicEscrowReleased         = "escrow.released"
	TopicRefundProcessed        = "refund.processed"
)

// OutboxMessage is written in the same transaction as the change it announces.
type OutboxMessage struct {
	ID          string
	Topic       string
	AggregateID string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
