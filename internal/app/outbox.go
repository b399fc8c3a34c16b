package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/domain"
)

// LedgerError wraps every failed call to the payment processor so callers
// can tell money-movement failures from storage failures.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	return target == domain.ErrLedgerUnavailable
}

func enqueue(ctx context.Context, out OutboxStore, topic, aggregateID string, payload any, now time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return out.EnqueueOutbox(ctx, domain.OutboxMessage{
		ID:          newID(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     data,
		CreatedAt:   now,
	})
}

type participationConfirmed struct {
	ParticipationID string `json:"participation_id"`
	UserID          string `json:"user_id"`
	EventID         string `json:"event_id"`
}

type escrowReleased struct {
	EscrowID    string `json:"escrow_id"`
	EventID     string `json:"event_id"`
	HostID      string `json:"host_id"`
	Amount      int64  `json:"amount"`
	PlatformFee int64  `json:"platform_fee"`
	Currency    string `json:"currency"`
	TransferRef string `json:"transfer_ref"`
}

type refundProcessed struct {
	RefundID        string `json:"refund_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	UserID          string `json:"user_id"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason,omitempty"`
}

// Sink receives relayed outbox messages (notifications, chat-room creation).
type Sink interface {
	Deliver(ctx context.Context, msg domain.OutboxMessage) error
}

// LogSink writes every message to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, msg domain.OutboxMessage) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("event topic=%s aggregate=%s payload=%s", msg.Topic, msg.AggregateID, msg.Payload)
	return nil
}

type OutboxRepository interface {
	TxRunner
	OutboxStore
}

// OutboxRelay drains committed outbox rows to a sink, at least once.
type OutboxRelay struct {
	repo      OutboxRepository
	sink      Sink
	clock     clock.Clock
	logger    *log.Logger
	batchSize int
}

func NewOutboxRelay(repo OutboxRepository, sink Sink, clk clock.Clock, logger *log.Logger) *OutboxRelay {
	if logger == nil {
		logger = log.Default()
	}
	return &OutboxRelay{repo: repo, sink: sink, clock: clk, logger: logger, batchSize: 100}
}

// RunOnce delivers one batch and returns how many messages were published.
// Delivery stops at the first sink error; the rest stays queued.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.repo.WithTx(ctx, func(txCtx context.Context) error {
		msgs, err := r.repo.FetchUnpublished(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := r.sink.Deliver(txCtx, msg); err != nil {
				r.logger.Printf("WARN: outbox delivery failed id=%s topic=%s: %v", msg.ID, msg.Topic, err)
				return nil
			}
			if err := r.repo.MarkPublished(txCtx, msg.ID, r.clock.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
