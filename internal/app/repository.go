package app

import (
	"context"
	"time"

	"github.com/cimillas/gatherly/internal/domain"
)

// TxRunner runs fn in a transaction carried by the context. Nested calls
// join the outer transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type EventStore interface {
	CreateEvent(ctx context.Context, event domain.Event) error
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	ListEvents(ctx context.Context) ([]domain.Event, error)
	MarkEventCancelled(ctx context.Context, id string) error
}

// CapacityLedger owns the event slot counters. Every operation is a single
// bounded UPDATE, so concurrent callers cannot overshoot capacity.
type CapacityLedger interface {
	ReserveSlot(ctx context.Context, eventID string, kind domain.SlotKind) error
	PromoteSlot(ctx context.Context, eventID string) error
	ReleaseSlot(ctx context.Context, eventID string, kind domain.SlotKind) error
}

type ParticipationStore interface {
	GetParticipation(ctx context.Context, id string) (domain.Participation, error)
	GetParticipationForUpdate(ctx context.Context, id string) (domain.Participation, error)
	FindParticipation(ctx context.Context, userID, eventID string) (*domain.Participation, error)
	FindParticipationForUpdate(ctx context.Context, userID, eventID string) (*domain.Participation, error)
	CreateParticipation(ctx context.Context, p domain.Participation) error
	UpdateParticipation(ctx context.Context, p domain.Participation) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type PaymentStore interface {
	CreatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id string) (domain.PaymentIntent, error)
	GetPaymentIntentForUpdate(ctx context.Context, id string) (domain.PaymentIntent, error)
	GetPaymentIntentByRefForUpdate(ctx context.Context, ref string) (domain.PaymentIntent, error)
	FindPendingPaymentIntent(ctx context.Context, userID, eventID string) (*domain.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error
	ListSucceededPaymentIntents(ctx context.Context, eventID string) ([]domain.PaymentIntent, error)
}

type EscrowStore interface {
	CreateEscrow(ctx context.Context, e domain.Escrow) error
	GetEscrowForUpdate(ctx context.Context, id string) (domain.Escrow, error)
	FindEscrowByPayment(ctx context.Context, paymentIntentID string) (*domain.Escrow, error)
	FindEscrowByAttendeeForUpdate(ctx context.Context, eventID, userID string) (*domain.Escrow, error)
	GetEscrowByTransferRefForUpdate(ctx context.Context, ref string) (domain.Escrow, error)
	// ListReleasableEscrows and ClaimReleasableEscrow carry the release
	// predicate (held, attendance verified, release_at passed) in SQL.
	ListReleasableEscrows(ctx context.Context, now time.Time, limit int) ([]string, error)
	ClaimReleasableEscrow(ctx context.Context, id string, now time.Time) (*domain.Escrow, error)
	// ListStalledTransfers and ClaimStalledTransfer find scheduled escrows
	// that never stored a transfer ref, last touched before cutoff.
	ListStalledTransfers(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ClaimStalledTransfer(ctx context.Context, id string, cutoff time.Time) (*domain.Escrow, error)
	UpdateEscrow(ctx context.Context, e domain.Escrow) error
}

type DiscountStore interface {
	GetDiscountCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	CountCodeRedemptions(ctx context.Context, code, userID string) (int, error)
	GetReward(ctx context.Context, id string) (*domain.RewardDiscount, error)
	RecordCodeRedemption(ctx context.Context, code, userID, paymentIntentID string, amount int64, at time.Time) error
	MarkRewardUsed(ctx context.Context, id, paymentIntentID string, at time.Time) error
}

type RefundStore interface {
	CreateRefundRequest(ctx context.Context, r domain.RefundRequest) error
	GetRefundRequest(ctx context.Context, id string) (domain.RefundRequest, error)
	GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error)
	// FindPendingRefundRequest returns the open (pending or processing)
	// request for the payment, or nil.
	FindPendingRefundRequest(ctx context.Context, paymentIntentID string) (*domain.RefundRequest, error)
	UpdateRefundRequest(ctx context.Context, r domain.RefundRequest) error
	// ListStalledRefunds lists processing requests decided before cutoff.
	ListStalledRefunds(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// WebhookInbox records delivered webhook ids. ClaimWebhook reports false
// when the id was seen before; it must run in the same transaction as the
// state change it guards.
type WebhookInbox interface {
	ClaimWebhook(ctx context.Context, eventID, kind string, at time.Time) (bool, error)
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error
	FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
}

// UserDirectory reads profiles owned by the profile subsystem.
type UserDirectory interface {
	GetUserProfile(ctx context.Context, id string) (domain.UserProfile, error)
}

// PayoutDirectory resolves where a host is paid. Returns
// domain.ErrNoPayoutAccount when none is configured.
type PayoutDirectory interface {
	PayoutDestination(ctx context.Context, hostID string) (string, error)
}

// Ledger is the external payment processor.
type Ledger interface {
	CreateIntent(ctx context.Context, amount int64, currency, customerRef, idempotencyKey string) (string, error)
	Refund(ctx context.Context, intentRef string, amount int64, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, destination string, amount int64, currency, idempotencyKey string) (string, error)
}
