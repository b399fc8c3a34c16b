package domain

import (
	"errors"
	"fmt"
)

// Validation errors: rejected synchronously with no state change.
var (
	ErrInvalidID          = errors.New("invalid id")
	ErrEventNotFound      = errors.New("event not found")
	ErrEventCancelled     = errors.New("event cancelled")
	ErrEventFull          = errors.New("event full")
	ErrEventStarted       = errors.New("event already started")
	ErrInvalidCapacity    = errors.New("invalid capacity")
	ErrInvalidEventWindow = errors.New("event must end after it starts")
	ErrEventTitleRequired = errors.New("event title required")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrUserNotFound       = errors.New("user not found")
	ErrNotEventHost       = errors.New("only the event host may finalize")
	ErrDiscountConflict   = errors.New("discount code and reward are mutually exclusive")
	ErrDiscountInvalid    = errors.New("discount not applicable")
	ErrNotReserved        = errors.New("participation has no open reservation")
)

// Conflict errors: duplicates and replays, never silently overwritten.
var (
	ErrAlreadyParticipating   = errors.New("participation already active")
	ErrParticipationNotFound  = errors.New("participation not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrPaymentNotPending      = errors.New("payment not pending")
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrEscrowExists           = errors.New("escrow already exists for payment")
	ErrEscrowReleased         = errors.New("escrow already released")
	ErrEscrowTransferInFlight = errors.New("escrow transfer in flight")
	ErrRefundNotFound         = errors.New("refund request not found")
	ErrDuplicateRefundRequest = errors.New("refund request already pending")
	ErrRefundNotPending       = errors.New("refund request not pending")
	ErrRefundIneligible       = errors.New("payment not eligible for refund")
	ErrWebhookProcessed       = errors.New("webhook already processed")
)

// ErrPaymentWindowExpired is surfaced when payment is attempted after the
// reservation window closed. The reservation is expired as a side effect.
var ErrPaymentWindowExpired = errors.New("payment window expired")

// External dependency failures.
var (
	ErrLedgerUnavailable = errors.New("payment ledger unavailable")
	ErrNoPayoutAccount   = errors.New("host has no payout destination")
	ErrRefundFailed      = errors.New("refund failed")
	ErrUnsupportedEvent  = errors.New("unsupported webhook kind")
)

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError reports an illegal move in one of the status machines.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ErrUnknownStatus is returned when a persisted status string does not parse.
var ErrUnknownStatus = errors.New("unknown status")
