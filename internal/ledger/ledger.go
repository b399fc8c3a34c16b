// Package ledger talks to the external payment processor. The processor is
// treated as a ledger with intent, refund and transfer primitives; outcomes
// arrive later as webhooks.
package ledger

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks transport failures and 5xx answers; the caller may retry.
var ErrUnavailable = errors.New("ledger unavailable")

// ErrNotFound is returned for unknown references.
var ErrNotFound = errors.New("ledger reference not found")

// DeclinedError is a definitive rejection from the processor.
type DeclinedError struct {
	Op     string
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s declined: %s", e.Op, e.Reason)
}

const (
	kindIntent   = "intent"
	kindRefund   = "refund"
	kindTransfer = "transfer"
)
