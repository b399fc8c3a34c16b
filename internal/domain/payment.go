package domain

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunding PaymentStatus = "refunding"
	PaymentRefunded  PaymentStatus = "refunded"
)

// A failed intent may still turn succeeded when the ledger reports a late
// capture. REFUNDING fences the intent while the processor refund runs
// outside any transaction; it settles to REFUNDED, or back to SUCCEEDED
// when the refund fails.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentSucceeded, PaymentFailed, PaymentRefunding, PaymentRefunded},
	PaymentFailed:    {PaymentSucceeded, PaymentRefunding, PaymentRefunded},
	PaymentSucceeded: {PaymentRefunding, PaymentRefunded},
	PaymentRefunding: {PaymentRefunded, PaymentSucceeded},
	PaymentRefunded:  {},
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	st := PaymentStatus(s)
	if _, ok := paymentTransitions[st]; !ok {
		return "", ErrUnknownStatus
	}
	return st, nil
}

func (s PaymentStatus) Transition(to PaymentStatus) (PaymentStatus, error) {
	for _, allowed := range paymentTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, &InvalidTransitionError{Entity: "payment", From: string(s), To: string(to)}
}

const ProductEvent = "event"

// PaymentIntent is the local mirror of one external ledger intent.
type PaymentIntent struct {
	ID             string
	UserID         string
	EventID        string
	ProductType    string
	OriginalAmount int64
	DiscountAmount int64
	FinalAmount    int64
	RefundedAmount int64
	Currency       string
	Status         PaymentStatus
	ExternalRef    string
	DiscountCode   string
	RewardID       string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
