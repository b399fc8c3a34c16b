package domain

import "time"

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundRejected   RefundStatus = "rejected"
	RefundFailed     RefundStatus = "failed"
)

// PROCESSING means the amount is fixed and the processor call may be in
// flight. An operator may re-approve a FAILED request.
var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending:    {RefundProcessing, RefundRejected, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
	RefundFailed:     {RefundProcessing},
	RefundCompleted:  {},
	RefundRejected:   {},
}

func ParseRefundStatus(s string) (RefundStatus, error) {
	st := RefundStatus(s)
	if _, ok := refundTransitions[st]; !ok {
		return "", ErrUnknownStatus
	}
	return st, nil
}

func (s RefundStatus) Transition(to RefundStatus) (RefundStatus, error) {
	for _, allowed := range refundTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, &InvalidTransitionError{Entity: "refund", From: string(s), To: string(to)}
}

type RefundCause string

const (
	RefundCauseUser           RefundCause = "user_request"
	RefundCauseEventCancelled RefundCause = "event_cancelled"

	// RefundCauseCaptureReturned returns a capture that could not be
	// honoured (late success without a slot, reward already spent).
	RefundCauseCaptureReturned RefundCause = "capture_returned"
)

// Eligibility reason codes.
const (
	EligibilityAlreadyRefunded  = "already_refunded"
	EligibilityRefundInProgress = "refund_in_progress"
	EligibilityNotPaid          = "not_paid"
	EligibilityAttended         = "attendance_verified"
	EligibilityEventCancelled   = "event_cancelled"
	EligibilityFullWindow       = "full_refund_window"
	EligibilityPartialWindow    = "partial_refund_window"
	EligibilityTooLate          = "too_close_to_start"
)

// RefundEligibility is computed, never stored.
type RefundEligibility struct {
	Eligible bool
	Percent  int
	Amount   int64
	Reason   string
	Cause    RefundCause
}

type RefundRequest struct {
	ID               string
	PaymentIntentID  string
	UserID           string
	Cause            RefundCause
	Reason           string
	RefundableAmount int64
	Percent          int
	Status           RefundStatus
	DecidedBy        string
	DecidedAt        *time.Time
	FailureReason    string
	CreatedAt        time.Time
}
