package domain

import "time"

type EscrowStatus string

const (
	EscrowHeld      EscrowStatus = "held"
	EscrowScheduled EscrowStatus = "scheduled"
	EscrowReleased  EscrowStatus = "released"
	EscrowFailed    EscrowStatus = "failed"
	EscrowRefunding EscrowStatus = "refunding"
	EscrowRefunded  EscrowStatus = "refunded"
)

// REFUNDING keeps the release job away while a refund is at the processor.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowHeld:      {EscrowScheduled, EscrowRefunding},
	EscrowScheduled: {EscrowReleased, EscrowHeld, EscrowFailed},
	EscrowFailed:    {EscrowRefunding},
	EscrowRefunding: {EscrowRefunded, EscrowHeld, EscrowFailed},
	EscrowReleased:  {},
	EscrowRefunded:  {},
}

func ParseEscrowStatus(s string) (EscrowStatus, error) {
	st := EscrowStatus(s)
	if _, ok := escrowTransitions[st]; !ok {
		return "", ErrUnknownStatus
	}
	return st, nil
}

func (s EscrowStatus) Transition(to EscrowStatus) (EscrowStatus, error) {
	for _, allowed := range escrowTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, &InvalidTransitionError{Entity: "escrow", From: string(s), To: string(to)}
}

// Escrow holds one successful payment until attendance is verified and
// the cooling period has passed.
type Escrow struct {
	ID                   string
	PaymentIntentID      string
	EventID              string
	HostID               string
	UserID               string
	Amount               int64
	Currency             string
	PlatformFee          int64
	RefundedAmount       int64
	Status               EscrowStatus
	AttendanceVerified   bool
	AttendanceVerifiedAt *time.Time
	EventEndsAt          time.Time
	ReleaseAt            time.Time
	RetryCount           int
	TransferRef          string
	FailureReason        string
	ReleasedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Releasable mirrors the release query predicate.
func (e Escrow) Releasable(now time.Time) bool {
	return e.Status == EscrowHeld && e.AttendanceVerified && !e.ReleaseAt.After(now)
}

// TransferStalled reports a SCHEDULED escrow whose transfer ref was never
// stored, last touched before cutoff.
func (e Escrow) TransferStalled(cutoff time.Time) bool {
	return e.Status == EscrowScheduled && e.TransferRef == "" && e.UpdatedAt.Before(cutoff)
}

// PlatformFee returns the platform's cut of amount.
func PlatformFee(amount int64, pct float64) int64 {
	return Percent(amount, pct)
}

// Percent returns pct percent of amount in minor units, rounded half away
// from zero.
func Percent(amount int64, pct float64) int64 {
	return roundHalfAway(float64(amount) * pct / 100)
}

func roundHalfAway(f float64) int64 {
	if f < 0 {
		return -int64(-f + 0.5)
	}
	return int64(f + 0.5)
}
