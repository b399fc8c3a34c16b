package domain

import "time"

type ParticipationStatus string

const (
	ParticipationRequested ParticipationStatus = "requested"
	ParticipationMatched   ParticipationStatus = "matched"
	ParticipationReserved  ParticipationStatus = "reserved"
	ParticipationConfirmed ParticipationStatus = "confirmed"
	ParticipationAttended  ParticipationStatus = "attended"
	ParticipationExpired   ParticipationStatus = "expired"
	ParticipationCancelled ParticipationStatus = "cancelled"
)

// Terminal rows may be reopened by a fresh join, or by a late payment
// success that still finds a free slot.
var participationTransitions = map[ParticipationStatus][]ParticipationStatus{
	ParticipationRequested: {ParticipationRequested, ParticipationReserved, ParticipationConfirmed, ParticipationCancelled},
	ParticipationMatched:   {ParticipationReserved, ParticipationConfirmed, ParticipationExpired, ParticipationCancelled},
	ParticipationReserved:  {ParticipationConfirmed, ParticipationMatched, ParticipationExpired, ParticipationCancelled},
	ParticipationConfirmed: {ParticipationAttended, ParticipationCancelled},
	ParticipationAttended:  {},
	ParticipationExpired:   {ParticipationRequested, ParticipationReserved, ParticipationConfirmed},
	ParticipationCancelled: {ParticipationRequested, ParticipationReserved, ParticipationConfirmed},
}

// ParseParticipationStatus validates a persisted status string.
func ParseParticipationStatus(s string) (ParticipationStatus, error) {
	st := ParticipationStatus(s)
	if _, ok := participationTransitions[st]; !ok {
		return "", ErrUnknownStatus
	}
	return st, nil
}

// IsTerminal reports whether the status ends the lifecycle.
func (s ParticipationStatus) IsTerminal() bool {
	return s == ParticipationExpired || s == ParticipationCancelled
}

// IsActive reports whether a join must be rejected as a duplicate.
func (s ParticipationStatus) IsActive() bool {
	switch s {
	case ParticipationMatched, ParticipationReserved, ParticipationConfirmed, ParticipationAttended:
		return true
	}
	return false
}

// CanFinalize reports whether the host may finalize from this status.
func (s ParticipationStatus) CanFinalize() bool {
	switch s {
	case ParticipationMatched, ParticipationReserved, ParticipationConfirmed:
		return true
	}
	return false
}

// Transition returns the target status or an InvalidTransitionError.
func (s ParticipationStatus) Transition(to ParticipationStatus) (ParticipationStatus, error) {
	for _, allowed := range participationTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, &InvalidTransitionError{Entity: "participation", From: string(s), To: string(to)}
}

type MatchSource string

const (
	MatchSourceML       MatchSource = "ml"
	MatchSourceFallback MatchSource = "fallback"
)

// Participation is one user's lifecycle in one event.
type Participation struct {
	ID                 string
	UserID             string
	EventID            string
	Status             ParticipationStatus
	MatchScore         float64
	MatchSource        MatchSource
	MatchReasons       []string
	PaymentWindowStart *time.Time
	PaymentExpiresAt   *time.Time
	FinalizedAt        *time.Time
	FinalizedBy        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WindowOpen reports whether a reserved participation may still pay.
func (p Participation) WindowOpen(now time.Time) bool {
	return p.Status == ParticipationReserved && p.PaymentExpiresAt != nil && p.PaymentExpiresAt.After(now)
}
