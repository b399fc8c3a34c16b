package domain

import "time"

// Event is a real-world gathering with bounded attendee capacity.
//
// ReservedCount and ConfirmedCount are owned by the capacity ledger; nothing
// else writes them. ReservedCount+ConfirmedCount never exceeds Capacity.
type Event struct {
	ID             string
	HostID         string
	Title          string
	Capacity       int
	ReservedCount  int
	ConfirmedCount int
	StartsAt       time.Time
	EndsAt         time.Time
	PriceAmount    int64
	Currency       string
	Hobbies        []string
	Latitude       float64
	Longitude      float64
	Cancelled      bool
	CreatedAt      time.Time
}

// IsFree reports whether joining requires no payment.
func (e Event) IsFree() bool {
	return e.PriceAmount == 0
}

// Available returns the number of unclaimed capacity slots.
func (e Event) Available() int {
	n := e.Capacity - e.ReservedCount - e.ConfirmedCount
	if n < 0 {
		return 0
	}
	return n
}

// FillRatio is the share of capacity already claimed, in [0,1].
func (e Event) FillRatio() float64 {
	if e.Capacity <= 0 {
		return 1
	}
	r := float64(e.ReservedCount+e.ConfirmedCount) / float64(e.Capacity)
	if r > 1 {
		return 1
	}
	return r
}

// HasStarted reports whether the event start is at or before now.
func (e Event) HasStarted(now time.Time) bool {
	return !e.StartsAt.After(now)
}

// SlotKind selects which capacity counter a ledger operation touches.
type SlotKind int

const (
	SlotReserved SlotKind = iota
	SlotConfirmed
)

func (k SlotKind) String() string {
	if k == SlotConfirmed {
		return "confirmed"
	}
	return "reserved"
}
