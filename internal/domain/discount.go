package domain

import "time"

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Amount returns the discount for base, never more than base and never
// negative.
func (t DiscountType) Amount(base, value int64) int64 {
	var d int64
	switch t {
	case DiscountPercentage:
		d = roundHalfAway(float64(base) * float64(value) / 100)
	case DiscountFixed:
		d = value
	}
	if d < 0 {
		return 0
	}
	if d > base {
		return base
	}
	return d
}

// DiscountCode is a shared promotional code.
type DiscountCode struct {
	Code           string
	Type           DiscountType
	Value          int64
	Active         bool
	StartsAt       *time.Time
	EndsAt         *time.Time
	MaxUses        int
	MaxUsesPerUser int
	UsedCount      int
	MinAmount      int64
	ProductTypes   []string
	Countries      []string
	Segments       []string
}

// RewardDiscount is a per-user, single-use credit derived from a loyalty tier.
type RewardDiscount struct {
	ID        string
	UserID    string
	Tier      string
	Type      DiscountType
	Value     int64
	MinAmount int64
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// DiscountSelector names at most one instrument for a purchase.
type DiscountSelector struct {
	Code     string
	RewardID string
}

func (s DiscountSelector) Empty() bool {
	return s.Code == "" && s.RewardID == ""
}

// DiscountResult is the priced outcome of a selector against a base amount.
type DiscountResult struct {
	Valid          bool
	Reason         string
	DiscountAmount int64
	FinalAmount    int64
	InstrumentID   string
	IsReward       bool
}
