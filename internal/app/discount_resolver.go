package app

import (
	"context"
	"strings"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/domain"
)

// Rejection reasons returned in DiscountResult.Reason.
const (
	DiscountNotFound          = "not_found"
	DiscountInactive          = "inactive"
	DiscountNotStarted        = "not_started"
	DiscountExpired           = "expired"
	DiscountUsageLimit        = "usage_limit_reached"
	DiscountUserUsageLimit    = "user_usage_limit_reached"
	DiscountBelowMinimum      = "below_minimum_amount"
	DiscountProductNotAllowed = "product_not_allowed"
	DiscountRegionNotAllowed  = "region_not_allowed"
	DiscountSegmentNotAllowed = "segment_not_allowed"
	DiscountRewardNotOwned    = "reward_not_owned"
	DiscountRewardAlreadyUsed = "reward_already_used"
)

type DiscountResolver struct {
	store DiscountStore
	clock clock.Clock
}

func NewDiscountResolver(store DiscountStore, clk clock.Clock) *DiscountResolver {
	return &DiscountResolver{store: store, clock: clk}
}

type DiscountInput struct {
	Selector    domain.DiscountSelector
	User        domain.UserProfile
	ProductType string
	BaseAmount  int64
}

// Resolve prices a purchase. It reads only; redemption is recorded when
// the payment succeeds. The only error besides storage failures is
// ErrDiscountConflict when both a code and a reward are given.
func (r *DiscountResolver) Resolve(ctx context.Context, in DiscountInput) (domain.DiscountResult, error) {
	if in.BaseAmount < 0 {
		return domain.DiscountResult{}, domain.ErrInvalidAmount
	}
	sel := in.Selector
	if sel.Code != "" && sel.RewardID != "" {
		return domain.DiscountResult{}, domain.ErrDiscountConflict
	}
	if sel.Empty() {
		return domain.DiscountResult{Valid: true, FinalAmount: in.BaseAmount}, nil
	}
	if sel.RewardID != "" {
		return r.resolveReward(ctx, in)
	}
	return r.resolveCode(ctx, in)
}

func (r *DiscountResolver) resolveCode(ctx context.Context, in DiscountInput) (domain.DiscountResult, error) {
	code, err := r.store.GetDiscountCode(ctx, normalizeCode(in.Selector.Code))
	if err != nil {
		return domain.DiscountResult{}, err
	}
	if code == nil {
		return rejected(in.BaseAmount, DiscountNotFound), nil
	}
	now := r.clock.Now()

	if !code.Active {
		return rejected(in.BaseAmount, DiscountInactive), nil
	}
	if code.StartsAt != nil && now.Before(*code.StartsAt) {
		return rejected(in.BaseAmount, DiscountNotStarted), nil
	}
	if code.EndsAt != nil && !now.Before(*code.EndsAt) {
		return rejected(in.BaseAmount, DiscountExpired), nil
	}
	if code.MaxUses > 0 && code.UsedCount >= code.MaxUses {
		return rejected(in.BaseAmount, DiscountUsageLimit), nil
	}
	if code.MaxUsesPerUser > 0 {
		used, err := r.store.CountCodeRedemptions(ctx, code.Code, in.User.ID)
		if err != nil {
			return domain.DiscountResult{}, err
		}
		if used >= code.MaxUsesPerUser {
			return rejected(in.BaseAmount, DiscountUserUsageLimit), nil
		}
	}
	if in.BaseAmount < code.MinAmount {
		return rejected(in.BaseAmount, DiscountBelowMinimum), nil
	}
	if !allowed(code.ProductTypes, in.ProductType) {
		return rejected(in.BaseAmount, DiscountProductNotAllowed), nil
	}
	if !allowed(code.Countries, in.User.Country) {
		return rejected(in.BaseAmount, DiscountRegionNotAllowed), nil
	}
	if !allowed(code.Segments, in.User.Segment) {
		return rejected(in.BaseAmount, DiscountSegmentNotAllowed), nil
	}

	d := code.Type.Amount(in.BaseAmount, code.Value)
	return domain.DiscountResult{
		Valid:          true,
		DiscountAmount: d,
		FinalAmount:    in.BaseAmount - d,
		InstrumentID:   code.Code,
	}, nil
}

func (r *DiscountResolver) resolveReward(ctx context.Context, in DiscountInput) (domain.DiscountResult, error) {
	reward, err := r.store.GetReward(ctx, in.Selector.RewardID)
	if err != nil {
		return domain.DiscountResult{}, err
	}
	if reward == nil {
		return rejected(in.BaseAmount, DiscountNotFound), nil
	}
	if reward.UserID != in.User.ID {
		return rejected(in.BaseAmount, DiscountRewardNotOwned), nil
	}
	if reward.UsedAt != nil {
		return rejected(in.BaseAmount, DiscountRewardAlreadyUsed), nil
	}
	if !r.clock.Now().Before(reward.ExpiresAt) {
		return rejected(in.BaseAmount, DiscountExpired), nil
	}
	if in.BaseAmount < reward.MinAmount {
		return rejected(in.BaseAmount, DiscountBelowMinimum), nil
	}

	d := reward.Type.Amount(in.BaseAmount, reward.Value)
	return domain.DiscountResult{
		Valid:          true,
		DiscountAmount: d,
		FinalAmount:    in.BaseAmount - d,
		InstrumentID:   reward.ID,
		IsReward:       true,
	}, nil
}

// recordRedemption consumes the instrument a successful payment used.
func recordRedemption(ctx context.Context, store DiscountStore, pi domain.PaymentIntent, at time.Time) error {
	switch {
	case pi.RewardID != "":
		return store.MarkRewardUsed(ctx, pi.RewardID, pi.ID, at)
	case pi.DiscountCode != "":
		return store.RecordCodeRedemption(ctx, pi.DiscountCode, pi.UserID, pi.ID, pi.DiscountAmount, at)
	}
	return nil
}

func rejected(base int64, reason string) domain.DiscountResult {
	return domain.DiscountResult{Reason: reason, FinalAmount: base}
}

// allowed treats an empty list as unrestricted.
func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
