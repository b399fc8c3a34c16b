package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/domain"
)

type DiscountRepository struct {
	db
}

func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{db{pool: pool}}
}

func (r *DiscountRepository) GetDiscountCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	const query = `
SELECT code, type, value, active, starts_at, ends_at, max_uses, max_uses_per_user, used_count, min_amount,
	product_types, countries, segments
FROM discount_codes
WHERE code = $1`

	var (
		c   domain.DiscountCode
		typ string
	)
	err := r.queryRow(ctx, query, code).Scan(&c.Code, &typ, &c.Value, &c.Active, &c.StartsAt, &c.EndsAt,
		&c.MaxUses, &c.MaxUsesPerUser, &c.UsedCount, &c.MinAmount, &c.ProductTypes, &c.Countries, &c.Segments)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get discount code: %w", err)
	}
	c.Type = domain.DiscountType(typ)
	return &c, nil
}

func (r *DiscountRepository) CountCodeRedemptions(ctx context.Context, code, userID string) (int, error) {
	var n int
	err := r.queryRow(ctx,
		`SELECT COUNT(*) FROM discount_redemptions WHERE code = $1 AND user_id = $2`,
		code, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count code redemptions: %w", err)
	}
	return n, nil
}

// GetReward returns nil for unknown ids, malformed ones included, so the
// resolver reports them as not found.
func (r *DiscountRepository) GetReward(ctx context.Context, id string) (*domain.RewardDiscount, error) {
	const query = `
SELECT id, user_id, tier, type, value, min_amount, expires_at, used_at, created_at
FROM reward_discounts
WHERE id = $1`

	var (
		rw  domain.RewardDiscount
		typ string
	)
	err := r.queryRow(ctx, query, id).Scan(&rw.ID, &rw.UserID, &rw.Tier, &typ, &rw.Value, &rw.MinAmount,
		&rw.ExpiresAt, &rw.UsedAt, &rw.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}
	rw.Type = domain.DiscountType(typ)
	return &rw, nil
}

// RecordCodeRedemption writes the ledger row and bumps the code counter.
// A replay for the same payment is absorbed by the unique payment id.
func (r *DiscountRepository) RecordCodeRedemption(ctx context.Context, code, userID, paymentIntentID string, amount int64, at time.Time) error {
	const insert = `
INSERT INTO discount_redemptions (code, user_id, payment_intent_id, amount, redeemed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (payment_intent_id) DO NOTHING`

	tag, err := r.exec(ctx, insert, code, userID, paymentIntentID, amount, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrDiscountInvalid
		}
		return translate(err, nil, "record code redemption")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := r.exec(ctx, `UPDATE discount_codes SET used_count = used_count + 1 WHERE code = $1`, code); err != nil {
		return fmt.Errorf("increment code usage: %w", err)
	}
	return nil
}

func (r *DiscountRepository) MarkRewardUsed(ctx context.Context, id, paymentIntentID string, at time.Time) error {
	const stmt = `
UPDATE reward_discounts SET used_at = $2, payment_intent_id = $3
WHERE id = $1 AND (used_at IS NULL OR payment_intent_id = $3)`

	tag, err := r.exec(ctx, stmt, id, at, paymentIntentID)
	if err != nil {
		return translate(err, nil, "mark reward used")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reward %s: %w", id, domain.ErrDiscountInvalid)
	}
	return nil
}

// CreateDiscountCode and CreateReward are the seeding surface used by
// operators and tests; the loyalty subsystem owns reward issuance.
func (r *DiscountRepository) CreateDiscountCode(ctx context.Context, c domain.DiscountCode) error {
	const stmt = `
INSERT INTO discount_codes (code, type, value, active, starts_at, ends_at, max_uses, max_uses_per_user,
	used_count, min_amount, product_types, countries, segments)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.exec(ctx, stmt,
		c.Code,
		string(c.Type),
		c.Value,
		c.Active,
		c.StartsAt,
		c.EndsAt,
		c.MaxUses,
		c.MaxUsesPerUser,
		c.UsedCount,
		c.MinAmount,
		textArray(c.ProductTypes),
		textArray(c.Countries),
		textArray(c.Segments),
	)
	if err != nil {
		return fmt.Errorf("create discount code: %w", err)
	}
	return nil
}

func (r *DiscountRepository) CreateReward(ctx context.Context, rw domain.RewardDiscount) error {
	const stmt = `
INSERT INTO reward_discounts (id, user_id, tier, type, value, min_amount, expires_at, used_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt, rw.ID, rw.UserID, rw.Tier, string(rw.Type), rw.Value, rw.MinAmount,
		rw.ExpiresAt, rw.UsedAt, rw.CreatedAt)
	if err != nil {
		return translate(err, nil, "create reward")
	}
	return nil
}
