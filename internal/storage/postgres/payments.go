package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/domain"
)

const paymentColumns = `id, user_id, event_id, product_type, original_amount, discount_amount, final_amount,
refunded_amount, currency, status, external_ref, discount_code, reward_id::text, failure_reason, created_at, updated_at`

type PaymentRepository struct {
	db
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{db{pool: pool}}
}

func scanPaymentIntent(row scanner) (domain.PaymentIntent, error) {
	var (
		pi                  domain.PaymentIntent
		status              string
		ref, code, rewardID *string
	)
	err := row.Scan(&pi.ID, &pi.UserID, &pi.EventID, &pi.ProductType, &pi.OriginalAmount, &pi.DiscountAmount,
		&pi.FinalAmount, &pi.RefundedAmount, &pi.Currency, &status, &ref, &code, &rewardID,
		&pi.FailureReason, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if pi.Status, err = domain.ParsePaymentStatus(status); err != nil {
		return domain.PaymentIntent{}, err
	}
	pi.ExternalRef = deref(ref)
	pi.DiscountCode = deref(code)
	pi.RewardID = deref(rewardID)
	return pi, nil
}

func (r *PaymentRepository) CreatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error {
	const stmt = `
INSERT INTO payment_intents (id, user_id, event_id, product_type, original_amount, discount_amount, final_amount,
	refunded_amount, currency, status, external_ref, discount_code, reward_id, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.exec(ctx, stmt,
		pi.ID,
		pi.UserID,
		pi.EventID,
		pi.ProductType,
		pi.OriginalAmount,
		pi.DiscountAmount,
		pi.FinalAmount,
		pi.RefundedAmount,
		pi.Currency,
		string(pi.Status),
		nullable(pi.ExternalRef),
		nullable(pi.DiscountCode),
		nullable(pi.RewardID),
		pi.FailureReason,
		pi.CreatedAt,
		pi.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err) && constraintName(err) == "payment_intents_one_pending":
			return domain.ErrPaymentNotPending
		case isUniqueViolation(err):
			return fmt.Errorf("create payment intent: duplicate external ref: %w", err)
		case isForeignKeyViolation(err) && constraintName(err) == "payment_intents_event_id_fkey":
			return domain.ErrEventNotFound
		case isForeignKeyViolation(err), isCheckViolation(err):
			return domain.ErrDiscountInvalid
		case isInvalidUUID(err):
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create payment intent: %w", err)
	}
	return nil
}

func (r *PaymentRepository) getPaymentIntent(ctx context.Context, where string, arg any, lock bool) (domain.PaymentIntent, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_intents WHERE ` + where
	if lock {
		query += ` FOR UPDATE`
	}
	pi, err := scanPaymentIntent(r.queryRow(ctx, query, arg))
	if err != nil {
		return domain.PaymentIntent{}, translate(err, domain.ErrPaymentNotFound, "get payment intent")
	}
	return pi, nil
}

func (r *PaymentRepository) GetPaymentIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return r.getPaymentIntent(ctx, `id = $1`, id, false)
}

func (r *PaymentRepository) GetPaymentIntentForUpdate(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return r.getPaymentIntent(ctx, `id = $1`, id, true)
}

func (r *PaymentRepository) GetPaymentIntentByRefForUpdate(ctx context.Context, ref string) (domain.PaymentIntent, error) {
	return r.getPaymentIntent(ctx, `external_ref = $1`, ref, true)
}

func (r *PaymentRepository) FindPendingPaymentIntent(ctx context.Context, userID, eventID string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_intents WHERE user_id = $1 AND event_id = $2 AND status = 'pending'`
	pi, err := scanPaymentIntent(r.queryRow(ctx, query, userID, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, nil, "find pending payment intent")
	}
	return &pi, nil
}

func (r *PaymentRepository) UpdatePaymentIntent(ctx context.Context, pi domain.PaymentIntent) error {
	const stmt = `
UPDATE payment_intents
SET status = $2, external_ref = $3, refunded_amount = $4, failure_reason = $5, updated_at = $6
WHERE id = $1`

	tag, err := r.exec(ctx, stmt,
		pi.ID,
		string(pi.Status),
		nullable(pi.ExternalRef),
		pi.RefundedAmount,
		pi.FailureReason,
		pi.UpdatedAt,
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("update payment intent %s: %w", pi.ID, domain.ErrInvalidAmount)
		}
		return translate(err, domain.ErrPaymentNotFound, "update payment intent")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (r *PaymentRepository) ListSucceededPaymentIntents(ctx context.Context, eventID string) ([]domain.PaymentIntent, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_intents WHERE event_id = $1 AND status = 'succeeded' ORDER BY created_at ASC`
	rows, err := r.query(ctx, query, eventID)
	if err != nil {
		return nil, translate(err, nil, "list succeeded payment intents")
	}
	defer rows.Close()

	out := make([]domain.PaymentIntent, 0)
	for rows.Next() {
		pi, err := scanPaymentIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment intent: %w", err)
		}
		out = append(out, pi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list succeeded payment intents: %w", err)
	}
	return out, nil
}
