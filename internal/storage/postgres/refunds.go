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

const refundColumns = `id, payment_intent_id, user_id, cause, reason, refundable_amount, percent, status,
decided_by, decided_at, failure_reason, created_at`

type RefundRepository struct {
	db
}

func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{db{pool: pool}}
}

func scanRefundRequest(row scanner) (domain.RefundRequest, error) {
	var (
		rr     domain.RefundRequest
		cause  string
		status string
	)
	err := row.Scan(&rr.ID, &rr.PaymentIntentID, &rr.UserID, &cause, &rr.Reason, &rr.RefundableAmount,
		&rr.Percent, &status, &rr.DecidedBy, &rr.DecidedAt, &rr.FailureReason, &rr.CreatedAt)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if rr.Status, err = domain.ParseRefundStatus(status); err != nil {
		return domain.RefundRequest{}, err
	}
	rr.Cause = domain.RefundCause(cause)
	return rr, nil
}

func (r *RefundRepository) CreateRefundRequest(ctx context.Context, rr domain.RefundRequest) error {
	const stmt = `
INSERT INTO refund_requests (id, payment_intent_id, user_id, cause, reason, refundable_amount, percent, status,
	decided_by, decided_at, failure_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.exec(ctx, stmt,
		rr.ID,
		rr.PaymentIntentID,
		rr.UserID,
		string(rr.Cause),
		rr.Reason,
		rr.RefundableAmount,
		rr.Percent,
		string(rr.Status),
		rr.DecidedBy,
		rr.DecidedAt,
		rr.FailureReason,
		rr.CreatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.ErrDuplicateRefundRequest
		case isForeignKeyViolation(err):
			return domain.ErrPaymentNotFound
		case isInvalidUUID(err):
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create refund request: %w", err)
	}
	return nil
}

func (r *RefundRepository) getRefundRequest(ctx context.Context, id string, lock bool) (domain.RefundRequest, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	rr, err := scanRefundRequest(r.queryRow(ctx, query, id))
	if err != nil {
		return domain.RefundRequest{}, translate(err, domain.ErrRefundNotFound, "get refund request")
	}
	return rr, nil
}

func (r *RefundRepository) GetRefundRequest(ctx context.Context, id string) (domain.RefundRequest, error) {
	return r.getRefundRequest(ctx, id, false)
}

func (r *RefundRepository) GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error) {
	return r.getRefundRequest(ctx, id, true)
}

// FindPendingRefundRequest returns the open request for the payment: one
// still awaiting a decision or one whose refund is in flight.
func (r *RefundRepository) FindPendingRefundRequest(ctx context.Context, paymentIntentID string) (*domain.RefundRequest, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_requests
WHERE payment_intent_id = $1 AND status IN ('pending', 'processing')`
	rr, err := scanRefundRequest(r.queryRow(ctx, query, paymentIntentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, nil, "find pending refund request")
	}
	return &rr, nil
}

func (r *RefundRepository) UpdateRefundRequest(ctx context.Context, rr domain.RefundRequest) error {
	const stmt = `
UPDATE refund_requests
SET status = $2, decided_by = $3, decided_at = $4, failure_reason = $5,
	cause = $6, reason = $7, refundable_amount = $8, percent = $9
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, rr.ID, string(rr.Status), rr.DecidedBy, rr.DecidedAt, rr.FailureReason,
		string(rr.Cause), rr.Reason, rr.RefundableAmount, rr.Percent)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateRefundRequest
		}
		if isCheckViolation(err) {
			return fmt.Errorf("update refund request %s: %w", rr.ID, domain.ErrInvalidAmount)
		}
		return translate(err, domain.ErrRefundNotFound, "update refund request")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRefundNotFound
	}
	return nil
}

// ListStalledRefunds returns PROCESSING requests decided before cutoff:
// their processor call was interrupted and has to be driven to an end.
func (r *RefundRepository) ListStalledRefunds(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const query = `
SELECT id FROM refund_requests
WHERE status = 'processing' AND decided_at < $1
ORDER BY decided_at
LIMIT $2`

	return r.queryIDs(ctx, "list stalled refunds", query, cutoff, limit)
}
