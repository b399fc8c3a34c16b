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

const escrowColumns = `id, payment_intent_id, event_id, host_id, user_id, amount, currency, platform_fee, refunded_amount,
status, attendance_verified, attendance_verified_at, event_ends_at, release_at, retry_count, transfer_ref,
failure_reason, released_at, created_at, updated_at`

type EscrowRepository struct {
	db
}

func NewEscrowRepository(pool *pgxpool.Pool) *EscrowRepository {
	return &EscrowRepository{db{pool: pool}}
}

func scanEscrow(row scanner) (domain.Escrow, error) {
	var (
		e      domain.Escrow
		status string
		ref    *string
	)
	err := row.Scan(&e.ID, &e.PaymentIntentID, &e.EventID, &e.HostID, &e.UserID, &e.Amount, &e.Currency,
		&e.PlatformFee, &e.RefundedAmount, &status, &e.AttendanceVerified, &e.AttendanceVerifiedAt,
		&e.EventEndsAt, &e.ReleaseAt, &e.RetryCount, &ref, &e.FailureReason, &e.ReleasedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Escrow{}, err
	}
	if e.Status, err = domain.ParseEscrowStatus(status); err != nil {
		return domain.Escrow{}, err
	}
	e.TransferRef = deref(ref)
	return e, nil
}

func (r *EscrowRepository) CreateEscrow(ctx context.Context, e domain.Escrow) error {
	const stmt = `
INSERT INTO escrows (id, payment_intent_id, event_id, host_id, user_id, amount, currency, platform_fee,
	refunded_amount, status, attendance_verified, attendance_verified_at, event_ends_at, release_at,
	retry_count, transfer_ref, failure_reason, released_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.exec(ctx, stmt,
		e.ID,
		e.PaymentIntentID,
		e.EventID,
		e.HostID,
		e.UserID,
		e.Amount,
		e.Currency,
		e.PlatformFee,
		e.RefundedAmount,
		string(e.Status),
		e.AttendanceVerified,
		e.AttendanceVerifiedAt,
		e.EventEndsAt,
		e.ReleaseAt,
		e.RetryCount,
		nullable(e.TransferRef),
		e.FailureReason,
		e.ReleasedAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.ErrEscrowExists
		case isForeignKeyViolation(err):
			return domain.ErrPaymentNotFound
		case isCheckViolation(err):
			return fmt.Errorf("create escrow: %w", domain.ErrInvalidAmount)
		case isInvalidUUID(err):
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (r *EscrowRepository) GetEscrowForUpdate(ctx context.Context, id string) (domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`
	e, err := scanEscrow(r.queryRow(ctx, query, id))
	if err != nil {
		return domain.Escrow{}, translate(err, domain.ErrEscrowNotFound, "get escrow")
	}
	return e, nil
}

func (r *EscrowRepository) findEscrow(ctx context.Context, op, query string, args ...any) (*domain.Escrow, error) {
	e, err := scanEscrow(r.queryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, nil, op)
	}
	return &e, nil
}

func (r *EscrowRepository) FindEscrowByPayment(ctx context.Context, paymentIntentID string) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE payment_intent_id = $1`
	return r.findEscrow(ctx, "find escrow by payment", query, paymentIntentID)
}

// FindEscrowByAttendeeForUpdate returns the live escrow for an attendee; a
// refunded escrow from an earlier purchase is skipped.
func (r *EscrowRepository) FindEscrowByAttendeeForUpdate(ctx context.Context, eventID, userID string) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
WHERE event_id = $1 AND user_id = $2 AND status <> 'refunded'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`
	return r.findEscrow(ctx, "find escrow by attendee", query, eventID, userID)
}

func (r *EscrowRepository) GetEscrowByTransferRefForUpdate(ctx context.Context, ref string) (domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE transfer_ref = $1 FOR UPDATE`
	e, err := scanEscrow(r.queryRow(ctx, query, ref))
	if err != nil {
		return domain.Escrow{}, translate(err, domain.ErrEscrowNotFound, "get escrow by transfer ref")
	}
	return e, nil
}

func (r *EscrowRepository) ListReleasableEscrows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id FROM escrows
WHERE status = 'held' AND attendance_verified AND release_at <= $1
ORDER BY release_at ASC
LIMIT $2`
	return r.queryIDs(ctx, "list releasable escrows", query, now, limit)
}

// ClaimReleasableEscrow locks the escrow only if it still matches the
// release predicate. Rows another worker holds are skipped, not waited on.
func (r *EscrowRepository) ClaimReleasableEscrow(ctx context.Context, id string, now time.Time) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
WHERE id = $1 AND status = 'held' AND attendance_verified AND release_at <= $2
FOR UPDATE SKIP LOCKED`
	return r.findEscrow(ctx, "claim escrow", query, id, now)
}

// ListStalledTransfers returns SCHEDULED escrows that never got a transfer
// ref and were last touched before cutoff.
func (r *EscrowRepository) ListStalledTransfers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const query = `
SELECT id FROM escrows
WHERE status = 'scheduled' AND transfer_ref IS NULL AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`
	return r.queryIDs(ctx, "list stalled transfers", query, cutoff, limit)
}

// ClaimStalledTransfer locks a stalled escrow, skipping rows another worker
// holds.
func (r *EscrowRepository) ClaimStalledTransfer(ctx context.Context, id string, cutoff time.Time) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
WHERE id = $1 AND status = 'scheduled' AND transfer_ref IS NULL AND updated_at < $2
FOR UPDATE SKIP LOCKED`
	return r.findEscrow(ctx, "claim stalled transfer", query, id, cutoff)
}

func (r *EscrowRepository) UpdateEscrow(ctx context.Context, e domain.Escrow) error {
	const stmt = `
UPDATE escrows
SET status = $2, platform_fee = $3, refunded_amount = $4, attendance_verified = $5, attendance_verified_at = $6,
	retry_count = $7, transfer_ref = $8, failure_reason = $9, released_at = $10, updated_at = $11
WHERE id = $1`

	tag, err := r.exec(ctx, stmt,
		e.ID,
		string(e.Status),
		e.PlatformFee,
		e.RefundedAmount,
		e.AttendanceVerified,
		e.AttendanceVerifiedAt,
		e.RetryCount,
		nullable(e.TransferRef),
		e.FailureReason,
		e.ReleasedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("update escrow %s (%s): %w", e.ID, constraintName(err), domain.ErrInvalidTransition)
		}
		return translate(err, domain.ErrEscrowNotFound, "update escrow")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEscrowNotFound
	}
	return nil
}
