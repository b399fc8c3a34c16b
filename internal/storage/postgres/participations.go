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

const participationColumns = `id, user_id, event_id, status, match_score, match_source, match_reasons,
payment_window_start, payment_expires_at, finalized_at, finalized_by, created_at, updated_at`

type ParticipationRepository struct {
	db
}

func NewParticipationRepository(pool *pgxpool.Pool) *ParticipationRepository {
	return &ParticipationRepository{db{pool: pool}}
}

func scanParticipation(row scanner) (domain.Participation, error) {
	var (
		p      domain.Participation
		status string
		source string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.EventID, &status, &p.MatchScore, &source, &p.MatchReasons,
		&p.PaymentWindowStart, &p.PaymentExpiresAt, &p.FinalizedAt, &p.FinalizedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Participation{}, err
	}
	if p.Status, err = domain.ParseParticipationStatus(status); err != nil {
		return domain.Participation{}, err
	}
	p.MatchSource = domain.MatchSource(source)
	return p, nil
}

func (r *ParticipationRepository) getParticipation(ctx context.Context, id string, lock bool) (domain.Participation, error) {
	query := `SELECT ` + participationColumns + ` FROM participations WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanParticipation(r.queryRow(ctx, query, id))
	if err != nil {
		return domain.Participation{}, translate(err, domain.ErrParticipationNotFound, "get participation")
	}
	return p, nil
}

func (r *ParticipationRepository) GetParticipation(ctx context.Context, id string) (domain.Participation, error) {
	return r.getParticipation(ctx, id, false)
}

func (r *ParticipationRepository) GetParticipationForUpdate(ctx context.Context, id string) (domain.Participation, error) {
	return r.getParticipation(ctx, id, true)
}

func (r *ParticipationRepository) findParticipation(ctx context.Context, userID, eventID string, lock bool) (*domain.Participation, error) {
	query := `SELECT ` + participationColumns + ` FROM participations WHERE user_id = $1 AND event_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanParticipation(r.queryRow(ctx, query, userID, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err, nil, "find participation")
	}
	return &p, nil
}

func (r *ParticipationRepository) FindParticipation(ctx context.Context, userID, eventID string) (*domain.Participation, error) {
	return r.findParticipation(ctx, userID, eventID, false)
}

func (r *ParticipationRepository) FindParticipationForUpdate(ctx context.Context, userID, eventID string) (*domain.Participation, error) {
	return r.findParticipation(ctx, userID, eventID, true)
}

func (r *ParticipationRepository) CreateParticipation(ctx context.Context, p domain.Participation) error {
	const stmt = `
INSERT INTO participations (id, user_id, event_id, status, match_score, match_source, match_reasons,
	payment_window_start, payment_expires_at, finalized_at, finalized_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.exec(ctx, stmt,
		p.ID,
		p.UserID,
		p.EventID,
		string(p.Status),
		p.MatchScore,
		string(p.MatchSource),
		textArray(p.MatchReasons),
		p.PaymentWindowStart,
		p.PaymentExpiresAt,
		p.FinalizedAt,
		p.FinalizedBy,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.ErrAlreadyParticipating
		case isForeignKeyViolation(err):
			return domain.ErrEventNotFound
		case isInvalidUUID(err):
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create participation: %w", err)
	}
	return nil
}

func (r *ParticipationRepository) UpdateParticipation(ctx context.Context, p domain.Participation) error {
	const stmt = `
UPDATE participations
SET status = $2, match_score = $3, match_source = $4, match_reasons = $5,
	payment_window_start = $6, payment_expires_at = $7, finalized_at = $8, finalized_by = $9, updated_at = $10
WHERE id = $1`

	tag, err := r.exec(ctx, stmt,
		p.ID,
		string(p.Status),
		p.MatchScore,
		string(p.MatchSource),
		textArray(p.MatchReasons),
		p.PaymentWindowStart,
		p.PaymentExpiresAt,
		p.FinalizedAt,
		p.FinalizedBy,
		p.UpdatedAt,
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("update participation %s: %w", p.ID, domain.ErrInvalidTransition)
		}
		return translate(err, domain.ErrParticipationNotFound, "update participation")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParticipationNotFound
	}
	return nil
}

func (r *ParticipationRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id FROM participations
WHERE status = 'reserved' AND payment_expires_at <= $1
ORDER BY payment_expires_at ASC
LIMIT $2`
	return r.queryIDs(ctx, "list expired reservations", query, now, limit)
}
