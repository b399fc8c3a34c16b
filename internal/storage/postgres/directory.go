package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/domain"
)

// DirectoryRepository reads the local copies of user profiles and host
// payout accounts.
type DirectoryRepository struct {
	db
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{db{pool: pool}}
}

func (r *DirectoryRepository) GetUserProfile(ctx context.Context, id string) (domain.UserProfile, error) {
	const query = `
SELECT id, hobbies, latitude, longitude, radius_km, country, segment
FROM user_profiles
WHERE id = $1`

	var u domain.UserProfile
	err := r.queryRow(ctx, query, id).Scan(&u.ID, &u.Hobbies, &u.Latitude, &u.Longitude, &u.RadiusKm, &u.Country, &u.Segment)
	if err != nil {
		return domain.UserProfile{}, translate(err, domain.ErrUserNotFound, "get user profile")
	}
	return u, nil
}

func (r *DirectoryRepository) UpsertUserProfile(ctx context.Context, u domain.UserProfile) error {
	const stmt = `
INSERT INTO user_profiles (id, hobbies, latitude, longitude, radius_km, country, segment)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET hobbies = EXCLUDED.hobbies, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
	radius_km = EXCLUDED.radius_km, country = EXCLUDED.country, segment = EXCLUDED.segment`

	_, err := r.exec(ctx, stmt, u.ID, textArray(u.Hobbies), u.Latitude, u.Longitude, u.RadiusKm, u.Country, u.Segment)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

func (r *DirectoryRepository) PayoutDestination(ctx context.Context, hostID string) (string, error) {
	var dest string
	err := r.queryRow(ctx, `SELECT destination FROM payout_accounts WHERE host_id = $1`, hostID).Scan(&dest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNoPayoutAccount
		}
		return "", fmt.Errorf("get payout destination: %w", err)
	}
	if dest == "" {
		return "", domain.ErrNoPayoutAccount
	}
	return dest, nil
}

func (r *DirectoryRepository) UpsertPayoutAccount(ctx context.Context, hostID, destination string) error {
	const stmt = `
INSERT INTO payout_accounts (host_id, destination)
VALUES ($1, $2)
ON CONFLICT (host_id) DO UPDATE SET destination = EXCLUDED.destination`

	if _, err := r.exec(ctx, stmt, hostID, destination); err != nil {
		return fmt.Errorf("upsert payout account: %w", err)
	}
	return nil
}
