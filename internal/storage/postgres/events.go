package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/domain"
)

const eventColumns = `id, host_id, title, capacity, reserved_count, confirmed_count, starts_at, ends_at,
price_amount, currency, hobbies, latitude, longitude, cancelled, created_at`

type EventRepository struct {
	db
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{db{pool: pool}}
}

func scanEvent(row scanner) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.HostID, &e.Title, &e.Capacity, &e.ReservedCount, &e.ConfirmedCount,
		&e.StartsAt, &e.EndsAt, &e.PriceAmount, &e.Currency, &e.Hobbies, &e.Latitude, &e.Longitude,
		&e.Cancelled, &e.CreatedAt)
	return e, err
}

func (r *EventRepository) CreateEvent(ctx context.Context, e domain.Event) error {
	const stmt = `
INSERT INTO events (id, host_id, title, capacity, starts_at, ends_at, price_amount, currency, hobbies, latitude, longitude, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.exec(ctx, stmt,
		e.ID,
		e.HostID,
		e.Title,
		e.Capacity,
		e.StartsAt,
		e.EndsAt,
		e.PriceAmount,
		e.Currency,
		textArray(e.Hobbies),
		e.Latitude,
		e.Longitude,
		e.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isCheckViolation(err) {
			return domain.ErrInvalidEventWindow
		}
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (r *EventRepository) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	e, err := scanEvent(r.queryRow(ctx, query, id))
	if err != nil {
		return domain.Event{}, translate(err, domain.ErrEventNotFound, "get event")
	}
	return e, nil
}

func (r *EventRepository) ListEvents(ctx context.Context) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY starts_at ASC, id ASC`
	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (r *EventRepository) MarkEventCancelled(ctx context.Context, id string) error {
	tag, err := r.exec(ctx, `UPDATE events SET cancelled = TRUE WHERE id = $1`, id)
	if err != nil {
		return translate(err, domain.ErrEventNotFound, "cancel event")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// ReserveSlot takes one slot with a single bounded UPDATE; the WHERE clause
// is the capacity check, so there is no read-then-write window.
func (r *EventRepository) ReserveSlot(ctx context.Context, eventID string, kind domain.SlotKind) error {
	stmt := `
UPDATE events SET reserved_count = reserved_count + 1
WHERE id = $1 AND NOT cancelled AND reserved_count + confirmed_count < capacity`
	if kind == domain.SlotConfirmed {
		stmt = `
UPDATE events SET confirmed_count = confirmed_count + 1
WHERE id = $1 AND NOT cancelled AND reserved_count + confirmed_count < capacity`
	}

	tag, err := r.exec(ctx, stmt, eventID)
	if err != nil {
		return translate(err, domain.ErrEventNotFound, "reserve slot")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.whyNoSlot(ctx, eventID)
}

func (r *EventRepository) whyNoSlot(ctx context.Context, eventID string) error {
	var cancelled bool
	err := r.queryRow(ctx, `SELECT cancelled FROM events WHERE id = $1`, eventID).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEventNotFound
		}
		return fmt.Errorf("reserve slot: %w", err)
	}
	if cancelled {
		return domain.ErrEventCancelled
	}
	return domain.ErrEventFull
}

// PromoteSlot turns a reserved slot into a confirmed one.
func (r *EventRepository) PromoteSlot(ctx context.Context, eventID string) error {
	const stmt = `
UPDATE events SET reserved_count = reserved_count - 1, confirmed_count = confirmed_count + 1
WHERE id = $1 AND reserved_count > 0`

	tag, err := r.exec(ctx, stmt, eventID)
	if err != nil {
		return translate(err, domain.ErrEventNotFound, "promote slot")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("promote slot on event %s: %w", eventID, domain.ErrInvalidTransition)
	}
	return nil
}

func (r *EventRepository) ReleaseSlot(ctx context.Context, eventID string, kind domain.SlotKind) error {
	stmt := `UPDATE events SET reserved_count = reserved_count - 1 WHERE id = $1 AND reserved_count > 0`
	if kind == domain.SlotConfirmed {
		stmt = `UPDATE events SET confirmed_count = confirmed_count - 1 WHERE id = $1 AND confirmed_count > 0`
	}

	tag, err := r.exec(ctx, stmt, eventID)
	if err != nil {
		return translate(err, domain.ErrEventNotFound, "release slot")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s slot on event %s: %w", kind, eventID, domain.ErrInvalidTransition)
	}
	return nil
}
