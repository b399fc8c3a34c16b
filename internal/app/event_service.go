package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/currency"
	"github.com/cimillas/gatherly/internal/domain"
)

type EventRepository interface {
	TxRunner
	EventStore
	PaymentStore
}

// CancellationRefunder refunds one payment of a cancelled event.
type CancellationRefunder interface {
	RefundForCancellation(ctx context.Context, pi domain.PaymentIntent) (domain.RefundRequest, error)
}

type EventService struct {
	repo      EventRepository
	refunds   CancellationRefunder
	converter currency.Converter
	clock     clock.Clock
	logger    *log.Logger
}

func NewEventService(repo EventRepository, refunds CancellationRefunder, converter currency.Converter, clk clock.Clock, logger *log.Logger) *EventService {
	if logger == nil {
		logger = log.Default()
	}
	return &EventService{
		repo:      repo,
		refunds:   refunds,
		converter: converter,
		clock:     clk,
		logger:    logger,
	}
}

type CreateEventInput struct {
	HostID      string
	Title       string
	Capacity    int
	StartsAt    time.Time
	EndsAt      time.Time
	PriceAmount int64
	Currency    string
	Hobbies     []string
	Latitude    float64
	Longitude   float64
}

func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput) (domain.Event, error) {
	if in.HostID == "" {
		return domain.Event{}, domain.ErrInvalidID
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Event{}, domain.ErrEventTitleRequired
	}
	if in.Capacity <= 0 {
		return domain.Event{}, domain.ErrInvalidCapacity
	}
	if in.PriceAmount < 0 {
		return domain.Event{}, domain.ErrInvalidAmount
	}
	if in.StartsAt.IsZero() || !in.EndsAt.After(in.StartsAt) {
		return domain.Event{}, domain.ErrInvalidEventWindow
	}
	cur := strings.ToUpper(in.Currency)
	if cur == "" {
		cur = "EUR"
	}

	event := domain.Event{
		ID:          newID(),
		HostID:      in.HostID,
		Title:       strings.TrimSpace(in.Title),
		Capacity:    in.Capacity,
		StartsAt:    in.StartsAt.UTC(),
		EndsAt:      in.EndsAt.UTC(),
		PriceAmount: in.PriceAmount,
		Currency:    cur,
		Hobbies:     in.Hobbies,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.CreateEvent(ctx, event); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

func (s *EventService) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	if id == "" {
		return domain.Event{}, domain.ErrInvalidID
	}
	return s.repo.GetEvent(ctx, id)
}

// EventView is an event with its price shown in a display currency.
type EventView struct {
	domain.Event
	DisplayAmount   int64
	DisplayCurrency string
}

// ListEvents converts prices to displayCurrency when given. Events whose
// currency has no rate keep their own price.
func (s *EventService) ListEvents(ctx context.Context, displayCurrency string) ([]EventView, error) {
	events, err := s.repo.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(events))
	for _, e := range events {
		v := EventView{Event: e, DisplayAmount: e.PriceAmount, DisplayCurrency: e.Currency}
		if displayCurrency != "" && s.converter != nil {
			amount, err := s.converter.Convert(e.PriceAmount, e.Currency, displayCurrency)
			switch {
			case err == nil:
				v.DisplayAmount = amount
				v.DisplayCurrency = strings.ToUpper(displayCurrency)
			case errors.Is(err, currency.ErrUnknownCurrency):
			default:
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, nil
}

type CancelReport struct {
	Event    domain.Event
	Refunded int
	Failed   int
}

// CancelEvent flags the event cancelled and refunds every succeeded
// payment in full. Running it again retries refunds that did not
// complete.
func (s *EventService) CancelEvent(ctx context.Context, id, actorID string) (CancelReport, error) {
	if id == "" || actorID == "" {
		return CancelReport{}, domain.ErrInvalidID
	}

	var event domain.Event
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		event, err = s.repo.GetEvent(txCtx, id)
		if err != nil {
			return err
		}
		if event.HostID != actorID {
			return domain.ErrNotEventHost
		}
		if event.Cancelled {
			return nil
		}
		event.Cancelled = true
		return s.repo.MarkEventCancelled(txCtx, id)
	})
	if err != nil {
		return CancelReport{}, err
	}

	payments, err := s.repo.ListSucceededPaymentIntents(ctx, id)
	if err != nil {
		return CancelReport{Event: event}, err
	}
	report := CancelReport{Event: event}
	for _, pi := range payments {
		req, err := s.refunds.RefundForCancellation(ctx, pi)
		if err != nil || req.Status != domain.RefundCompleted {
			report.Failed++
			s.logger.Printf("WARN: cancellation refund payment=%s status=%s: %v", pi.ID, req.Status, err)
			continue
		}
		report.Refunded++
	}
	s.logger.Printf("INFO: event cancelled id=%s refunded=%d failed=%d", id, report.Refunded, report.Failed)
	return report, nil
}
