package http

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/gatherly/internal/app"
	"github.com/cimillas/gatherly/internal/domain"
)

// EventAPI is what the event endpoints need.
type EventAPI interface {
	CreateEvent(ctx context.Context, in app.CreateEventInput) (domain.Event, error)
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	ListEvents(ctx context.Context, displayCurrency string) ([]app.EventView, error)
	CancelEvent(ctx context.Context, id, actorID string) (app.CancelReport, error)
}

// AttendanceAPI receives check-in confirmations.
type AttendanceAPI interface {
	VerifyAttendance(ctx context.Context, eventID, userID string) error
}

type createEventRequest struct {
	Title       string   `json:"title"`
	Capacity    int      `json:"capacity"`
	StartsAt    string   `json:"starts_at"`
	EndsAt      string   `json:"ends_at"`
	PriceAmount int64    `json:"price_amount"`
	Currency    string   `json:"currency,omitempty"`
	Hobbies     []string `json:"hobbies,omitempty"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
}

type eventResponse struct {
	ID              string    `json:"id"`
	HostID          string    `json:"host_id"`
	Title           string    `json:"title"`
	Capacity        int       `json:"capacity"`
	Available       int       `json:"available"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	PriceAmount     int64     `json:"price_amount"`
	Currency        string    `json:"currency"`
	DisplayAmount   *int64    `json:"display_amount,omitempty"`
	DisplayCurrency string    `json:"display_currency,omitempty"`
	Hobbies         []string  `json:"hobbies"`
	Cancelled       bool      `json:"cancelled"`
}

func toEventResponse(e domain.Event) eventResponse {
	hobbies := e.Hobbies
	if hobbies == nil {
		hobbies = []string{}
	}
	return eventResponse{
		ID:          e.ID,
		HostID:      e.HostID,
		Title:       e.Title,
		Capacity:    e.Capacity,
		Available:   e.Available(),
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		PriceAmount: e.PriceAmount,
		Currency:    e.Currency,
		Hobbies:     hobbies,
		Cancelled:   e.Cancelled,
	}
}

type cancelEventResponse struct {
	Event    eventResponse `json:"event"`
	Refunded int           `json:"refunded"`
	Failed   int           `json:"failed"`
}

type attendanceRequest struct {
	UserID string `json:"user_id"`
}

// HandleCreateEvent creates an event hosted by the caller.
func HandleCreateEvent(svc EventAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEventRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.StartsAt == "" || req.EndsAt == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "starts_at and ends_at are required")
			return
		}
		startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidEventWindow, "invalid starts_at format")
			return
		}
		endsAt, err := time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidEventWindow, "invalid ends_at format")
			return
		}

		event, err := svc.CreateEvent(r.Context(), app.CreateEventInput{
			HostID:      callerID(r),
			Title:       req.Title,
			Capacity:    req.Capacity,
			StartsAt:    startsAt,
			EndsAt:      endsAt,
			PriceAmount: req.PriceAmount,
			Currency:    req.Currency,
			Hobbies:     req.Hobbies,
			Latitude:    req.Latitude,
			Longitude:   req.Longitude,
		})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEventResponse(event))
	}
}

// HandleListEvents lists events, priced in ?currency= when given.
func HandleListEvents(svc EventAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		display := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
		views, err := svc.ListEvents(r.Context(), display)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		resp := make([]eventResponse, 0, len(views))
		for _, v := range views {
			er := toEventResponse(v.Event)
			if v.DisplayCurrency != "" {
				amount := v.DisplayAmount
				er.DisplayAmount = &amount
				er.DisplayCurrency = v.DisplayCurrency
			}
			resp = append(resp, er)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleGetEvent(svc EventAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, err := svc.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toEventResponse(event))
	}
}

// HandleCancelEvent cancels an event; repeating it retries failed refunds.
func HandleCancelEvent(svc EventAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.CancelEvent(r.Context(), chi.URLParam(r, "eventID"), callerID(r))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelEventResponse{
			Event:    toEventResponse(report.Event),
			Refunded: report.Refunded,
			Failed:   report.Failed,
		})
	}
}

// HandleAttendance is the check-in hook: it marks the attendee ATTENDED and
// flags their escrow as verified.
func HandleAttendance(svc AttendanceAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req attendanceRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "user_id is required")
			return
		}
		if err := svc.VerifyAttendance(r.Context(), chi.URLParam(r, "eventID"), req.UserID); err != nil {
			writeServiceError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
