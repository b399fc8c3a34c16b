package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/gatherly/internal/app"
	"github.com/cimillas/gatherly/internal/domain"
)

// ParticipationAPI is what the participation endpoints need.
type ParticipationAPI interface {
	Join(ctx context.Context, in app.JoinInput) (app.JoinResult, error)
	Reserve(ctx context.Context, participationID, userID string) (domain.Participation, error)
	FinalizeMatch(ctx context.Context, participationID, actorID string) (domain.Participation, error)
	Get(ctx context.Context, id string) (domain.Participation, error)
}

type participationResponse struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	EventID          string     `json:"event_id"`
	Status           string     `json:"status"`
	Score            float64    `json:"score"`
	Reasons          []string   `json:"reasons"`
	PaymentExpiresAt *time.Time `json:"payment_expires_at,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
}

// The match source stays internal; callers only see score and reasons.
func toParticipationResponse(p domain.Participation) participationResponse {
	reasons := p.MatchReasons
	if reasons == nil {
		reasons = []string{}
	}
	return participationResponse{
		ID:               p.ID,
		UserID:           p.UserID,
		EventID:          p.EventID,
		Status:           string(p.Status),
		Score:            p.MatchScore,
		Reasons:          reasons,
		PaymentExpiresAt: p.PaymentExpiresAt,
		FinalizedAt:      p.FinalizedAt,
	}
}

// HandleJoin evaluates the caller for an event and reserves a slot on accept.
func HandleJoin(svc ParticipationAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Join(r.Context(), app.JoinInput{
			UserID:  callerID(r),
			EventID: chi.URLParam(r, "eventID"),
		})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		status := http.StatusCreated
		if res.Participation.Status == domain.ParticipationRequested {
			status = http.StatusOK
		}
		writeJSON(w, status, toParticipationResponse(res.Participation))
	}
}

func HandleReserve(svc ParticipationAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Reserve(r.Context(), chi.URLParam(r, "participationID"), callerID(r))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toParticipationResponse(p))
	}
}

func HandleFinalize(svc ParticipationAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.FinalizeMatch(r.Context(), chi.URLParam(r, "participationID"), callerID(r))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toParticipationResponse(p))
	}
}

func HandleGetParticipation(svc ParticipationAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Get(r.Context(), chi.URLParam(r, "participationID"))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		if p.UserID != callerID(r) {
			writeError(w, http.StatusNotFound, codeParticipationNotFound, domain.ErrParticipationNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, toParticipationResponse(p))
	}
}
