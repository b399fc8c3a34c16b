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

// PaymentAPI is what the payment endpoints need.
type PaymentAPI interface {
	CreateIntent(ctx context.Context, in app.CreatePaymentInput) (app.CreatePaymentResult, error)
	Get(ctx context.Context, id, userID string) (domain.PaymentIntent, error)
}

type createPaymentRequest struct {
	DiscountCode string `json:"discount_code,omitempty"`
	RewardID     string `json:"reward_id,omitempty"`
}

type paymentResponse struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Status         string    `json:"status"`
	OriginalAmount int64     `json:"original_amount"`
	DiscountAmount int64     `json:"discount_amount"`
	FinalAmount    int64     `json:"final_amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	Currency       string    `json:"currency"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toPaymentResponse(pi domain.PaymentIntent) paymentResponse {
	return paymentResponse{
		ID:             pi.ID,
		EventID:        pi.EventID,
		Status:         string(pi.Status),
		OriginalAmount: pi.OriginalAmount,
		DiscountAmount: pi.DiscountAmount,
		FinalAmount:    pi.FinalAmount,
		RefundedAmount: pi.RefundedAmount,
		Currency:       pi.Currency,
		ExternalRef:    pi.ExternalRef,
		FailureReason:  pi.FailureReason,
		CreatedAt:      pi.CreatedAt,
	}
}

// HandleCreatePayment opens a payment intent for the caller's reservation.
// Repeating the call while the intent is pending returns it with 200.
func HandleCreatePayment(svc PaymentAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPaymentRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		res, err := svc.CreateIntent(r.Context(), app.CreatePaymentInput{
			UserID:  callerID(r),
			EventID: chi.URLParam(r, "eventID"),
			Discount: domain.DiscountSelector{
				Code:     req.DiscountCode,
				RewardID: req.RewardID,
			},
		})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, toPaymentResponse(res.Intent))
	}
}

func HandleGetPayment(svc PaymentAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pi, err := svc.Get(r.Context(), chi.URLParam(r, "paymentID"), callerID(r))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(pi))
	}
}
