package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/gatherly/internal/app"
	"github.com/cimillas/gatherly/internal/domain"
)

// RefundAPI is what the refund endpoints need.
type RefundAPI interface {
	CheckEligibility(ctx context.Context, paymentID, userID string) (domain.RefundEligibility, error)
	RequestRefund(ctx context.Context, in app.RefundRequestInput) (domain.RefundRequest, error)
	Get(ctx context.Context, id string) (domain.RefundRequest, error)
	ProcessRefund(ctx context.Context, requestID string, approve bool, actorID string) (domain.RefundRequest, error)
}

type eligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Percent  int    `json:"percent"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

type requestRefundRequest struct {
	Reason string `json:"reason"`
}

type decideRefundRequest struct {
	Approve *bool `json:"approve"`
}

type refundResponse struct {
	ID               string     `json:"id"`
	PaymentID        string     `json:"payment_id"`
	Status           string     `json:"status"`
	Cause            string     `json:"cause"`
	Reason           string     `json:"reason,omitempty"`
	RefundableAmount int64      `json:"refundable_amount"`
	Percent          int        `json:"percent"`
	DecidedBy        string     `json:"decided_by,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toRefundResponse(rr domain.RefundRequest) refundResponse {
	return refundResponse{
		ID:               rr.ID,
		PaymentID:        rr.PaymentIntentID,
		Status:           string(rr.Status),
		Cause:            string(rr.Cause),
		Reason:           rr.Reason,
		RefundableAmount: rr.RefundableAmount,
		Percent:          rr.Percent,
		DecidedBy:        rr.DecidedBy,
		DecidedAt:        rr.DecidedAt,
		FailureReason:    rr.FailureReason,
		CreatedAt:        rr.CreatedAt,
	}
}

func HandleRefundEligibility(svc RefundAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		el, err := svc.CheckEligibility(r.Context(), chi.URLParam(r, "paymentID"), callerID(r))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, eligibilityResponse{
			Eligible: el.Eligible,
			Percent:  el.Percent,
			Amount:   el.Amount,
			Reason:   el.Reason,
		})
	}
}

func HandleRequestRefund(svc RefundAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestRefundRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		rr, err := svc.RequestRefund(r.Context(), app.RefundRequestInput{
			PaymentID: chi.URLParam(r, "paymentID"),
			UserID:    callerID(r),
			Reason:    req.Reason,
		})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRefundResponse(rr))
	}
}

func HandleGetRefund(svc RefundAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rr, err := svc.Get(r.Context(), chi.URLParam(r, "refundID"))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		if rr.UserID != callerID(r) {
			writeError(w, http.StatusNotFound, codeRefundNotFound, domain.ErrRefundNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, toRefundResponse(rr))
	}
}

// HandleDecideRefund approves or rejects a pending request. A failed ledger
// refund still returns the updated request, with a 502.
func HandleDecideRefund(svc RefundAPI, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decideRefundRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.Approve == nil {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "approve is required")
			return
		}
		rr, err := svc.ProcessRefund(r.Context(), chi.URLParam(r, "refundID"), *req.Approve, callerID(r))
		if err != nil {
			if errors.Is(err, domain.ErrRefundFailed) && rr.ID != "" {
				logger.Printf("WARN: refund failed id=%s err=%v", rr.ID, err)
				writeJSON(w, http.StatusBadGateway, toRefundResponse(rr))
				return
			}
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRefundResponse(rr))
	}
}
