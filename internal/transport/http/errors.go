package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/cimillas/gatherly/internal/domain"
)

const (
	codeMethodNotAllowed      = "method_not_allowed"
	codeNotFound              = "not_found"
	codeInvalidRequestBody    = "invalid_request_body"
	codeMissingRequiredField  = "missing_required_field"
	codeUnauthenticated       = "unauthenticated"
	codeInvalidID             = "invalid_id"
	codeInvalidCapacity       = "invalid_capacity"
	codeInvalidEventWindow    = "invalid_event_window"
	codeEventTitleRequired    = "event_title_required"
	codeInvalidAmount         = "invalid_amount"
	codeEventNotFound         = "event_not_found"
	codeEventFull             = "event_full"
	codeEventCancelled        = "event_cancelled"
	codeEventStarted          = "event_started"
	codeUserNotFound          = "user_not_found"
	codeNotEventHost          = "not_event_host"
	codeDiscountConflict      = "discount_conflict"
	codeDiscountInvalid       = "discount_invalid"
	codeNotReserved           = "not_reserved"
	codeAlreadyParticipating  = "already_participating"
	codeParticipationNotFound = "participation_not_found"
	codePaymentNotFound       = "payment_not_found"
	codePaymentNotPending     = "payment_not_pending"
	codePaymentWindowExpired  = "payment_window_expired"
	codeEscrowNotFound        = "escrow_not_found"
	codeEscrowReleased        = "escrow_released"
	codeTransferInFlight      = "transfer_in_flight"
	codeRefundNotFound        = "refund_not_found"
	codeDuplicateRefund       = "refund_already_pending"
	codeRefundNotPending      = "refund_not_pending"
	codeRefundIneligible      = "refund_ineligible"
	codeRefundFailed          = "refund_failed"
	codeLedgerUnavailable     = "ledger_unavailable"
	codeNoPayoutAccount       = "no_payout_account"
	codeUnsupportedEvent      = "unsupported_event"
	codeInvalidTransition     = "invalid_transition"
	codeForbidden             = "forbidden"
	codeInternalError         = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters where errors wrap each other: ErrRefundFailed is checked
// before the ledger error it usually carries.
var errorMappings = []errorMapping{
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInvalidCapacity, http.StatusBadRequest, codeInvalidCapacity},
	{domain.ErrInvalidEventWindow, http.StatusBadRequest, codeInvalidEventWindow},
	{domain.ErrEventTitleRequired, http.StatusBadRequest, codeEventTitleRequired},
	{domain.ErrInvalidAmount, http.StatusBadRequest, codeInvalidAmount},
	{domain.ErrDiscountConflict, http.StatusBadRequest, codeDiscountConflict},
	{domain.ErrUnsupportedEvent, http.StatusBadRequest, codeUnsupportedEvent},
	{domain.ErrNotEventHost, http.StatusForbidden, codeNotEventHost},
	{domain.ErrEventNotFound, http.StatusNotFound, codeEventNotFound},
	{domain.ErrUserNotFound, http.StatusNotFound, codeUserNotFound},
	{domain.ErrParticipationNotFound, http.StatusNotFound, codeParticipationNotFound},
	{domain.ErrPaymentNotFound, http.StatusNotFound, codePaymentNotFound},
	{domain.ErrEscrowNotFound, http.StatusNotFound, codeEscrowNotFound},
	{domain.ErrRefundNotFound, http.StatusNotFound, codeRefundNotFound},
	{domain.ErrEventFull, http.StatusConflict, codeEventFull},
	{domain.ErrEventCancelled, http.StatusConflict, codeEventCancelled},
	{domain.ErrEventStarted, http.StatusConflict, codeEventStarted},
	{domain.ErrNotReserved, http.StatusConflict, codeNotReserved},
	{domain.ErrAlreadyParticipating, http.StatusConflict, codeAlreadyParticipating},
	{domain.ErrPaymentNotPending, http.StatusConflict, codePaymentNotPending},
	{domain.ErrEscrowReleased, http.StatusConflict, codeEscrowReleased},
	{domain.ErrEscrowTransferInFlight, http.StatusConflict, codeTransferInFlight},
	{domain.ErrDuplicateRefundRequest, http.StatusConflict, codeDuplicateRefund},
	{domain.ErrRefundNotPending, http.StatusConflict, codeRefundNotPending},
	{domain.ErrNoPayoutAccount, http.StatusConflict, codeNoPayoutAccount},
	{domain.ErrInvalidTransition, http.StatusConflict, codeInvalidTransition},
	{domain.ErrPaymentWindowExpired, http.StatusGone, codePaymentWindowExpired},
	{domain.ErrDiscountInvalid, http.StatusUnprocessableEntity, codeDiscountInvalid},
	{domain.ErrRefundIneligible, http.StatusUnprocessableEntity, codeRefundIneligible},
	{domain.ErrRefundFailed, http.StatusBadGateway, codeRefundFailed},
	{domain.ErrLedgerUnavailable, http.StatusBadGateway, codeLedgerUnavailable},
}

// writeServiceError maps a service error onto a status and a stable code.
// Unknown errors are logged and reported as internal.
func writeServiceError(w http.ResponseWriter, logger *log.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	logger.Printf("ERROR: unhandled service error: %v", err)
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON writes a 400 and returns false when the body is malformed.
// An empty body is accepted when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	return true
}
