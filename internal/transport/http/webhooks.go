package http

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/cimillas/gatherly/internal/domain"
)

// WebhookProcessor applies one ledger notification.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, evt domain.WebhookEvent) error
}

// TransferWebhookProcessor applies one transfer-outcome notification.
type TransferWebhookProcessor interface {
	HandleTransferWebhook(ctx context.Context, evt domain.WebhookEvent) error
}

// Settler resolves an open sandbox ledger record.
type Settler interface {
	Settle(ref string, succeed bool, reason string) (domain.WebhookEvent, error)
}

type webhookRequest struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
}

type settleRequest struct {
	Ref     string `json:"ref"`
	Succeed bool   `json:"succeed"`
	Reason  string `json:"reason,omitempty"`
}

type webhookResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
}

// webhookDispatcher routes a delivery to the service owning its kind.
type webhookDispatcher struct {
	payments  WebhookProcessor
	transfers TransferWebhookProcessor
}

func (d webhookDispatcher) dispatch(ctx context.Context, evt domain.WebhookEvent) error {
	switch {
	case strings.HasPrefix(evt.Kind, "payment."):
		return d.payments.HandleWebhook(ctx, evt)
	case strings.HasPrefix(evt.Kind, "transfer."):
		return d.transfers.HandleTransferWebhook(ctx, evt)
	}
	return domain.ErrUnsupportedEvent
}

// HandleLedgerWebhook acknowledges a delivery with 200 once it is applied or
// recognised as a replay. Errors answer non-2xx so the processor redelivers.
func HandleLedgerWebhook(d webhookDispatcher, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.ID == "" || req.Kind == "" || req.Ref == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "id, kind and ref are required")
			return
		}
		evt := domain.WebhookEvent{ID: req.ID, Kind: req.Kind, Ref: req.Ref, Reason: req.Reason}
		if err := d.dispatch(r.Context(), evt); err != nil {
			logger.Printf("WARN: webhook rejected id=%s kind=%s ref=%s err=%v", evt.ID, evt.Kind, evt.Ref, err)
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{ID: evt.ID, Kind: evt.Kind, Ref: evt.Ref, Status: "processed"})
	}
}

// HandleSandboxSettle settles a sandbox ledger record and feeds the
// resulting webhook through the same dispatcher a real delivery uses.
func HandleSandboxSettle(s Settler, d webhookDispatcher, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settleRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if req.Ref == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "ref is required")
			return
		}
		evt, err := s.Settle(req.Ref, req.Succeed, req.Reason)
		if err != nil {
			writeError(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		if err := d.dispatch(r.Context(), evt); err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{ID: evt.ID, Kind: evt.Kind, Ref: evt.Ref, Status: "processed"})
	}
}

// requireSecret guards operator and processor routes with a shared secret.
// An empty secret disables the routes.
func requireSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
