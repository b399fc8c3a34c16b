package http

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	adminTokenHeader    = "X-Admin-Token"
	webhookSecretHeader = "X-Webhook-Secret"
)

type PaymentHandler interface {
	PaymentAPI
	WebhookProcessor
}

type EscrowHandler interface {
	AttendanceAPI
	TransferWebhookProcessor
}

// Services groups the application services behind the router. Sandbox is
// nil unless the sandbox ledger is in use; a nil Health reports liveness only.
type Services struct {
	Participations ParticipationAPI
	Payments       PaymentHandler
	Refunds        RefundAPI
	Events         EventAPI
	Escrow         EscrowHandler
	Sandbox        Settler
	Health         Pinger
}

// RouterConfig carries the transport settings.
type RouterConfig struct {
	CORSOrigins   []string
	AdminToken    string
	WebhookSecret string
}

// NewRouter wires every endpoint. The returned handler already carries
// CORS and request logging.
func NewRouter(svc Services, cfg RouterConfig, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	hooks := webhookDispatcher{payments: svc.Payments, transfers: svc.Escrow}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigins))
	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleMethodNotAllowed)

	r.Get("/health", HealthHandler(svc.Health))
	r.Get("/events", HandleListEvents(svc.Events, logger))
	r.Get("/events/{eventID}", HandleGetEvent(svc.Events, logger))

	r.Group(func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/events", HandleCreateEvent(svc.Events, logger))
		r.Post("/events/{eventID}/cancel", HandleCancelEvent(svc.Events, logger))
		r.Post("/events/{eventID}/join", HandleJoin(svc.Participations, logger))
		r.Post("/events/{eventID}/payments", HandleCreatePayment(svc.Payments, logger))

		r.Get("/participations/{participationID}", HandleGetParticipation(svc.Participations, logger))
		r.Post("/participations/{participationID}/reserve", HandleReserve(svc.Participations, logger))
		r.Post("/participations/{participationID}/finalize", HandleFinalize(svc.Participations, logger))

		r.Get("/payments/{paymentID}", HandleGetPayment(svc.Payments, logger))
		r.Get("/payments/{paymentID}/refund-eligibility", HandleRefundEligibility(svc.Refunds, logger))
		r.Post("/payments/{paymentID}/refunds", HandleRequestRefund(svc.Refunds, logger))
		r.Get("/refunds/{refundID}", HandleGetRefund(svc.Refunds, logger))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireSecret(adminTokenHeader, cfg.AdminToken))
		r.Use(requireCaller)
		r.Post("/refunds/{refundID}/decision", HandleDecideRefund(svc.Refunds, logger))
		r.Post("/events/{eventID}/attendance", HandleAttendance(svc.Escrow, logger))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(webhookSecretHeader, cfg.WebhookSecret))
		r.Post("/webhooks/ledger", HandleLedgerWebhook(hooks, logger))
	})

	if svc.Sandbox != nil {
		r.With(requireSecret(adminTokenHeader, cfg.AdminToken)).
			Post("/sandbox/settle", HandleSandboxSettle(svc.Sandbox, hooks, logger))
	}

	return r
}
