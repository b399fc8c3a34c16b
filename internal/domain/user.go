package domain

// UserProfile is the slice of the profile subsystem the pipeline reads.
type UserProfile struct {
	ID        string
	Hobbies   []string
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Country   string
	Segment   string
}

// Webhook kinds delivered by the payment ledger.
const (
	WebhookPaymentSucceeded  = "payment.succeeded"
	WebhookPaymentFailed     = "payment.failed"
	WebhookTransferSucceeded = "transfer.succeeded"
	WebhookTransferFailed    = "transfer.failed"
)

// WebhookEvent is one ledger delivery; ID is unique per logical event.
type WebhookEvent struct {
	ID     string
	Kind   string
	Ref    string
	Reason string
}
