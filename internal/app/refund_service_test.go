package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cimillas/gatherly/internal/domain"
)

func TestRefundConfig_Evaluate(t *testing.T) {
	cfg := RefundConfig{}.withDefaults()
	starts := testNow.Add(48 * time.Hour)
	event := domain.Event{StartsAt: starts}
	paid := domain.PaymentIntent{Status: domain.PaymentSucceeded, FinalAmount: 2000}

	tests := []struct {
		name     string
		pi       domain.PaymentIntent
		event    domain.Event
		attended bool
		now      time.Time
		eligible bool
		percent  int
		amount   int64
		reason   string
	}{
		{name: "two days out", pi: paid, event: event, now: testNow, eligible: true, percent: 100, amount: 2000, reason: domain.EligibilityFullWindow},
		{name: "exactly 24h", pi: paid, event: event, now: starts.Add(-24 * time.Hour), eligible: true, percent: 100, amount: 2000, reason: domain.EligibilityFullWindow},
		{name: "12h out", pi: paid, event: event, now: starts.Add(-12 * time.Hour), eligible: true, percent: 50, amount: 1000, reason: domain.EligibilityPartialWindow},
		{name: "exactly 6h", pi: paid, event: event, now: starts.Add(-6 * time.Hour), eligible: true, percent: 50, amount: 1000, reason: domain.EligibilityPartialWindow},
		{name: "3h out", pi: paid, event: event, now: starts.Add(-3 * time.Hour), reason: domain.EligibilityTooLate},
		{name: "started", pi: paid, event: event, now: starts.Add(time.Hour), reason: domain.EligibilityTooLate},
		{name: "attended", pi: paid, event: event, attended: true, now: testNow, reason: domain.EligibilityAttended},
		{name: "pending", pi: domain.PaymentIntent{Status: domain.PaymentPending}, event: event, now: testNow, reason: domain.EligibilityNotPaid},
		{name: "already refunded", pi: domain.PaymentIntent{Status: domain.PaymentRefunded}, event: event, now: testNow, reason: domain.EligibilityAlreadyRefunded},
		{name: "cancelled event", pi: paid, event: domain.Event{StartsAt: starts, Cancelled: true}, now: starts.Add(-time.Hour), eligible: true, percent: 100, amount: 2000, reason: domain.EligibilityEventCancelled},
		{name: "attended cancelled event", pi: paid, event: domain.Event{StartsAt: starts, Cancelled: true}, attended: true, now: testNow, reason: domain.EligibilityAttended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.Evaluate(tt.pi, tt.event, tt.attended, tt.now)
			if got.Eligible != tt.eligible || got.Percent != tt.percent || got.Amount != tt.amount || got.Reason != tt.reason {
				t.Fatalf("expected eligible=%t pct=%d amount=%d reason=%s, got %+v", tt.eligible, tt.percent, tt.amount, tt.reason, got)
			}
		})
	}
}

func TestRequestRefund_ApproveCompletesAndFreesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID, Reason: "cannot make it"})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if req.Status != domain.RefundPending || req.RefundableAmount != 2000 || req.Percent != 100 {
		t.Fatalf("expected pending full refund, got %+v", req)
	}

	if _, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID}); !errors.Is(err, domain.ErrDuplicateRefundRequest) {
		t.Fatalf("expected ErrDuplicateRefundRequest, got %v", err)
	}

	done, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.RefundCompleted || done.DecidedBy != "admin-1" || done.DecidedAt == nil {
		t.Fatalf("expected completed, got %+v", done)
	}
	if e := h.store.escrowFor(t, pi.ID); e.Status != domain.EscrowRefunded {
		t.Fatalf("expected escrow refunded, got %s", e.Status)
	}
	if p := h.store.participation(t, userID, event.ID); p.Status != domain.ParticipationCancelled {
		t.Fatalf("expected participation cancelled, got %s", p.Status)
	}
	if got := h.store.event(t, event.ID); got.ConfirmedCount != 0 {
		t.Fatalf("expected slot released, got %d", got.ConfirmedCount)
	}

	if _, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1"); !errors.Is(err, domain.ErrRefundNotPending) {
		t.Fatalf("expected ErrRefundNotPending, got %v", err)
	}
}

func TestRequestRefund_PartialWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)
	h.clock.Set(event.StartsAt.Add(-12 * time.Hour))

	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if _, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.ledger.refunds[0].Amount != 1000 {
		t.Fatalf("expected half refunded, got %d", h.ledger.refunds[0].Amount)
	}
	paid, _ := h.store.GetPaymentIntent(ctx, pi.ID)
	if paid.Status != domain.PaymentRefunded || paid.RefundedAmount != 1000 {
		t.Fatalf("expected partial refund recorded, got %+v", paid)
	}
}

func TestRequestRefund_Ineligible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	if _, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: "intruder"}); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for another user, got %v", err)
	}

	h.clock.Set(event.StartsAt.Add(-time.Hour))
	_, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if !errors.Is(err, domain.ErrRefundIneligible) {
		t.Fatalf("expected ErrRefundIneligible, got %v", err)
	}
}

func TestRequestRefund_AttendanceForecloses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if err := h.escrow.VerifyAttendance(ctx, event.ID, userID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	done, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.RefundRejected || done.FailureReason != domain.EligibilityAttended {
		t.Fatalf("expected rejection for attendance, got %+v", done)
	}
	if len(h.ledger.refunds) != 0 {
		t.Fatalf("expected no money moved")
	}
}

func TestProcessRefund_Reject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, pi := paidAttendee(t, h)
	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	done, err := h.refunds.ProcessRefund(ctx, req.ID, false, "admin-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.RefundRejected {
		t.Fatalf("expected rejected, got %s", done.Status)
	}
	if paid, _ := h.store.GetPaymentIntent(ctx, pi.ID); paid.Status != domain.PaymentSucceeded {
		t.Fatalf("expected payment untouched, got %s", paid.Status)
	}
}

func TestProcessRefund_LedgerFailureRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, pi := paidAttendee(t, h)
	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	h.ledger.refundErr = errors.New("insufficient balance")

	done, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1")
	if !errors.Is(err, domain.ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}
	if done.Status != domain.RefundFailed || done.FailureReason == "" {
		t.Fatalf("expected failed with reason, got %+v", done)
	}
	stored, _ := h.store.GetRefundRequest(ctx, req.ID)
	if stored.Status != domain.RefundFailed {
		t.Fatalf("expected failure persisted, got %s", stored.Status)
	}
	if e := h.store.escrowFor(t, pi.ID); e.Status != domain.EscrowHeld {
		t.Fatalf("expected escrow still held, got %s", e.Status)
	}

	// A new request can follow a failed one.
	h.ledger.refundErr = nil
	if _, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID}); err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func TestRequestRefund_PendingUpgradedWhenHostCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	h.clock.Set(event.StartsAt.Add(-12 * time.Hour))
	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID, Reason: "sick"})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if req.Percent != 50 || req.RefundableAmount != 1000 {
		t.Fatalf("expected a half refund pending, got %+v", req)
	}

	report, err := h.events.CancelEvent(ctx, event.ID, hostID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if report.Refunded != 1 || report.Failed != 0 {
		t.Fatalf("expected the payment refunded, got %+v", report)
	}

	got := h.store.refund(t, req.ID)
	if got.Status != domain.RefundCompleted || got.Cause != domain.RefundCauseEventCancelled || got.Percent != 100 || got.RefundableAmount != 2000 {
		t.Fatalf("expected the pending request upgraded to a full refund, got %+v", got)
	}
	if got.Reason != "sick" || got.DecidedBy != ActorSystem {
		t.Fatalf("expected user reason kept and system decision, got %+v", got)
	}
	if n := len(h.store.refundsFor(pi.ID)); n != 1 {
		t.Fatalf("expected one request for the payment, got %d", n)
	}
	if len(h.ledger.refunds) != 1 || h.ledger.refunds[0].Amount != pi.FinalAmount {
		t.Fatalf("expected one full ledger refund, got %+v", h.ledger.refunds)
	}
	paid, _ := h.store.GetPaymentIntent(ctx, pi.ID)
	if paid.Status != domain.PaymentRefunded || paid.RefundedAmount != pi.FinalAmount {
		t.Fatalf("expected full refund recorded, got %+v", paid)
	}
}

func TestProcessRefund_PaysPolicyAtDecisionTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	h.clock.Set(event.StartsAt.Add(-30 * time.Hour))
	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if req.Percent != 100 {
		t.Fatalf("expected a full refund quoted, got %+v", req)
	}

	h.clock.Set(event.StartsAt.Add(-10 * time.Hour))
	done, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.RefundCompleted || done.Percent != 50 || done.RefundableAmount != 1000 {
		t.Fatalf("expected half paid at decision time, got %+v", done)
	}
	if h.ledger.refunds[0].Amount != 1000 {
		t.Fatalf("expected 1000 moved, got %d", h.ledger.refunds[0].Amount)
	}
	if e := h.store.escrowFor(t, pi.ID); e.RefundedAmount != 1000 {
		t.Fatalf("expected escrow to record 1000, got %d", e.RefundedAmount)
	}
}

func TestProcessRefund_LedgerCalledOutsideTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	// The request is PROCESSING and the payment REFUNDING while the
	// processor is called.
	var seen []domain.RefundStatus
	h.store.updateEscrowHook = func(e domain.Escrow) error {
		if e.Status == domain.EscrowRefunded {
			r := h.store.refund(t, req.ID)
			seen = append(seen, r.Status)
		}
		return nil
	}
	if _, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(seen) != 1 || seen[0] != domain.RefundProcessing {
		t.Fatalf("expected PROCESSING while settling, got %v", seen)
	}

	h.addUser("u2")
	h.reserve(t, "u2", event.ID)
	second := h.pay(t, "u2", event.ID)
	if _, err := h.events.CancelEvent(ctx, event.ID, hostID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if paid, _ := h.store.GetPaymentIntent(ctx, second.ID); paid.Status != domain.PaymentRefunded {
		t.Fatalf("expected second payment refunded, got %s", paid.Status)
	}
	if len(h.ledger.refunds) != 2 || h.ledger.refundsInTx != 0 {
		t.Fatalf("expected two refunds, none inside a transaction, got %d (%d in tx)", len(h.ledger.refunds), h.ledger.refundsInTx)
	}
}

func TestResumeRefunds_FinishesInterruptedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event, pi := paidAttendee(t, h)

	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	// The processor refunds but the settling transaction fails.
	failed := false
	h.store.updateEscrowHook = func(e domain.Escrow) error {
		if e.Status == domain.EscrowRefunded && !failed {
			failed = true
			return errors.New("connection reset")
		}
		return nil
	}
	if _, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1"); err == nil {
		t.Fatal("expected the settle failure to surface")
	}
	if got := h.store.refund(t, req.ID); got.Status != domain.RefundProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
	if paid, _ := h.store.GetPaymentIntent(ctx, pi.ID); paid.Status != domain.PaymentRefunding {
		t.Fatalf("expected payment refunding, got %s", paid.Status)
	}
	if _, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID}); !errors.Is(err, domain.ErrDuplicateRefundRequest) {
		t.Fatalf("expected ErrDuplicateRefundRequest while processing, got %v", err)
	}

	if n, err := h.refunds.ResumeRefunds(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing resumed inside the grace period, got %d (%v)", n, err)
	}

	h.clock.Advance(16 * time.Minute)
	n, err := h.refunds.ResumeRefunds(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one resumed, got %d (%v)", n, err)
	}
	got := h.store.refund(t, req.ID)
	if got.Status != domain.RefundCompleted || got.DecidedBy != "admin-1" {
		t.Fatalf("expected completed with the original decision, got %+v", got)
	}
	if len(h.ledger.refunds) != 2 || h.ledger.refunds[0].Key != h.ledger.refunds[1].Key {
		t.Fatalf("expected the resume to reuse the key, got %+v", h.ledger.refunds)
	}
	if e := h.store.escrowFor(t, pi.ID); e.Status != domain.EscrowRefunded {
		t.Fatalf("expected escrow refunded, got %s", e.Status)
	}
	if p := h.store.participation(t, userID, event.ID); p.Status != domain.ParticipationCancelled {
		t.Fatalf("expected participation cancelled, got %s", p.Status)
	}
}

func TestProcessRefund_RetryAfterLedgerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, pi := paidAttendee(t, h)
	req, err := h.refunds.RequestRefund(ctx, RefundRequestInput{PaymentID: pi.ID, UserID: userID})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	h.ledger.refundErr = errors.New("timeout")
	if _, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-1"); !errors.Is(err, domain.ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}
	if paid, _ := h.store.GetPaymentIntent(ctx, pi.ID); paid.Status != domain.PaymentSucceeded {
		t.Fatalf("expected payment back to succeeded, got %s", paid.Status)
	}
	if _, err := h.refunds.ProcessRefund(ctx, req.ID, false, "admin-1"); !errors.Is(err, domain.ErrRefundNotPending) {
		t.Fatalf("expected a failed request not to be rejectable, got %v", err)
	}

	h.ledger.refundErr = nil
	done, err := h.refunds.ProcessRefund(ctx, req.ID, true, "admin-2")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if done.Status != domain.RefundCompleted || done.DecidedBy != "admin-2" || done.FailureReason != "" {
		t.Fatalf("expected completed retry, got %+v", done)
	}
}
