package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/domain"
)

// ActorSystem decides refunds that need no human approval.
const ActorSystem = "system"

type RefundRepository interface {
	TxRunner
	EventStore
	CapacityLedger
	ParticipationStore
	PaymentStore
	EscrowStore
	RefundStore
	OutboxStore
}

// EscrowRefunder moves the escrow of a payment through a refund. Both
// methods run inside the caller's transaction.
type EscrowRefunder interface {
	BeginRefund(ctx context.Context, paymentID string) (*domain.Escrow, error)
	SettleRefund(ctx context.Context, paymentID string, amount int64, ok bool) error
}

type RefundConfig struct {
	FullWindow     time.Duration
	PartialWindow  time.Duration
	PartialPercent int
	// ResumeAfter is how long a request may stay PROCESSING before the
	// resume sweep drives it again.
	ResumeAfter time.Duration
	BatchSize   int
}

func (c RefundConfig) withDefaults() RefundConfig {
	if c.FullWindow <= 0 {
		c.FullWindow = 24 * time.Hour
	}
	if c.PartialWindow <= 0 {
		c.PartialWindow = 6 * time.Hour
	}
	if c.PartialPercent <= 0 {
		c.PartialPercent = 50
	}
	if c.ResumeAfter <= 0 {
		c.ResumeAfter = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Evaluate applies the refund policy. Attendance and prior refunds
// foreclose; cancellation by the host refunds in full.
func (c RefundConfig) Evaluate(pi domain.PaymentIntent, event domain.Event, attended bool, now time.Time) domain.RefundEligibility {
	no := func(reason string) domain.RefundEligibility {
		return domain.RefundEligibility{Reason: reason, Cause: domain.RefundCauseUser}
	}
	switch {
	case pi.Status == domain.PaymentRefunded:
		return no(domain.EligibilityAlreadyRefunded)
	case pi.Status == domain.PaymentRefunding:
		return no(domain.EligibilityRefundInProgress)
	case pi.Status != domain.PaymentSucceeded:
		return no(domain.EligibilityNotPaid)
	case attended:
		return no(domain.EligibilityAttended)
	case event.Cancelled:
		return domain.RefundEligibility{
			Eligible: true,
			Percent:  100,
			Amount:   pi.FinalAmount,
			Reason:   domain.EligibilityEventCancelled,
			Cause:    domain.RefundCauseEventCancelled,
		}
	}

	lead := event.StartsAt.Sub(now)
	pct, reason := 0, domain.EligibilityTooLate
	switch {
	case lead >= c.FullWindow:
		pct, reason = 100, domain.EligibilityFullWindow
	case lead >= c.PartialWindow:
		pct, reason = c.PartialPercent, domain.EligibilityPartialWindow
	}
	if pct == 0 {
		return no(reason)
	}
	return domain.RefundEligibility{
		Eligible: true,
		Percent:  pct,
		Amount:   domain.Percent(pi.FinalAmount, float64(pct)),
		Reason:   reason,
		Cause:    domain.RefundCauseUser,
	}
}

type RefundService struct {
	repo   RefundRepository
	escrow EscrowRefunder
	ledger Ledger
	clock  clock.Clock
	logger *log.Logger
	cfg    RefundConfig
}

type RefundOption func(*RefundService)

func WithRefundLogger(l *log.Logger) RefundOption {
	return func(s *RefundService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRefundService(repo RefundRepository, escrow EscrowRefunder, ledger Ledger, clk clock.Clock, cfg RefundConfig, opts ...RefundOption) *RefundService {
	s := &RefundService{
		repo:   repo,
		escrow: escrow,
		ledger: ledger,
		clock:  clk,
		logger: log.Default(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckEligibility reports the refund a user could get right now.
func (s *RefundService) CheckEligibility(ctx context.Context, paymentID, userID string) (domain.RefundEligibility, error) {
	if paymentID == "" {
		return domain.RefundEligibility{}, domain.ErrInvalidID
	}
	pi, err := s.repo.GetPaymentIntent(ctx, paymentID)
	if err != nil {
		return domain.RefundEligibility{}, err
	}
	if userID != "" && pi.UserID != userID {
		return domain.RefundEligibility{}, domain.ErrPaymentNotFound
	}
	return s.evaluate(ctx, pi)
}

func (s *RefundService) evaluate(ctx context.Context, pi domain.PaymentIntent) (domain.RefundEligibility, error) {
	event, err := s.repo.GetEvent(ctx, pi.EventID)
	if err != nil {
		return domain.RefundEligibility{}, err
	}
	attended, err := s.attended(ctx, pi)
	if err != nil {
		return domain.RefundEligibility{}, err
	}
	return s.cfg.Evaluate(pi, event, attended, s.clock.Now()), nil
}

func (s *RefundService) attended(ctx context.Context, pi domain.PaymentIntent) (bool, error) {
	e, err := s.repo.FindEscrowByPayment(ctx, pi.ID)
	if err != nil {
		return false, err
	}
	if e != nil && e.AttendanceVerified {
		return true, nil
	}
	p, err := s.repo.FindParticipation(ctx, pi.UserID, pi.EventID)
	if err != nil {
		return false, err
	}
	return p != nil && p.Status == domain.ParticipationAttended, nil
}

type RefundRequestInput struct {
	PaymentID string
	UserID    string
	Reason    string
}

// RequestRefund records a PENDING request once eligibility holds. Requests
// caused by a cancelled event are approved on the spot; a request still
// waiting for review when the host cancels is upgraded to a full refund.
func (s *RefundService) RequestRefund(ctx context.Context, in RefundRequestInput) (domain.RefundRequest, error) {
	if in.PaymentID == "" || in.UserID == "" {
		return domain.RefundRequest{}, domain.ErrInvalidID
	}

	var req domain.RefundRequest
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pi, err := s.repo.GetPaymentIntentForUpdate(txCtx, in.PaymentID)
		if err != nil {
			return err
		}
		if pi.UserID != in.UserID {
			return domain.ErrPaymentNotFound
		}
		open, err := s.repo.FindPendingRefundRequest(txCtx, pi.ID)
		if err != nil {
			return err
		}
		if open != nil && open.Status != domain.RefundPending {
			return domain.ErrDuplicateRefundRequest
		}
		elig, err := s.evaluate(txCtx, pi)
		if err != nil {
			return err
		}
		if !elig.Eligible {
			return fmt.Errorf("%w: %s", domain.ErrRefundIneligible, elig.Reason)
		}

		if open != nil {
			if elig.Cause != domain.RefundCauseEventCancelled {
				return domain.ErrDuplicateRefundRequest
			}
			req = *open
			req.Cause = elig.Cause
			req.RefundableAmount = elig.Amount
			req.Percent = elig.Percent
			return s.repo.UpdateRefundRequest(txCtx, req)
		}

		req = domain.RefundRequest{
			ID:               newID(),
			PaymentIntentID:  pi.ID,
			UserID:           pi.UserID,
			Cause:            elig.Cause,
			Reason:           in.Reason,
			RefundableAmount: elig.Amount,
			Percent:          elig.Percent,
			Status:           domain.RefundPending,
			CreatedAt:        s.clock.Now(),
		}
		return s.repo.CreateRefundRequest(txCtx, req)
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}

	if req.Cause == domain.RefundCauseEventCancelled {
		return s.ProcessRefund(ctx, req.ID, true, ActorSystem)
	}
	return req, nil
}

// RefundForCancellation refunds a payment of a cancelled event in full.
func (s *RefundService) RefundForCancellation(ctx context.Context, pi domain.PaymentIntent) (domain.RefundRequest, error) {
	return s.RequestRefund(ctx, RefundRequestInput{
		PaymentID: pi.ID,
		UserID:    pi.UserID,
		Reason:    domain.EligibilityEventCancelled,
	})
}

func (s *RefundService) Get(ctx context.Context, id string) (domain.RefundRequest, error) {
	if id == "" {
		return domain.RefundRequest{}, domain.ErrInvalidID
	}
	return s.repo.GetRefundRequest(ctx, id)
}

// ProcessRefund approves or rejects a PENDING request. Approval recomputes
// eligibility and pays what the policy allows at decision time. Money moves
// in three steps: the request goes PROCESSING and commits, the processor is
// called with no transaction open, and the outcome is recorded in a second
// transaction. A processor failure is recorded as FAILED and returned
// wrapped in ErrRefundFailed.
//
// Approving a PROCESSING request resumes it; approving a FAILED one
// retries it.
func (s *RefundService) ProcessRefund(ctx context.Context, requestID string, approve bool, actorID string) (domain.RefundRequest, error) {
	if requestID == "" || actorID == "" {
		return domain.RefundRequest{}, domain.ErrInvalidID
	}

	var (
		req domain.RefundRequest
		ref string
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		req, err = s.repo.GetRefundRequestForUpdate(txCtx, requestID)
		if err != nil {
			return err
		}
		switch {
		case req.Status == domain.RefundProcessing && approve:
			pi, err := s.repo.GetPaymentIntent(txCtx, req.PaymentIntentID)
			ref = pi.ExternalRef
			return err
		case req.Status == domain.RefundPending:
		case req.Status == domain.RefundFailed && approve:
		default:
			return domain.ErrRefundNotPending
		}
		ref, err = s.claim(txCtx, &req, approve, actorID)
		return err
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if req.Status != domain.RefundProcessing {
		s.logger.Printf("refund processed id=%s payment=%s status=%s amount=%d by=%s", req.ID, req.PaymentIntentID, req.Status, req.RefundableAmount, req.DecidedBy)
		if req.Status == domain.RefundFailed {
			return req, fmt.Errorf("%w: %s", domain.ErrRefundFailed, req.FailureReason)
		}
		return req, nil
	}
	return s.execute(ctx, req, ref)
}

// ExecuteRefund drives a PROCESSING request to completion. Requests in any
// other state are returned unchanged.
func (s *RefundService) ExecuteRefund(ctx context.Context, requestID string) (domain.RefundRequest, error) {
	if requestID == "" {
		return domain.RefundRequest{}, domain.ErrInvalidID
	}
	req, err := s.repo.GetRefundRequest(ctx, requestID)
	if err != nil || req.Status != domain.RefundProcessing {
		return req, err
	}
	return s.ProcessRefund(ctx, requestID, true, ActorSystem)
}

// ResumeRefunds drives requests left PROCESSING past ResumeAfter, which
// happens when the process stops between the processor call and the
// settling transaction. The idempotency key makes the repeat safe.
func (s *RefundService) ResumeRefunds(ctx context.Context) (int, error) {
	ids, err := s.repo.ListStalledRefunds(ctx, s.clock.Now().Add(-s.cfg.ResumeAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		if _, err := s.ExecuteRefund(ctx, id); err != nil {
			s.logger.Printf("WARN: refund resume id=%s: %v", id, err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// claim decides a locked request. On approval it fixes the amount from the
// current policy and moves the request to PROCESSING, the payment and
// escrow to REFUNDING. An escrow that can no longer be refunded leaves the
// request FAILED. It returns the processor ref of the payment.
func (s *RefundService) claim(ctx context.Context, req *domain.RefundRequest, approve bool, actorID string) (string, error) {
	now := s.clock.Now()
	req.DecidedBy = actorID
	req.DecidedAt = &now
	req.FailureReason = ""

	if !approve {
		req.Status = domain.RefundRejected
		return "", s.finish(ctx, *req, now)
	}

	pi, err := s.repo.GetPaymentIntentForUpdate(ctx, req.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if req.Cause != domain.RefundCauseCaptureReturned {
		elig, err := s.evaluate(ctx, pi)
		if err != nil {
			return "", err
		}
		if !elig.Eligible {
			req.Status = domain.RefundRejected
			req.FailureReason = elig.Reason
			return "", s.finish(ctx, *req, now)
		}
		req.RefundableAmount = elig.Amount
		req.Percent = elig.Percent
		if elig.Cause == domain.RefundCauseEventCancelled {
			req.Cause = elig.Cause
		}

		if _, err := s.escrow.BeginRefund(ctx, pi.ID); err != nil {
			if !isRefundFailure(err) {
				return "", err
			}
			req.Status = domain.RefundFailed
			req.FailureReason = err.Error()
			return "", s.finish(ctx, *req, now)
		}
		if pi.Status, err = pi.Status.Transition(domain.PaymentRefunding); err != nil {
			return "", err
		}
		pi.UpdatedAt = now
		if err := s.repo.UpdatePaymentIntent(ctx, pi); err != nil {
			return "", err
		}
	}

	req.Status = domain.RefundProcessing
	if err := s.repo.UpdateRefundRequest(ctx, *req); err != nil {
		return "", err
	}
	return pi.ExternalRef, nil
}

// execute calls the processor for a PROCESSING request and records the
// outcome. Capture refunds leave the participation alone: it belongs to
// another payment or to nobody.
func (s *RefundService) execute(ctx context.Context, req domain.RefundRequest, ref string) (domain.RefundRequest, error) {
	var ledgerErr error
	if req.RefundableAmount > 0 && ref != "" {
		if _, err := s.ledger.Refund(ctx, ref, req.RefundableAmount, "refund:"+req.ID); err != nil {
			ledgerErr = &LedgerError{Op: "refund", Err: err}
		}
	}

	var out domain.RefundRequest
	failed := false
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		cur, err := s.repo.GetRefundRequestForUpdate(txCtx, req.ID)
		if err != nil {
			return err
		}
		out = cur
		if cur.Status != domain.RefundProcessing {
			return nil
		}
		pi, err := s.repo.GetPaymentIntentForUpdate(txCtx, cur.PaymentIntentID)
		if err != nil {
			return err
		}
		capture := cur.Cause == domain.RefundCauseCaptureReturned

		if ledgerErr != nil {
			if !capture {
				pi.Status = domain.PaymentSucceeded
				pi.UpdatedAt = now
				if err := s.repo.UpdatePaymentIntent(txCtx, pi); err != nil {
					return err
				}
				if err := s.escrow.SettleRefund(txCtx, pi.ID, 0, false); err != nil {
					return err
				}
			}
			failed = true
			cur.Status = domain.RefundFailed
			cur.FailureReason = ledgerErr.Error()
			out = cur
			return s.finish(txCtx, cur, now)
		}

		pi.Status = domain.PaymentRefunded
		pi.RefundedAmount = cur.RefundableAmount
		pi.UpdatedAt = now
		if err := s.repo.UpdatePaymentIntent(txCtx, pi); err != nil {
			return err
		}
		if !capture {
			if err := s.escrow.SettleRefund(txCtx, pi.ID, cur.RefundableAmount, true); err != nil {
				return err
			}
			p, err := s.repo.FindParticipationForUpdate(txCtx, pi.UserID, pi.EventID)
			if err != nil {
				return err
			}
			if p != nil && p.Status != domain.ParticipationCancelled {
				if err := cancelParticipation(txCtx, s.repo, p, now); err != nil {
					return err
				}
			}
		}
		cur.Status = domain.RefundCompleted
		out = cur
		return s.finish(txCtx, cur, now)
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	s.logger.Printf("refund processed id=%s payment=%s status=%s amount=%d by=%s", out.ID, out.PaymentIntentID, out.Status, out.RefundableAmount, out.DecidedBy)
	if failed {
		return out, fmt.Errorf("%w: %v", domain.ErrRefundFailed, ledgerErr)
	}
	return out, nil
}

func (s *RefundService) finish(ctx context.Context, req domain.RefundRequest, now time.Time) error {
	if err := s.repo.UpdateRefundRequest(ctx, req); err != nil {
		return err
	}
	return enqueue(ctx, s.repo, domain.TopicRefundProcessed, req.ID, refundProcessed{
		RefundID:        req.ID,
		PaymentIntentID: req.PaymentIntentID,
		UserID:          req.UserID,
		Status:          string(req.Status),
		Amount:          req.RefundableAmount,
		Reason:          req.FailureReason,
	}, now)
}

// isRefundFailure separates escrow states that block a refund, which are
// recorded on the request, from storage errors, which abort the
// transaction.
func isRefundFailure(err error) bool {
	return errors.Is(err, domain.ErrEscrowReleased) ||
		errors.Is(err, domain.ErrEscrowTransferInFlight)
}
