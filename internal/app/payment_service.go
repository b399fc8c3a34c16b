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

// Recorded on an intent whose capture is returned.
const (
	ReasonCapacityUnavailable = "capacity_unavailable"
	ReasonAlreadyConfirmed    = "already_confirmed"
	ReasonDiscountUnavailable = "discount_unavailable"
	reasonPaymentFailed       = "payment_failed"
)

type PaymentRepository interface {
	TxRunner
	EventStore
	CapacityLedger
	ParticipationStore
	PaymentStore
	DiscountStore
	RefundStore
	WebhookInbox
	OutboxStore
	UserDirectory
}

// EscrowHolder places a successful payment in escrow. It runs inside the
// caller's transaction.
type EscrowHolder interface {
	Hold(ctx context.Context, pi domain.PaymentIntent, event domain.Event) (domain.Escrow, error)
}

// CaptureRefunder drives a PROCESSING refund request to completion. It is
// called after the webhook transaction commits.
type CaptureRefunder interface {
	ExecuteRefund(ctx context.Context, requestID string) (domain.RefundRequest, error)
}

type PaymentService struct {
	repo     PaymentRepository
	resolver *DiscountResolver
	ledger   Ledger
	escrow   EscrowHolder
	refunder CaptureRefunder
	clock    clock.Clock
	logger   *log.Logger
}

type PaymentOption func(*PaymentService)

// WithCaptureRefunder returns captures right after the webhook commits.
// Without one they wait for the refund resume sweep.
func WithCaptureRefunder(r CaptureRefunder) PaymentOption {
	return func(s *PaymentService) {
		s.refunder = r
	}
}

func WithPaymentLogger(l *log.Logger) PaymentOption {
	return func(s *PaymentService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewPaymentService(repo PaymentRepository, resolver *DiscountResolver, ledger Ledger, escrow EscrowHolder, clk clock.Clock, opts ...PaymentOption) *PaymentService {
	s := &PaymentService{
		repo:     repo,
		resolver: resolver,
		ledger:   ledger,
		escrow:   escrow,
		clock:    clk,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreatePaymentInput struct {
	UserID   string
	EventID  string
	Discount domain.DiscountSelector
}

type CreatePaymentResult struct {
	Intent   domain.PaymentIntent
	Discount domain.DiscountResult
	Created  bool
}

// CreateIntent opens a processor intent for a RESERVED participation
// inside its payment window. A pending intent for the same participation
// is returned as is.
func (s *PaymentService) CreateIntent(ctx context.Context, in CreatePaymentInput) (CreatePaymentResult, error) {
	if in.UserID == "" || in.EventID == "" {
		return CreatePaymentResult{}, domain.ErrInvalidID
	}

	p, existing, err := s.checkWindow(ctx, in.UserID, in.EventID)
	if err != nil {
		return CreatePaymentResult{}, err
	}
	if existing != nil {
		return CreatePaymentResult{Intent: *existing}, nil
	}

	event, err := s.repo.GetEvent(ctx, in.EventID)
	if err != nil {
		return CreatePaymentResult{}, err
	}
	if event.Cancelled {
		return CreatePaymentResult{}, domain.ErrEventCancelled
	}
	user, err := s.repo.GetUserProfile(ctx, in.UserID)
	if err != nil {
		return CreatePaymentResult{}, err
	}
	discount, err := s.resolver.Resolve(ctx, DiscountInput{
		Selector:    in.Discount,
		User:        user,
		ProductType: domain.ProductEvent,
		BaseAmount:  event.PriceAmount,
	})
	if err != nil {
		return CreatePaymentResult{}, err
	}
	if !discount.Valid {
		return CreatePaymentResult{}, fmt.Errorf("%w: %s", domain.ErrDiscountInvalid, discount.Reason)
	}

	pi := domain.PaymentIntent{
		ID:             newID(),
		UserID:         in.UserID,
		EventID:        in.EventID,
		ProductType:    domain.ProductEvent,
		OriginalAmount: event.PriceAmount,
		DiscountAmount: discount.DiscountAmount,
		FinalAmount:    discount.FinalAmount,
		Currency:       event.Currency,
		Status:         domain.PaymentPending,
	}
	if discount.IsReward {
		pi.RewardID = discount.InstrumentID
	} else {
		pi.DiscountCode = discount.InstrumentID
	}

	if pi.FinalAmount > 0 {
		key := fmt.Sprintf("intent:%s:%d:%d", p.ID, p.PaymentWindowStart.Unix(), pi.FinalAmount)
		ref, err := s.ledger.CreateIntent(ctx, pi.FinalAmount, pi.Currency, in.UserID, key)
		if err != nil {
			return CreatePaymentResult{}, &LedgerError{Op: "create intent", Err: err}
		}
		pi.ExternalRef = ref
	}

	var expired bool
	result := CreatePaymentResult{Discount: discount, Created: true}
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		cur, err := s.repo.GetParticipationForUpdate(txCtx, p.ID)
		if err != nil {
			return err
		}
		if expired, err = expireIfElapsed(txCtx, s.repo, &cur, now); err != nil || expired {
			return err
		}
		if cur.Status != domain.ParticipationReserved {
			return domain.ErrNotReserved
		}
		pending, err := s.repo.FindPendingPaymentIntent(txCtx, in.UserID, in.EventID)
		if err != nil {
			return err
		}
		if pending != nil {
			result = CreatePaymentResult{Intent: *pending}
			return nil
		}

		pi.CreatedAt = now
		pi.UpdatedAt = now
		if err := s.repo.CreatePaymentIntent(txCtx, pi); err != nil {
			return err
		}
		if pi.FinalAmount == 0 {
			if _, err := s.applySuccess(txCtx, &pi, now); err != nil {
				return err
			}
		}
		result.Intent = pi
		return nil
	})
	if err != nil {
		return CreatePaymentResult{}, err
	}
	if expired {
		return CreatePaymentResult{}, domain.ErrPaymentWindowExpired
	}
	return result, nil
}

// checkWindow locks the participation, expires it if the window already
// passed and returns any pending intent. Expiry is committed before the
// window error is returned.
func (s *PaymentService) checkWindow(ctx context.Context, userID, eventID string) (domain.Participation, *domain.PaymentIntent, error) {
	var (
		p        domain.Participation
		existing *domain.PaymentIntent
		expired  bool
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := s.repo.FindParticipationForUpdate(txCtx, userID, eventID)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.ErrParticipationNotFound
		}
		p = *cur
		if p.Status == domain.ParticipationExpired {
			expired = true
			return nil
		}
		if p.Status != domain.ParticipationReserved {
			return domain.ErrNotReserved
		}
		if expired, err = expireIfElapsed(txCtx, s.repo, &p, s.clock.Now()); err != nil || expired {
			return err
		}
		existing, err = s.repo.FindPendingPaymentIntent(txCtx, userID, eventID)
		return err
	})
	if err != nil {
		return domain.Participation{}, nil, err
	}
	if expired {
		return domain.Participation{}, nil, domain.ErrPaymentWindowExpired
	}
	return p, existing, nil
}

func (s *PaymentService) Get(ctx context.Context, id, userID string) (domain.PaymentIntent, error) {
	if id == "" {
		return domain.PaymentIntent{}, domain.ErrInvalidID
	}
	pi, err := s.repo.GetPaymentIntent(ctx, id)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if userID != "" && pi.UserID != userID {
		return domain.PaymentIntent{}, domain.ErrPaymentNotFound
	}
	return pi, nil
}

// HandleWebhook applies a processor payment notification exactly once.
func (s *PaymentService) HandleWebhook(ctx context.Context, evt domain.WebhookEvent) error {
	if evt.ID == "" || evt.Ref == "" {
		return domain.ErrInvalidID
	}
	switch evt.Kind {
	case domain.WebhookPaymentSucceeded:
		return s.OnPaymentSucceeded(ctx, evt)
	case domain.WebhookPaymentFailed:
		return s.OnPaymentFailed(ctx, evt)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, evt.Kind)
}

// OnPaymentSucceeded confirms the participation, takes the slot, records
// the discount redemption and opens the escrow hold in one transaction. A
// capture that cannot be honoured is returned once that transaction
// commits.
func (s *PaymentService) OnPaymentSucceeded(ctx context.Context, evt domain.WebhookEvent) error {
	var captureID string
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		claimed, err := s.repo.ClaimWebhook(txCtx, evt.ID, evt.Kind, now)
		if err != nil {
			return err
		}
		if !claimed {
			s.logger.Printf("webhook duplicate id=%s kind=%s", evt.ID, evt.Kind)
			return nil
		}
		pi, err := s.repo.GetPaymentIntentByRefForUpdate(txCtx, evt.Ref)
		if err != nil {
			return err
		}
		if pi.Status == domain.PaymentSucceeded || pi.Status == domain.PaymentRefunding || pi.Status == domain.PaymentRefunded {
			return nil
		}
		captureID, err = s.applySuccess(txCtx, &pi, now)
		return err
	})
	if err != nil || captureID == "" {
		return err
	}
	s.returnCapture(ctx, captureID)
	return nil
}

func (s *PaymentService) returnCapture(ctx context.Context, requestID string) {
	if s.refunder == nil {
		s.logger.Printf("capture refund queued request=%s", requestID)
		return
	}
	if _, err := s.refunder.ExecuteRefund(ctx, requestID); err != nil {
		s.logger.Printf("WARN: capture refund request=%s: %v", requestID, err)
	}
}

// OnPaymentFailed records the failure and returns a RESERVED participation
// to MATCHED, freeing its slot. Failures after success are ignored.
func (s *PaymentService) OnPaymentFailed(ctx context.Context, evt domain.WebhookEvent) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		claimed, err := s.repo.ClaimWebhook(txCtx, evt.ID, evt.Kind, now)
		if err != nil {
			return err
		}
		if !claimed {
			s.logger.Printf("webhook duplicate id=%s kind=%s", evt.ID, evt.Kind)
			return nil
		}
		pi, err := s.repo.GetPaymentIntentByRefForUpdate(txCtx, evt.Ref)
		if err != nil {
			return err
		}
		if pi.Status != domain.PaymentPending {
			return nil
		}
		pi.Status = domain.PaymentFailed
		pi.FailureReason = evt.Reason
		if pi.FailureReason == "" {
			pi.FailureReason = reasonPaymentFailed
		}
		pi.UpdatedAt = now
		if err := s.repo.UpdatePaymentIntent(txCtx, pi); err != nil {
			return err
		}

		p, err := s.repo.FindParticipationForUpdate(txCtx, pi.UserID, pi.EventID)
		if err != nil || p == nil || p.Status != domain.ParticipationReserved {
			return err
		}
		if err := releaseReservation(txCtx, s.repo, p, now); err != nil {
			return err
		}
		s.logger.Printf("payment failed intent=%s participation=%s reason=%s", pi.ID, p.ID, pi.FailureReason)
		return nil
	})
}

// applySuccess runs inside a transaction with pi locked. It returns the id
// of the refund request opened when the capture has to be returned.
func (s *PaymentService) applySuccess(ctx context.Context, pi *domain.PaymentIntent, now time.Time) (string, error) {
	if _, err := pi.Status.Transition(domain.PaymentSucceeded); err != nil {
		return "", err
	}
	pi.Status = domain.PaymentSucceeded
	pi.FailureReason = ""
	pi.UpdatedAt = now

	p, err := s.repo.FindParticipationForUpdate(ctx, pi.UserID, pi.EventID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", domain.ErrParticipationNotFound
	}
	event, err := s.repo.GetEvent(ctx, pi.EventID)
	if err != nil {
		return "", err
	}

	if event.Cancelled {
		return s.refundCapture(ctx, pi, domain.EligibilityEventCancelled, now)
	}

	// A reward spent by another payment since this intent was created
	// cannot be redeemed twice. The reservation is given back.
	if pi.RewardID != "" {
		reward, err := s.repo.GetReward(ctx, pi.RewardID)
		if err != nil {
			return "", err
		}
		if reward == nil || reward.UsedAt != nil {
			if p.Status == domain.ParticipationReserved {
				if err := releaseReservation(ctx, s.repo, p, now); err != nil {
					return "", err
				}
			}
			return s.refundCapture(ctx, pi, ReasonDiscountUnavailable, now)
		}
	}

	switch p.Status {
	case domain.ParticipationReserved:
		if err := s.repo.PromoteSlot(ctx, p.EventID); err != nil {
			return "", err
		}
	case domain.ParticipationConfirmed, domain.ParticipationAttended:
		return s.refundCapture(ctx, pi, ReasonAlreadyConfirmed, now)
	default:
		// Late success after expiry or failure: confirm only if a slot is
		// still free.
		if _, err := p.Status.Transition(domain.ParticipationConfirmed); err != nil {
			return "", err
		}
		err := s.repo.ReserveSlot(ctx, p.EventID, domain.SlotConfirmed)
		if errors.Is(err, domain.ErrEventFull) || errors.Is(err, domain.ErrEventCancelled) {
			return s.refundCapture(ctx, pi, ReasonCapacityUnavailable, now)
		}
		if err != nil {
			return "", err
		}
	}

	p.Status = domain.ParticipationConfirmed
	p.PaymentWindowStart = nil
	p.PaymentExpiresAt = nil
	p.UpdatedAt = now
	if err := s.repo.UpdateParticipation(ctx, *p); err != nil {
		return "", err
	}
	if err := s.repo.UpdatePaymentIntent(ctx, *pi); err != nil {
		return "", err
	}
	if err := recordRedemption(ctx, s.repo, *pi, now); err != nil {
		return "", err
	}
	if pi.FinalAmount > 0 {
		if _, err := s.escrow.Hold(ctx, *pi, event); err != nil {
			return "", err
		}
	}
	if err := publishConfirmed(ctx, s.repo, *p, now); err != nil {
		return "", err
	}
	s.logger.Printf("payment succeeded intent=%s participation=%s amount=%d", pi.ID, p.ID, pi.FinalAmount)
	return "", nil
}

// refundCapture returns a captured payment that cannot be honoured. The
// intent moves to REFUNDING with a PROCESSING refund request; the
// processor is called after commit. Nothing captured means nothing to
// return.
func (s *PaymentService) refundCapture(ctx context.Context, pi *domain.PaymentIntent, reason string, now time.Time) (string, error) {
	pi.FailureReason = reason
	pi.UpdatedAt = now
	if pi.FinalAmount == 0 || pi.ExternalRef == "" {
		pi.Status = domain.PaymentRefunded
		pi.RefundedAmount = pi.FinalAmount
		return "", s.repo.UpdatePaymentIntent(ctx, *pi)
	}

	pi.Status = domain.PaymentRefunding
	if err := s.repo.UpdatePaymentIntent(ctx, *pi); err != nil {
		return "", err
	}
	req := domain.RefundRequest{
		ID:               newID(),
		PaymentIntentID:  pi.ID,
		UserID:           pi.UserID,
		Cause:            domain.RefundCauseCaptureReturned,
		Reason:           reason,
		RefundableAmount: pi.FinalAmount,
		Percent:          100,
		Status:           domain.RefundProcessing,
		DecidedBy:        ActorSystem,
		DecidedAt:        &now,
		CreatedAt:        now,
	}
	if err := s.repo.CreateRefundRequest(ctx, req); err != nil {
		return "", err
	}
	s.logger.Printf("WARN: captured payment returned intent=%s request=%s reason=%s", pi.ID, req.ID, reason)
	return req.ID, nil
}

// releaseReservation frees a RESERVED slot and returns the participation
// to MATCHED so the user may reserve again.
func releaseReservation(ctx context.Context, repo participationWriter, p *domain.Participation, now time.Time) error {
	if err := repo.ReleaseSlot(ctx, p.EventID, domain.SlotReserved); err != nil {
		return err
	}
	p.Status = domain.ParticipationMatched
	p.PaymentWindowStart = nil
	p.PaymentExpiresAt = nil
	p.UpdatedAt = now
	return repo.UpdateParticipation(ctx, *p)
}
