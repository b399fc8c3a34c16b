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

type EscrowRepository interface {
	TxRunner
	EscrowStore
	PaymentStore
	ParticipationStore
	WebhookInbox
	OutboxStore
	PayoutDirectory
}

type EscrowConfig struct {
	CoolingPeriod      time.Duration
	PlatformFeePercent float64
	MaxTransferRetries int
	BatchSize          int
	// TransferGrace is how long a SCHEDULED escrow may go without a
	// transfer ref before the release run retries the transfer.
	TransferGrace time.Duration
}

type EscrowService struct {
	repo   EscrowRepository
	ledger Ledger
	clock  clock.Clock
	logger *log.Logger
	cfg    EscrowConfig
}

type EscrowOption func(*EscrowService)

func WithEscrowLogger(l *log.Logger) EscrowOption {
	return func(s *EscrowService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewEscrowService(repo EscrowRepository, ledger Ledger, clk clock.Clock, cfg EscrowConfig, opts ...EscrowOption) *EscrowService {
	if cfg.CoolingPeriod <= 0 {
		cfg.CoolingPeriod = 7 * 24 * time.Hour
	}
	if cfg.MaxTransferRetries <= 0 {
		cfg.MaxTransferRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TransferGrace <= 0 {
		cfg.TransferGrace = 15 * time.Minute
	}
	s := &EscrowService{
		repo:   repo,
		ledger: ledger,
		clock:  clk,
		logger: log.Default(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hold opens a HELD escrow for a succeeded payment. It runs in the
// caller's transaction.
func (s *EscrowService) Hold(ctx context.Context, pi domain.PaymentIntent, event domain.Event) (domain.Escrow, error) {
	now := s.clock.Now()
	e := domain.Escrow{
		ID:              newID(),
		PaymentIntentID: pi.ID,
		EventID:         event.ID,
		HostID:          event.HostID,
		UserID:          pi.UserID,
		Amount:          pi.FinalAmount,
		Currency:        pi.Currency,
		Status:          domain.EscrowHeld,
		EventEndsAt:     event.EndsAt,
		ReleaseAt:       event.EndsAt.Add(s.cfg.CoolingPeriod),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateEscrow(ctx, e); err != nil {
		return domain.Escrow{}, err
	}
	return e, nil
}

// VerifyAttendance marks the participation ATTENDED and flips the escrow
// flag in one transaction. Repeating it is a no-op.
func (s *EscrowService) VerifyAttendance(ctx context.Context, eventID, userID string) error {
	if eventID == "" || userID == "" {
		return domain.ErrInvalidID
	}
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		p, err := s.repo.FindParticipationForUpdate(txCtx, userID, eventID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrParticipationNotFound
		}
		if p.Status != domain.ParticipationAttended {
			if _, err := p.Status.Transition(domain.ParticipationAttended); err != nil {
				return err
			}
			p.Status = domain.ParticipationAttended
			p.UpdatedAt = now
			if err := s.repo.UpdateParticipation(txCtx, *p); err != nil {
				return err
			}
		}

		e, err := s.repo.FindEscrowByAttendeeForUpdate(txCtx, eventID, userID)
		if err != nil || e == nil || e.AttendanceVerified {
			return err
		}
		e.AttendanceVerified = true
		e.AttendanceVerifiedAt = &now
		e.UpdatedAt = now
		return s.repo.UpdateEscrow(txCtx, *e)
	})
}

type ReleaseReport struct {
	Scheduled int
	Retried   int
	Failed    int
	Skipped   int
}

// RunRelease starts payouts for every escrow whose release predicate holds
// and retries transfers whose ref was never stored. Items are independent:
// one failure never aborts the batch.
func (s *EscrowService) RunRelease(ctx context.Context) (ReleaseReport, error) {
	now := s.clock.Now()
	var report ReleaseReport

	stalled, err := s.repo.ListStalledTransfers(ctx, now.Add(-s.cfg.TransferGrace), s.cfg.BatchSize)
	if err != nil {
		return ReleaseReport{}, err
	}
	for _, id := range stalled {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.retryTransfer(ctx, id, now)
		s.count(&report, id, outcome, err, &report.Retried)
	}

	ids, err := s.repo.ListReleasableEscrows(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.releaseOne(ctx, id, now)
		s.count(&report, id, outcome, err, &report.Scheduled)
	}
	s.logger.Printf("INFO: escrow release batch scheduled=%d retried=%d failed=%d skipped=%d", report.Scheduled, report.Retried, report.Failed, report.Skipped)
	return report, nil
}

func (s *EscrowService) count(report *ReleaseReport, id string, outcome releaseOutcome, err error, ok *int) {
	switch {
	case err != nil:
		report.Failed++
		s.logger.Printf("WARN: escrow release id=%s: %v", id, err)
	case outcome == releaseSkipped:
		report.Skipped++
	case outcome == releaseFailed:
		report.Failed++
	default:
		*ok++
	}
}

type releaseOutcome int

const (
	releaseScheduled releaseOutcome = iota
	releaseFailed
	releaseSkipped
)

// releaseOne marks the escrow SCHEDULED and commits before contacting the
// processor, so the transfer never runs inside a transaction.
func (s *EscrowService) releaseOne(ctx context.Context, id string, now time.Time) (releaseOutcome, error) {
	return s.claimAndTransfer(ctx, id, func(txCtx context.Context) (*domain.Escrow, error) {
		e, err := s.repo.ClaimReleasableEscrow(txCtx, id, now)
		if err != nil || e == nil {
			return nil, err
		}
		if e.Status, err = e.Status.Transition(domain.EscrowScheduled); err != nil {
			return nil, err
		}
		e.PlatformFee = domain.PlatformFee(e.Amount, s.cfg.PlatformFeePercent)
		e.FailureReason = ""
		return e, nil
	}, now)
}

// retryTransfer repeats the transfer of a SCHEDULED escrow that never
// stored its ref. The key is unchanged, so the processor returns the
// transfer it already made, if any.
func (s *EscrowService) retryTransfer(ctx context.Context, id string, now time.Time) (releaseOutcome, error) {
	return s.claimAndTransfer(ctx, id, func(txCtx context.Context) (*domain.Escrow, error) {
		return s.repo.ClaimStalledTransfer(txCtx, id, now.Add(-s.cfg.TransferGrace))
	}, now)
}

func (s *EscrowService) claimAndTransfer(ctx context.Context, id string, claim func(context.Context) (*domain.Escrow, error), now time.Time) (releaseOutcome, error) {
	var (
		claimed *domain.Escrow
		dest    string
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		e, err := claim(txCtx)
		if err != nil || e == nil {
			return err
		}
		dest, err = s.repo.PayoutDestination(txCtx, e.HostID)
		if err != nil {
			return err
		}
		e.UpdatedAt = now
		if err := s.repo.UpdateEscrow(txCtx, *e); err != nil {
			return err
		}
		claimed = e
		return nil
	})
	if errors.Is(err, domain.ErrNoPayoutAccount) {
		s.logger.Printf("WARN: escrow release id=%s skipped: host has no payout destination", id)
		return releaseSkipped, nil
	}
	if err != nil {
		return releaseFailed, err
	}
	if claimed == nil {
		return releaseSkipped, nil
	}

	net := claimed.Amount - claimed.PlatformFee
	key := fmt.Sprintf("transfer:%s:%d", claimed.ID, claimed.RetryCount)
	ref, transferErr := s.ledger.Transfer(ctx, dest, net, claimed.Currency, key)

	outcome := releaseScheduled
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		e, err := s.repo.GetEscrowForUpdate(txCtx, claimed.ID)
		if err != nil {
			return err
		}
		if e.Status != domain.EscrowScheduled || e.TransferRef != "" {
			return nil
		}
		if transferErr != nil {
			outcome = releaseFailed
			return s.recordTransferFailure(txCtx, &e, transferErr.Error(), s.clock.Now())
		}
		e.TransferRef = ref
		e.UpdatedAt = s.clock.Now()
		return s.repo.UpdateEscrow(txCtx, e)
	})
	if err != nil {
		return releaseFailed, err
	}
	s.logger.Printf("escrow release id=%s host=%s net=%d fee=%d key=%s ok=%t", claimed.ID, claimed.HostID, net, claimed.PlatformFee, key, transferErr == nil)
	return outcome, nil
}

// HandleTransferWebhook settles a SCHEDULED escrow. Outcomes for escrows in
// any other state are ignored.
func (s *EscrowService) HandleTransferWebhook(ctx context.Context, evt domain.WebhookEvent) error {
	if evt.ID == "" || evt.Ref == "" {
		return domain.ErrInvalidID
	}
	if evt.Kind != domain.WebhookTransferSucceeded && evt.Kind != domain.WebhookTransferFailed {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, evt.Kind)
	}
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
		e, err := s.repo.GetEscrowByTransferRefForUpdate(txCtx, evt.Ref)
		if err != nil {
			return err
		}
		if e.Status != domain.EscrowScheduled {
			return nil
		}
		if evt.Kind == domain.WebhookTransferFailed {
			reason := evt.Reason
			if reason == "" {
				reason = "transfer_failed"
			}
			return s.recordTransferFailure(txCtx, &e, reason, now)
		}

		e.Status = domain.EscrowReleased
		e.ReleasedAt = &now
		e.UpdatedAt = now
		if err := s.repo.UpdateEscrow(txCtx, e); err != nil {
			return err
		}
		return enqueue(txCtx, s.repo, domain.TopicEscrowReleased, e.ID, escrowReleased{
			EscrowID:    e.ID,
			EventID:     e.EventID,
			HostID:      e.HostID,
			Amount:      e.Amount,
			PlatformFee: e.PlatformFee,
			Currency:    e.Currency,
			TransferRef: e.TransferRef,
		}, now)
	})
}

// recordTransferFailure returns the escrow to HELD for another attempt, or
// FAILED once the retry ceiling is reached.
func (s *EscrowService) recordTransferFailure(ctx context.Context, e *domain.Escrow, reason string, now time.Time) error {
	e.RetryCount++
	e.FailureReason = reason
	e.Status = domain.EscrowHeld
	if e.RetryCount >= s.cfg.MaxTransferRetries {
		e.Status = domain.EscrowFailed
	}
	e.UpdatedAt = now
	if err := s.repo.UpdateEscrow(ctx, *e); err != nil {
		return err
	}
	s.logger.Printf("WARN: escrow transfer failed id=%s retries=%d status=%s reason=%s", e.ID, e.RetryCount, e.Status, reason)
	return nil
}

// BeginRefund moves the escrow of a payment to REFUNDING inside the
// caller's transaction. It returns nil when the payment has no escrow.
func (s *EscrowService) BeginRefund(ctx context.Context, paymentID string) (*domain.Escrow, error) {
	found, err := s.repo.FindEscrowByPayment(ctx, paymentID)
	if err != nil || found == nil {
		return nil, err
	}
	e, err := s.lockForRefund(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.EscrowRefunding {
		e.Status = domain.EscrowRefunding
		e.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateEscrow(ctx, e); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// SettleRefund records the processor outcome on a REFUNDING escrow inside
// the caller's transaction. Escrows in any other state are left alone.
func (s *EscrowService) SettleRefund(ctx context.Context, paymentID string, amount int64, ok bool) error {
	found, err := s.repo.FindEscrowByPayment(ctx, paymentID)
	if err != nil || found == nil {
		return err
	}
	e, err := s.repo.GetEscrowForUpdate(ctx, found.ID)
	if err != nil {
		return err
	}
	if e.Status != domain.EscrowRefunding {
		return nil
	}
	return s.settle(ctx, &e, amount, ok, s.clock.Now())
}

// lockForRefund locks an escrow that may be refunded: HELD, FAILED or
// already REFUNDING so an interrupted refund can resume.
func (s *EscrowService) lockForRefund(ctx context.Context, id string) (domain.Escrow, error) {
	e, err := s.repo.GetEscrowForUpdate(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	switch e.Status {
	case domain.EscrowReleased:
		return domain.Escrow{}, domain.ErrEscrowReleased
	case domain.EscrowScheduled:
		return domain.Escrow{}, domain.ErrEscrowTransferInFlight
	case domain.EscrowRefunded:
		return domain.Escrow{}, fmt.Errorf("%w: %s", domain.ErrRefundIneligible, domain.EligibilityAlreadyRefunded)
	}
	return e, nil
}

// settle finishes a REFUNDING escrow. A failed refund returns it to HELD,
// or to FAILED when its transfers were already exhausted.
func (s *EscrowService) settle(ctx context.Context, e *domain.Escrow, amount int64, ok bool, now time.Time) error {
	switch {
	case ok:
		e.Status = domain.EscrowRefunded
		e.RefundedAmount = amount
	case e.RetryCount >= s.cfg.MaxTransferRetries:
		e.Status = domain.EscrowFailed
	default:
		e.Status = domain.EscrowHeld
	}
	e.UpdatedAt = now
	return s.repo.UpdateEscrow(ctx, *e)
}
