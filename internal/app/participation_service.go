package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/domain"
	"github.com/cimillas/gatherly/internal/scoring"
)

const defaultPaymentWindow = 10 * time.Minute

// Matcher decides whether a user fits an event. It never fails; the
// engine falls back internally.
type Matcher interface {
	Decide(ctx context.Context, user domain.UserProfile, event domain.Event, now time.Time) scoring.Decision
}

type ParticipationRepository interface {
	TxRunner
	EventStore
	CapacityLedger
	ParticipationStore
	OutboxStore
	UserDirectory
}

type ParticipationConfig struct {
	PaymentWindow time.Duration
	SweepBatch    int
}

type ParticipationService struct {
	repo    ParticipationRepository
	matcher Matcher
	clock   clock.Clock
	logger  *log.Logger
	cfg     ParticipationConfig
}

type ParticipationOption func(*ParticipationService)

func WithParticipationLogger(l *log.Logger) ParticipationOption {
	return func(s *ParticipationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewParticipationService(repo ParticipationRepository, matcher Matcher, clk clock.Clock, cfg ParticipationConfig, opts ...ParticipationOption) *ParticipationService {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = defaultPaymentWindow
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	s := &ParticipationService{
		repo:    repo,
		matcher: matcher,
		clock:   clk,
		logger:  log.Default(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type JoinInput struct {
	UserID  string
	EventID string
}

type JoinResult struct {
	Participation domain.Participation
	Score         float64
	Reasons       []string
}

// Join evaluates the match outside any transaction, then takes a slot
// and records the participation in one.
func (s *ParticipationService) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.UserID == "" || in.EventID == "" {
		return JoinResult{}, domain.ErrInvalidID
	}
	now := s.clock.Now()

	event, err := s.repo.GetEvent(ctx, in.EventID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := checkJoinable(event, now); err != nil {
		return JoinResult{}, err
	}
	existing, err := s.repo.FindParticipation(ctx, in.UserID, in.EventID)
	if err != nil {
		return JoinResult{}, err
	}
	if existing != nil && existing.Status.IsActive() {
		return JoinResult{}, domain.ErrAlreadyParticipating
	}
	user, err := s.repo.GetUserProfile(ctx, in.UserID)
	if err != nil {
		return JoinResult{}, err
	}

	decision := s.matcher.Decide(ctx, user, event, now)

	var out domain.Participation
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		current, err := s.repo.FindParticipationForUpdate(txCtx, in.UserID, in.EventID)
		if err != nil {
			return err
		}
		if current != nil && current.Status.IsActive() {
			return domain.ErrAlreadyParticipating
		}

		target := domain.ParticipationRequested
		if decision.Accepted() {
			target = domain.ParticipationReserved
			if event.IsFree() {
				target = domain.ParticipationConfirmed
			}
		}

		p := domain.Participation{
			ID:        newID(),
			UserID:    in.UserID,
			EventID:   in.EventID,
			Status:    domain.ParticipationRequested,
			CreatedAt: now,
		}
		if current != nil {
			p = *current
		}
		if _, err := p.Status.Transition(target); err != nil {
			return err
		}

		switch target {
		case domain.ParticipationConfirmed:
			if err := s.repo.ReserveSlot(txCtx, event.ID, domain.SlotConfirmed); err != nil {
				return err
			}
		case domain.ParticipationReserved:
			if err := s.repo.ReserveSlot(txCtx, event.ID, domain.SlotReserved); err != nil {
				return err
			}
		}

		p.Status = target
		p.MatchScore = decision.Score
		p.MatchSource = decision.Source
		p.MatchReasons = decision.Reasons
		p.PaymentWindowStart = nil
		p.PaymentExpiresAt = nil
		p.FinalizedAt = nil
		p.FinalizedBy = ""
		p.UpdatedAt = now
		if target == domain.ParticipationReserved {
			s.openWindow(&p, now)
		}

		if current == nil {
			err = s.repo.CreateParticipation(txCtx, p)
		} else {
			err = s.repo.UpdateParticipation(txCtx, p)
		}
		if err != nil {
			return err
		}
		if target == domain.ParticipationConfirmed {
			if err := publishConfirmed(txCtx, s.repo, p, now); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}

	s.logger.Printf("join user=%s event=%s status=%s score=%.4f", out.UserID, out.EventID, out.Status, out.MatchScore)
	return JoinResult{Participation: out, Score: decision.Score, Reasons: decision.Reasons}, nil
}

// Reserve re-takes a slot for a MATCHED participation, typically after
// a failed payment, and opens a fresh payment window.
func (s *ParticipationService) Reserve(ctx context.Context, participationID, userID string) (domain.Participation, error) {
	if participationID == "" {
		return domain.Participation{}, domain.ErrInvalidID
	}
	now := s.clock.Now()

	var out domain.Participation
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		p, err := s.repo.GetParticipationForUpdate(txCtx, participationID)
		if err != nil {
			return err
		}
		if userID != "" && p.UserID != userID {
			return domain.ErrParticipationNotFound
		}
		if p.Status != domain.ParticipationMatched {
			return &domain.InvalidTransitionError{Entity: "participation", From: string(p.Status), To: string(domain.ParticipationReserved)}
		}
		event, err := s.repo.GetEvent(txCtx, p.EventID)
		if err != nil {
			return err
		}
		if err := checkJoinable(event, now); err != nil && !errors.Is(err, domain.ErrEventFull) {
			return err
		}
		if err := s.repo.ReserveSlot(txCtx, p.EventID, domain.SlotReserved); err != nil {
			return err
		}
		p.Status = domain.ParticipationReserved
		p.UpdatedAt = now
		s.openWindow(&p, now)
		if err := s.repo.UpdateParticipation(txCtx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Participation{}, err
	}
	return out, nil
}

// FinalizeMatch stamps the host's approval. Repeating it is a no-op.
func (s *ParticipationService) FinalizeMatch(ctx context.Context, participationID, actorID string) (domain.Participation, error) {
	if participationID == "" || actorID == "" {
		return domain.Participation{}, domain.ErrInvalidID
	}
	now := s.clock.Now()

	var out domain.Participation
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		p, err := s.repo.GetParticipationForUpdate(txCtx, participationID)
		if err != nil {
			return err
		}
		event, err := s.repo.GetEvent(txCtx, p.EventID)
		if err != nil {
			return err
		}
		if event.HostID != actorID {
			return domain.ErrNotEventHost
		}
		if p.FinalizedAt != nil {
			out = p
			return nil
		}
		if !p.Status.CanFinalize() {
			return &domain.InvalidTransitionError{Entity: "participation", From: string(p.Status), To: "finalized"}
		}
		p.FinalizedAt = &now
		p.FinalizedBy = actorID
		p.UpdatedAt = now
		if err := s.repo.UpdateParticipation(txCtx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Participation{}, err
	}
	return out, nil
}

func (s *ParticipationService) Get(ctx context.Context, id string) (domain.Participation, error) {
	if id == "" {
		return domain.Participation{}, domain.ErrInvalidID
	}
	return s.repo.GetParticipation(ctx, id)
}

// ExpireReservations moves every RESERVED participation whose window has
// elapsed to EXPIRED and frees its slot. Each row is re-checked under its
// lock, so a payment that lands first wins and the slot is freed once.
func (s *ParticipationService) ExpireReservations(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.repo.ListExpiredReservations(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		var done bool
		err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
			p, err := s.repo.GetParticipationForUpdate(txCtx, id)
			if err != nil {
				return err
			}
			done, err = expireIfElapsed(txCtx, s.repo, &p, now)
			return err
		})
		if err != nil {
			s.logger.Printf("WARN: expire reservation id=%s: %v", id, err)
			continue
		}
		if done {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Printf("INFO: expired reservations count=%d", expired)
	}
	return expired, nil
}

func (s *ParticipationService) openWindow(p *domain.Participation, now time.Time) {
	start := now
	end := now.Add(s.cfg.PaymentWindow)
	p.PaymentWindowStart = &start
	p.PaymentExpiresAt = &end
}

func checkJoinable(event domain.Event, now time.Time) error {
	switch {
	case event.Cancelled:
		return domain.ErrEventCancelled
	case event.HasStarted(now):
		return domain.ErrEventStarted
	case event.Available() == 0:
		return domain.ErrEventFull
	}
	return nil
}

type participationWriter interface {
	CapacityLedger
	UpdateParticipation(ctx context.Context, p domain.Participation) error
}

// expireIfElapsed expires a locked participation whose window has passed.
// It reports whether it changed anything.
func expireIfElapsed(ctx context.Context, repo participationWriter, p *domain.Participation, now time.Time) (bool, error) {
	if p.Status != domain.ParticipationReserved || p.WindowOpen(now) {
		return false, nil
	}
	if err := repo.ReleaseSlot(ctx, p.EventID, domain.SlotReserved); err != nil {
		return false, err
	}
	p.Status = domain.ParticipationExpired
	p.UpdatedAt = now
	if err := repo.UpdateParticipation(ctx, *p); err != nil {
		return false, err
	}
	return true, nil
}

// cancelParticipation frees whatever slot the participation holds and
// marks it CANCELLED.
func cancelParticipation(ctx context.Context, repo participationWriter, p *domain.Participation, now time.Time) error {
	if _, err := p.Status.Transition(domain.ParticipationCancelled); err != nil {
		return err
	}
	switch p.Status {
	case domain.ParticipationReserved:
		if err := repo.ReleaseSlot(ctx, p.EventID, domain.SlotReserved); err != nil {
			return err
		}
	case domain.ParticipationConfirmed:
		if err := repo.ReleaseSlot(ctx, p.EventID, domain.SlotConfirmed); err != nil {
			return err
		}
	}
	p.Status = domain.ParticipationCancelled
	p.PaymentWindowStart = nil
	p.PaymentExpiresAt = nil
	p.UpdatedAt = now
	return repo.UpdateParticipation(ctx, *p)
}

func publishConfirmed(ctx context.Context, out OutboxStore, p domain.Participation, now time.Time) error {
	return enqueue(ctx, out, domain.TopicParticipationConfirmed, p.ID, participationConfirmed{
		ParticipationID: p.ID,
		UserID:          p.UserID,
		EventID:         p.EventID,
	}, now)
}
