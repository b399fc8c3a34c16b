package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/domain"
	"github.com/cimillas/gatherly/internal/scoring"
)

type memTxKey struct{}

type redemption struct {
	code    string
	userID  string
	payment string
}

type memData struct {
	events         map[string]domain.Event
	participations map[string]domain.Participation
	payments       map[string]domain.PaymentIntent
	escrows        map[string]domain.Escrow
	codes          map[string]domain.DiscountCode
	rewards        map[string]domain.RewardDiscount
	redemptions    []redemption
	refunds        map[string]domain.RefundRequest
	webhooks       map[string]string
	outbox         []domain.OutboxMessage
}

func (d memData) clone() memData {
	c := memData{
		events:         make(map[string]domain.Event, len(d.events)),
		participations: make(map[string]domain.Participation, len(d.participations)),
		payments:       make(map[string]domain.PaymentIntent, len(d.payments)),
		escrows:        make(map[string]domain.Escrow, len(d.escrows)),
		codes:          make(map[string]domain.DiscountCode, len(d.codes)),
		rewards:        make(map[string]domain.RewardDiscount, len(d.rewards)),
		redemptions:    append([]redemption(nil), d.redemptions...),
		refunds:        make(map[string]domain.RefundRequest, len(d.refunds)),
		webhooks:       make(map[string]string, len(d.webhooks)),
		outbox:         append([]domain.OutboxMessage(nil), d.outbox...),
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.participations {
		c.participations[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.escrows {
		c.escrows[k] = v
	}
	for k, v := range d.codes {
		c.codes[k] = v
	}
	for k, v := range d.rewards {
		c.rewards[k] = v
	}
	for k, v := range d.refunds {
		c.refunds[k] = v
	}
	for k, v := range d.webhooks {
		c.webhooks[k] = v
	}
	return c
}

// memStore is an in-memory stand-in for the postgres store. Transactions
// are serialized and rolled back on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memData

	users   map[string]domain.UserProfile
	payouts map[string]string

	// updateEscrowHook, when set, runs before every UpdateEscrow and can
	// fail it.
	updateEscrowHook func(domain.Escrow) error
}

func newMemStore() *memStore {
	return &memStore{
		data: memData{
			events:         map[string]domain.Event{},
			participations: map[string]domain.Participation{},
			payments:       map[string]domain.PaymentIntent{},
			escrows:        map[string]domain.Escrow{},
			codes:          map[string]domain.DiscountCode{},
			rewards:        map[string]domain.RewardDiscount{},
			refunds:        map[string]domain.RefundRequest{},
			webhooks:       map[string]string{},
		},
		users:   map[string]domain.UserProfile{},
		payouts: map[string]string{},
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.data.clone()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.data = snap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) CreateEvent(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.events[e.ID] = e
	return nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, nil
}

func (m *memStore) ListEvents(_ context.Context) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(m.data.events))
	for _, e := range m.data.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (m *memStore) MarkEventCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.Cancelled = true
	m.data.events[id] = e
	return nil
}

func (m *memStore) ReserveSlot(_ context.Context, eventID string, kind domain.SlotKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.events[eventID]
	switch {
	case !ok:
		return domain.ErrEventNotFound
	case e.Cancelled:
		return domain.ErrEventCancelled
	case e.ReservedCount+e.ConfirmedCount >= e.Capacity:
		return domain.ErrEventFull
	}
	if kind == domain.SlotConfirmed {
		e.ConfirmedCount++
	} else {
		e.ReservedCount++
	}
	m.data.events[eventID] = e
	return nil
}

func (m *memStore) PromoteSlot(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	if e.ReservedCount == 0 {
		return domain.ErrInvalidTransition
	}
	e.ReservedCount--
	e.ConfirmedCount++
	m.data.events[eventID] = e
	return nil
}

func (m *memStore) ReleaseSlot(_ context.Context, eventID string, kind domain.SlotKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	counter := &e.ReservedCount
	if kind == domain.SlotConfirmed {
		counter = &e.ConfirmedCount
	}
	if *counter == 0 {
		return domain.ErrInvalidTransition
	}
	*counter--
	m.data.events[eventID] = e
	return nil
}

func (m *memStore) GetParticipation(_ context.Context, id string) (domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.participations[id]
	if !ok {
		return domain.Participation{}, domain.ErrParticipationNotFound
	}
	return p, nil
}

func (m *memStore) GetParticipationForUpdate(ctx context.Context, id string) (domain.Participation, error) {
	return m.GetParticipation(ctx, id)
}

func (m *memStore) FindParticipation(_ context.Context, userID, eventID string) (*domain.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.data.participations {
		if p.UserID == userID && p.EventID == eventID {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindParticipationForUpdate(ctx context.Context, userID, eventID string) (*domain.Participation, error) {
	return m.FindParticipation(ctx, userID, eventID)
}

func (m *memStore) CreateParticipation(_ context.Context, p domain.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.data.participations {
		if cur.UserID == p.UserID && cur.EventID == p.EventID {
			return domain.ErrAlreadyParticipating
		}
	}
	m.data.participations[p.ID] = p
	return nil
}

func (m *memStore) UpdateParticipation(_ context.Context, p domain.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.participations[p.ID]; !ok {
		return domain.ErrParticipationNotFound
	}
	m.data.participations[p.ID] = p
	return nil
}

func (m *memStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, p := range m.data.participations {
		if p.Status == domain.ParticipationReserved && p.PaymentExpiresAt != nil && !p.PaymentExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) CreatePaymentIntent(_ context.Context, pi domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.data.payments {
		if pi.ExternalRef != "" && cur.ExternalRef == pi.ExternalRef {
			return fmt.Errorf("duplicate external ref %s", pi.ExternalRef)
		}
	}
	m.data.payments[pi.ID] = pi
	return nil
}

func (m *memStore) GetPaymentIntent(_ context.Context, id string) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.data.payments[id]
	if !ok {
		return domain.PaymentIntent{}, domain.ErrPaymentNotFound
	}
	return pi, nil
}

func (m *memStore) GetPaymentIntentForUpdate(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return m.GetPaymentIntent(ctx, id)
}

func (m *memStore) GetPaymentIntentByRefForUpdate(_ context.Context, ref string) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.data.payments {
		if pi.ExternalRef == ref {
			return pi, nil
		}
	}
	return domain.PaymentIntent{}, domain.ErrPaymentNotFound
}

func (m *memStore) FindPendingPaymentIntent(_ context.Context, userID, eventID string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.data.payments {
		if pi.UserID == userID && pi.EventID == eventID && pi.Status == domain.PaymentPending {
			return &pi, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdatePaymentIntent(_ context.Context, pi domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.payments[pi.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	m.data.payments[pi.ID] = pi
	return nil
}

func (m *memStore) ListSucceededPaymentIntents(_ context.Context, eventID string) ([]domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentIntent
	for _, pi := range m.data.payments {
		if pi.EventID == eventID && pi.Status == domain.PaymentSucceeded {
			out = append(out, pi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateEscrow(_ context.Context, e domain.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.data.escrows {
		if cur.PaymentIntentID == e.PaymentIntentID {
			return domain.ErrEscrowExists
		}
	}
	m.data.escrows[e.ID] = e
	return nil
}

func (m *memStore) GetEscrowForUpdate(_ context.Context, id string) (domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.escrows[id]
	if !ok {
		return domain.Escrow{}, domain.ErrEscrowNotFound
	}
	return e, nil
}

func (m *memStore) FindEscrowByPayment(_ context.Context, paymentIntentID string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.data.escrows {
		if e.PaymentIntentID == paymentIntentID {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindEscrowByAttendeeForUpdate(_ context.Context, eventID, userID string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.data.escrows {
		if e.EventID == eventID && e.UserID == userID && e.Status != domain.EscrowRefunded {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetEscrowByTransferRefForUpdate(_ context.Context, ref string) (domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.data.escrows {
		if e.TransferRef == ref {
			return e, nil
		}
	}
	return domain.Escrow{}, domain.ErrEscrowNotFound
}

func (m *memStore) ListReleasableEscrows(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.data.escrows {
		if e.Releasable(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ClaimReleasableEscrow(_ context.Context, id string, now time.Time) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.escrows[id]
	if !ok || !e.Releasable(now) {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) ListStalledTransfers(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.data.escrows {
		if e.TransferStalled(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ClaimStalledTransfer(_ context.Context, id string, cutoff time.Time) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.escrows[id]
	if !ok || !e.TransferStalled(cutoff) {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) UpdateEscrow(_ context.Context, e domain.Escrow) error {
	if m.updateEscrowHook != nil {
		if err := m.updateEscrowHook(e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.escrows[e.ID]; !ok {
		return domain.ErrEscrowNotFound
	}
	// Same rule as the escrows CHECK constraint.
	if (e.Status == domain.EscrowScheduled || e.Status == domain.EscrowReleased) && !e.AttendanceVerified {
		return domain.ErrInvalidTransition
	}
	m.data.escrows[e.ID] = e
	return nil
}

func (m *memStore) GetDiscountCode(_ context.Context, code string) (*domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.codes[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memStore) CountCodeRedemptions(_ context.Context, code, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.data.redemptions {
		if r.code == code && r.userID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetReward(_ context.Context, id string) (*domain.RewardDiscount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.rewards[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) RecordCodeRedemption(_ context.Context, code, userID, paymentIntentID string, _ int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.data.codes[code]
	c.UsedCount++
	m.data.codes[code] = c
	m.data.redemptions = append(m.data.redemptions, redemption{code: code, userID: userID, payment: paymentIntentID})
	return nil
}

func (m *memStore) MarkRewardUsed(_ context.Context, id, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.rewards[id]
	if !ok || r.UsedAt != nil {
		return domain.ErrDiscountInvalid
	}
	r.UsedAt = &at
	m.data.rewards[id] = r
	return nil
}

func openRefund(st domain.RefundStatus) bool {
	return st == domain.RefundPending || st == domain.RefundProcessing
}

// conflictsLocked mirrors the partial unique index on open requests.
func (m *memStore) conflictsLocked(r domain.RefundRequest) bool {
	if !openRefund(r.Status) {
		return false
	}
	for id, cur := range m.data.refunds {
		if id != r.ID && cur.PaymentIntentID == r.PaymentIntentID && openRefund(cur.Status) {
			return true
		}
	}
	return false
}

func (m *memStore) CreateRefundRequest(_ context.Context, r domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLocked(r) {
		return domain.ErrDuplicateRefundRequest
	}
	m.data.refunds[r.ID] = r
	return nil
}

func (m *memStore) GetRefundRequest(_ context.Context, id string) (domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.refunds[id]
	if !ok {
		return domain.RefundRequest{}, domain.ErrRefundNotFound
	}
	return r, nil
}

func (m *memStore) GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error) {
	return m.GetRefundRequest(ctx, id)
}

func (m *memStore) FindPendingRefundRequest(_ context.Context, paymentIntentID string) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.data.refunds {
		if r.PaymentIntentID == paymentIntentID && openRefund(r.Status) {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateRefundRequest(_ context.Context, r domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.refunds[r.ID]; !ok {
		return domain.ErrRefundNotFound
	}
	if m.conflictsLocked(r) {
		return domain.ErrDuplicateRefundRequest
	}
	m.data.refunds[r.ID] = r
	return nil
}

func (m *memStore) ListStalledRefunds(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.data.refunds {
		if r.Status == domain.RefundProcessing && r.DecidedAt != nil && r.DecidedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ClaimWebhook(_ context.Context, eventID, kind string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.webhooks[eventID]; ok {
		return false, nil
	}
	m.data.webhooks[eventID] = kind
	return true, nil
}

func (m *memStore) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.outbox = append(m.data.outbox, msg)
	return nil
}

func (m *memStore) FetchUnpublished(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxMessage
	for _, msg := range m.data.outbox {
		if msg.PublishedAt == nil && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data.outbox {
		if m.data.outbox[i].ID == id {
			m.data.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return errors.New("outbox message not found")
}

func (m *memStore) GetUserProfile(_ context.Context, id string) (domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.UserProfile{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (m *memStore) PayoutDestination(_ context.Context, hostID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dest, ok := m.payouts[hostID]
	if !ok {
		return "", domain.ErrNoPayoutAccount
	}
	return dest, nil
}

// helpers for assertions

func (m *memStore) refund(t *testing.T, id string) domain.RefundRequest {
	t.Helper()
	r, err := m.GetRefundRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get refund %s: %v", id, err)
	}
	return r
}

func (m *memStore) refundsFor(paymentID string) []domain.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RefundRequest
	for _, r := range m.data.refunds {
		if r.PaymentIntentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) event(t *testing.T, id string) domain.Event {
	t.Helper()
	e, err := m.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	return e
}

func (m *memStore) participation(t *testing.T, userID, eventID string) domain.Participation {
	t.Helper()
	p, err := m.FindParticipation(context.Background(), userID, eventID)
	if err != nil || p == nil {
		t.Fatalf("find participation %s/%s: %v", userID, eventID, err)
	}
	return *p
}

func (m *memStore) escrowFor(t *testing.T, paymentID string) domain.Escrow {
	t.Helper()
	e, err := m.FindEscrowByPayment(context.Background(), paymentID)
	if err != nil || e == nil {
		t.Fatalf("find escrow for %s: %v", paymentID, err)
	}
	return *e
}

func (m *memStore) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data.outbox))
	for _, msg := range m.data.outbox {
		out = append(out, msg.Topic)
	}
	return out
}

type ledgerCall struct {
	Ref         string
	Amount      int64
	Currency    string
	Destination string
	Key         string
}

type fakeLedger struct {
	mu        sync.Mutex
	seq       int
	byKey     map[string]string
	intents   []ledgerCall
	refunds   []ledgerCall
	transfers []ledgerCall

	createErr   error
	refundErr   error
	transferErr error

	// refundsInTx counts refunds issued while a store transaction was open.
	refundsInTx int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byKey: map[string]string{}}
}

func (f *fakeLedger) next(prefix, key string) string {
	if ref, ok := f.byKey[prefix+key]; ok {
		return ref
	}
	f.seq++
	ref := fmt.Sprintf("%s_%d", prefix, f.seq)
	f.byKey[prefix+key] = ref
	return ref
}

func (f *fakeLedger) CreateIntent(_ context.Context, amount int64, currency, _, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	ref := f.next("in", key)
	f.intents = append(f.intents, ledgerCall{Ref: ref, Amount: amount, Currency: currency, Key: key})
	return ref, nil
}

func (f *fakeLedger) Refund(ctx context.Context, intentRef string, amount int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Value(memTxKey{}) != nil {
		f.refundsInTx++
	}
	if f.refundErr != nil {
		return "", f.refundErr
	}
	ref := f.next("re", key)
	f.refunds = append(f.refunds, ledgerCall{Ref: intentRef, Amount: amount, Key: key})
	return ref, nil
}

func (f *fakeLedger) Transfer(_ context.Context, destination string, amount int64, currency, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	ref := f.next("tr", key)
	f.transfers = append(f.transfers, ledgerCall{Ref: ref, Amount: amount, Currency: currency, Destination: destination, Key: key})
	return ref, nil
}

type stubMatcher struct {
	mu       sync.Mutex
	decision scoring.Decision
	calls    int
}

func (s *stubMatcher) Decide(context.Context, domain.UserProfile, domain.Event, time.Time) scoring.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.decision
}

func (s *stubMatcher) set(d scoring.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = d
}

var (
	acceptDecision = scoring.Decision{Score: 0.8, Verdict: scoring.VerdictAccept, Reasons: []string{scoring.ReasonSameHobby}, Source: domain.MatchSourceFallback, FallbackUsed: true}
	rejectDecision = scoring.Decision{Score: 0.2, Verdict: scoring.VerdictReject, Source: domain.MatchSourceFallback, FallbackUsed: true}
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	hostID = "host-1"
	userID = "user-1"
)

type harness struct {
	store   *memStore
	ledger  *fakeLedger
	clock   *clock.Manual
	matcher *stubMatcher
	logs    *bytes.Buffer

	participations *ParticipationService
	resolver       *DiscountResolver
	payments       *PaymentService
	escrow         *EscrowService
	refunds        *RefundService
	events         *EventService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		ledger:  newFakeLedger(),
		clock:   clock.NewManual(testNow),
		matcher: &stubMatcher{decision: acceptDecision},
		logs:    &bytes.Buffer{},
	}
	logger := log.New(&syncWriter{w: h.logs}, "", 0)
	h.store.users[userID] = domain.UserProfile{ID: userID, Country: "ES", Segment: "student"}
	h.store.payouts[hostID] = "acct_host_1"

	h.participations = NewParticipationService(h.store, h.matcher, h.clock, ParticipationConfig{PaymentWindow: 10 * time.Minute}, WithParticipationLogger(logger))
	h.resolver = NewDiscountResolver(h.store, h.clock)
	h.escrow = NewEscrowService(h.store, h.ledger, h.clock, EscrowConfig{
		CoolingPeriod:      7 * 24 * time.Hour,
		PlatformFeePercent: 10,
		MaxTransferRetries: 3,
	}, WithEscrowLogger(logger))
	h.refunds = NewRefundService(h.store, h.escrow, h.ledger, h.clock, RefundConfig{}, WithRefundLogger(logger))
	h.payments = NewPaymentService(h.store, h.resolver, h.ledger, h.escrow, h.clock, WithPaymentLogger(logger), WithCaptureRefunder(h.refunds))
	h.events = NewEventService(h.store, h.refunds, nil, h.clock, logger)
	return h
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// addEvent stores an event starting in two days with the given capacity
// and price in cents.
func (h *harness) addEvent(t *testing.T, capacity int, price int64) domain.Event {
	t.Helper()
	starts := testNow.Add(48 * time.Hour)
	e, err := h.events.CreateEvent(context.Background(), CreateEventInput{
		HostID:      hostID,
		Title:       "Board games night",
		Capacity:    capacity,
		StartsAt:    starts,
		EndsAt:      starts.Add(3 * time.Hour),
		PriceAmount: price,
		Currency:    "EUR",
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return e
}

func (h *harness) addUser(id string) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.users[id] = domain.UserProfile{ID: id, Country: "ES"}
}

// reserve joins userID to the event and expects a RESERVED participation.
func (h *harness) reserve(t *testing.T, uid, eventID string) domain.Participation {
	t.Helper()
	res, err := h.participations.Join(context.Background(), JoinInput{UserID: uid, EventID: eventID})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Participation.Status != domain.ParticipationReserved {
		t.Fatalf("expected reserved, got %s", res.Participation.Status)
	}
	return res.Participation
}

// pay creates an intent and delivers a success webhook for it.
func (h *harness) pay(t *testing.T, uid, eventID string) domain.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	res, err := h.payments.CreateIntent(ctx, CreatePaymentInput{UserID: uid, EventID: eventID})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	err = h.payments.HandleWebhook(ctx, domain.WebhookEvent{ID: "evt-" + res.Intent.ID, Kind: domain.WebhookPaymentSucceeded, Ref: res.Intent.ExternalRef})
	if err != nil {
		t.Fatalf("payment succeeded webhook: %v", err)
	}
	pi, err := h.store.GetPaymentIntent(ctx, res.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	return pi
}
