package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/gatherly/internal/app"
	"github.com/cimillas/gatherly/internal/clock"
	"github.com/cimillas/gatherly/internal/config"
	"github.com/cimillas/gatherly/internal/currency"
	"github.com/cimillas/gatherly/internal/ledger"
	"github.com/cimillas/gatherly/internal/scoring"
	"github.com/cimillas/gatherly/internal/storage/postgres"
)

const startupTimeout = 5 * time.Second

// runtime is the assembled service graph shared by serve and sweep.
type runtime struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	sandbox *ledger.Sandbox

	events         *app.EventService
	participations *app.ParticipationService
	payments       *app.PaymentService
	escrow         *app.EscrowService
	refunds        *app.RefundService
	relay          *app.OutboxRelay
}

func (rt *runtime) Close() {
	if rt.sandbox != nil {
		_ = rt.sandbox.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

func newLedger(cfg config.LedgerConfig) (app.Ledger, *ledger.Sandbox, error) {
	if cfg.Mode == "http" {
		return ledger.NewHTTPClient(cfg.URL, cfg.APIKey, cfg.Timeout), nil, nil
	}
	sb, err := ledger.OpenSandbox(cfg.SandboxPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sandbox ledger: %w", err)
	}
	return sb, sb, nil
}

func newMatcher(cfg config.ScoringConfig, logger *log.Logger) *scoring.Engine {
	opts := []scoring.EngineOption{
		scoring.WithMode(scoring.Mode(cfg.Mode)),
		scoring.WithTimeout(cfg.Timeout),
		scoring.WithLogger(logger),
	}
	if cfg.Mode == string(scoring.ModeRemote) {
		opts = append(opts, scoring.WithRemote(scoring.NewRemote(cfg.URL, cfg.APIKey, cfg.Timeout)))
	}
	return scoring.NewEngine(scoring.Fallback{}, opts...)
}

// build wires every component from cfg. Each service only sees its own
// config section.
func build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*runtime, error) {
	pool, err := connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, pool: pool}

	led, sandbox, err := newLedger(cfg.Ledger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.sandbox = sandbox

	converter, err := currency.NewTable(cfg.Currency.Base, cfg.Currency.Rates)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("currency table: %w", err)
	}

	clk := clock.NewSystem()
	store := postgres.NewStore(pool)

	rt.escrow = app.NewEscrowService(store, led, clk, app.EscrowConfig{
		CoolingPeriod:      cfg.Escrow.CoolingPeriod,
		PlatformFeePercent: cfg.Escrow.PlatformFeePercent,
		MaxTransferRetries: cfg.Escrow.MaxTransferRetries,
		BatchSize:          cfg.Escrow.BatchSize,
		TransferGrace:      cfg.Escrow.TransferGrace,
	}, app.WithEscrowLogger(logger))

	rt.participations = app.NewParticipationService(store, newMatcher(cfg.Scoring, logger), clk, app.ParticipationConfig{
		PaymentWindow: cfg.Payment.Window,
	}, app.WithParticipationLogger(logger))

	rt.refunds = app.NewRefundService(store, rt.escrow, led, clk, app.RefundConfig{
		FullWindow:     time.Duration(cfg.Refund.FullHours) * time.Hour,
		PartialWindow:  time.Duration(cfg.Refund.PartialHours) * time.Hour,
		PartialPercent: cfg.Refund.PartialPercent,
		ResumeAfter:    cfg.Refund.ResumeAfter,
		BatchSize:      cfg.Escrow.BatchSize,
	}, app.WithRefundLogger(logger))

	rt.payments = app.NewPaymentService(store, app.NewDiscountResolver(store, clk), led, rt.escrow, clk,
		app.WithPaymentLogger(logger), app.WithCaptureRefunder(rt.refunds))

	rt.events = app.NewEventService(store, rt.refunds, converter, clk, logger)
	rt.relay = app.NewOutboxRelay(store, app.LogSink{Logger: logger}, clk, logger)

	return rt, nil
}
