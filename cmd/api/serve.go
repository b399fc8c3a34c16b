package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cimillas/gatherly/internal/config"
	"github.com/cimillas/gatherly/internal/scheduler"
	transporthttp "github.com/cimillas/gatherly/internal/transport/http"
	"github.com/cimillas/gatherly/migrations"
)

func serveCmd(configPath *string) *cobra.Command {
	var skipMigrate, noSweeps bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the scheduled sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()
			cfg, err := config.Load(*configPath, logger)
			if err != nil {
				return err
			}
			return serve(cfg, logger, !skipMigrate, !noSweeps)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations at startup")
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "serve HTTP only; run sweeps elsewhere")
	return cmd
}

func serve(cfg *config.Config, logger *log.Logger, migrate, sweeps bool) error {
	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := build(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if migrate {
		applied, err := migrations.Apply(stopCtx, rt.pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			logger.Printf("applied migration %s", name)
		}
	}

	svc := transporthttp.Services{
		Participations: rt.participations,
		Payments:       rt.payments,
		Refunds:        rt.refunds,
		Events:         rt.events,
		Escrow:         rt.escrow,
		Health:         rt.pool,
	}
	if rt.sandbox != nil {
		svc.Sandbox = rt.sandbox
		logger.Printf("WARN: sandbox ledger in use, POST /sandbox/settle enabled")
	}
	handler := transporthttp.NewRouter(svc, transporthttp.RouterConfig{
		CORSOrigins:   cfg.Server.CORSOrigins,
		AdminToken:    cfg.Server.AdminToken,
		WebhookSecret: cfg.Ledger.WebhookSecret,
	}, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler,
	}

	var wg sync.WaitGroup
	sweepCtx, cancelSweeps := context.WithCancel(stopCtx)
	defer cancelSweeps()
	if sweeps {
		sched := scheduler.New(logger,
			scheduler.ExpiryJob(rt.participations, cfg.Schedule.ExpiryInterval, logger),
			scheduler.ReleaseJob(rt.escrow, cfg.Schedule.ReleaseInterval, logger),
			scheduler.RefundJob(rt.refunds, cfg.Schedule.RefundInterval, logger),
			scheduler.OutboxJob(rt.relay, cfg.Schedule.OutboxInterval, logger),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(sweepCtx)
		}()
	}

	logger.Printf("api listening on :%s", cfg.Server.Port)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server error: %v", err)
		}
	case <-stopCtx.Done():
		logger.Printf("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("server shutdown error: %v", err)
	}
	cancelSweeps()
	wg.Wait()
	logger.Printf("server stopped")
	return nil
}
