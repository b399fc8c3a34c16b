// Package scheduler runs the periodic sweeps: payment-window expiry, escrow
// release, refund resumption and outbox delivery. Each job runs in its own goroutine, so a slow
// release batch never delays expiry.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cimillas/gatherly/internal/app"
)

// Job is one periodic task. Run is called once at start and then every
// Interval until the context ends; an error is logged and the job keeps
// its schedule.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs   []Job
	logger *log.Logger
}

func New(logger *log.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run blocks until ctx is cancelled and every job has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Printf("WARN: scheduler job %s disabled", job.Name)
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Printf("scheduler job=%s interval=%s started", job.Name, job.Interval)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, job)
		select {
		case <-ctx.Done():
			s.logger.Printf("scheduler job=%s stopped", job.Name)
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR: scheduler job=%s panic: %v", job.Name, r)
		}
	}()
	if err := job.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Printf("WARN: scheduler job=%s failed: %v", job.Name, err)
	}
}

type ExpirySweeper interface {
	ExpireReservations(ctx context.Context) (int, error)
}

type Releaser interface {
	RunRelease(ctx context.Context) (app.ReleaseReport, error)
}

type RefundResumer interface {
	ResumeRefunds(ctx context.Context) (int, error)
}

type Relay interface {
	RunOnce(ctx context.Context) (int, error)
}

// ExpiryJob expires reservations whose payment window has closed.
func ExpiryJob(svc ExpirySweeper, interval time.Duration, logger *log.Logger) Job {
	return Job{
		Name:     "expiry",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := svc.ExpireReservations(ctx)
			if n > 0 {
				logger.Printf("expiry sweep expired=%d", n)
			}
			return err
		},
	}
}

// ReleaseJob runs the escrow release batch.
func ReleaseJob(svc Releaser, interval time.Duration, logger *log.Logger) Job {
	return Job{
		Name:     "release",
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := svc.RunRelease(ctx)
			logger.Printf("release sweep scheduled=%d retried=%d failed=%d skipped=%d", report.Scheduled, report.Retried, report.Failed, report.Skipped)
			return err
		},
	}
}

// RefundJob drives refunds left PROCESSING by an interrupted run.
func RefundJob(svc RefundResumer, interval time.Duration, logger *log.Logger) Job {
	return Job{
		Name:     "refunds",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := svc.ResumeRefunds(ctx)
			if n > 0 {
				logger.Printf("refund resume resumed=%d", n)
			}
			return err
		},
	}
}

// OutboxJob drains unpublished outbox messages.
func OutboxJob(relay Relay, interval time.Duration, logger *log.Logger) Job {
	return Job{
		Name:     "outbox",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := relay.RunOnce(ctx)
			if n > 0 {
				logger.Printf("outbox relay published=%d", n)
			}
			return err
		},
	}
}
