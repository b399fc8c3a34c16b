package scoring

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cimillas/gatherly/internal/domain"
)

type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeFallback Mode = "fallback"
)

// Engine consults the remote scorer under a hard deadline and falls back
// to the local scorer on any failure. Decide never returns an error.
type Engine struct {
	fallback Fallback
	remote   Scorer
	mode     Mode
	timeout  time.Duration
	logger   *log.Logger
}

type EngineOption func(*Engine)

// WithRemote enables remote scoring through s.
func WithRemote(s Scorer) EngineOption {
	return func(e *Engine) {
		e.remote = s
		e.mode = ModeRemote
	}
}

// WithMode overrides the operating mode; fallback mode never calls out.
func WithMode(m Mode) EngineOption {
	return func(e *Engine) {
		if m == ModeRemote || m == ModeFallback {
			e.mode = m
		}
	}
}

func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine requires the fallback by value so a decision path without it
// cannot be constructed.
func NewEngine(fallback Fallback, opts ...EngineOption) *Engine {
	e := &Engine{
		fallback: fallback,
		mode:     ModeFallback,
		timeout:  defaultRemoteTimeout,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide scores the pair. It must not be called while holding a database
// transaction.
func (e *Engine) Decide(ctx context.Context, user domain.UserProfile, event domain.Event, now time.Time) Decision {
	f := FeaturesFor(user, event, now)

	var cause error
	if e.mode == ModeRemote && e.remote != nil {
		res, err := e.callRemote(ctx, f)
		if err == nil {
			err = checkResult(res)
		}
		if err == nil {
			e.logger.Printf("match decision user=%s event=%s source=%s score=%.3f fallback_used=false",
				user.ID, event.ID, domain.MatchSourceML, res.Score)
			return Decision{
				Score:   res.Score,
				Verdict: res.Verdict,
				Reasons: res.Reasons,
				Source:  domain.MatchSourceML,
			}
		}
		cause = err
	} else {
		cause = fmt.Errorf("remote scoring disabled")
	}

	res := e.fallback.Evaluate(f)
	e.logger.Printf("match decision user=%s event=%s source=%s score=%.3f fallback_used=true cause=%q",
		user.ID, event.ID, domain.MatchSourceFallback, res.Score, cause.Error())
	return Decision{
		Score:        res.Score,
		Verdict:      res.Verdict,
		Reasons:      res.Reasons,
		Source:       domain.MatchSourceFallback,
		FallbackUsed: true,
	}
}

func (e *Engine) callRemote(ctx context.Context, f Features) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("scorer panic: %v", r)}
			}
		}()
		r, err := e.remote.Score(ctx, f)
		ch <- outcome{res: r, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("scorer timeout: %w", ctx.Err())
	}
}

func checkResult(r Result) error {
	_, err := remoteResponse{Score: &r.Score, Decision: string(r.Verdict), Reasons: r.Reasons}.validate()
	return err
}
