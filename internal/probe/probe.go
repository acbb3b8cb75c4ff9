// Package probe asks the profile source when a subject was last active.
//
// Probe never returns an unclassified error and never panics: transport,
// decoding and API failures all come back as a Failure result carrying a
// *Error with a Transient or Permanent kind.
package probe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"deadman/internal/model"
	"deadman/internal/retry"
	logx "deadman/pkg/logx"
)

// Source is the profile source client. *BilibiliClient implements it.
type Source interface {
	FetchLatestActivity(ctx context.Context, uid string) (Activity, error)
}

type Options struct {
	Timeout      time.Duration // per attempt
	RetryMax     int           // total attempts
	RetryBackoff time.Duration // linear: backoff * attempt
	MinInterval  time.Duration // pacing between outbound attempts, across subjects
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	return o
}

// Result is Success(Activity) when Err is nil, otherwise Failure.
type Result struct {
	Activity Activity
	Attempts int
	Err      error
}

func (r Result) Success() bool { return r.Err == nil }

// Kind is meaningful only for failures.
func (r Result) Kind() Kind { return KindOf(r.Err) }

type Prober struct {
	src     Source
	opts    Options
	limiter *rate.Limiter
	log     logx.Logger
}

func New(src Source, opts Options, log logx.Logger) *Prober {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return &Prober{
		src:     src,
		opts:    opts,
		limiter: lim,
		log:     log.With(logx.String("comp", "probe")),
	}
}

// Probe is safe for concurrent use; the limiter is shared by all callers.
func (p *Prober) Probe(ctx context.Context, s model.Subject) (res Result) {
	log := p.log.With(logx.String("subject_id", s.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("probe panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Result{Err: transient("probe", 0, 0, fmt.Errorf("panic: %v", r))}
		}
	}()

	policy := retry.Policy{
		MaxAttempts: p.opts.RetryMax,
		Backoff:     retry.Linear(p.opts.RetryBackoff),
		Retryable:   func(err error) bool { return KindOf(err) == Transient },
	}

	var act Activity
	out := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return transient("pace", 0, 0, err)
		}
		actx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()

		a, err := p.src.FetchLatestActivity(actx, s.ID)
		if err != nil {
			log.Debug("probe attempt failed",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", p.opts.RetryMax),
				logx.String("kind", KindOf(err).String()),
				logx.Err(err),
			)
			return err
		}
		act = a
		return nil
	})

	if out.OK() {
		return Result{Activity: act, Attempts: out.Attempts}
	}
	err := out.Err
	if _, ok := err.(*Error); !ok {
		kind := KindOf(err)
		err = &Error{Kind: kind, Op: "probe", Err: err}
	}
	log.Warn("probe failed",
		logx.String("status", out.Status.String()),
		logx.Int("attempts", out.Attempts),
		logx.String("kind", KindOf(err).String()),
		logx.Err(err),
	)
	return Result{Attempts: out.Attempts, Err: err}
}
