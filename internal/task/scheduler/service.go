package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"deadman/internal/dedup"
	"deadman/internal/evaluate"
	"deadman/internal/eventbus"
	"deadman/internal/model"
	"deadman/internal/notifier"
	"deadman/internal/probe"
	logx "deadman/pkg/logx"
)

// writeTimeout bounds record writes that outlive a cancelled cycle.
const writeTimeout = 10 * time.Second

// Event types published on the bus. Data is a CycleSummary.
const (
	EventCycleStarted  = "scheduler.cycle.started"
	EventCycleFinished = "scheduler.cycle.finished"
)

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		log:     log.With(logx.String("comp", "scheduler")),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// SetClock replaces the time source used for checked_at and evaluation.
func (s *Service) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) clock() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}

// Trigger requests an extra cycle from Run. It reports false when a request
// is already pending.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes cycles until ctx is done. It returns an error only for an
// unusable schedule.
func (s *Service) Run(ctx context.Context) error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.Local
	}
	next, desc, err := buildNext(s.cfg.Schedule, s.cfg.Interval, loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snap.Schedule = desc
	s.mu.Unlock()

	s.log.Info("loop started",
		logx.String("schedule", desc),
		logx.Int("subjects", len(s.cfg.Subjects)),
		logx.Int("threshold_days", s.cfg.ThresholdDays),
		logx.Int("workers", s.cfg.Workers),
	)

	reason := "startup"
	for {
		started := s.clock()
		s.RunCycle(ctx, reason)
		if ctx.Err() != nil {
			s.log.Info("loop stopped")
			return nil
		}

		at := next(started)
		s.mu.Lock()
		s.snap.NextRunAt = at
		s.mu.Unlock()

		wait := at.Sub(s.clock())
		if wait < 0 {
			wait = 0
		}
		s.log.Debug("waiting for next cycle", logx.Time("next_run_at", at), logx.Duration("wait", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("loop stopped")
			return nil
		case <-t.C:
			reason = "schedule"
		case <-s.trigger:
			t.Stop()
			reason = "manual"
		}
	}
}

// subjectResult is one subject's contribution to the cycle summary.
type subjectResult int

const (
	resultOK subjectResult = iota
	resultFailed
	resultSkipped // cancelled before anything was recorded
)

type cycle struct {
	id  string
	log logx.Logger

	alerts     int
	suppressed int
}

// RunCycle checks every subject once. It is also used directly by the
// one-shot CLI command.
func (s *Service) RunCycle(ctx context.Context, reason string) CycleSummary {
	cyc := &cycle{id: uuid.NewString()}
	cyc.log = s.log.With(logx.String("cycle_id", cyc.id))

	sum := CycleSummary{
		CycleID:   cyc.id,
		Reason:    reason,
		StartedAt: s.clock(),
		Subjects:  len(s.cfg.Subjects),
	}
	s.mu.Lock()
	s.snap.Running = true
	s.snap.Current = cyc.id
	s.mu.Unlock()
	s.publish(EventCycleStarted, sum)
	cyc.log.Info("cycle started", logx.String("reason", reason), logx.Int("subjects", sum.Subjects))

	var results []chan probe.Result
	if s.cfg.Workers > 1 {
		results = s.probeAll(ctx, s.cfg.Subjects)
	}
	for i, subj := range s.cfg.Subjects {
		if ctx.Err() != nil {
			sum.Canceled = true
			break
		}
		var res probe.Result
		if results == nil {
			res = s.safeProbe(ctx, subj)
		} else {
			select {
			case res = <-results[i]:
			case <-ctx.Done():
				sum.Canceled = true
			}
			if sum.Canceled {
				break
			}
		}
		switch s.processSubject(ctx, cyc, subj, res) {
		case resultOK:
			sum.Checked++
			sum.OK++
		case resultFailed:
			sum.Checked++
			sum.Failed++
		case resultSkipped:
			sum.Canceled = true
		}
		if sum.Canceled {
			break
		}
	}

	sum.Alerts = cyc.alerts
	sum.Suppressed = cyc.suppressed
	sum.FinishedAt = s.clock()
	sum.Duration = sum.FinishedAt.Sub(sum.StartedAt)

	s.mu.Lock()
	s.snap.Running = false
	s.snap.Current = ""
	s.snap.Cycles++
	last := sum
	s.snap.Last = &last
	s.mu.Unlock()
	s.publish(EventCycleFinished, sum)

	fields := []logx.Field{
		logx.String("reason", reason),
		logx.Int("checked", sum.Checked),
		logx.Int("ok", sum.OK),
		logx.Int("failed", sum.Failed),
		logx.Int("alerts", sum.Alerts),
		logx.Int("suppressed", sum.Suppressed),
		logx.Duration("took", sum.Duration),
	}
	if sum.Canceled {
		cyc.log.Warn("cycle aborted by shutdown", fields...)
	} else {
		cyc.log.Info("cycle finished", fields...)
	}
	return sum
}

// probeAll probes subjects on a bounded pool and returns one single-value
// channel per subject, in subject order.
func (s *Service) probeAll(ctx context.Context, subjects []model.Subject) []chan probe.Result {
	out := make([]chan probe.Result, len(subjects))
	for i := range out {
		out[i] = make(chan probe.Result, 1)
	}
	if len(subjects) == 0 {
		return out
	}

	workers := min(s.cfg.Workers, len(subjects))
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				out[i] <- s.safeProbe(ctx, subjects[i])
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range subjects {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Service) safeProbe(ctx context.Context, subj model.Subject) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("probe panic", logx.String("subject_id", subj.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = probe.Result{Err: &probe.Error{Kind: probe.Transient, Op: "probe", Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	if s.deps.Prober == nil {
		return probe.Result{Err: &probe.Error{Kind: probe.Permanent, Op: "probe", Err: errors.New("no prober configured")}}
	}
	return s.deps.Prober.Probe(ctx, subj)
}

// processSubject runs EVALUATE → (dedup → NOTIFY) → RECORD for one probed
// subject. Panics are contained and recorded.
func (s *Service) processSubject(ctx context.Context, cyc *cycle, subj model.Subject, res probe.Result) (out subjectResult) {
	log := cyc.log.With(logx.String("subject_id", subj.ID), logx.String("label", subj.Label))
	recorded := false
	var rec model.CheckRecord

	defer func() {
		if r := recover(); r != nil {
			log.Error("subject check panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = resultFailed
			if recorded {
				return
			}
			// A panic after a successful evaluation keeps that result.
			if rec.Outcome == model.OutcomeSuccess {
				_ = s.appendCheck(ctx, log, &rec)
				return
			}
			failed := model.CheckRecord{
				SubjectID: subj.ID,
				CycleID:   cyc.id,
				CheckedAt: s.clock(),
				Outcome:   model.OutcomeProbeError,
				State:     model.StateUnknown,
				Detail:    fmt.Sprintf("panic: %v", r),
			}
			_ = s.appendCheck(ctx, log, &failed)
		}
	}()

	// A probe cut short by shutdown is not a probe failure; nothing is recorded.
	if !res.Success() && ctx.Err() != nil {
		log.Debug("check abandoned by shutdown", logx.Err(res.Err))
		return resultSkipped
	}

	checkedAt := s.clock().Truncate(time.Millisecond)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	prev, hasPrev, err := s.deps.Store.LatestCheck(wctx, subj.ID)
	cancel()
	if err != nil {
		log.Warn("previous check lookup failed", logx.Err(err))
	}
	if hasPrev && !checkedAt.After(prev.CheckedAt) {
		checkedAt = prev.CheckedAt.Add(time.Millisecond)
	}

	rec = model.CheckRecord{SubjectID: subj.ID, CycleID: cyc.id, CheckedAt: checkedAt}

	if !res.Success() {
		rec.Outcome = model.OutcomeProbeError
		rec.State = model.StateUnknown
		rec.Detail = fmt.Sprintf("%s: %v", res.Kind(), res.Err)
		log.Warn("probe failed",
			logx.String("kind", res.Kind().String()),
			logx.Int("attempts", res.Attempts),
			logx.Err(res.Err),
		)
		recorded = true
		_ = s.appendCheck(ctx, log, &rec)
		return resultFailed
	}

	act := res.Activity
	rec.LastActivityAt = act.LastActivityAt
	threshold := evaluate.Threshold(subj, s.cfg.ThresholdDays)
	ev, err := evaluate.Evaluate(act.LastActivityAt, checkedAt, threshold, evaluate.Options{ClockSkew: s.cfg.ClockSkew})
	if err != nil {
		rec.Outcome = model.OutcomeEvaluatorError
		rec.State = model.StateUnknown
		rec.Detail = err.Error()
		log.Warn("evaluation failed", logx.Err(err))
		recorded = true
		_ = s.appendCheck(ctx, log, &rec)
		return resultFailed
	}

	rec.Outcome = model.OutcomeSuccess
	rec.State = ev.State
	rec.InactiveDays = ev.InactiveDays
	rec.Detail = statusDetail(act)

	fields := []logx.Field{logx.String("state", string(ev.State)), logx.Int("threshold_days", threshold)}
	if ev.InactiveDays != nil {
		fields = append(fields, logx.Int("inactive_days", *ev.InactiveDays))
	}
	if act.LastActivityAt != nil {
		fields = append(fields, logx.Time("last_activity_at", *act.LastActivityAt))
	}
	log.Info("subject checked", fields...)
	if hasPrev {
		logTransition(log, prev.State, ev.State)
	}

	if ev.State == model.StateInactive {
		s.maybeAlert(ctx, cyc, log, subj, rec, threshold, act)
	}

	recorded = true
	if err := s.appendCheck(ctx, log, &rec); err != nil {
		return resultFailed
	}
	return resultOK
}

func (s *Service) maybeAlert(ctx context.Context, cyc *cycle, log logx.Logger, subj model.Subject, rec model.CheckRecord, threshold int, act probe.Activity) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	d, err := dedup.ShouldNotify(wctx, s.deps.Store, subj.ID)
	cancel()
	if err != nil {
		log.Error("dedup lookup failed; alert skipped this cycle", logx.Err(err))
		return
	}
	if !d.Notify {
		cyc.suppressed++
		fields := []logx.Field{logx.Time("boundary", d.Boundary)}
		if d.Prior != nil {
			fields = append(fields, logx.Time("already_sent_at", d.Prior.SentAt))
		}
		log.Info("alert suppressed; episode already notified", fields...)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if s.deps.Verifier != nil {
		tr, err := s.deps.Verifier.Verify(ctx)
		if err != nil {
			log.Error("clock not trusted; alert deferred to next cycle", logx.Err(err))
			return
		}
		log.Debug("clock verified", logx.Duration("skew", tr.Skew))
	}
	if s.deps.Notifier == nil {
		log.Error("no notifier configured; alert dropped")
		return
	}

	days := 0
	if rec.InactiveDays != nil {
		days = *rec.InactiveDays
	}
	alert := notifier.Alert{
		Subject:        subj,
		CycleID:        cyc.id,
		State:          rec.State,
		LastActivityAt: rec.LastActivityAt,
		InactiveDays:   days,
		ThresholdDays:  threshold,
		CheckedAt:      rec.CheckedAt,
		Detail: map[string]any{
			"name":   act.Name,
			"items":  act.Items,
			"hidden": act.Hidden,
		},
	}
	nrec, err := s.deps.Notifier.Notify(ctx, alert)
	if nrec.Delivery == model.DeliverySent {
		cyc.alerts++
	}
	if err != nil {
		log.Error("notification record lost", logx.Bool("dedup_weakened", true), logx.Err(err))
	}
}

func (s *Service) appendCheck(ctx context.Context, log logx.Logger, rec *model.CheckRecord) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.deps.Store.AppendCheck(wctx, rec); err != nil {
		log.Error("check record not stored",
			logx.String("outcome", string(rec.Outcome)),
			logx.String("state", string(rec.State)),
			logx.Bool("dedup_weakened", true),
			logx.Err(err),
		)
		return err
	}
	return nil
}

func logTransition(log logx.Logger, from, to model.State) {
	if from == to || from == model.StateUnknown || to == model.StateUnknown {
		return
	}
	switch to {
	case model.StateInactive:
		log.Warn("subject became inactive", logx.String("from", string(from)))
	case model.StateActive:
		log.Info("subject recovered", logx.String("from", string(from)))
	}
}

func statusDetail(a probe.Activity) string {
	m := map[string]any{"items": a.Items}
	if n := strings.TrimSpace(a.Name); n != "" {
		m["name"] = n
	}
	if a.Hidden {
		m["hidden"] = true
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Service) publish(typ string, sum CycleSummary) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: sum})
}
