package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"deadman/internal/eventbus"
	"deadman/internal/model"
	"deadman/internal/retry"
	logx "deadman/pkg/logx"
)

// Recorder is the subset of storage.Store the notifier writes to.
type Recorder interface {
	AppendNotification(ctx context.Context, rec *model.NotificationRecord) error
}

// Service sends alerts and records every attempt.
//
// It is safe for concurrent use, but the scheduler calls it from a single
// goroutine so notification writes stay ordered.
type Service struct {
	mu  sync.Mutex
	cfg Config

	tr    Transport
	store Recorder
	bus   eventbus.Bus
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, tr Transport, store Recorder, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		tr:    tr,
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "notifier")),
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// SetClock replaces the time source used for sent_at.
func (s *Service) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s.cfg = cfg
}

// Notify composes and sends the alert, then appends one NotificationRecord.
//
// The returned record carries the delivery outcome. The error is non-nil
// only when the record could not be stored.
func (s *Service) Notify(ctx context.Context, a Alert) (model.NotificationRecord, error) {
	s.mu.Lock()
	cfg := s.cfg
	now := s.now
	s.mu.Unlock()

	log := s.log.With(
		logx.String("subject_id", a.Subject.ID),
		logx.String("label", a.Subject.Label),
		logx.String("cycle_id", a.CycleID),
	)

	res := s.deliver(ctx, cfg, a, now, log)

	rec := model.NotificationRecord{
		SubjectID:    a.Subject.ID,
		CycleID:      a.CycleID,
		SentAt:       now(),
		StateAtSend:  a.State,
		InactiveDays: model.IntPtr(a.InactiveDays),
		Delivery:     model.DeliverySent,
	}
	if !res.OK() {
		rec.Delivery = model.DeliveryFailed
		rec.Error = truncate(res.Err.Error(), 500)
		log.Error("alert delivery failed",
			logx.String("status", res.Status.String()),
			logx.Int("attempts", res.Attempts),
			logx.Bool("permanent", Permanent(res.Err)),
			logx.Err(res.Err),
		)
	} else {
		log.Info("alert sent",
			logx.Int("attempts", res.Attempts),
			logx.Int("inactive_days", a.InactiveDays),
		)
	}

	if s.bus != nil {
		at := rec.SentAt
		typ := "notifier.sent"
		if rec.Delivery == model.DeliveryFailed {
			typ = "notifier.failed"
		}
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: NotificationEvent{
			SubjectID: rec.SubjectID, CycleID: rec.CycleID, Delivery: rec.Delivery,
			Attempts: res.Attempts, At: at, Error: rec.Error,
		}})
	}

	// The record must land even if the cycle is being cancelled; a lost
	// sent record would allow a duplicate alert next cycle.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.AppendNotification(wctx, &rec); err != nil {
		log.Error("notification record not stored",
			logx.String("delivery", string(rec.Delivery)),
			logx.Bool("dedup_weakened", true),
			logx.Err(err),
		)
		return rec, err
	}
	return rec, nil
}

// deliver never panics: a panic while composing or sending ends the
// attempt as a permanent DeliveryError so Notify still records it.
func (s *Service) deliver(ctx context.Context, cfg Config, a Alert, now func() time.Time, log logx.Logger) (res retry.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("alert delivery panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = retry.Result{Status: retry.Rejected, Attempts: max(res.Attempts, 1),
				Err: &DeliveryError{Permanent: true, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	if s.tr == nil {
		return retry.Result{Status: retry.Rejected, Attempts: 0, Err: &DeliveryError{Permanent: true, Err: errors.New("no transport")}}
	}
	msg, err := Compose(cfg, a, now())
	if err != nil {
		return retry.Result{Status: retry.Rejected, Err: err}
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMax,
		Backoff:     retry.Exponential(cfg.RetryBackoff, 10*cfg.RetryBackoff),
		Retryable:   func(err error) bool { return !Permanent(err) },
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		err := s.tr.Send(actx, msg)
		if err != nil {
			log.Debug("send attempt failed",
				logx.Int("attempt", attempt),
				logx.Int("max", cfg.RetryMax),
				logx.Err(err),
			)
		}
		return err
	})
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
