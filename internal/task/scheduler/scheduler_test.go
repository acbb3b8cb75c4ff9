package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deadman/internal/eventbus"
	"deadman/internal/model"
	"deadman/internal/notifier"
	"deadman/internal/probe"
	"deadman/internal/storage"
	"deadman/internal/timesync"
	logx "deadman/pkg/logx"
)

const day = 24 * time.Hour

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProber answers from a per-subject table; missing entries are
// permanent failures.
type fakeProber struct {
	mu      sync.Mutex
	answers map[string]probe.Result
	calls   atomic.Int32
	panicOn string
}

func (p *fakeProber) set(id string, r probe.Result) {
	p.mu.Lock()
	p.answers[id] = r
	p.mu.Unlock()
}

func (p *fakeProber) Probe(_ context.Context, s model.Subject) probe.Result {
	p.calls.Add(1)
	if s.ID == p.panicOn {
		panic("probe exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.answers[s.ID]; ok {
		return r
	}
	return probe.Result{Attempts: 1, Err: &probe.Error{Kind: probe.Permanent, Op: "user_info", Code: -404, Err: errors.New("not found")}}
}

func lastActive(t time.Time) probe.Result {
	return probe.Result{Attempts: 1, Activity: probe.Activity{LastActivityAt: &t, Name: "n", Items: 3}}
}

type okTransport struct{ sends atomic.Int32 }

func (t *okTransport) Send(context.Context, notifier.Message) error {
	t.sends.Add(1)
	return nil
}

type harness struct {
	svc   *Service
	store storage.Store
	prob  *fakeProber
	tr    *okTransport
	clock *fakeClock
}

func newHarness(t *testing.T, subjects ...model.Subject) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "m.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)}
	tr := &okTransport{}
	n := notifier.New(notifier.Config{From: "bot@example.com", To: []string{"me@example.com"}, RetryBackoff: time.Millisecond}, tr, st, nil, logx.Nop())
	n.SetClock(clock.Now)
	prob := &fakeProber{answers: map[string]probe.Result{}}

	svc := New(Config{Subjects: subjects, Interval: 6 * time.Hour, ThresholdDays: 7}, Deps{
		Prober: prob, Store: st, Notifier: n,
	})
	svc.SetClock(clock.Now)
	return &harness{svc: svc, store: st, prob: prob, tr: tr, clock: clock}
}

func (h *harness) notifications(t *testing.T, id string) []model.NotificationRecord {
	t.Helper()
	recs, err := h.store.RecentNotifications(context.Background(), id, 100)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func (h *harness) checks(t *testing.T, id string) []model.CheckRecord {
	t.Helper()
	recs, err := h.store.RecentChecks(context.Background(), id, 100)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestInactiveEpisodeAlertsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, model.Subject{ID: "1", Label: "A"})
	h.prob.set("1", lastActive(h.clock.Now().Add(-10*day)))

	// Last active 10 days ago, threshold 7, no prior alert.
	sum := h.svc.RunCycle(ctx, "test")
	if sum.Alerts != 1 || sum.OK != 1 {
		t.Fatalf("first cycle: %+v", sum)
	}
	latest, _, _ := h.store.LatestCheck(ctx, "1")
	if latest.State != model.StateInactive || latest.InactiveDays == nil || *latest.InactiveDays != 10 {
		t.Fatalf("unexpected check: %+v", latest)
	}
	if n := h.notifications(t, "1"); len(n) != 1 || n[0].Delivery != model.DeliverySent {
		t.Fatalf("want exactly one sent record, got %+v", n)
	}

	// Six hours later, still inactive: recorded, but no new alert.
	h.clock.Advance(6 * time.Hour)
	sum = h.svc.RunCycle(ctx, "test")
	if sum.Alerts != 0 || sum.Suppressed != 1 {
		t.Fatalf("second cycle: %+v", sum)
	}
	if n := h.notifications(t, "1"); len(n) != 1 {
		t.Fatalf("duplicate alert: %+v", n)
	}
	if c := h.checks(t, "1"); len(c) != 2 || c[0].State != model.StateInactive {
		t.Fatalf("second check not recorded: %+v", c)
	}

	// Recovery, then inactive again: a new episode alerts again.
	h.clock.Advance(6 * time.Hour)
	h.prob.set("1", lastActive(h.clock.Now().Add(-time.Hour)))
	h.svc.RunCycle(ctx, "test")
	h.clock.Advance(8 * day)
	sum = h.svc.RunCycle(ctx, "test")
	if sum.Alerts != 1 {
		t.Fatalf("new episode should alert: %+v", sum)
	}
	if n := h.notifications(t, "1"); len(n) != 2 {
		t.Fatalf("want two sent records across episodes, got %d", len(n))
	}
	if h.tr.sends.Load() != 2 {
		t.Fatalf("transport sends = %d", h.tr.sends.Load())
	}
}

func TestAbsentSignalNeverAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", probe.Result{Attempts: 1, Activity: probe.Activity{Hidden: true}})

	for i := 0; i < 3; i++ {
		h.svc.RunCycle(ctx, "test")
		h.clock.Advance(30 * day)
	}
	for _, c := range h.checks(t, "1") {
		if c.State != model.StateUnknown || c.Outcome != model.OutcomeSuccess || c.InactiveDays != nil {
			t.Fatalf("absent signal must be unknown: %+v", c)
		}
	}
	if n := h.notifications(t, "1"); len(n) != 0 {
		t.Fatalf("unknown must never notify: %+v", n)
	}
}

func TestOneSubjectFailureDoesNotAbortCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, model.Subject{ID: "A"}, model.Subject{ID: "B"}, model.Subject{ID: "C"})
	h.prob.set("A", lastActive(h.clock.Now().Add(-time.Hour)))
	h.prob.set("C", lastActive(h.clock.Now().Add(-time.Hour)))
	// B has no answer: permanent failure.

	sum := h.svc.RunCycle(ctx, "test")
	if sum.Checked != 3 || sum.OK != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	for _, id := range []string{"A", "C"} {
		if c := h.checks(t, id); len(c) != 1 || c[0].Outcome != model.OutcomeSuccess {
			t.Fatalf("%s: %+v", id, c)
		}
	}
	b := h.checks(t, "B")
	if len(b) != 1 || b[0].Outcome != model.OutcomeProbeError || b[0].State != model.StateUnknown {
		t.Fatalf("B: %+v", b)
	}
}

func TestPanickingProbeIsContained(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "A"}, model.Subject{ID: "B"})
	h.prob.panicOn = "A"
	h.prob.set("B", lastActive(h.clock.Now().Add(-time.Hour)))

	sum := h.svc.RunCycle(context.Background(), "test")
	if sum.Failed != 1 || sum.OK != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if c := h.checks(t, "A"); len(c) != 1 || c[0].Outcome != model.OutcomeProbeError {
		t.Fatalf("panic must be recorded as probe_error: %+v", c)
	}
}

type panicTransport struct{}

func (panicTransport) Send(context.Context, notifier.Message) error { panic("smtp exploded") }

type panicNotifier struct{}

func (panicNotifier) Notify(context.Context, notifier.Alert) (model.NotificationRecord, error) {
	panic("notifier exploded")
}

func TestPanickingTransportRecordsFailedDelivery(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", lastActive(h.clock.Now().Add(-10*day)))
	n := notifier.New(notifier.Config{From: "bot@example.com", To: []string{"me@example.com"}, RetryBackoff: time.Millisecond},
		panicTransport{}, h.store, nil, logx.Nop())
	n.SetClock(h.clock.Now)
	svc := New(Config{Subjects: []model.Subject{{ID: "1"}}, Interval: 6 * time.Hour, ThresholdDays: 7},
		Deps{Prober: h.prob, Store: h.store, Notifier: n})
	svc.SetClock(h.clock.Now)

	svc.RunCycle(context.Background(), "test")

	c := h.checks(t, "1")
	if len(c) != 1 || c[0].Outcome != model.OutcomeSuccess || c[0].State != model.StateInactive ||
		c[0].InactiveDays == nil || *c[0].InactiveDays != 10 {
		t.Fatalf("evaluation lost: %+v", c)
	}
	recs := h.notifications(t, "1")
	if len(recs) != 1 || recs[0].Delivery != model.DeliveryFailed || recs[0].Error == "" {
		t.Fatalf("want one failed notification, got %+v", recs)
	}
}

func TestPanickingNotifierKeepsEvaluation(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", lastActive(h.clock.Now().Add(-10*day)))
	svc := New(Config{Subjects: []model.Subject{{ID: "1"}}, Interval: 6 * time.Hour, ThresholdDays: 7},
		Deps{Prober: h.prob, Store: h.store, Notifier: panicNotifier{}})
	svc.SetClock(h.clock.Now)

	if sum := svc.RunCycle(context.Background(), "test"); sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	c := h.checks(t, "1")
	if len(c) != 1 || c[0].Outcome != model.OutcomeSuccess || c[0].State != model.StateInactive {
		t.Fatalf("successful evaluation must be recorded: %+v", c)
	}
}

func TestEvaluatorErrorIsRecorded(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", lastActive(h.clock.Now().Add(3*day)))

	h.svc.RunCycle(context.Background(), "test")
	c := h.checks(t, "1")
	if len(c) != 1 || c[0].Outcome != model.OutcomeEvaluatorError || c[0].LastActivityAt == nil {
		t.Fatalf("unexpected check: %+v", c)
	}
	if n := h.notifications(t, "1"); len(n) != 0 {
		t.Fatal("evaluator errors must not notify")
	}
}

func TestInactiveDaysNonDecreasingAndCheckedAtIncreasing(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", lastActive(h.clock.Now().Add(-2*day)))

	for i := 0; i < 4; i++ {
		h.svc.RunCycle(context.Background(), "test")
		// The clock does not move on the second iteration.
		if i != 1 {
			h.clock.Advance(13 * time.Hour)
		}
	}
	c := h.checks(t, "1")
	if len(c) != 4 {
		t.Fatalf("want 4 checks, got %d", len(c))
	}
	for i := len(c) - 1; i > 0; i-- {
		older, newer := c[i], c[i-1]
		if !newer.CheckedAt.After(older.CheckedAt) {
			t.Fatalf("checked_at not strictly increasing: %v then %v", older.CheckedAt, newer.CheckedAt)
		}
		if *newer.InactiveDays < *older.InactiveDays {
			t.Fatalf("inactive_days decreased: %d then %d", *older.InactiveDays, *newer.InactiveDays)
		}
	}
}

func TestPerSubjectThresholdOverride(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1", ThresholdDays: 30})
	h.prob.set("1", lastActive(h.clock.Now().Add(-10*day)))
	h.svc.RunCycle(context.Background(), "test")
	if c := h.checks(t, "1"); c[0].State != model.StateActive {
		t.Fatalf("override threshold ignored: %+v", c[0])
	}
}

type distrust struct{ calls int }

func (d *distrust) Verify(context.Context) (timesync.Result, error) {
	d.calls++
	return timesync.Result{}, timesync.ErrUntrusted
}

func TestUntrustedClockDefersAlert(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	v := &distrust{}
	h.svc.deps.Verifier = v
	h.prob.set("1", lastActive(h.clock.Now().Add(-10*day)))

	h.svc.RunCycle(context.Background(), "test")
	if v.calls != 1 || len(h.notifications(t, "1")) != 0 {
		t.Fatalf("alert must wait for a trusted clock (calls=%d)", v.calls)
	}
	if c := h.checks(t, "1"); len(c) != 1 || c[0].State != model.StateInactive {
		t.Fatalf("check must still be recorded: %+v", c)
	}

	// Next cycle with a trusted clock alerts for the same episode.
	h.svc.deps.Verifier = nil
	h.clock.Advance(6 * time.Hour)
	if sum := h.svc.RunCycle(context.Background(), "test"); sum.Alerts != 1 {
		t.Fatalf("deferred alert not sent: %+v", sum)
	}
}

func TestWorkerPoolKeepsOrderAndIsolation(t *testing.T) {
	subjects := []model.Subject{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}
	h := newHarness(t, subjects...)
	h.svc.cfg.Workers = 3
	for _, s := range subjects[:3] {
		h.prob.set(s.ID, lastActive(h.clock.Now().Add(-9*day)))
	}

	sum := h.svc.RunCycle(context.Background(), "test")
	if sum.Checked != 4 || sum.Failed != 1 || sum.Alerts != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestCanceledCycleStopsStartingSubjects(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"}, model.Subject{ID: "2"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := h.svc.RunCycle(ctx, "test")
	if !sum.Canceled || sum.Checked != 0 || h.prob.calls.Load() != 0 {
		t.Fatalf("unexpected summary: %+v (probes=%d)", sum, h.prob.calls.Load())
	}
}

func TestRunLoopCyclesTriggerAndShutdown(t *testing.T) {
	h := newHarness(t, model.Subject{ID: "1"})
	h.prob.set("1", lastActive(time.Now().Add(-time.Hour)))
	h.svc.SetClock(time.Now)
	h.svc.cfg.Interval = time.Hour

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	h.svc.deps.Bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	finished := 0
	waitFinished := func() {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Type == "scheduler.cycle.finished" {
					finished++
					return
				}
			case <-deadline:
				t.Fatal("cycle did not finish")
			}
		}
	}

	// Startup cycle runs without waiting for the interval.
	waitFinished()
	if !h.svc.Trigger() {
		t.Fatal("trigger should be accepted")
	}
	waitFinished()

	snap := h.svc.Snapshot()
	if snap.Cycles != 2 || snap.Last == nil || snap.Last.Reason != "manual" || snap.NextRunAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if finished != 2 {
		t.Fatalf("finished=%d", finished)
	}
}

func TestBuildNext(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 17, 0, 0, time.UTC)
	cases := []struct {
		schedule string
		interval time.Duration
		want     time.Time
	}{
		{"", 6 * time.Hour, start.Add(6 * time.Hour)},
		{"90m", 6 * time.Hour, start.Add(90 * time.Minute)},
		{"02:30", 0, start.Add(150 * time.Minute)},
		{"0 */6 * * *", 0, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		next, _, err := buildNext(tc.schedule, tc.interval, time.UTC)
		if err != nil {
			t.Fatalf("%q: %v", tc.schedule, err)
		}
		if got := next(start); !got.Equal(tc.want) {
			t.Fatalf("%q: next = %v, want %v", tc.schedule, got, tc.want)
		}
	}
	if _, _, err := buildNext("", 0, time.UTC); err == nil {
		t.Fatal("zero interval without schedule must fail")
	}
	if _, _, err := buildNext("not a schedule", 0, time.UTC); err == nil {
		t.Fatal("garbage schedule must fail")
	}
}
