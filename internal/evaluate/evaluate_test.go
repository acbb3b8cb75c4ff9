package evaluate

import (
	"errors"
	"testing"
	"time"

	"deadman/internal/model"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	day := 24 * time.Hour

	cases := []struct {
		name      string
		last      *time.Time
		threshold int
		state     model.State
		days      int // -1 = absent
		wantErr   bool
	}{
		{"absent is unknown", nil, 7, model.StateUnknown, -1, false},
		{"fresh", at(time.Hour), 7, model.StateActive, 0, false},
		{"one day short", at(7*day - time.Second), 7, model.StateActive, 6, false},
		{"exact threshold", at(7 * day), 7, model.StateInactive, 7, false},
		{"long gone", at(40*day + 5*time.Hour), 7, model.StateInactive, 40, false},
		{"threshold one", at(day), 1, model.StateInactive, 1, false},
		{"slightly future", at(-2 * time.Minute), 7, model.StateActive, 0, false},
		{"far future", at(-time.Hour), 7, "", 0, true},
		{"before launch", func() *time.Time { v := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC); return &v }(), 7, "", 0, true},
		{"zero threshold", at(day), 0, "", 0, true},
		{"negative threshold", nil, -3, "", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Evaluate(tc.last, now, tc.threshold, Options{})
			if tc.wantErr {
				if !errors.Is(err, ErrEvaluator) {
					t.Fatalf("expected ErrEvaluator, got %v (%+v)", err, ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.State != tc.state {
				t.Fatalf("state = %s, want %s", ev.State, tc.state)
			}
			if tc.days < 0 {
				if ev.InactiveDays != nil {
					t.Fatalf("inactive days should be absent, got %d", *ev.InactiveDays)
				}
				return
			}
			if ev.InactiveDays == nil || *ev.InactiveDays != tc.days {
				t.Fatalf("inactive days = %v, want %d", ev.InactiveDays, tc.days)
			}
		})
	}
}

func TestEvaluateCustomSkew(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(30 * time.Minute)
	if _, err := Evaluate(&future, now, 7, Options{ClockSkew: time.Hour}); err != nil {
		t.Fatalf("within custom skew should pass: %v", err)
	}
}

func TestThreshold(t *testing.T) {
	if got := Threshold(model.Subject{}, 7); got != 7 {
		t.Fatalf("global: %d", got)
	}
	if got := Threshold(model.Subject{ThresholdDays: 3}, 7); got != 3 {
		t.Fatalf("override: %d", got)
	}
}
