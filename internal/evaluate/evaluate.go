// Package evaluate turns a last-activity timestamp into an activity state.
package evaluate

import (
	"errors"
	"fmt"
	"time"

	"deadman/internal/model"
)

var ErrEvaluator = errors.New("evaluator error")

// DefaultClockSkew is how far in the future an activity timestamp may be
// before it is treated as malformed.
const DefaultClockSkew = 5 * time.Minute

// Epoch is the earliest plausible activity time (profile source launch).
var Epoch = time.Date(2009, 6, 26, 0, 0, 0, 0, time.UTC)

type Options struct {
	ClockSkew time.Duration
}

type Evaluation struct {
	State model.State
	// InactiveDays is nil when State is unknown.
	InactiveDays *int
}

// Evaluate classifies last against now. last == nil yields unknown, which
// never produces an alert.
//
// inactive_days is the number of whole 24h periods between last and now.
func Evaluate(last *time.Time, now time.Time, thresholdDays int, opts Options) (Evaluation, error) {
	if thresholdDays <= 0 {
		return Evaluation{}, fmt.Errorf("%w: threshold must be a positive number of days, got %d", ErrEvaluator, thresholdDays)
	}
	if last == nil {
		return Evaluation{State: model.StateUnknown}, nil
	}

	skew := opts.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if last.Before(Epoch) {
		return Evaluation{}, fmt.Errorf("%w: last activity %s predates %s", ErrEvaluator,
			last.UTC().Format(time.RFC3339), Epoch.Format(time.DateOnly))
	}

	elapsed := now.Sub(*last)
	if elapsed < 0 {
		if -elapsed > skew {
			return Evaluation{}, fmt.Errorf("%w: last activity %s is %s in the future", ErrEvaluator,
				last.UTC().Format(time.RFC3339), (-elapsed).Round(time.Second))
		}
		elapsed = 0
	}

	days := int(elapsed / (24 * time.Hour))
	state := model.StateActive
	if days >= thresholdDays {
		state = model.StateInactive
	}
	return Evaluation{State: state, InactiveDays: &days}, nil
}

// Threshold picks the subject override when set.
func Threshold(s model.Subject, global int) int {
	if s.ThresholdDays > 0 {
		return s.ThresholdDays
	}
	return global
}
