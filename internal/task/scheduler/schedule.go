package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// A check_config.schedule value is one of
//
//	cron:     "0 */6 * * *", "@daily", "@every 6h"
//	duration: "6h", "90m"
//	HH:MM:    "06:00" (every six hours), "00:30"
//
// A "cron:" prefix forces cron; "every:" or "interval:" force an interval.
// Otherwise whitespace or a leading '@' means cron.

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNonPositive = errors.New("interval must be > 0")

// nextFunc maps a cycle start to the start of the following cycle.
type nextFunc func(t time.Time) time.Time

func every(d time.Duration) (nextFunc, string) {
	return func(t time.Time) time.Time { return t.Add(d) }, "every " + d.String()
}

// buildNext picks the cadence: schedule when set, else interval.
func buildNext(schedule string, interval time.Duration, loc *time.Location) (nextFunc, string, error) {
	s := strings.TrimSpace(schedule)
	if s == "" {
		if interval <= 0 {
			return nil, "", errors.New("check interval must be > 0")
		}
		next, desc := every(interval)
		return next, desc, nil
	}

	expr, isCron := cronExpr(s)
	if !isCron {
		d, err := parseEvery(expr)
		if err != nil {
			return nil, "", fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or duration like '6h'): %w", schedule, err)
		}
		next, desc := every(d)
		return next, desc, nil
	}

	if expr == "" {
		return nil, "", errors.New("cron schedule required after 'cron:'")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && loc != nil {
		spec.Location = loc
	}
	return sched.Next, "cron " + expr, nil
}

// cronExpr strips a kind prefix and reports whether s is cron.
func cronExpr(s string) (string, bool) {
	low := strings.ToLower(s)
	for _, p := range []string{"every:", "interval:"} {
		if strings.HasPrefix(low, p) {
			return strings.TrimSpace(s[len(p):]), false
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return strings.TrimSpace(s[len("cron:"):]), true
	}
	return s, strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n")
}

// parseEvery reads "HH:MM" or a Go duration.
func parseEvery(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("interval required")
	}
	var d time.Duration
	if h, m, ok := strings.Cut(v, ":"); ok {
		hours, herr := strconv.Atoi(h)
		mins, merr := strconv.Atoi(m)
		if herr != nil || merr != nil || len(h) > 3 || len(m) != 2 || hours < 0 || mins < 0 || mins > 59 {
			return 0, fmt.Errorf("invalid HH:MM %q", v)
		}
		d = time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz = strings.TrimSpace(tz); tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Describe validates the cadence in cfg and names it, as in
// "every 6h0m0s" or "cron 0 */6 * * *".
func Describe(cfg Config) (string, error) {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	_, desc, err := buildNext(cfg.Schedule, cfg.Interval, loc)
	return desc, err
}
