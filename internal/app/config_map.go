package app

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"deadman/internal/config"
	"deadman/internal/evaluate"
	"deadman/internal/model"
	"deadman/internal/notifier"
	"deadman/internal/probe"
	"deadman/internal/status"
	"deadman/internal/storage"
	"deadman/internal/task/scheduler"
	"deadman/internal/timesync"
	logx "deadman/pkg/logx"
)

// settings is the typed form of a config.Config, ready to build components.
type settings struct {
	Logging   logx.Config
	Storage   storage.Config
	Probe     probe.Options
	BaseURL   string
	UserAgent string
	Notifier  notifier.Config
	SMTP      notifier.SMTPTransport
	TimeSync  *timesync.Config // nil when disabled
	Scheduler scheduler.Config
	Schedule  string // human-readable cadence
	Status    status.Config
}

// mapConfig converts and validates every duration and schedule in cfg.
// All problems are reported together.
func mapConfig(cfg *config.Config) (*settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s := &settings{Logging: mapLogging(cfg.Logging)}

	s.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:        strings.TrimSpace(cfg.Database.Path),
		BusyTimeout: dur("database.busy_timeout", cfg.Database.BusyTimeout, 5*time.Second),
		OpTimeout:   dur("database.timeout", cfg.Database.Timeout, 5*time.Second),
	}

	p := cfg.Probe
	s.Probe = probe.Options{
		Timeout:      dur("probe.timeout", p.Timeout, 10*time.Second),
		RetryMax:     intOr(p.RetryMax, 3),
		RetryBackoff: dur("probe.retry_backoff", p.RetryBackoff, time.Second),
		MinInterval:  dur("probe.min_interval", p.MinInterval, 2*time.Second),
	}
	s.BaseURL = strings.TrimSpace(p.BaseURL)
	s.UserAgent = strings.TrimSpace(p.UserAgent)

	e := cfg.Email
	emailTimeout := dur("email.timeout", e.Timeout, 30*time.Second)
	retries := e.RetryMax
	if retries == 0 {
		retries = e.NotifyRetries
	}
	s.Notifier = notifier.Config{
		From:          strings.TrimSpace(e.SenderEmail),
		To:            splitList(e.ReceiverEmail),
		SubjectPrefix: e.SubjectPrefix,
		RetryMax:      intOr(retries, 3),
		RetryBackoff:  dur("email.retry_backoff", e.RetryBackoff, 2*time.Second),
		Timeout:       emailTimeout,
	}
	s.SMTP = notifier.SMTPTransport{
		Host:     strings.TrimSpace(e.SMTPServer),
		Port:     e.SMTPPort,
		Username: strings.TrimSpace(e.SenderEmail),
		Password: e.SenderPassword,
		UseSSL:   e.UseSSL,
		Timeout:  emailTimeout,
	}

	if ts := cfg.TimeSync; ts.On() {
		s.TimeSync = &timesync.Config{
			Servers:    ts.Servers,
			Timeout:    dur("time_sync.timeout", ts.Timeout, 3*time.Second),
			MaxSkew:    time.Duration(ts.MaxSkewSec * float64(time.Second)),
			MinSuccess: ts.MinSuccess,
		}
	}

	c := cfg.Check
	s.Scheduler = scheduler.Config{
		Subjects:      mapSubjects(cfg.Targets),
		Interval:      time.Duration(c.CheckIntervalHours * float64(time.Hour)),
		Schedule:      strings.TrimSpace(c.Schedule),
		Timezone:      strings.TrimSpace(c.Timezone),
		ThresholdDays: c.InactiveDaysThreshold,
		ClockSkew:     dur("check_config.clock_skew_tolerance", c.ClockSkewTolerance, evaluate.DefaultClockSkew),
		Workers:       c.Workers,
	}
	desc, err := scheduler.Describe(s.Scheduler)
	if err != nil {
		errs = append(errs, fmt.Errorf("check_config: %w", err))
	}
	s.Schedule = desc

	s.Status = mapStatus(cfg.ControlPanel)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func mapLogging(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapSubjects(targets []config.TargetConfig) []model.Subject {
	out := make([]model.Subject, 0, len(targets))
	for _, t := range targets {
		uid := strings.TrimSpace(t.BilibiliUID)
		label := strings.TrimSpace(t.Name)
		if label == "" {
			label = uid
		}
		out = append(out, model.Subject{
			ID:            uid,
			Label:         label,
			OwnerContact:  strings.TrimSpace(t.QQNumber),
			ThresholdDays: t.InactiveDaysThreshold,
		})
	}
	return out
}

func mapStatus(cp config.ControlPanelConfig) status.Config {
	host := strings.TrimSpace(cp.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cp.Port
	if port == 0 {
		port = 8080
	}
	sc := status.Config{
		Enabled: cp.Enabled,
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Token:   strings.TrimSpace(cp.AuthToken),
	}
	if cp.EnableHTTPS {
		sc.CertFile = strings.TrimSpace(cp.CertFile)
		sc.KeyFile = strings.TrimSpace(cp.KeyFile)
	}
	return sc
}

// configView is the /config payload: the settings the running loop uses,
// not a later reload of the file. It must never include secrets.
func configView(s *settings) map[string]any {
	return map[string]any{
		"targets":                 len(s.Scheduler.Subjects),
		"check_interval_hours":    s.Scheduler.Interval.Hours(),
		"schedule":                s.Schedule,
		"inactive_days_threshold": s.Scheduler.ThresholdDays,
		"sender_email":            s.Notifier.From,
		"receiver_email":          strings.Join(s.Notifier.To, ", "),
		"smtp_server":             s.SMTP.Host,
		"database_driver":         storageDriver(s.Storage.Driver),
		"time_sync":               s.TimeSync != nil,
	}
}

func storageDriver(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
