package config

import (
	"errors"
	"fmt"
	"strings"

	logx "deadman/pkg/logx"
)

// Validate checks structural requirements that do not depend on parsing
// durations or schedules (those are checked where the values are mapped).
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(c.Targets) == 0 {
		add("targets: at least one target is required")
	}
	seen := make(map[string]int, len(c.Targets))
	for i, t := range c.Targets {
		uid := strings.TrimSpace(t.BilibiliUID)
		switch {
		case uid == "":
			add("targets[%d].bilibili_uid is required", i)
		case !isDigits(uid):
			add("targets[%d].bilibili_uid must be numeric, got %q", i, uid)
		}
		if prev, dup := seen[uid]; dup && uid != "" {
			add("targets[%d].bilibili_uid duplicates targets[%d]", i, prev)
		}
		seen[uid] = i
		if t.InactiveDaysThreshold < 0 {
			add("targets[%d].inactive_days_threshold must be >= 0", i)
		}
	}

	if c.Check.CheckIntervalHours <= 0 && strings.TrimSpace(c.Check.Schedule) == "" {
		add("check_config.check_interval_hours must be > 0")
	}
	if c.Check.InactiveDaysThreshold <= 0 {
		add("check_config.inactive_days_threshold must be a positive integer")
	}
	if c.Check.Workers < 0 {
		add("check_config.workers must be >= 0")
	}

	if c.Probe.RetryMax < 0 {
		add("probe.retry_max must be >= 0")
	}

	if strings.TrimSpace(c.Email.SMTPServer) == "" {
		add("email.smtp_server is required")
	}
	if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
		add("email.smtp_port must be in 1..65535")
	}
	if strings.TrimSpace(c.Email.SenderEmail) == "" {
		add("email.sender_email is required")
	}
	if strings.TrimSpace(c.Email.ReceiverEmail) == "" {
		add("email.receiver_email is required")
	}
	if c.Email.RetryMax < 0 || c.Email.NotifyRetries < 0 {
		add("email.retry_max must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		add("database.driver: unknown driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		add("database.path is required")
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	if c.ControlPanel.Enabled {
		if c.ControlPanel.Port < 0 || c.ControlPanel.Port > 65535 {
			add("control_panel.port must be in 0..65535")
		}
		if c.ControlPanel.EnableHTTPS &&
			(strings.TrimSpace(c.ControlPanel.CertFile) == "" || strings.TrimSpace(c.ControlPanel.KeyFile) == "") {
			add("control_panel: enable_https requires certfile and keyfile")
		}
	}

	if c.TimeSync.On() {
		if c.TimeSync.MaxSkewSec < 0 {
			add("time_sync.max_skew_sec must be >= 0")
		}
		if c.TimeSync.MinSuccess < 0 {
			add("time_sync.min_success must be >= 0")
		}
		if n := len(c.TimeSync.Servers); n > 0 && c.TimeSync.MinSuccess > n {
			add("time_sync.min_success (%d) exceeds server count (%d)", c.TimeSync.MinSuccess, n)
		}
	}

	return errors.Join(errs...)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
