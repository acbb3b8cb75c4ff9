package config

import (
	"reflect"
	"strings"

	logx "deadman/pkg/logx"
)

// LiveSections lists sections applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes passwords or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.count", len(newCfg.Targets)))
	}
	if oldCfg.Check != newCfg.Check {
		changed = append(changed, "check_config")
		attrs = append(attrs,
			logx.Any("check.interval_hours", newCfg.Check.CheckIntervalHours),
			logx.Int("check.threshold_days", newCfg.Check.InactiveDaysThreshold),
			logx.String("check.schedule", strings.TrimSpace(newCfg.Check.Schedule)),
		)
	}
	if oldCfg.Probe != newCfg.Probe {
		changed = append(changed, "probe")
	}

	// Email (never log password)
	oe, ne := oldCfg.Email, newCfg.Email
	if oe.SMTPServer != ne.SMTPServer || oe.SMTPPort != ne.SMTPPort ||
		oe.SenderEmail != ne.SenderEmail || oe.ReceiverEmail != ne.ReceiverEmail ||
		oe.SubjectPrefix != ne.SubjectPrefix || oe.UseSSL != ne.UseSSL ||
		oe.Timeout != ne.Timeout || oe.RetryMax != ne.RetryMax ||
		oe.RetryBackoff != ne.RetryBackoff || oe.NotifyRetries != ne.NotifyRetries ||
		oe.SenderPassword != ne.SenderPassword {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.String("email.server", ne.SMTPServer),
			logx.Int("email.port", ne.SMTPPort),
			logx.Bool("email.password_changed", oe.SenderPassword != ne.SenderPassword),
		)
	}

	if oldCfg.Database != newCfg.Database {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.driver", newCfg.Database.Driver),
			logx.String("database.path", newCfg.Database.Path),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Control panel (never log token)
	oc, nc := oldCfg.ControlPanel, newCfg.ControlPanel
	if oc != nc {
		changed = append(changed, "control_panel")
		attrs = append(attrs,
			logx.Bool("control_panel.enabled", nc.Enabled),
			logx.String("control_panel.host", nc.Host),
			logx.Int("control_panel.port", nc.Port),
			logx.Bool("control_panel.token_set", strings.TrimSpace(nc.AuthToken) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.TimeSync, newCfg.TimeSync) {
		changed = append(changed, "time_sync")
		attrs = append(attrs, logx.Bool("time_sync.enabled", newCfg.TimeSync.On()))
	}

	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
