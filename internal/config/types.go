package config

type Config struct {
	Targets      []TargetConfig     `json:"targets"`
	Check        CheckConfig        `json:"check_config"`
	Probe        ProbeConfig        `json:"probe,omitempty"`
	Email        EmailConfig        `json:"email"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	ControlPanel ControlPanelConfig `json:"control_panel,omitempty"`
	TimeSync     TimeSyncConfig     `json:"time_sync,omitempty"`
}

// TargetConfig is one monitored subject.
//
// Example:
//
//	targets:
//	  - bilibili_uid: "12345"
//	    name: "Alice"
//	    qq_number: "10001"
type TargetConfig struct {
	BilibiliUID string `json:"bilibili_uid"`
	Name        string `json:"name,omitempty"`
	QQNumber    string `json:"qq_number,omitempty"`

	// InactiveDaysThreshold overrides check_config.inactive_days_threshold when > 0.
	InactiveDaysThreshold int `json:"inactive_days_threshold,omitempty"`
}

// CheckConfig controls the scheduler loop.
//
// Schedule is optional. When set it overrides check_interval_hours and accepts
// a cron expression ("0 */6 * * *"), a Go duration ("6h") or HH:MM ("06:00").
type CheckConfig struct {
	CheckIntervalHours    float64 `json:"check_interval_hours"`
	InactiveDaysThreshold int     `json:"inactive_days_threshold"`
	Schedule              string  `json:"schedule,omitempty"`
	Timezone              string  `json:"timezone,omitempty"`

	// Workers > 1 parallelizes the probe phase only.
	Workers int `json:"workers,omitempty"`
	// ClockSkewTolerance allows activity timestamps slightly in the future.
	ClockSkewTolerance string `json:"clock_skew_tolerance,omitempty"`
}

// ProbeConfig controls the profile source client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults:
//   - timeout: "10s"
//   - retry_max: 3
//   - retry_backoff: "1s" (linear: backoff * attempt)
//   - min_interval: "2s" between outbound probes
//   - base_url: "https://api.bilibili.com"
type ProbeConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	MinInterval  string `json:"min_interval,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// EmailConfig controls the SMTP notifier. Never log Password.
type EmailConfig struct {
	SMTPServer     string `json:"smtp_server"`
	SMTPPort       int    `json:"smtp_port"`
	SenderEmail    string `json:"sender_email"`
	SenderPassword string `json:"sender_password"`
	ReceiverEmail  string `json:"receiver_email"`
	SubjectPrefix  string `json:"subject_prefix,omitempty"`
	UseSSL         bool   `json:"use_ssl,omitempty"`

	Timeout      string `json:"timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	// NotifyRetries is the legacy name of retry_max.
	NotifyRetries int `json:"notify_retries,omitempty"`
}

// DatabaseConfig controls the durable store.
//
// Example:
//
//	"database": { "driver": "sqlite", "path": "./data/monitor.db" }
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ControlPanelConfig controls the optional status endpoint.
//
// Security note:
//   - Prefer binding to localhost (default).
//   - A non-loopback host requires auth_token.
type ControlPanelConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"` // do not log
	EnableHTTPS bool   `json:"enable_https,omitempty"`
	CertFile    string `json:"certfile,omitempty"`
	KeyFile     string `json:"keyfile,omitempty"`
}

// TimeSyncConfig controls the pre-send trusted time check. It is on
// unless enabled is explicitly false.
type TimeSyncConfig struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Servers    []string `json:"servers,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	MaxSkewSec float64  `json:"max_skew_sec,omitempty"`
	MinSuccess int      `json:"min_success,omitempty"`
}

// On reports whether the time check runs.
func (c TimeSyncConfig) On() bool { return c.Enabled == nil || *c.Enabled }
