package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvDBPath        = "MONITOR_DB_PATH"
	EnvLogLevel      = "MONITOR_LOG_LEVEL"
	EnvSMTPServer    = "EMAIL_SMTP_SERVER"
	EnvSMTPPort      = "EMAIL_SMTP_PORT"
	EnvSender        = "EMAIL_SENDER"
	EnvPassword      = "EMAIL_PASSWORD"
	EnvReceiver      = "EMAIL_RECEIVER"
	EnvSubjectPrefix = "EMAIL_SUBJECT_PREFIX"
	EnvUseSSL        = "EMAIL_USE_SSL"
	EnvSMTPTimeout   = "SMTP_TIMEOUT"
	EnvControlToken  = "CONTROL_PANEL_TOKEN"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set in the real
// environment are never overwritten.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg.
// lookup is usually os.LookupEnv; tests pass a map-backed func.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get(EnvDBPath); ok {
		cfg.Database.Path = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvSMTPServer); ok {
		cfg.Email.SMTPServer = v
	}
	if v, ok := get(EnvSMTPPort); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvSMTPPort, v)
		}
		cfg.Email.SMTPPort = p
	}
	if v, ok := get(EnvSender); ok {
		cfg.Email.SenderEmail = v
	}
	if v, ok := get(EnvPassword); ok {
		cfg.Email.SenderPassword = v
	}
	if v, ok := get(EnvReceiver); ok {
		cfg.Email.ReceiverEmail = v
	}
	if v, ok := get(EnvSubjectPrefix); ok {
		cfg.Email.SubjectPrefix = v
	}
	if v, ok := get(EnvUseSSL); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			cfg.Email.UseSSL = true
		case "0", "false", "no", "off":
			cfg.Email.UseSSL = false
		default:
			return fmt.Errorf("%s: invalid bool %q", EnvUseSSL, v)
		}
	}
	if v, ok := get(EnvSMTPTimeout); ok {
		// Bare numbers are seconds.
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			v += "s"
		}
		cfg.Email.Timeout = v
	}
	if v, ok := get(EnvControlToken); ok {
		cfg.ControlPanel.AuthToken = v
	}
	return nil
}
