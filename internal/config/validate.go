package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.DBDriver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when DB_DRIVER=sqlite")
		}
	case "postgres":
		// DATABASE_URL is required
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when DB_DRIVER=postgres")
		}
	default:
		add("DB_DRIVER", "must be 'sqlite' or 'postgres', got %q", cfg.DBDriver)
	}

	if cfg.LeaderElectionEnabled && cfg.DBDriver != "postgres" {
		add("LEADER_ELECTION_ENABLED", "requires DB_DRIVER=postgres")
	}

	positive := []struct {
		field string
		raw   string
	}{
		{"TICK_INTERVAL", cfg.TickIntervalStr},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"STALE_RUN_THRESHOLD", cfg.StaleRunThresholdStr},
		{"CHECKIN_TIMEOUT", cfg.CheckinTimeoutStr},
		{"NOTIFY_TIMEOUT", cfg.NotifyTimeoutStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	}
	for _, p := range positive {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			add(p.field, "invalid duration: %v", err)
		} else if d <= 0 {
			add(p.field, "must be positive")
		}
	}

	if cfg.CheckinJitterStr != "" {
		d, err := time.ParseDuration(cfg.CheckinJitterStr)
		if err != nil {
			add("CHECKIN_JITTER", "invalid duration: %v", err)
		} else if d < 0 {
			add("CHECKIN_JITTER", "must not be negative")
		}
	}

	// A stale threshold inside the worst-case run would reset healthy locks.
	if cfg.StaleRunThreshold > 0 && cfg.StaleRunThreshold <= cfg.CheckinTimeout+cfg.CheckinJitter {
		add("STALE_RUN_THRESHOLD", "must exceed CHECKIN_TIMEOUT + CHECKIN_JITTER (%s)", cfg.CheckinTimeout+cfg.CheckinJitter)
	}

	if cfg.DefaultTimezone != "" {
		if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
			add("DEFAULT_TIMEZONE", "unknown timezone %q", cfg.DefaultTimezone)
		}
	}

	if cfg.CheckinSubmitURL == "" {
		add("CHECKIN_SUBMIT_URL", "required")
	} else if err := checkURL(cfg.CheckinSubmitURL); err != nil {
		add("CHECKIN_SUBMIT_URL", "%v", err)
	}
	if cfg.CheckinPageURL != "" {
		if err := checkURL(cfg.CheckinPageURL); err != nil {
			add("CHECKIN_PAGE_URL", "%v", err)
		}
	}
	switch cfg.CheckinSubmitMethod {
	case "", "GET", "POST":
	default:
		add("CHECKIN_SUBMIT_METHOD", "must be GET or POST, got %q", cfg.CheckinSubmitMethod)
	}

	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}
	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			add("LOG_LEVEL", "%v", err)
		}
	}

	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with '/'")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}
