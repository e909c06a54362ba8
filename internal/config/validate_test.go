package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		DBDriver:         "sqlite",
		SQLitePath:       "data/checkin.db",
		TickIntervalStr:  "30s",
		CheckinSubmitURL: "https://checkin.example.test/index.php",
		DefaultTimezone:  "Asia/Shanghai",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_Driver(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, "DB_DRIVER"},
		{"sqlite without path", func(c *Config) { c.SQLitePath = "" }, "SQLITE_PATH"},
		{"postgres without url", func(c *Config) { c.DBDriver = "postgres" }, "DATABASE_URL"},
		{"leader election on sqlite", func(c *Config) { c.LeaderElectionEnabled = true }, "LEADER_ELECTION_ENABLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error mentioning %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %s", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_PostgresWithLeaderElection(t *testing.T) {
	cfg := validConfig()
	cfg.DBDriver = "postgres"
	cfg.DatabaseURL = "postgres://localhost/checkin"
	cfg.LeaderElectionEnabled = true

	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_InvalidTickInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		wantErr  string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.TickIntervalStr = tt.interval

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for tick_interval=%q", tt.interval)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_CheckinJitter(t *testing.T) {
	cfg := validConfig()
	cfg.CheckinJitterStr = "0s"
	if err := Validate(cfg); err != nil {
		t.Errorf("zero jitter should be valid, got %v", err)
	}

	cfg.CheckinJitterStr = "-5s"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "CHECKIN_JITTER") {
		t.Errorf("expected CHECKIN_JITTER error, got %v", err)
	}
}

func TestValidate_StaleThresholdMustExceedRun(t *testing.T) {
	cfg := validConfig()
	cfg.CheckinTimeout = 30 * time.Second
	cfg.CheckinJitter = time.Minute
	cfg.StaleRunThreshold = time.Minute

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "STALE_RUN_THRESHOLD") {
		t.Fatalf("expected STALE_RUN_THRESHOLD error, got %v", err)
	}

	cfg.StaleRunThreshold = 2 * time.Minute
	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown timezone", func(c *Config) { c.DefaultTimezone = "Mars/Olympus" }, "DEFAULT_TIMEZONE"},
		{"missing submit url", func(c *Config) { c.CheckinSubmitURL = "" }, "CHECKIN_SUBMIT_URL"},
		{"relative submit url", func(c *Config) { c.CheckinSubmitURL = "/index.php" }, "CHECKIN_SUBMIT_URL"},
		{"bad page url", func(c *Config) { c.CheckinPageURL = "ftp://x" }, "CHECKIN_PAGE_URL"},
		{"bad method", func(c *Config) { c.CheckinSubmitMethod = "DELETE" }, "CHECKIN_SUBMIT_METHOD"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"bad metrics path", func(c *Config) { c.MetricsPath = "metrics" }, "METRICS_PATH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error mentioning %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %s", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.SQLitePath = ""
	cfg.TickIntervalStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}
