package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for the check-in service.
// Values come from environment variables, optionally layered over a YAML file
// using the same lower-case keys; see the usage text for the full list.
type Config struct {
	// DBDriver: "sqlite" (embedded file) or "postgres".
	DBDriver    string `json:"db_driver"`
	DatabaseURL string `json:"database_url,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort serves metrics on a separate listener when set.
	MetricsPort string `json:"metrics_port,omitempty"`

	// DefaultTimezone applies to accounts without their own timezone.
	DefaultTimezone string `json:"default_timezone"`
	Workers         int    `json:"workers"`

	// StaleRunThreshold must exceed CheckinTimeout plus CheckinJitter.
	StaleRunThreshold    time.Duration `json:"-"`
	StaleRunThresholdStr string        `json:"stale_run_threshold"`
	CheckinJitter        time.Duration `json:"-"`
	CheckinJitterStr     string        `json:"checkin_jitter"`

	CheckinPageURL      string        `json:"checkin_page_url"`
	CheckinSubmitURL    string        `json:"checkin_submit_url"`
	CheckinSubmitMethod string        `json:"checkin_submit_method"`
	CheckinSubmitBody   string        `json:"checkin_submit_body"`
	CheckinTimeout      time.Duration `json:"-"`
	CheckinTimeoutStr   string        `json:"checkin_timeout"`
	UserAgent           string        `json:"user_agent"`

	// ClassifierRulesFile is watched and hot-reloaded when set.
	ClassifierRulesFile string `json:"classifier_rules_file,omitempty"`

	NotifyTimeout    time.Duration `json:"-"`
	NotifyTimeoutStr string        `json:"notify_timeout"`
	NotifyRetries    int           `json:"notify_retries"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderElectionEnabled requires the postgres driver.
	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// Seed values for notification settings, applied only when none are stored.
	TelegramBotToken string `json:"-"`
	TelegramChatID   string `json:"-"`
	WeComKey         string `json:"-"`
}

var defaults = map[string]any{
	"db_driver":                 "sqlite",
	"sqlite_path":               "data/checkin.db",
	"log_level":                 "info",
	"log_format":                "json",
	"tick_interval":             "1m",
	"db_op_timeout":             "5s",
	"db_max_open_conns":         "25",
	"db_max_idle_conns":         "5",
	"db_conn_max_lifetime":      "30m",
	"db_conn_max_idle_time":     "5m",
	"http_shutdown_timeout":     "10s",
	"dispatcher_drain_timeout":  "30s",
	"metrics_path":              "/metrics",
	"default_timezone":          "Asia/Shanghai",
	"workers":                   "4",
	"stale_run_threshold":       "5m",
	"checkin_jitter":            "0s",
	"checkin_page_url":          "https://checkin.leaflow.net",
	"checkin_submit_url":        "https://checkin.leaflow.net/index.php",
	"checkin_submit_method":     "POST",
	"checkin_submit_body":       "checkin=",
	"checkin_timeout":           "30s",
	"notify_timeout":            "10s",
	"notify_retries":            "3",
	"eventbus_buffer_size":      "100",
	"circuit_breaker_threshold": "5",
	"circuit_breaker_cooldown":  "2m",
	"analytics_retention":       "720h",
	"leader_lock_key":           "728379",
	"leader_retry_interval":     "5s",
	"leader_heartbeat_interval": "2s",
}

// Load reads configuration from the environment, layered over configFile when
// it is non-empty. Only a missing or unreadable file is an error; bad values
// are reported by Validate.
func Load(configFile string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config file %s not found", configFile)
			}
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	cfg := Config{
		DBDriver:                   strings.ToLower(v.GetString("db_driver")),
		DatabaseURL:                v.GetString("database_url"),
		SQLitePath:                 v.GetString("sqlite_path"),
		RedisAddr:                  v.GetString("redis_addr"),
		HTTPAddr:                   v.GetString("http_addr"),
		LogLevel:                   v.GetString("log_level"),
		LogFormat:                  v.GetString("log_format"),
		TickIntervalStr:            v.GetString("tick_interval"),
		DBOpTimeoutStr:             v.GetString("db_op_timeout"),
		DBConnMaxLifetimeStr:       v.GetString("db_conn_max_lifetime"),
		DBConnMaxIdleTimeStr:       v.GetString("db_conn_max_idle_time"),
		HTTPShutdownTimeoutStr:     v.GetString("http_shutdown_timeout"),
		DispatcherDrainTimeoutStr:  v.GetString("dispatcher_drain_timeout"),
		MetricsEnabled:             v.GetBool("metrics_enabled"),
		MetricsPath:                v.GetString("metrics_path"),
		MetricsPort:                v.GetString("metrics_port"),
		DefaultTimezone:            v.GetString("default_timezone"),
		StaleRunThresholdStr:       v.GetString("stale_run_threshold"),
		CheckinJitterStr:           v.GetString("checkin_jitter"),
		CheckinPageURL:             v.GetString("checkin_page_url"),
		CheckinSubmitURL:           v.GetString("checkin_submit_url"),
		CheckinSubmitMethod:        strings.ToUpper(v.GetString("checkin_submit_method")),
		CheckinSubmitBody:          v.GetString("checkin_submit_body"),
		CheckinTimeoutStr:          v.GetString("checkin_timeout"),
		UserAgent:                  v.GetString("user_agent"),
		ClassifierRulesFile:        v.GetString("classifier_rules_file"),
		NotifyTimeoutStr:           v.GetString("notify_timeout"),
		CircuitBreakerCooldownStr:  v.GetString("circuit_breaker_cooldown"),
		AnalyticsRetentionStr:      v.GetString("analytics_retention"),
		LeaderElectionEnabled:      v.GetBool("leader_election_enabled"),
		LeaderRetryIntervalStr:     v.GetString("leader_retry_interval"),
		LeaderHeartbeatIntervalStr: v.GetString("leader_heartbeat_interval"),
		TelegramBotToken:           v.GetString("tg_bot_token"),
		TelegramChatID:             v.GetString("tg_user_id"),
		WeComKey:                   v.GetString("qywx_key"),
	}

	cfg.DBMaxOpenConns = positiveInt(v, "db_max_open_conns")
	cfg.DBMaxIdleConns = positiveInt(v, "db_max_idle_conns")
	cfg.Workers = positiveInt(v, "workers")
	cfg.NotifyRetries = nonNegativeInt(v, "notify_retries")
	cfg.EventBusBufferSize = positiveInt(v, "eventbus_buffer_size")
	cfg.CircuitBreakerThreshold = nonNegativeInt(v, "circuit_breaker_threshold")
	cfg.LeaderLockKey = int64(positiveInt(v, "leader_lock_key"))

	// Support the PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("port"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8181"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.TickIntervalStr, &cfg.TickInterval},
		{cfg.DBOpTimeoutStr, &cfg.DBOpTimeout},
		{cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime},
		{cfg.DBConnMaxIdleTimeStr, &cfg.DBConnMaxIdleTime},
		{cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout},
		{cfg.DispatcherDrainTimeoutStr, &cfg.DispatcherDrainTimeout},
		{cfg.StaleRunThresholdStr, &cfg.StaleRunThreshold},
		{cfg.CheckinJitterStr, &cfg.CheckinJitter},
		{cfg.CheckinTimeoutStr, &cfg.CheckinTimeout},
		{cfg.NotifyTimeoutStr, &cfg.NotifyTimeout},
		{cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown},
		{cfg.AnalyticsRetentionStr, &cfg.AnalyticsRetention},
		{cfg.LeaderRetryIntervalStr, &cfg.LeaderRetryInterval},
		{cfg.LeaderHeartbeatIntervalStr, &cfg.LeaderHeartbeatInterval},
	}
	for _, d := range durations {
		if parsed, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = parsed
		}
	}

	return cfg
}

// positiveInt returns the key's value, falling back to its default when the
// value is not a positive integer.
func positiveInt(v *viper.Viper, key string) int {
	return intValue(v, key, func(n int) bool { return n > 0 }, "a positive integer")
}

func nonNegativeInt(v *viper.Viper, key string) int {
	return intValue(v, key, func(n int) bool { return n >= 0 }, "a non-negative integer")
}

func intValue(v *viper.Viper, key string, ok func(int) bool, want string) int {
	def, _ := strconv.Atoi(fmt.Sprint(defaults[key]))
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || !ok(n) {
		log.Warn().
			Str("key", strings.ToUpper(key)).
			Str("value", raw).
			Int("default", def).
			Msgf("config: invalid value (must be %s), using default", want)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		Config
		DatabaseURL    string `json:"database_url,omitempty"`
		TelegramToken  string `json:"tg_bot_token,omitempty"`
		TelegramChatID string `json:"tg_user_id,omitempty"`
		WeComKey       string `json:"qywx_key,omitempty"`
	}{
		Config:         c,
		DatabaseURL:    maskSecret(c.DatabaseURL),
		TelegramToken:  maskSecret(c.TelegramBotToken),
		TelegramChatID: c.TelegramChatID,
		WeComKey:       maskSecret(c.WeComKey),
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
