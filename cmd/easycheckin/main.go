package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stsix/leaflow-auto-beta/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntimeError
	}
	return exitSuccess
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "easycheckin",
		Short: "Scheduled daily check-ins for LeafLow accounts",
		Long: `easycheckin runs a daily check-in for every configured account at its
trigger time, records each outcome and reports it to Telegram, WeCom or a
signed webhook.

Configuration is read from environment variables, optionally layered over a
YAML file (--config) using the same names in lower case.

Environment Variables:
  DB_DRIVER                  "sqlite" (default) or "postgres"
  SQLITE_PATH                SQLite database file (default: "data/checkin.db")
  DATABASE_URL               PostgreSQL connection string (postgres driver)
  HTTP_ADDR / PORT           HTTP server address (default: ":8181")
  LOG_LEVEL / LOG_FORMAT     zerolog level (default: "info"), "json" or "console"

  TICK_INTERVAL              Scheduler tick interval (default: "1m")
  DEFAULT_TIMEZONE           Timezone for accounts without one (default: "Asia/Shanghai")
  WORKERS                    Concurrent scheduled check-ins (default: "4")
  STALE_RUN_THRESHOLD        Age before a running lock is reset (default: "5m")
  CHECKIN_JITTER             Random delay before scheduled runs (default: "0s")

  CHECKIN_PAGE_URL           Page fetched before submitting (optional)
  CHECKIN_SUBMIT_URL         Check-in action URL
  CHECKIN_SUBMIT_METHOD      GET or POST (default: "POST")
  CHECKIN_SUBMIT_BODY        Form body for POST (default: "checkin=")
  CHECKIN_TIMEOUT            Per-attempt timeout (default: "30s")
  USER_AGENT                 User-Agent header
  CLASSIFIER_RULES_FILE      YAML outcome markers, hot-reloaded (optional)

  NOTIFY_TIMEOUT             Per-send timeout (default: "10s")
  NOTIFY_RETRIES             Retries per channel (default: "3")
  CIRCUIT_BREAKER_THRESHOLD  Failures before a channel is skipped, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN   Skip duration (default: "2m")
  EVENTBUS_BUFFER_SIZE       Outcome event buffer (default: "100")
  TG_BOT_TOKEN, TG_USER_ID   Seed Telegram settings on first start
  QYWX_KEY                   Seed WeCom settings on first start

  DB_OP_TIMEOUT              Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS          Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS          Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME       Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME      Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT      Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT   Notification drain timeout (default: "30s")

  METRICS_ENABLED            Enable Prometheus metrics (default: "false")
  METRICS_PATH               Metrics endpoint path (default: "/metrics")
  METRICS_PORT               Separate metrics port (default: served on HTTP_ADDR)

  REDIS_ADDR                 Redis address for daily outcome counters (optional)
  ANALYTICS_RETENTION        Counter retention (default: "720h")

  LEADER_ELECTION_ENABLED    Run the scheduler on one instance only (postgres)
  LEADER_LOCK_KEY            Advisory lock key (default: "728379")
  LEADER_RETRY_INTERVAL      Follower retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL  Leader connection ping interval (default: "2s")`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, &exitError{code: exitInvalidConfig, err: err}
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the scheduler, notifier and HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				if err := config.Validate(cfg); err != nil {
					return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
				}
				setupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
				if code := runServe(cmd.Context(), cfg); code != exitSuccess {
					return &exitError{code: code, err: errors.New("easycheckin: serve failed")}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate configuration (no connections made)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				if err := config.Validate(cfg); err != nil {
					return &exitError{code: exitInvalidConfig, err: err}
				}
				fmt.Fprintln(stdout, "configuration valid")
				return nil
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print effective configuration as JSON (secrets masked)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				data, err := cfg.MaskedJSON()
				if err != nil {
					return fmt.Errorf("failed to marshal config: %w", err)
				}
				fmt.Fprintln(stdout, string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(stdout, "easycheckin version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return root
}
