package main

import (
	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/config"
)

// logConfigWarnings logs operational warnings for risky but valid settings.
func logConfigWarnings(cfg *config.Config) {
	if cfg.DBDriver == "postgres" && !cfg.LeaderElectionEnabled {
		log.Warn().Msg("config: DB_DRIVER=postgres with LEADER_ELECTION_ENABLED=false; " +
			"running more than one instance will check in every account once per instance")
	}

	if !cfg.MetricsEnabled {
		log.Warn().Msg("config: METRICS_ENABLED=false; check-in and notification failures are only visible in logs")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Info().Msg("config: CIRCUIT_BREAKER_THRESHOLD=0; failing notification channels are retried on every event")
	}

	if cfg.RedisAddr == "" {
		log.Info().Msg("config: REDIS_ADDR not set; daily outcome counters disabled")
	}

	if cfg.CheckinJitter > 0 && cfg.CheckinJitter >= cfg.TickInterval*10 {
		log.Warn().
			Dur("jitter", cfg.CheckinJitter).
			Dur("tick", cfg.TickInterval).
			Msg("config: CHECKIN_JITTER is large; scheduled runs will hold worker slots while waiting")
	}
}
