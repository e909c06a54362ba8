// Package leaderelection makes sure only one instance runs the check-in
// scheduler when several share a PostgreSQL database.
//
// Leadership is a session-scoped advisory lock taken on a dedicated
// connection. The lock has no TTL: it lives exactly as long as that session.
// The leader pings the connection on every heartbeat so it notices a dead
// session and stops scheduling; the ping does not extend anything. On
// demotion the lock is released explicitly so a standby can take over on its
// next retry instead of waiting for the server to reap the session.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricsSink records leadership transitions. Calls must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// DefaultLockKey is the advisory lock key used when none is configured.
const DefaultLockKey int64 = 728379

// Reasons passed to MetricsSink.LeaderLost.
const (
	LostShutdown = "shutdown"
	LostConn     = "conn_lost"
)

const (
	queryTryLock = "SELECT pg_try_advisory_lock($1)"
	queryUnlock  = "SELECT pg_advisory_unlock($1)"

	unlockTimeout = 5 * time.Second
)

// Elector campaigns for the advisory lock and runs the supplied callbacks on
// every leadership change.
type Elector struct {
	db        *sql.DB
	lockKey   int64
	retry     time.Duration
	heartbeat time.Duration

	onElected func(ctx context.Context)
	onDemoted func()

	metrics MetricsSink
	leading atomic.Bool
}

// New creates an Elector.
//
// onElected runs in its own goroutine each time the lock is won; its context
// is cancelled when leadership ends. onDemoted runs synchronously after that
// cancellation and must block until the scheduler has stopped. It may be
// called more than once.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:        db,
		lockKey:   lockKey,
		retry:     retryInterval,
		heartbeat: heartbeatInterval,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run campaigns until ctx is cancelled. A follower retries every retry
// interval; a leader that loses its session goes back to campaigning.
func (e *Elector) Run(ctx context.Context) {
	logger := log.With().Int64("lock_key", e.lockKey).Logger()
	logger.Info().
		Dur("retry", e.retry).
		Dur("heartbeat", e.heartbeat).
		Msg("leader: campaigning")
	defer logger.Info().Msg("leader: campaign stopped")

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		}

		conn, won := e.tryAcquire(ctx)
		if won {
			reason := e.lead(ctx, conn)
			if ctx.Err() == nil {
				logger.Warn().Str("reason", reason).Dur("retry", e.retry).Msg("leader: leadership lost")
			}
		}
		wait.Reset(e.retry)
	}
}

// tryAcquire takes the lock without blocking. On success the returned
// connection owns the session that holds it.
func (e *Elector) tryAcquire(ctx context.Context) (*sql.Conn, bool) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("leader: dedicated connection unavailable")
		}
		return nil, false
	}

	var won bool
	if err := conn.QueryRowContext(ctx, queryTryLock, e.lockKey).Scan(&won); err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("leader: advisory lock query failed")
		}
		conn.Close()
		return nil, false
	}
	if !won {
		log.Debug().Int64("lock_key", e.lockKey).Msg("leader: lock held elsewhere")
		conn.Close()
		return nil, false
	}
	return conn, true
}

// lead runs the leader duties until the session dies or ctx ends, then
// demotes and releases the lock. It returns why leadership ended.
func (e *Elector) lead(ctx context.Context, conn *sql.Conn) string {
	defer conn.Close()

	log.Info().Int64("lock_key", e.lockKey).Msg("leader: elected")
	e.setLeading(true, "")

	dutyCtx, stopDuties := context.WithCancel(ctx)
	go e.onElected(dutyCtx)

	reason := e.watch(ctx, conn)

	stopDuties()
	e.onDemoted()
	e.setLeading(false, reason)
	e.release(conn, reason)
	return reason
}

// watch pings the session on every heartbeat.
func (e *Elector) watch(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return LostShutdown
		case <-ticker.C:
		}
		if err := conn.PingContext(ctx); err != nil {
			if ctx.Err() != nil {
				return LostShutdown
			}
			log.Error().Err(err).Msg("leader: session ping failed")
			return LostConn
		}
	}
}

// release unlocks on a live session. A dead session has already dropped the
// lock server side.
func (e *Elector) release(conn *sql.Conn, reason string) {
	if reason == LostConn {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, queryUnlock, e.lockKey).Scan(&released); err != nil {
		log.Warn().Err(err).Msg("leader: unlock failed; lock drops with the session")
		return
	}
	log.Info().Int64("lock_key", e.lockKey).Bool("released", released).Msg("leader: lock released")
}

func (e *Elector) setLeading(leading bool, reason string) {
	e.leading.Store(leading)
	if e.metrics == nil {
		return
	}
	e.metrics.LeaderStatusChanged(leading)
	if leading {
		e.metrics.LeaderAcquired()
	} else {
		e.metrics.LeaderLost(reason)
	}
}
