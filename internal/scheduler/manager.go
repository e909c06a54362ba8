// Package scheduler owns per-account due times and drives check-in runs.
//
// A single ticker goroutine selects due accounts and starts their runs on a
// bounded worker pool. Each account has a single-flight lock so a scheduled
// run and a manual trigger can never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stsix/leaflow-auto-beta/internal/cron"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/metrics"
	"github.com/stsix/leaflow-auto-beta/internal/store/sqlstore"
)

var (
	ErrAlreadyRunning  = errors.New("check-in already running")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountDisabled = errors.New("account disabled")
	ErrNoCredentials   = errors.New("account has no credentials")
	ErrNotLeader       = errors.New("scheduler runs on another instance")
)

const (
	DefaultTickInterval      = time.Minute
	DefaultWorkers           = 4
	DefaultStaleRunThreshold = 5 * time.Minute
)

// Store is the subset of the record store the manager needs. GetAccount must
// return an error matching sqlstore.ErrNotFound for unknown ids.
type Store interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	Append(ctx context.Context, rec domain.ExecutionRecord) error
	Latest(ctx context.Context, accountID string) (*domain.ExecutionRecord, error)
}

type Executor interface {
	Execute(ctx context.Context, account domain.Account) domain.ExecutionRecord
}

type ScheduleParser interface {
	Daily(at domain.TriggerTime, timezone string) (cron.Schedule, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.OutcomeEvent) error
}

// AnalyticsSink receives every persisted record. Errors are logged only.
type AnalyticsSink interface {
	Record(ctx context.Context, rec domain.ExecutionRecord) error
}

// MetricsSink defines the scheduler's metrics.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, launched int, err error)
	CheckinCompleted(outcome, trigger string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()
	StaleLockReset()
	PoolSaturated()
	ManualRejected(reason string)
}

// Leadership reports whether this instance owns scheduling. Single-flight
// locks are per process, so only the owner may start a manual run.
type Leadership interface {
	IsLeader() bool
}

type Config struct {
	TickInterval time.Duration
	// Workers bounds concurrent scheduled runs.
	Workers int
	// StaleRunThreshold is how long a run may hold its lock before the next
	// tick forcibly releases it. Zero disables recovery.
	StaleRunThreshold time.Duration
	// Jitter delays each scheduled run by a random duration in [0, Jitter).
	Jitter          time.Duration
	DefaultTimezone string
}

type Manager struct {
	config    Config
	store     Store
	executor  Executor
	parser    ScheduleParser
	emitter   EventEmitter
	analytics AnalyticsSink
	metrics   MetricsSink
	leader    Leadership
	clock     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	pool errgroup.Group
}

func New(config Config, store Store, executor Executor, parser ScheduleParser, emitter EventEmitter) *Manager {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.DefaultTimezone == "" {
		config.DefaultTimezone = "UTC"
	}

	m := &Manager{
		config:   config,
		store:    store,
		executor: executor,
		parser:   parser,
		emitter:  emitter,
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
		entries:  make(map[string]*entry),
	}
	m.pool.SetLimit(config.Workers)
	return m
}

// WithClock sets a custom clock function for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithLeadership rejects manual triggers with ErrNotLeader while l reports
// that another instance is leading.
func (m *Manager) WithLeadership(l Leadership) *Manager {
	m.leader = l
	return m
}

func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	if sink != nil {
		m.metrics = sink
	}
	return m
}

func (m *Manager) WithAnalytics(sink AnalyticsSink) *Manager {
	m.analytics = sink
	return m
}

// Run ticks until ctx is cancelled, then waits for in-flight scheduled runs.
// The first tick happens immediately so missed runs are caught up on start.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	log.Info().
		Dur("tick", m.config.TickInterval).
		Int("workers", m.config.Workers).
		Msg("scheduler: started")

	// Another instance may have run check-ins since this one last led.
	m.restoreAll(ctx)
	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = m.pool.Wait()
			log.Info().Msg("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	start := m.clock()
	m.metrics.TickStarted()

	launched, err := m.processTick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: tick error")
	}
	m.metrics.TickCompleted(m.clock().Sub(start), launched, err)
}

func (m *Manager) processTick(ctx context.Context) (int, error) {
	if err := m.sync(ctx); err != nil {
		return 0, err
	}

	now := m.clock()
	launched := 0
	for _, e := range m.snapshot() {
		if e.resetIfStale(now, m.config.StaleRunThreshold) {
			m.metrics.StaleLockReset()
			log.Warn().
				Str("account_id", e.accountID()).
				Dur("threshold", m.config.StaleRunThreshold).
				Msg("scheduler: reset stale run lock")
		}

		account, gen, ok := e.acquire(now, true)
		if !ok {
			continue
		}

		started := m.pool.TryGo(func() error {
			m.runScheduled(ctx, e, gen, account)
			return nil
		})
		if !started {
			// Still due; the next tick retries.
			e.abort(gen)
			m.metrics.PoolSaturated()
			log.Debug().Str("account_id", account.ID).Msg("scheduler: worker pool full")
			continue
		}
		launched++
	}
	return launched, nil
}

// sync reconciles entries with the stored accounts.
func (m *Manager) sync(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	now := m.clock()
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		seen[a.ID] = struct{}{}
		if _, err := m.entryFor(ctx, a, now); err != nil {
			log.Error().Err(err).Str("account_id", a.ID).Msg("scheduler: cannot schedule account")
		}
	}

	m.mu.Lock()
	for id := range m.entries {
		if _, ok := seen[id]; !ok {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
	return nil
}

// entryFor returns the account's entry, creating it from history when absent
// and applying account changes otherwise.
func (m *Manager) entryFor(ctx context.Context, a domain.Account, now time.Time) (*entry, error) {
	if e := m.lookup(a.ID); e != nil {
		sched, err := m.schedule(a)
		if err != nil {
			e.update(a, nil, now)
			return e, err
		}
		e.update(a, sched, now)
		return e, nil
	}

	sched, err := m.schedule(a)
	if err != nil {
		return nil, err
	}
	latest, err := m.store.Latest(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("latest record: %w", err)
	}

	e := &entry{account: a, sched: sched}
	e.restore(latest, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[a.ID]; ok {
		return existing, nil
	}
	m.entries[a.ID] = e
	return e, nil
}

// restoreAll recomputes every idle entry from its latest record.
func (m *Manager) restoreAll(ctx context.Context) {
	now := m.clock()
	for _, e := range m.snapshot() {
		id := e.accountID()
		latest, err := m.store.Latest(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("account_id", id).Msg("scheduler: restore state")
			continue
		}
		e.restore(latest, now)
	}
}

func (m *Manager) schedule(a domain.Account) (cron.Schedule, error) {
	tz := a.Timezone
	if tz == "" {
		tz = m.config.DefaultTimezone
	}
	return m.parser.Daily(a.TriggerTime, tz)
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// TriggerManual runs a check-in now, bypassing the due time but not the
// single-flight lock. It blocks until the record is persisted.
func (m *Manager) TriggerManual(ctx context.Context, accountID string) (domain.ExecutionRecord, error) {
	if m.leader != nil && !m.leader.IsLeader() {
		m.metrics.ManualRejected(metrics.RejectNotLeader)
		return domain.ExecutionRecord{}, ErrNotLeader
	}

	account, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		m.metrics.ManualRejected(metrics.RejectNotFound)
		return domain.ExecutionRecord{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("get account: %w", err)
	}
	if !account.Enabled {
		m.metrics.ManualRejected(metrics.RejectDisabled)
		return domain.ExecutionRecord{}, ErrAccountDisabled
	}
	if len(account.Credentials) == 0 {
		m.metrics.ManualRejected(metrics.RejectNoCredentials)
		return domain.ExecutionRecord{}, ErrNoCredentials
	}

	e, err := m.entryFor(ctx, account, m.clock())
	if err != nil {
		return domain.ExecutionRecord{}, err
	}

	account, gen, ok := e.acquire(m.clock(), false)
	if !ok {
		m.metrics.ManualRejected(metrics.RejectAlreadyRunning)
		return domain.ExecutionRecord{}, ErrAlreadyRunning
	}
	return m.execute(ctx, e, gen, account, domain.TriggerManual), nil
}

// ScheduleState returns the account's current scheduling state.
func (m *Manager) ScheduleState(ctx context.Context, accountID string) (domain.ScheduleState, error) {
	e := m.lookup(accountID)
	if e == nil {
		account, err := m.store.GetAccount(ctx, accountID)
		if errors.Is(err, sqlstore.ErrNotFound) {
			return domain.ScheduleState{}, ErrAccountNotFound
		}
		if err != nil {
			return domain.ScheduleState{}, fmt.Errorf("get account: %w", err)
		}
		if e, err = m.entryFor(ctx, account, m.clock()); err != nil {
			return domain.ScheduleState{}, err
		}
	}
	return e.state(m.clock()), nil
}

func (m *Manager) runScheduled(ctx context.Context, e *entry, gen uint64, account domain.Account) {
	if m.config.Jitter > 0 {
		delay := rand.N(m.config.Jitter)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.abort(gen)
			return
		case <-timer.C:
		}
	}
	m.execute(ctx, e, gen, account, domain.TriggerScheduled)
}

// execute runs one check-in under an acquired lock. The record is persisted
// and the lock released regardless of outcome. Cancellation of ctx does not
// abort a run that has started; the executor timeout bounds it.
func (m *Manager) execute(ctx context.Context, e *entry, gen uint64, account domain.Account, trigger domain.TriggerKind) domain.ExecutionRecord {
	m.metrics.RunsInFlightIncr()
	defer m.metrics.RunsInFlightDecr()

	runCtx := context.WithoutCancel(ctx)

	rec := m.safeExecute(runCtx, account)
	rec.Trigger = trigger

	if err := m.store.Append(runCtx, rec); err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("scheduler: append record")
	}

	if !e.complete(gen, rec, m.clock()) {
		log.Warn().
			Str("account_id", account.ID).
			Str("record_id", rec.ID.String()).
			Msg("scheduler: run finished after its lock was reset")
	}

	log.Info().
		Str("account_id", account.ID).
		Str("outcome", string(rec.Outcome)).
		Str("trigger", string(trigger)).
		Dur("duration", rec.Duration).
		Msg("scheduler: check-in finished")

	m.metrics.CheckinCompleted(string(rec.Outcome), string(trigger), rec.Duration)

	if m.emitter != nil {
		if err := m.emitter.Emit(runCtx, domain.OutcomeEvent{Account: account, Record: rec}); err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("scheduler: emit outcome")
		}
	}
	if m.analytics != nil {
		if err := m.analytics.Record(runCtx, rec); err != nil {
			log.Warn().Err(err).Str("account_id", account.ID).Msg("scheduler: analytics")
		}
	}
	return rec
}
