package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stsix/leaflow-auto-beta/internal/cron"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/store/sqlstore"
	"github.com/stsix/leaflow-auto-beta/internal/testutil"
)

// mockStore keeps accounts and records in memory.
type mockStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	records  []domain.ExecutionRecord
	listErr  error
}

func newMockStore(accounts ...domain.Account) *mockStore {
	s := &mockStore{accounts: make(map[string]domain.Account)}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *mockStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *mockStore) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, sqlstore.ErrNotFound
	}
	return a, nil
}

func (s *mockStore) Append(ctx context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *mockStore) Latest(ctx context.Context, accountID string) (*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.ExecutionRecord
	for i := range s.records {
		r := s.records[i]
		if r.AccountID != accountID {
			continue
		}
		if latest == nil || !r.Timestamp.Before(latest.Timestamp) {
			latest = &r
		}
	}
	return latest, nil
}

func (s *mockStore) put(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *mockStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

func (s *mockStore) recordsFor(accountID string) []domain.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionRecord
	for _, r := range s.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out
}

// fakeExecutor counts calls and tracks per-account concurrency. Calls block
// while gate is non-nil and open.
type fakeExecutor struct {
	clock func() time.Time

	mu          sync.Mutex
	outcome     domain.Outcome
	calls       map[string]int
	inFlight    map[string]int
	maxInFlight int
	gate        chan struct{}
	panicWith   any

	started chan string
}

func newFakeExecutor(clock func() time.Time) *fakeExecutor {
	return &fakeExecutor{
		clock:    clock,
		outcome:  domain.OutcomeSuccess,
		calls:    make(map[string]int),
		inFlight: make(map[string]int),
		started:  make(chan string, 64),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, account domain.Account) domain.ExecutionRecord {
	f.mu.Lock()
	f.calls[account.ID]++
	f.inFlight[account.ID]++
	if f.inFlight[account.ID] > f.maxInFlight {
		f.maxInFlight = f.inFlight[account.ID]
	}
	gate, outcome, p := f.gate, f.outcome, f.panicWith
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[account.ID]--
		f.mu.Unlock()
	}()

	f.started <- account.ID
	if gate != nil {
		<-gate
	}
	if p != nil {
		panic(p)
	}
	return domain.ExecutionRecord{
		ID:        uuid.New(),
		AccountID: account.ID,
		Timestamp: f.clock(),
		Outcome:   outcome,
		Duration:  time.Second,
	}
}

func (f *fakeExecutor) set(fn func(f *fakeExecutor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeExecutor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type mockEmitter struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.OutcomeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type mockAnalytics struct {
	n atomic.Int32
}

func (a *mockAnalytics) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	a.n.Add(1)
	return errors.New("redis down")
}

type mockMetrics struct {
	mu             sync.Mutex
	ticks          int
	launched       int
	staleResets    int
	poolSaturated  int
	manualRejected map[string]int
	checkins       map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{manualRejected: map[string]int{}, checkins: map[string]int{}}
}

func (m *mockMetrics) TickStarted() { m.mu.Lock(); m.ticks++; m.mu.Unlock() }
func (m *mockMetrics) TickCompleted(d time.Duration, launched int, err error) {
	m.mu.Lock()
	m.launched += launched
	m.mu.Unlock()
}
func (m *mockMetrics) CheckinCompleted(outcome, trigger string, d time.Duration) {
	m.mu.Lock()
	m.checkins[outcome+"/"+trigger]++
	m.mu.Unlock()
}
func (m *mockMetrics) RunsInFlightIncr() {}
func (m *mockMetrics) RunsInFlightDecr() {}
func (m *mockMetrics) StaleLockReset()   { m.mu.Lock(); m.staleResets++; m.mu.Unlock() }
func (m *mockMetrics) PoolSaturated()    { m.mu.Lock(); m.poolSaturated++; m.mu.Unlock() }
func (m *mockMetrics) ManualRejected(reason string) {
	m.mu.Lock()
	m.manualRejected[reason]++
	m.mu.Unlock()
}

type fixture struct {
	clock   *testutil.FakeClock
	store   *mockStore
	exec    *fakeExecutor
	emitter *mockEmitter
	metrics *mockMetrics
	manager *Manager
}

func newFixture(t *testing.T, now time.Time, cfg Config, accounts ...domain.Account) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(now)
	f := &fixture{
		clock:   clock,
		store:   newMockStore(accounts...),
		exec:    newFakeExecutor(clock.Now),
		emitter: &mockEmitter{},
		metrics: newMockMetrics(),
	}
	f.manager = New(cfg, f.store, f.exec, cron.NewParser(), f.emitter).
		WithClock(clock.Now).
		WithMetrics(f.metrics)
	return f
}

// tickAndWait runs one tick and waits for every run it launched.
func (f *fixture) tickAndWait(t *testing.T) {
	t.Helper()
	f.manager.tick(context.Background())
	require.NoError(t, f.manager.pool.Wait())
}

func (f *fixture) state(t *testing.T, id string) domain.ScheduleState {
	t.Helper()
	st, err := f.manager.ScheduleState(context.Background(), id)
	require.NoError(t, err)
	return st
}

func day(d, h, m int) time.Time {
	return time.Date(2024, 3, d, h, m, 0, 0, time.UTC)
}

func TestManager_YesterdayRun_IdleBeforeTrigger_DueAfter(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 8, 59), Config{}, a)
	require.NoError(t, f.store.Append(context.Background(), testutil.Record(a.ID, day(9, 9, 0), domain.OutcomeSuccess)))

	f.tickAndWait(t)
	assert.Equal(t, 0, f.exec.callCount(a.ID), "08:59 must be idle")
	st := f.state(t, a.ID)
	assert.False(t, st.Due)
	assert.Equal(t, day(10, 9, 0), st.NextDueAt.UTC())

	f.clock.Set(day(10, 9, 1))
	assert.True(t, f.state(t, a.ID).Due, "09:01 with no run today must be due")

	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(a.ID))

	st = f.state(t, a.ID)
	assert.False(t, st.Due)
	assert.False(t, st.Running)
	assert.Equal(t, domain.OutcomeSuccess, st.LastOutcome)
	assert.Equal(t, day(11, 9, 0), st.NextDueAt.UTC())
}

func TestManager_NoRecord_DueAtTodaysTrigger(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 8, 0), Config{}, a)

	f.tickAndWait(t)
	assert.Equal(t, 0, f.exec.callCount(a.ID))
	assert.Equal(t, day(10, 9, 0), f.state(t, a.ID).NextDueAt.UTC())

	f.clock.Set(day(10, 9, 0))
	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestManager_Restart_PositiveToday_IdleUntilTomorrow(t *testing.T) {
	for _, o := range []domain.Outcome{domain.OutcomeSuccess, domain.OutcomeAlreadyCompleted} {
		t.Run(string(o), func(t *testing.T) {
			a := testutil.Account("alice", 9, 0)
			f := newFixture(t, day(10, 12, 0), Config{}, a)
			require.NoError(t, f.store.Append(context.Background(), testutil.Record(a.ID, day(10, 9, 0), o)))

			f.tickAndWait(t)

			assert.Equal(t, 0, f.exec.callCount(a.ID))
			assert.Equal(t, day(11, 9, 0), f.state(t, a.ID).NextDueAt.UTC())
		})
	}
}

func TestManager_Restart_NegativeToday_DueImmediately(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 12, 0), Config{}, a)
	require.NoError(t, f.store.Append(context.Background(), testutil.Record(a.ID, day(10, 9, 0), domain.OutcomeNetworkError)))

	f.tickAndWait(t)

	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestManager_Restart_MissedDaysCollapseToOneRun(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 12, 0), Config{}, a)
	require.NoError(t, f.store.Append(context.Background(), testutil.Record(a.ID, day(6, 9, 0), domain.OutcomeSuccess)))

	f.tickAndWait(t)
	f.tickAndWait(t)

	assert.Equal(t, 1, f.exec.callCount(a.ID))
	assert.Equal(t, day(11, 9, 0), f.state(t, a.ID).NextDueAt.UTC())
}

func TestManager_FailureDoesNotChangeCadence(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{}, a)
	f.exec.set(func(e *fakeExecutor) { e.outcome = domain.OutcomeAuthRejected })

	f.tickAndWait(t)
	f.clock.Set(day(10, 9, 30))
	f.tickAndWait(t)

	assert.Equal(t, 1, f.exec.callCount(a.ID), "no retry within the day")
	st := f.state(t, a.ID)
	assert.Equal(t, domain.OutcomeAuthRejected, st.LastOutcome)
	assert.Equal(t, day(11, 9, 0), st.NextDueAt.UTC())

	f.clock.Set(day(11, 9, 0))
	f.tickAndWait(t)
	assert.Equal(t, 2, f.exec.callCount(a.ID), "account is not disabled after failures")
}

func TestManager_DisabledAccountNeverDue(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	a.Enabled = false
	f := newFixture(t, day(10, 8, 0), Config{}, a)

	for h := 8; h < 24; h++ {
		f.clock.Set(day(10, h, 30))
		f.tickAndWait(t)
		assert.False(t, f.state(t, a.ID).Due)
	}
	assert.Equal(t, 0, f.exec.callCount(a.ID))

	_, err := f.manager.TriggerManual(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAccountDisabled)
	assert.Equal(t, 1, f.metrics.manualRejected["disabled"])
}

func TestManager_NoCredentialsNeverDue(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	a.Credentials = map[string]string{}
	f := newFixture(t, day(10, 10, 0), Config{}, a)

	f.tickAndWait(t)
	assert.Equal(t, 0, f.exec.callCount(a.ID))

	_, err := f.manager.TriggerManual(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestManager_TriggerManual_NotFound(t *testing.T) {
	f := newFixture(t, day(10, 10, 0), Config{})

	_, err := f.manager.TriggerManual(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = f.manager.ScheduleState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestManager_TriggerManual_RejectsUnschedulable(t *testing.T) {
	disabled := testutil.Account("disabled", 9, 0)
	disabled.Enabled = false
	empty := testutil.Account("empty", 9, 0)
	empty.Credentials = nil

	f := newFixture(t, day(10, 10, 0), Config{}, disabled, empty)

	_, err := f.manager.TriggerManual(context.Background(), disabled.ID)
	assert.ErrorIs(t, err, ErrAccountDisabled)

	_, err = f.manager.TriggerManual(context.Background(), empty.ID)
	assert.ErrorIs(t, err, ErrNoCredentials)

	assert.Zero(t, f.exec.callCount(disabled.ID))
	assert.Zero(t, f.exec.callCount(empty.ID))
	assert.Empty(t, f.store.recordsFor(disabled.ID))
	assert.Empty(t, f.store.recordsFor(empty.ID))
}

type fakeLeader struct {
	leading atomic.Bool
}

func (l *fakeLeader) IsLeader() bool { return l.leading.Load() }

func TestManager_TriggerManual_FollowerRejected(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 10, 0), Config{}, a)
	leader := &fakeLeader{}
	f.manager.WithLeadership(leader)

	_, err := f.manager.TriggerManual(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Zero(t, f.exec.callCount(a.ID))
	assert.Empty(t, f.store.recordsFor(a.ID))
	assert.Equal(t, 1, f.metrics.manualRejected["not_leader"])

	leader.leading.Store(true)
	rec, err := f.manager.TriggerManual(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerManual, rec.Trigger)
	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestManager_TriggerManual_RecordsAndEmits(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 7, 0), Config{}, a)
	analytics := &mockAnalytics{}
	f.manager.WithAnalytics(analytics)

	rec, err := f.manager.TriggerManual(context.Background(), a.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TriggerManual, rec.Trigger)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	require.Len(t, f.store.recordsFor(a.ID), 1)
	assert.Equal(t, rec.ID, f.store.recordsFor(a.ID)[0].ID)
	assert.Equal(t, 1, f.emitter.count())
	assert.Equal(t, int32(1), analytics.n.Load(), "analytics errors are not fatal")
	assert.Equal(t, 1, f.metrics.checkins["success/manual"])

	// A positive manual run before the trigger covers the day.
	assert.Equal(t, day(11, 9, 0), f.state(t, a.ID).NextDueAt.UTC())
	f.clock.Set(day(10, 9, 5))
	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestManager_TriggerManual_FailureKeepsTodaysTrigger(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 7, 0), Config{}, a)
	f.exec.set(func(e *fakeExecutor) { e.outcome = domain.OutcomeNetworkError })

	_, err := f.manager.TriggerManual(context.Background(), a.ID)
	require.NoError(t, err)

	assert.Equal(t, day(10, 9, 0), f.state(t, a.ID).NextDueAt.UTC())
}

func TestManager_SingleFlight_ManualVersusScheduled(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{}, a)
	gate := make(chan struct{})
	f.exec.set(func(e *fakeExecutor) { e.gate = gate })

	f.manager.tick(context.Background())
	<-f.exec.started
	assert.True(t, f.state(t, a.ID).Running)

	_, err := f.manager.TriggerManual(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, f.metrics.manualRejected["already_running"])

	close(gate)
	require.NoError(t, f.manager.pool.Wait())

	assert.Equal(t, 1, f.exec.callCount(a.ID))
	assert.Len(t, f.store.recordsFor(a.ID), 1, "rejected trigger is not recorded")
	assert.False(t, f.state(t, a.ID).Running)
}

func TestManager_SingleFlight_ConcurrentManualTriggers(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 7, 0), Config{}, a)
	gate := make(chan struct{})
	f.exec.set(func(e *fakeExecutor) { e.gate = gate })

	const n = 20
	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.TriggerManual(context.Background(), a.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	<-f.exec.started
	require.Eventually(t, func() bool { return rejected.Load() == n-1 }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, 1, f.exec.max())
	assert.Len(t, f.store.recordsFor(a.ID), 1)
}

func TestManager_PoolFullLeavesAccountDue(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	b := testutil.Account("bob", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{Workers: 1}, a, b)
	gate := make(chan struct{})
	f.exec.set(func(e *fakeExecutor) { e.gate = gate })

	f.manager.tick(context.Background())
	first := <-f.exec.started

	f.metrics.mu.Lock()
	assert.Equal(t, 1, f.metrics.poolSaturated)
	f.metrics.mu.Unlock()

	other := a.ID
	if first == a.ID {
		other = b.ID
	}
	st := f.state(t, other)
	assert.True(t, st.Due)
	assert.False(t, st.Running)

	close(gate)
	require.NoError(t, f.manager.pool.Wait())

	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(a.ID))
	assert.Equal(t, 1, f.exec.callCount(b.ID))
}

func TestManager_StaleLockReset(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{StaleRunThreshold: 5 * time.Minute}, a)
	gate := make(chan struct{})
	f.exec.set(func(e *fakeExecutor) {
		e.gate = gate
		e.outcome = domain.OutcomeNetworkError
	})

	f.manager.tick(context.Background())
	<-f.exec.started

	f.clock.Advance(4 * time.Minute)
	f.manager.tick(context.Background())
	assert.True(t, f.state(t, a.ID).Running, "not stale yet")
	assert.Equal(t, 1, f.exec.callCount(a.ID))

	// Past the threshold the lock is reset and the still-due account runs again.
	f.exec.set(func(e *fakeExecutor) {
		e.gate = nil
		e.outcome = domain.OutcomeSuccess
	})
	f.clock.Advance(2 * time.Minute)
	f.manager.tick(context.Background())

	require.Eventually(t, func() bool {
		st := f.state(t, a.ID)
		return !st.Running && st.LastOutcome == domain.OutcomeSuccess
	}, 2*time.Second, 5*time.Millisecond)
	f.metrics.mu.Lock()
	assert.Equal(t, 1, f.metrics.staleResets)
	f.metrics.mu.Unlock()

	// The stale run finishes late: its record is kept, its state is not.
	close(gate)
	require.NoError(t, f.manager.pool.Wait())

	assert.Len(t, f.store.recordsFor(a.ID), 2)
	st := f.state(t, a.ID)
	assert.Equal(t, domain.OutcomeSuccess, st.LastOutcome)
	assert.Equal(t, day(11, 9, 0), st.NextDueAt.UTC())
	assert.Equal(t, 2, f.exec.callCount(a.ID))
}

func TestManager_PanicRecordedAsUnexpectedResponse(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	b := testutil.Account("bob", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{}, a, b)
	f.exec.set(func(e *fakeExecutor) { e.panicWith = "boom" })

	f.tickAndWait(t)

	for _, id := range []string{a.ID, b.ID} {
		recs := f.store.recordsFor(id)
		require.Len(t, recs, 1)
		assert.Equal(t, domain.OutcomeUnexpectedResponse, recs[0].Outcome)
		assert.Contains(t, recs[0].Detail, "boom")
		assert.False(t, f.state(t, id).Running)
	}
}

func TestManager_SyncAddsRemovesAndReschedules(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 8, 0), Config{}, a)
	f.tickAndWait(t)

	b := testutil.Account("bob", 7, 0)
	f.store.put(b)
	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(b.ID), "new account past its trigger runs")

	a.TriggerTime = domain.TriggerTime{Hour: 10, Minute: 30}
	f.store.put(a)
	f.tickAndWait(t)
	assert.Equal(t, day(10, 10, 30), f.state(t, a.ID).NextDueAt.UTC())

	a.Timezone = "Asia/Shanghai"
	f.store.put(a)
	f.tickAndWait(t)
	// 10:30 Shanghai on the 11th is 02:30 UTC.
	assert.Equal(t, day(11, 2, 30), f.state(t, a.ID).NextDueAt.UTC())

	f.store.remove(b.ID)
	f.tickAndWait(t)
	assert.Nil(t, f.manager.lookup(b.ID))
}

func TestManager_DefaultTimezone(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	a.Timezone = ""
	f := newFixture(t, day(10, 0, 0), Config{DefaultTimezone: "Asia/Shanghai"}, a)

	f.tickAndWait(t)

	assert.Equal(t, day(10, 1, 0), f.state(t, a.ID).NextDueAt.UTC())
}

func TestManager_TickErrorDoesNotStopLoop(t *testing.T) {
	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{}, a)

	f.store.mu.Lock()
	f.store.listErr = errors.New("db locked")
	f.store.mu.Unlock()
	f.tickAndWait(t)
	assert.Equal(t, 0, f.exec.callCount(a.ID))

	f.store.mu.Lock()
	f.store.listErr = nil
	f.store.mu.Unlock()
	f.tickAndWait(t)
	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestInitialNextDue_DSTGap(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched, err := cron.NewParser().Daily(domain.TriggerTime{Hour: 2, Minute: 30}, "America/New_York")
	require.NoError(t, err)

	// 2024-03-10 has no 02:30 in New York.
	now := time.Date(2024, 3, 10, 1, 0, 0, 0, loc)
	next := initialNextDue(sched, nil, now)

	assert.True(t, next.After(now))
}

func TestManager_Run_StopsAndWaits(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{TickInterval: 10 * time.Millisecond}, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.store.recordsFor(a.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, f.exec.callCount(a.ID))
}

func TestManager_Run_ShutdownDuringJitterReleasesLock(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := testutil.Account("alice", 9, 0)
	f := newFixture(t, day(10, 9, 0), Config{TickInterval: time.Hour, Jitter: time.Hour}, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := f.manager.ScheduleState(context.Background(), a.ID)
		return err == nil && st.Running
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, f.exec.callCount(a.ID))
	assert.Empty(t, f.store.recordsFor(a.ID))
	assert.False(t, f.state(t, a.ID).Running)
}
