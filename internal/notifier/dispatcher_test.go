package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stsix/leaflow-auto-beta/internal/circuitbreaker"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/testutil"
)

type mockConfigStore struct {
	mu  sync.Mutex
	cfg domain.NotificationConfig
	err error
}

func (s *mockConfigStore) GetNotificationConfig(ctx context.Context) (domain.NotificationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.err
}

type mockMetrics struct {
	mu       sync.Mutex
	attempts map[string]int
	outcomes map[string]int
	retries  map[string]int
	inFlight int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{attempts: map[string]int{}, outcomes: map[string]int{}, retries: map[string]int{}}
}

func (m *mockMetrics) NotificationAttempt(channel, statusClass string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[channel+"/"+statusClass]++
}

func (m *mockMetrics) NotificationOutcome(channel, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[channel+"/"+outcome]++
}

func (m *mockMetrics) RetryAttempt(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[channel]++
}

func (m *mockMetrics) EventsInFlightIncr() { m.mu.Lock(); m.inFlight++; m.mu.Unlock() }
func (m *mockMetrics) EventsInFlightDecr() { m.mu.Lock(); m.inFlight--; m.mu.Unlock() }

// fakeAPI serves both the Telegram and WeCom endpoints.
type fakeAPI struct {
	server *httptest.Server

	telegramStatus atomic.Int32
	telegramCalls  atomic.Int32
	wecomCalls     atomic.Int32
	wecomErrCode   atomic.Int32

	mu           sync.Mutex
	telegramText string
	wecomText    string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	f.telegramStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/botTOKEN/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		f.telegramCalls.Add(1)
		var req telegramRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.telegramText = req.Text
		f.mu.Unlock()

		status := int(f.telegramStatus.Load())
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(telegramResponse{OK: status == http.StatusOK, Description: "boom"})
	})
	mux.HandleFunc("/cgi-bin/webhook/send", func(w http.ResponseWriter, r *http.Request) {
		f.wecomCalls.Add(1)
		var req weComRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.wecomText = req.Text.Content
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(weComResponse{ErrCode: int(f.wecomErrCode.Load()), ErrMsg: "invalid webhook url"})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) endpoints() Endpoints {
	return Endpoints{TelegramBaseURL: f.server.URL, WeComBaseURL: f.server.URL}
}

func bothChannels() domain.NotificationConfig {
	return domain.NotificationConfig{
		Enabled:  true,
		Telegram: domain.TelegramConfig{Enabled: true, BotToken: "TOKEN", ChatID: "42"},
		WeCom:    domain.WeComConfig{Enabled: true, WebhookKey: "KEY"},
	}
}

func newTestDispatcher(store ConfigStore, api *fakeAPI) *Dispatcher {
	return New(store).
		WithEndpoints(api.endpoints()).
		WithBackoff(time.Millisecond, 5*time.Millisecond).
		WithTimeout(time.Second)
}

func outcome(o domain.Outcome) (domain.Account, domain.ExecutionRecord) {
	a := testutil.Account("alice", 9, 0)
	rec := testutil.Record(a.ID, time.Date(2024, 3, 10, 9, 0, 5, 0, time.UTC), o)
	rec.Detail = "detail text"
	return a, rec
}

func TestNotify_SendsToAllEnabledChannels(t *testing.T) {
	api := newFakeAPI(t)
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(1), api.telegramCalls.Load())
	assert.Equal(t, int32(1), api.wecomCalls.Load())

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Contains(t, api.telegramText, "alice")
	assert.Contains(t, api.telegramText, "succeeded")
	assert.Contains(t, api.telegramText, "detail text")
	assert.Equal(t, api.telegramText, api.wecomText)
}

func TestNotify_GloballyDisabled(t *testing.T) {
	api := newFakeAPI(t)
	cfg := bothChannels()
	cfg.Enabled = false
	d := newTestDispatcher(&mockConfigStore{cfg: cfg}, api)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(0), api.telegramCalls.Load())
	assert.Equal(t, int32(0), api.wecomCalls.Load())
}

func TestNotify_FailingChannelDoesNotBlockOther(t *testing.T) {
	api := newFakeAPI(t)
	api.telegramStatus.Store(http.StatusInternalServerError)
	m := newMockMetrics()
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api).WithRetries(2).WithMetrics(m)

	a, rec := outcome(domain.OutcomeAuthRejected)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(3), api.telegramCalls.Load(), "first attempt plus two retries")
	assert.Equal(t, int32(1), api.wecomCalls.Load())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.outcomes["telegram/failed"])
	assert.Equal(t, 1, m.outcomes["wecom/delivered"])
	assert.Equal(t, 2, m.retries["telegram"])
	assert.Equal(t, 3, m.attempts["telegram/5xx"])
}

func TestNotify_EnabledChannelMissingCredentialsLogged(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = original }()

	api := newFakeAPI(t)
	cfg := bothChannels()
	cfg.Telegram.BotToken = ""
	d := newTestDispatcher(&mockConfigStore{cfg: cfg}, api)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(0), api.telegramCalls.Load())
	assert.Equal(t, int32(1), api.wecomCalls.Load())

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"channel":"telegram"`)
	assert.Contains(t, out, "enabled channel skipped")
	assert.NotContains(t, out, `"channel":"wecom"`)
}

func TestNotify_HangingChannelBoundedByTimeout(t *testing.T) {
	api := newFakeAPI(t)
	release := make(chan struct{})
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hang.Close()
	defer close(release)

	cfg := bothChannels()
	cfg.Webhook = domain.WebhookConfig{Enabled: true, URL: hang.URL, Secret: "s"}
	d := newTestDispatcher(&mockConfigStore{cfg: cfg}, api).WithTimeout(50 * time.Millisecond).WithRetries(0)

	a, rec := outcome(domain.OutcomeSuccess)
	start := time.Now()
	d.Notify(context.Background(), a, rec)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), api.telegramCalls.Load())
	assert.Equal(t, int32(1), api.wecomCalls.Load())
}

func TestNotify_NonRetryableNotRetried(t *testing.T) {
	api := newFakeAPI(t)
	api.telegramStatus.Store(http.StatusBadRequest)
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api).WithRetries(3)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(1), api.telegramCalls.Load())
}

func TestNotify_WeComErrCodeIsFailure(t *testing.T) {
	api := newFakeAPI(t)
	api.wecomErrCode.Store(93000)
	m := newMockMetrics()
	cfg := domain.NotificationConfig{Enabled: true, WeCom: domain.WeComConfig{Enabled: true, WebhookKey: "KEY"}}
	d := newTestDispatcher(&mockConfigStore{cfg: cfg}, api).WithMetrics(m)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(1), api.wecomCalls.Load())
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.outcomes["wecom/failed"])
}

func TestNotify_CircuitBreakerSkipsOpenChannel(t *testing.T) {
	api := newFakeAPI(t)
	api.telegramStatus.Store(http.StatusServiceUnavailable)
	m := newMockMetrics()
	cb := circuitbreaker.New(1, time.Hour)
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api).
		WithRetries(0).
		WithCircuitBreaker(cb).
		WithMetrics(m)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(1), api.telegramCalls.Load())
	assert.Equal(t, int32(2), api.wecomCalls.Load())
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.outcomes["telegram/circuit_open"])
}

func TestNotify_ConfigLoadError(t *testing.T) {
	api := newFakeAPI(t)
	d := newTestDispatcher(&mockConfigStore{err: errors.New("db down")}, api)

	a, rec := outcome(domain.OutcomeSuccess)
	d.Notify(context.Background(), a, rec)

	assert.Equal(t, int32(0), api.telegramCalls.Load())
}

func TestTestChannel(t *testing.T) {
	api := newFakeAPI(t)
	d := newTestDispatcher(&mockConfigStore{}, api)

	err := d.TestChannel(context.Background(), ChannelConfig{
		Kind:     "telegram",
		Telegram: domain.TelegramConfig{BotToken: "TOKEN", ChatID: "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.telegramCalls.Load())

	api.mu.Lock()
	assert.Contains(t, api.telegramText, "test notification")
	api.mu.Unlock()

	api.telegramStatus.Store(http.StatusUnauthorized)
	err = d.TestChannel(context.Background(), ChannelConfig{
		Kind:     "telegram",
		Telegram: domain.TelegramConfig{BotToken: "TOKEN", ChatID: "42"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTestChannel_Validation(t *testing.T) {
	d := New(&mockConfigStore{})

	err := d.TestChannel(context.Background(), ChannelConfig{Kind: "pigeon"})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	err = d.TestChannel(context.Background(), ChannelConfig{Kind: "wecom"})
	assert.ErrorIs(t, err, ErrChannelNotConfigured)
}

func TestRun_ProcessesUntilChannelClosed(t *testing.T) {
	api := newFakeAPI(t)
	m := newMockMetrics()
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api).WithMetrics(m)

	ch := make(chan domain.OutcomeEvent, 5)
	for i := 0; i < 3; i++ {
		a, rec := outcome(domain.OutcomeSuccess)
		ch <- domain.OutcomeEvent{Account: a, Record: rec}
	}
	close(ch)

	d.Run(context.Background(), ch)

	assert.Equal(t, int32(3), api.telegramCalls.Load())
	m.mu.Lock()
	assert.Equal(t, 0, m.inFlight)
	m.mu.Unlock()
}

func TestDrain_DeliversBufferedEvents(t *testing.T) {
	api := newFakeAPI(t)
	d := newTestDispatcher(&mockConfigStore{cfg: bothChannels()}, api)

	ch := make(chan domain.OutcomeEvent, 5)
	for i := 0; i < 2; i++ {
		a, rec := outcome(domain.OutcomeSuccess)
		ch <- domain.OutcomeEvent{Account: a, Record: rec}
	}

	d.drain(ch)

	assert.Equal(t, int32(2), api.telegramCalls.Load())
	assert.Equal(t, 0, len(ch))
}

func TestTelegram_TokenRedactedFromTransportErrors(t *testing.T) {
	d := New(&mockConfigStore{}).WithEndpoints(Endpoints{TelegramBaseURL: "http://127.0.0.1:1"})

	err := d.TestChannel(context.Background(), ChannelConfig{
		Kind:     "telegram",
		Telegram: domain.TelegramConfig{BotToken: "SECRET-TOKEN", ChatID: "1"},
	})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "SECRET-TOKEN"))
}

func TestWebhook_SignedPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotID = r.Header.Get(HeaderRecordID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := domain.NotificationConfig{Enabled: true, Webhook: domain.WebhookConfig{Enabled: true, URL: srv.URL, Secret: "s3cret"}}
	d := New(&mockConfigStore{cfg: cfg})

	a, rec := outcome(domain.OutcomeAlreadyCompleted)
	d.Notify(context.Background(), a, rec)

	require.NotEmpty(t, gotBody)
	assert.True(t, VerifySignature("s3cret", gotBody, gotSig))
	assert.False(t, VerifySignature("wrong", gotBody, gotSig))
	assert.Equal(t, rec.ID.String(), gotID)

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "already_completed", payload.Outcome)
	assert.Equal(t, "alice", payload.AccountName)
	assert.Equal(t, "2024-03-10T09:00:05Z", payload.Timestamp)
}
