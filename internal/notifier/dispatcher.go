// Package notifier delivers check-in outcomes to the configured notification
// channels. Delivery is best-effort and at-least-once: failures are retried
// within a small budget, then logged and counted, never returned to the
// scheduler.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stsix/leaflow-auto-beta/internal/circuitbreaker"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/metrics"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetries      = 3
	DefaultDrainTimeout = 30 * time.Second
)

var (
	ErrUnknownChannel       = errors.New("unknown notification channel")
	ErrChannelNotConfigured = errors.New("notification channel not configured")
)

// ConfigStore loads the current notification settings.
type ConfigStore interface {
	GetNotificationConfig(ctx context.Context) (domain.NotificationConfig, error)
}

// MetricsSink defines the interface for recording notifier metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	NotificationAttempt(channel, statusClass string, duration time.Duration)
	NotificationOutcome(channel, outcome string)
	RetryAttempt(channel string)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// ChannelConfig selects a single channel, ignoring its Enabled flag. Kind is
// "telegram", "wecom" or "webhook".
type ChannelConfig struct {
	Kind     string                `json:"kind"`
	Telegram domain.TelegramConfig `json:"telegram"`
	WeCom    domain.WeComConfig    `json:"wecom"`
	Webhook  domain.WebhookConfig  `json:"webhook"`
}

type Dispatcher struct {
	store        ConfigStore
	client       *http.Client
	endpoints    Endpoints
	breaker      *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics      MetricsSink                    // optional, nil = disabled
	timeout      time.Duration
	retries      int
	initialWait  time.Duration
	maxWait      time.Duration
	drainTimeout time.Duration
}

func New(store ConfigStore) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{},
		endpoints:    DefaultEndpoints,
		timeout:      DefaultTimeout,
		retries:      DefaultRetries,
		initialWait:  time.Second,
		maxWait:      30 * time.Second,
		drainTimeout: DefaultDrainTimeout,
	}
}

// WithHTTPClient replaces the client shared by all channels.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithEndpoints overrides the Telegram and WeCom API hosts.
func (d *Dispatcher) WithEndpoints(e Endpoints) *Dispatcher {
	d.endpoints = e
	return d
}

// WithCircuitBreaker attaches a breaker keyed by channel destination.
func (d *Dispatcher) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithTimeout sets the per-attempt send timeout.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.timeout = t
	}
	return d
}

// WithRetries sets how many times a failed send is retried.
func (d *Dispatcher) WithRetries(n int) *Dispatcher {
	if n >= 0 {
		d.retries = n
	}
	return d
}

// WithBackoff sets the exponential backoff bounds between retries.
func (d *Dispatcher) WithBackoff(initial, max time.Duration) *Dispatcher {
	d.initialWait = initial
	d.maxWait = max
	return d
}

// WithDrainTimeout sets the maximum time to drain buffered events on shutdown.
func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.OutcomeEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, event)
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.OutcomeEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			log.Warn().Int("processed", count).Msg("notifier: drain timeout")
			return
		case event, ok := <-ch:
			if !ok {
				log.Info().Int("processed", count).Msg("notifier: drain complete")
				return
			}
			d.handle(drainCtx, event)
			count++
		default:
			if count > 0 {
				log.Info().Int("processed", count).Msg("notifier: drain complete")
			}
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, event domain.OutcomeEvent) {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}
	d.Notify(ctx, event.Account, event.Record)
}

// Notify sends the outcome to every enabled channel concurrently. It returns
// once every channel has succeeded or exhausted its retries.
func (d *Dispatcher) Notify(ctx context.Context, account domain.Account, rec domain.ExecutionRecord) {
	cfg, err := d.store.GetNotificationConfig(ctx)
	if err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("notifier: load config")
		return
	}
	if !cfg.Enabled {
		return
	}

	channels := d.channels(cfg)
	if len(channels) == 0 {
		return
	}

	notice := Format(account, rec)

	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			if err := d.deliver(ctx, ch, notice); err != nil {
				log.Warn().
					Err(err).
					Str("channel", ch.Name()).
					Str("account_id", account.ID).
					Str("outcome", string(rec.Outcome)).
					Msg("notifier: delivery failed")
			}
			// Never fail the group: one channel must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
}

// TestChannel sends a canned notice through one channel, bypassing the
// breaker, the retry budget and the global Enabled flag.
func (d *Dispatcher) TestChannel(ctx context.Context, cc ChannelConfig) error {
	ch, err := d.channel(cc)
	if err != nil {
		return err
	}

	notice := Format(
		domain.Account{ID: "test", Name: "test"},
		domain.ExecutionRecord{
			Timestamp: time.Now(),
			Outcome:   domain.OutcomeSuccess,
			Detail:    "This is a test notification.",
			Trigger:   domain.TriggerManual,
		},
	)

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return ch.Send(attemptCtx, notice).Err()
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, notice Notice) error {
	name := ch.Name()

	if d.breaker != nil {
		if err := d.breaker.Allow(ch.Key()); err != nil {
			d.recordOutcome(name, metrics.OutcomeCircuitOpen)
			return err
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 && d.metrics != nil {
			d.metrics.RetryAttempt(name)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		result := ch.Send(attemptCtx, notice)

		if d.metrics != nil {
			d.metrics.NotificationAttempt(name, statusClass(result), result.Duration)
		}

		err := result.Err()
		if err == nil {
			return nil
		}
		if !result.IsRetryable() {
			return backoff.Permanent(err)
		}
		log.Debug().Err(err).Str("channel", name).Int("attempt", attempt).Msg("notifier: attempt failed")
		return err
	}

	err := backoff.Retry(op, d.newBackoff(ctx))

	if d.breaker != nil {
		if err == nil {
			d.breaker.RecordSuccess(ch.Key())
		} else {
			d.breaker.RecordFailure(ch.Key())
		}
	}

	if err != nil {
		d.recordOutcome(name, metrics.OutcomeFailed)
		return fmt.Errorf("%s after %d attempt(s): %w", name, attempt, err)
	}
	d.recordOutcome(name, metrics.OutcomeDelivered)
	return nil
}

func (d *Dispatcher) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialWait
	b.MaxInterval = d.maxWait
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.retries)), ctx)
}

func (d *Dispatcher) channels(cfg domain.NotificationConfig) []Channel {
	var enabled []ChannelConfig
	if cfg.Telegram.Enabled {
		enabled = append(enabled, ChannelConfig{Kind: "telegram", Telegram: cfg.Telegram})
	}
	if cfg.WeCom.Enabled {
		enabled = append(enabled, ChannelConfig{Kind: "wecom", WeCom: cfg.WeCom})
	}
	if cfg.Webhook.Enabled {
		enabled = append(enabled, ChannelConfig{Kind: "webhook", Webhook: cfg.Webhook})
	}

	out := make([]Channel, 0, len(enabled))
	for _, cc := range enabled {
		ch, err := d.channel(cc)
		if err != nil {
			log.Warn().Err(err).Str("channel", cc.Kind).Msg("notifier: enabled channel skipped")
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (d *Dispatcher) channel(cc ChannelConfig) (Channel, error) {
	switch cc.Kind {
	case "telegram":
		if cc.Telegram.BotToken == "" || cc.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram: %w", ErrChannelNotConfigured)
		}
		return &telegramChannel{
			client:  d.client,
			baseURL: d.endpoints.TelegramBaseURL,
			token:   cc.Telegram.BotToken,
			chatID:  cc.Telegram.ChatID,
		}, nil
	case "wecom":
		if cc.WeCom.WebhookKey == "" {
			return nil, fmt.Errorf("wecom: %w", ErrChannelNotConfigured)
		}
		return &weComChannel{
			client:  d.client,
			baseURL: d.endpoints.WeComBaseURL,
			key:     cc.WeCom.WebhookKey,
		}, nil
	case "webhook":
		if cc.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook: %w", ErrChannelNotConfigured)
		}
		return &webhookChannel{
			client: d.client,
			url:    cc.Webhook.URL,
			secret: cc.Webhook.Secret,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, cc.Kind)
	}
}

func statusClass(r Result) string {
	if r.Error == nil && r.APIError != "" && r.StatusCode < 300 {
		return metrics.StatusClass4xx
	}
	return metrics.ClassifyStatus(r.StatusCode, r.Error)
}

func (d *Dispatcher) recordOutcome(channel, outcome string) {
	if d.metrics != nil {
		d.metrics.NotificationOutcome(channel, outcome)
	}
}
