package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, launched int, err error)
	CheckinCompleted(outcome, trigger string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()
	StaleLockReset()
	PoolSaturated()
	ManualRejected(reason string)

	// Notifier metrics
	NotificationAttempt(channel, statusClass string, duration time.Duration)
	NotificationOutcome(channel, outcome string)
	RetryAttempt(channel string)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	EmitError()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Notification outcome constants.
const (
	OutcomeDelivered   = "delivered"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
)

// Manual trigger rejection reasons.
const (
	RejectAlreadyRunning = "already_running"
	RejectDisabled       = "disabled"
	RejectNoCredentials  = "no_credentials"
	RejectNotFound       = "not_found"
	RejectNotLeader      = "not_leader"
)

// StatusClass constants for NotificationAttempt.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
// Typed transport errors are checked first; the message match covers
// errors that lost their type on the way through a channel.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return StatusClassConnectionError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
		return StatusClassConnectionError
	default:
		return StatusClassOtherError
	}
}
