package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                     {}
func (n *NoopSink) TickCompleted(duration time.Duration, launched int, err error)    {}
func (n *NoopSink) CheckinCompleted(outcome, trigger string, d time.Duration)        {}
func (n *NoopSink) RunsInFlightIncr()                                                {}
func (n *NoopSink) RunsInFlightDecr()                                                {}
func (n *NoopSink) StaleLockReset()                                                  {}
func (n *NoopSink) PoolSaturated()                                                   {}
func (n *NoopSink) ManualRejected(reason string)                                     {}
func (n *NoopSink) NotificationAttempt(channel, statusClass string, d time.Duration) {}
func (n *NoopSink) NotificationOutcome(channel, outcome string)                      {}
func (n *NoopSink) RetryAttempt(channel string)                                      {}
func (n *NoopSink) EventsInFlightIncr()                                              {}
func (n *NoopSink) EventsInFlightDecr()                                              {}
func (n *NoopSink) BufferSizeUpdate(size int)                                        {}
func (n *NoopSink) EmitError()                                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                {}
func (n *NoopSink) LeaderAcquired()                                                  {}
func (n *NoopSink) LeaderLost(reason string)                                         {}
