package main

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// schedulerRunner starts and stops a blocking Run loop. It backs the leader
// election callbacks, which may fire repeatedly over the process lifetime.
type schedulerRunner struct {
	run func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSchedulerRunner(run func(ctx context.Context) error) *schedulerRunner {
	return &schedulerRunner{run: run}
}

// start launches the loop under ctx. A second start while running is ignored.
func (r *schedulerRunner) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil || ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		if err := r.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("easycheckin: scheduler exited")
		}
		r.mu.Lock()
		if r.done == done {
			r.cancel()
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
	}()
	log.Info().Msg("easycheckin: scheduler started")
}

// stop cancels the loop and waits for it to return. It is idempotent.
func (r *schedulerRunner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("easycheckin: scheduler stopped")
}
