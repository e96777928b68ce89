// Package jobs runs the reconciliation pipeline in the background, on a
// schedule or on demand, one pass at a time.
package jobs

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/JohanCodinha/timelink/internal/sync"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when a pass is already running.
var ErrBusy = errors.New("jobs: a reconciliation is already running")

// Pipeline runs reconciliation stages. *sync.Engine implements it.
type Pipeline interface {
	Run(ctx context.Context, since, until time.Time, stages ...sync.Stage) (string, error)
}

// Runner serializes pipeline passes over a trailing time window.
type Runner struct {
	pipeline Pipeline
	lookback time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	wg      gosync.WaitGroup
}

// NewRunner creates a runner syncing entries of the last lookback.
// A timeout > 0 bounds every pass.
func NewRunner(p Pipeline, lookback, timeout time.Duration) *Runner {
	return &Runner{
		pipeline: p,
		lookback: lookback,
		timeout:  timeout,
		log:      logger.Component("jobs"),
		now:      time.Now,
	}
}

// Window returns the entry range of a pass started now.
func (r *Runner) Window() (since, until time.Time) {
	until = r.now().UTC().Truncate(time.Second)
	return until.Add(-r.lookback), until
}

// Running reports whether a pass is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run executes a pass and waits for it. It returns ErrBusy without running
// anything if another pass is in progress.
func (r *Runner) Run(ctx context.Context, stages ...sync.Stage) (string, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer r.running.Store(false)
	return r.run(ctx, stages)
}

// Start launches a pass in the background, detached from ctx cancellation.
func (r *Runner) Start(ctx context.Context, stages ...sync.Stage) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrBusy
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		if _, err := r.run(context.WithoutCancel(ctx), stages); err != nil {
			r.log.Error().Err(err).Msg("background reconciliation failed")
		}
	}()
	return nil
}

// Wait blocks until background passes have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, stages []sync.Stage) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	since, until := r.Window()
	return r.pipeline.Run(ctx, since, until, stages...)
}
