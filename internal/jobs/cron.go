package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron triggers a full pass on a standard five-field cron schedule.
type Cron struct {
	c      *cron.Cron
	runner *Runner
	log    zerolog.Logger
}

// NewCron schedules runner on spec, evaluated in loc.
func NewCron(spec string, loc *time.Location, runner *Runner) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	log := logger.Component("cron")
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(&log))),
	)
	cr := &Cron{c: c, runner: runner, log: log}
	if _, err := c.AddFunc(spec, cr.tick); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return cr, nil
}

// Start starts the scheduler in its own goroutine.
func (cr *Cron) Start() {
	cr.c.Start()
	cr.log.Info().Time("next", cr.Next()).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running tick to finish.
func (cr *Cron) Stop() {
	<-cr.c.Stop().Done()
}

// Next returns the next scheduled tick, zero before Start.
func (cr *Cron) Next() time.Time {
	entries := cr.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Schedule exposes the parsed schedule.
func (cr *Cron) Schedule() cron.Schedule {
	return cr.c.Entries()[0].Schedule
}

func (cr *Cron) tick() {
	runID, err := cr.runner.Run(context.Background())
	switch {
	case errors.Is(err, ErrBusy):
		cr.log.Info().Msg("previous pass still running, skipping tick")
	case err != nil:
		cr.log.Error().Err(err).Str("run", runID).Msg("scheduled pass failed")
	default:
		cr.log.Info().Str("run", runID).Msg("scheduled pass complete")
	}
}
