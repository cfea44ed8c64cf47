// Package scheduler drives the periodic jobs: fast collector ticks, a
// minute heartbeat and daily maintenance at fixed UTC hours.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of periodic work. Errors are logged, never fatal.
type Job func(ctx context.Context) error

type intervalJob struct {
	name         string
	interval     time.Duration
	maxInstances int
	job          Job
}

type dailyJob struct {
	name string
	hour int
	job  Job
}

// Scheduler runs interval jobs on tickers and daily jobs at fixed UTC
// hours. Interval jobs coalesce: a tick is skipped while the configured
// number of instances is still in flight.
type Scheduler struct {
	interval []intervalJob
	daily    []dailyJob
	log      zerolog.Logger

	wg sync.WaitGroup
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log.With().Str("component", "scheduler").Logger()}
}

// AddInterval registers a job fired every interval, with at most
// maxInstances overlapping runs.
func (s *Scheduler) AddInterval(name string, interval time.Duration, maxInstances int, job Job) {
	if maxInstances < 1 {
		maxInstances = 1
	}
	s.interval = append(s.interval, intervalJob{name, interval, maxInstances, job})
}

// AddDaily registers a job fired once a day at the given UTC hour.
func (s *Scheduler) AddDaily(name string, hour int, job Job) {
	s.daily = append(s.daily, dailyJob{name, hour, job})
}

// Start launches every job loop. It returns immediately; Wait blocks until
// the loops have observed ctx cancellation and drained.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.interval {
		s.wg.Add(1)
		go s.runInterval(ctx, j)
	}
	for _, j := range s.daily {
		s.wg.Add(1)
		go s.runDaily(ctx, j)
	}
	s.log.Info().
		Int("interval_jobs", len(s.interval)).
		Int("daily_jobs", len(s.daily)).
		Msg("scheduler started")
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runInterval(ctx context.Context, j intervalJob) {
	defer s.wg.Done()

	slots := make(chan struct{}, j.maxInstances)
	var inflight sync.WaitGroup
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			s.log.Debug().Str("job", j.name).Msg("job loop stopped")
			return
		case <-ticker.C:
		}

		select {
		case slots <- struct{}{}:
		default:
			// all instances busy, coalesce this tick
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-slots }()
			if err := j.job(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("job", j.name).Msg("job failed")
			}
		}()
	}
}

func (s *Scheduler) runDaily(ctx context.Context, j dailyJob) {
	defer s.wg.Done()

	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), j.hour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Debug().Str("job", j.name).Msg("job loop stopped")
			return
		case <-timer.C:
		}

		s.log.Info().Str("job", j.name).Msg("running daily job")
		if err := j.job(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("job", j.name).Msg("job failed")
		}
	}
}
