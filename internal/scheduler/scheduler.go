// Package scheduler runs the periodic maintenance jobs: cache expiry,
// archival of completed optimization jobs and purging of stale failures.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// loggedJob adapts a Job to cron.Job, logging each run and its duration.
type loggedJob struct {
	job Job
	log zerolog.Logger
}

func (l loggedJob) Run() {
	start := time.Now()
	l.log.Debug().Str("job", l.job.Name()).Msg("Running job")

	if err := l.job.Run(); err != nil {
		l.log.Error().
			Err(err).
			Str("job", l.job.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("Job failed")
		return
	}

	l.log.Debug().
		Str("job", l.job.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler. Schedules use six-field cron expressions
// (seconds first) or the @hourly/@daily shorthands.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := s.cron.AddJob(schedule, loggedJob{job: job, log: s.log}); err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}
