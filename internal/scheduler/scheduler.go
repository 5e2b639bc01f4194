// Package scheduler launches jobs whose schedule policy is due.
package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// DefaultInterval is how often schedules are evaluated.
const DefaultInterval = time.Minute

// DefaultOnceRetryDelay spaces relaunches of a ONCE job whose run failed.
const DefaultOnceRetryDelay = time.Hour

// Launcher starts a run of a job.
type Launcher interface {
	Launch(ctx context.Context, jobID string) (harvest.Job, error)
}

// Store is the slice of the job store the scheduler reads and writes.
type Store interface {
	ListScheduledJobs(ctx context.Context) ([]harvest.Job, error)
	UpdateSchedule(ctx context.Context, jobID string, policy harvest.SchedulePolicy) error
}

// Scheduler fires due schedules. Missed fires are not backfilled.
type Scheduler struct {
	store    Store
	launcher Launcher
	clock    harvest.Clock
	interval time.Duration
	retry    time.Duration
	logger   *zap.Logger
}

// New constructs a Scheduler. A non-positive interval uses DefaultInterval.
func New(store Store, launcher Launcher, clock harvest.Clock, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		launcher: launcher,
		clock:    clock,
		interval: interval,
		retry:    DefaultOnceRetryDelay,
		logger:   logger,
	}
}

// WithOnceRetryDelay sets how long a failed ONCE run waits before it is launched again.
func (s *Scheduler) WithOnceRetryDelay(d time.Duration) *Scheduler {
	if d > 0 {
		s.retry = d
	}
	return s
}

// Run evaluates schedules immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick launches every due job once and returns the IDs it launched.
func (s *Scheduler) Tick(ctx context.Context) ([]string, error) {
	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled jobs")
	}
	now := s.clock.Now()
	var fired []string
	for _, job := range jobs {
		if job.Schedule == nil || !s.due(job, now) {
			continue
		}
		if job.State.Active() || job.State == harvest.StatePaused {
			metrics.ObserveSchedulerFire("skipped")
			s.logger.Debug("scheduled job still running", zap.String("job_id", job.ID), zap.String("state", string(job.State)))
			continue
		}

		policy := *job.Schedule
		policy.LastFiredAt = now
		if err := s.store.UpdateSchedule(ctx, job.ID, policy); err != nil {
			metrics.ObserveSchedulerFire("error")
			s.logger.Error("record schedule fire", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		_, err := s.launcher.Launch(ctx, job.ID)
		switch {
		case err == nil:
			metrics.ObserveSchedulerFire("launched")
			fired = append(fired, job.ID)
			s.logger.Info("scheduled job launched", zap.String("job_id", job.ID), zap.String("frequency", string(policy.Frequency)))
		case errors.Is(err, harvest.ErrJobAlreadyRunning):
			metrics.ObserveSchedulerFire("skipped")
		default:
			metrics.ObserveSchedulerFire("error")
			s.logger.Warn("scheduled launch failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return fired, nil
}

// due is Due, except that an enabled ONCE policy fires again after its run FAILED. A ONCE
// policy is disabled only when a run completes.
func (s *Scheduler) due(job harvest.Job, now time.Time) bool {
	p := *job.Schedule
	if p.Frequency == harvest.FrequencyOnce && p.Enabled && !p.LastFiredAt.IsZero() && job.State == harvest.StateFailed {
		return !now.Before(p.LastFiredAt.Add(s.retry))
	}
	return Due(p, now)
}

// Due reports whether policy fires at now.
func Due(policy harvest.SchedulePolicy, now time.Time) bool {
	return policy.Due(now)
}

// NextFireAt returns when policy fires next after now, or false when it never will.
func NextFireAt(policy harvest.SchedulePolicy, now time.Time) (time.Time, bool) {
	return policy.NextFireAt(now)
}
