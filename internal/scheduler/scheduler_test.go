package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, jobID string) (harvest.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return harvest.Job{}, l.err
	}
	l.launched = append(l.launched, jobID)
	return harvest.Job{ID: jobID}, nil
}

func newStoreWith(t *testing.T, jobs ...harvest.Job) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, job := range jobs {
		require.NoError(t, store.CreateJob(context.Background(), job))
	}
	return store
}

func TestDailyScheduleFiresOncePerDay(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := newStoreWith(t, harvest.Job{
		ID:       "job-1",
		State:    harvest.StateCompleted,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyDaily, OccurrencesPerPeriod: 1, Enabled: true},
	})
	launcher := &fakeLauncher{}
	s := New(store, launcher, clock, time.Minute, zap.NewNop())

	ctx := context.Background()
	for minute := 0; minute < 48*60; minute++ {
		clock.Set(start.Add(time.Duration(minute) * time.Minute))
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"job-1", "job-1"}, launcher.launched)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, start.Add(24*time.Hour), job.Schedule.LastFiredAt)
}

func TestOccurrencesSplitThePeriod(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := newStoreWith(t, harvest.Job{
		ID:       "job-1",
		State:    harvest.StatePending,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyDaily, OccurrencesPerPeriod: 4, Enabled: true},
	})
	launcher := &fakeLauncher{}
	s := New(store, launcher, clock, 0, zap.NewNop())

	ctx := context.Background()
	for hour := 0; hour < 24; hour++ {
		clock.Set(start.Add(time.Duration(hour) * time.Hour))
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	require.Len(t, launcher.launched, 4)
}

func TestOnceScheduleFiresOnlyOnce(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := newStoreWith(t, harvest.Job{
		ID:       "job-1",
		State:    harvest.StatePending,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyOnce, Enabled: true},
	})
	launcher := &fakeLauncher{}
	s := New(store, launcher, clock, 0, zap.NewNop())

	ctx := context.Background()
	fired, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, fired)

	clock.Set(start.Add(90 * 24 * time.Hour))
	fired, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, fired)
}

func TestFailedOnceScheduleFiresAgainAfterRetryDelay(t *testing.T) {
	t.Parallel()

	fired := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	once := func(enabled bool) *harvest.SchedulePolicy {
		return &harvest.SchedulePolicy{Frequency: harvest.FrequencyOnce, Enabled: enabled, LastFiredAt: fired}
	}
	store := newStoreWith(t,
		harvest.Job{ID: "failed", State: harvest.StateFailed, Schedule: once(true)},
		harvest.Job{ID: "completed", State: harvest.StateCompleted, Schedule: once(true)},
		harvest.Job{ID: "disabled", State: harvest.StateFailed, Schedule: once(false)},
	)
	clock := &fakeClock{now: fired.Add(30 * time.Minute)}
	launcher := &fakeLauncher{}
	s := New(store, launcher, clock, 0, zap.NewNop()).WithOnceRetryDelay(2 * time.Hour)

	ctx := context.Background()
	got, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	clock.Set(fired.Add(2 * time.Hour))
	got, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"failed"}, got)

	job, err := store.GetJob(ctx, "failed")
	require.NoError(t, err)
	require.Equal(t, fired.Add(2*time.Hour), job.Schedule.LastFiredAt)
	require.True(t, job.Schedule.Enabled)

	clock.Set(fired.Add(3 * time.Hour))
	got, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTickSkipsRunningPausedAndDisabledJobs(t *testing.T) {
	t.Parallel()

	daily := func(enabled bool) *harvest.SchedulePolicy {
		return &harvest.SchedulePolicy{Frequency: harvest.FrequencyDaily, OccurrencesPerPeriod: 1, Enabled: enabled}
	}
	store := newStoreWith(t,
		harvest.Job{ID: "running", State: harvest.StateExtracting, Schedule: daily(true)},
		harvest.Job{ID: "paused", State: harvest.StatePaused, Schedule: daily(true)},
		harvest.Job{ID: "disabled", State: harvest.StateCompleted, Schedule: daily(false)},
		harvest.Job{ID: "manual", State: harvest.StateCompleted},
		harvest.Job{ID: "due", State: harvest.StateFailed, Schedule: daily(true)},
	)
	launcher := &fakeLauncher{}
	s := New(store, launcher, &fakeClock{now: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}, 0, zap.NewNop())

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"due"}, fired)

	running, err := store.GetJob(context.Background(), "running")
	require.NoError(t, err)
	require.True(t, running.Schedule.LastFiredAt.IsZero(), "a skipped job keeps its last fire time")
}

func TestAlreadyRunningIsNotAFire(t *testing.T) {
	t.Parallel()

	store := newStoreWith(t, harvest.Job{
		ID:       "job-1",
		State:    harvest.StatePending,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyWeekly, Enabled: true},
	})
	launcher := &fakeLauncher{err: errors.Wrap(harvest.ErrJobAlreadyRunning, "job-1")}
	s := New(store, launcher, &fakeClock{now: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}, 0, zap.NewNop())

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, fired)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newStoreWith(t, harvest.Job{
		ID:       "job-1",
		State:    harvest.StatePending,
		Schedule: &harvest.SchedulePolicy{Frequency: harvest.FrequencyOnce, Enabled: true},
	})
	launcher := &fakeLauncher{}
	s := New(store, launcher, &fakeClock{now: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNextFireAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next, ok := NextFireAt(harvest.SchedulePolicy{
		Frequency:            harvest.FrequencyWeekly,
		OccurrencesPerPeriod: 7,
		Enabled:              true,
		LastFiredAt:          now.Add(-time.Hour),
	}, now)
	require.True(t, ok)
	require.Equal(t, now.Add(23*time.Hour), next)
	require.True(t, Due(harvest.SchedulePolicy{Frequency: harvest.FrequencyMonthly, Enabled: true}, now))
}
