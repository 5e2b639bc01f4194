package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/progress"
)

// PrometheusSink exports run-level gauges and durations derived from lifecycle events.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	s := &PrometheusSink{tracker: newRunTracker()}
	if s.runsStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_runs_started_total",
		Help: "Job runs that entered resolution.",
	})); err != nil {
		return nil, err
	}
	if s.runsFinished, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_runs_finished_total",
		Help: "Job runs that reached a terminal state, by state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if s.jobsActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_jobs_active",
		Help: "Jobs currently resolving, extracting, or classifying.",
	})); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_run_duration_seconds",
		Help:    "Wall time from launch to terminal state.",
		Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
	}, []string{"state"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register lifecycle collector")
	}
	return c, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	c := evt.Change
	if c.From == harvest.StatePending && c.To == harvest.StateResolving {
		s.runsStarted.Inc()
	}
	switch {
	case c.To.Active():
		if s.tracker.start(c.JobID, c.At) {
			s.jobsActive.Inc()
		}
	case c.To.Terminal():
		s.runsFinished.WithLabelValues(string(c.To)).Inc()
		if started, ok := s.tracker.complete(c.JobID); ok {
			s.jobsActive.Dec()
			if d := c.At.Sub(started); d > 0 {
				s.runDuration.WithLabelValues(string(c.To)).Observe(d.Seconds())
			}
		}
	case c.To == harvest.StatePaused:
		if _, ok := s.tracker.complete(c.JobID); ok {
			s.jobsActive.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]time.Time)}
}

func (t *runTracker) start(jobID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; ok {
		return false
	}
	t.running[jobID] = at
	return true
}

func (t *runTracker) complete(jobID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[jobID]
	if ok {
		delete(t.running, jobID)
	}
	return started, ok
}
