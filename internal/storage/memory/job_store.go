package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Store is an in-memory harvest.Store and harvest.InputAdapter for development and tests.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]harvest.Job
	items    map[string][]harvest.SourceItem
	accounts map[string]harvest.Account

	profiles      map[string]harvest.ResolvedProfile
	profileByItem map[string]string // runID|itemID -> profile ID
	profileOrder  []string

	records     map[string]harvest.PersonRecord
	recordByKey map[string]string // runID|dedupe key -> record ID
	recordOrder []string

	classifications map[string]harvest.ClassificationResult
	classOrder      []string

	documents []harvest.ArchivedDocument
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:            make(map[string]harvest.Job),
		items:           make(map[string][]harvest.SourceItem),
		accounts:        make(map[string]harvest.Account),
		profiles:        make(map[string]harvest.ResolvedProfile),
		profileByItem:   make(map[string]string),
		records:         make(map[string]harvest.PersonRecord),
		recordByKey:     make(map[string]string),
		classifications: make(map[string]harvest.ClassificationResult),
	}
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.Wrapf(harvest.ErrAlreadyExists, "job %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	return cloneJob(job), nil
}

// TransitionJob moves the job to `to` only if its current state is one of from.
// On conflict it returns the current row and harvest.ErrStateConflict.
func (s *Store) TransitionJob(
	_ context.Context,
	jobID string,
	from []harvest.JobState,
	to harvest.JobState,
	patch harvest.JobPatch,
) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	if !slices.Contains(from, job.State) {
		return cloneJob(job), errors.Wrapf(harvest.ErrStateConflict, "job %s is %s, not in %v", jobID, job.State, from)
	}
	patch.Apply(&job, to)
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// AddCounters adds delta to the job's counters.
func (s *Store) AddCounters(_ context.Context, jobID string, delta harvest.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	job.Counters = job.Counters.Add(delta)
	s.jobs[jobID] = job
	return nil
}

// ListJobsByAccount returns the jobs bound to accountID, oldest first.
func (s *Store) ListJobsByAccount(_ context.Context, accountID string) ([]harvest.Job, error) {
	return s.listJobs(func(j harvest.Job) bool { return j.AccountID == accountID }), nil
}

// ListScheduledJobs returns the jobs that carry a schedule policy.
func (s *Store) ListScheduledJobs(_ context.Context) ([]harvest.Job, error) {
	return s.listJobs(func(j harvest.Job) bool { return j.Schedule != nil }), nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, limit, offset int) ([]harvest.Job, error) {
	all := s.listJobs(func(harvest.Job) bool { return true })
	slices.Reverse(all)
	offset = max(offset, 0)
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 {
		end = min(offset+limit, end)
	}
	return all[offset:end], nil
}

// UpdateSchedule replaces the job's schedule policy.
func (s *Store) UpdateSchedule(_ context.Context, jobID string, policy harvest.SchedulePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	p := policy
	job.Schedule = &p
	s.jobs[jobID] = job
	return nil
}

func (s *Store) listJobs(keep func(harvest.Job) bool) []harvest.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Job
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneJob(job harvest.Job) harvest.Job {
	out := job
	out.FallbackAccountIDs = slices.Clone(job.FallbackAccountIDs)
	out.Params.TargetRoles = slices.Clone(job.Params.TargetRoles)
	if job.Schedule != nil {
		p := *job.Schedule
		out.Schedule = &p
	}
	out.StartedAt = pointerTime(job.StartedAt)
	out.FinishedAt = pointerTime(job.FinishedAt)
	return out
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
