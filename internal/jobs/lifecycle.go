package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// launchable lists the states a new run may start from.
var launchable = []harvest.JobState{harvest.StatePending, harvest.StateCompleted, harvest.StateFailed}

// NewJob describes a job at creation time.
type NewJob struct {
	ID                 string
	Kind               harvest.JobKind
	AccountID          string
	FallbackAccountIDs []string
	Params             harvest.Params
	Schedule           *harvest.SchedulePolicy
	Items              []harvest.SourceItem
}

// Create stores a PENDING job and its source items.
func (m *Machine) Create(ctx context.Context, in NewJob) (harvest.Job, error) {
	if !in.Kind.Valid() {
		return harvest.Job{}, errors.Wrapf(harvest.ErrConfigInvalid, "unknown job kind %q", in.Kind)
	}
	if in.Schedule != nil && !in.Schedule.Frequency.Valid() {
		return harvest.Job{}, errors.Wrapf(harvest.ErrConfigInvalid, "unknown frequency %q", in.Schedule.Frequency)
	}
	if len(in.Items) > 0 && m.items == nil {
		return harvest.Job{}, errors.New("jobs: no item writer configured")
	}

	id := in.ID
	if id == "" {
		var err error
		if id, err = m.ids.NewID(); err != nil {
			return harvest.Job{}, errors.Wrap(err, "job id")
		}
	}
	if in.Params.Mode == "" {
		in.Params.Mode = harvest.ModeRule
	}
	now := m.clock.Now()
	job := harvest.Job{
		ID:                 id,
		Kind:               in.Kind,
		State:              harvest.StatePending,
		AccountID:          in.AccountID,
		FallbackAccountIDs: in.FallbackAccountIDs,
		Params:             in.Params,
		Schedule:           in.Schedule,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if len(in.Items) > 0 {
		items := make([]harvest.SourceItem, len(in.Items))
		for i, item := range in.Items {
			if item.ID == "" {
				itemID, err := m.ids.NewID()
				if err != nil {
					return harvest.Job{}, errors.Wrap(err, "item id")
				}
				item.ID = itemID
			}
			item.JobID = id
			items[i] = item
		}
		if err := m.items.PutSourceItems(ctx, id, items); err != nil {
			return harvest.Job{}, errors.Wrapf(err, "store items for job %s", id)
		}
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return harvest.Job{}, errors.Wrapf(err, "create job %s", id)
	}
	m.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("kind", string(job.Kind)),
		zap.Int("items", len(in.Items)),
	)
	return job, nil
}

// Launch starts a new run of a PENDING, COMPLETED or FAILED job, or resumes a PAUSED one.
// A job whose configuration cannot run moves to FAILED and the configuration error is returned.
func (m *Machine) Launch(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, errors.Wrapf(err, "launch job %s", jobID)
	}
	switch {
	case job.State.Active():
		return job, errors.Wrapf(harvest.ErrJobAlreadyRunning, "job %s is %s", job.ID, job.State)
	case job.State == harvest.StatePaused:
		return m.Resume(ctx, jobID)
	}

	runID, err := m.ids.NewID()
	if err != nil {
		return job, errors.Wrap(err, "run id")
	}
	now := m.clock.Now()
	patch := harvest.JobPatch{
		RunID:         runID,
		RunNumber:     job.RunNumber + 1,
		ResetCounters: true,
		SetError:      true,
		StartedAt:     now,
	}

	accountID, cfgErr := m.validate(ctx, job)
	if cfgErr != nil {
		patch.LastError = harvest.UserMessage(cfgErr)
		patch.ErrorCode = harvest.CodeFor(cfgErr)
		patch.FinishedAt = now
		failed, err := m.transition(ctx, job, launchable, harvest.StateFailed, patch)
		if err != nil {
			return m.launchConflict(ctx, job, err)
		}
		m.logger.Warn("job failed at launch", zap.String("job_id", job.ID), zap.Error(cfgErr))
		return failed, cfgErr
	}
	if accountID != job.AccountID {
		patch.AccountID = accountID
	}

	started, err := m.transition(ctx, job, launchable, harvest.StateResolving, patch)
	if err != nil {
		return m.launchConflict(ctx, job, err)
	}
	if err := m.enter(ctx, started); err != nil {
		return started, err
	}
	return started, nil
}

func (m *Machine) launchConflict(ctx context.Context, job harvest.Job, err error) (harvest.Job, error) {
	if !errors.Is(err, harvest.ErrStateConflict) {
		return job, err
	}
	current, getErr := m.store.GetJob(ctx, job.ID)
	if getErr == nil && current.State.Active() {
		return current, errors.Wrapf(harvest.ErrJobAlreadyRunning, "job %s is %s", job.ID, current.State)
	}
	return current, err
}

// validate checks everything a run needs and returns the account the run should use.
func (m *Machine) validate(ctx context.Context, job harvest.Job) (string, error) {
	if !job.Kind.Valid() {
		return "", errors.Wrapf(harvest.ErrConfigInvalid, "unknown job kind %q", job.Kind)
	}
	if job.Kind == harvest.KindExtraction {
		if len(targetRoles(job)) == 0 {
			return "", errors.Wrap(harvest.ErrConfigInvalid, "extraction job has no target roles")
		}
		if job.AccountID == "" {
			return "", errors.Wrap(harvest.ErrConfigInvalid, "extraction job has no account")
		}
	}

	accountID := job.AccountID
	if accountID != "" {
		if _, err := m.store.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, harvest.ErrNotFound) {
				return "", errors.Wrapf(harvest.ErrConfigInvalid, "unknown account %s", accountID)
			}
			return "", errors.Wrapf(err, "load account %s", accountID)
		}
	}
	if job.Kind == harvest.KindExtraction {
		health, err := m.guard.Health(ctx, accountID)
		if err != nil {
			return "", errors.Wrapf(err, "account %s health", accountID)
		}
		if health == harvest.HealthExpired {
			fallback := m.fallbackFor(ctx, job, accountID)
			if fallback == "" {
				return "", errors.Wrapf(harvest.ErrAccountAuthInvalid, "account %s", accountID)
			}
			accountID = fallback
		}
	}

	items, err := m.sourceItems(ctx, job)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", errors.Wrap(harvest.ErrConfigInvalid, "no valid source items")
	}
	return accountID, nil
}

// sourceItems returns the valid items a run processes, honoring MaxItems.
func (m *Machine) sourceItems(ctx context.Context, job harvest.Job) ([]harvest.SourceItem, error) {
	all, err := m.input.ListSourceItems(ctx, job.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "list items for job %s", job.ID)
	}
	items := make([]harvest.SourceItem, 0, len(all))
	for i, item := range all {
		if !item.Valid() {
			continue
		}
		if item.ID == "" {
			item.ID = fmt.Sprintf("%s-item-%d", job.ID, i)
		}
		items = append(items, item)
		if limit := job.Params.MaxItems; limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}

func targetRoles(job harvest.Job) []string {
	roles := make([]string, 0, len(job.Params.TargetRoles))
	for _, r := range job.Params.TargetRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// Pause stops a running job. In-flight units finish but enqueue nothing further.
func (m *Machine) Pause(ctx context.Context, jobID string) (harvest.Job, error) {
	for range 3 {
		job, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return harvest.Job{}, errors.Wrapf(err, "pause job %s", jobID)
		}
		if job.State == harvest.StatePaused {
			return job, nil
		}
		if !job.State.Active() {
			return job, errors.Wrapf(harvest.ErrStateConflict, "job %s is %s", jobID, job.State)
		}
		paused, err := m.transition(ctx, job, []harvest.JobState{job.State}, harvest.StatePaused,
			harvest.JobPatch{PausedFrom: job.State})
		if errors.Is(err, harvest.ErrStateConflict) {
			continue
		}
		return paused, err
	}
	return harvest.Job{}, errors.Wrapf(harvest.ErrStateConflict, "pause job %s", jobID)
}

// Resume returns a PAUSED job to the stage it was paused in and re-derives its outstanding work.
func (m *Machine) Resume(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, errors.Wrapf(err, "resume job %s", jobID)
	}
	if job.State != harvest.StatePaused {
		return job, errors.Wrapf(harvest.ErrStateConflict, "job %s is %s", jobID, job.State)
	}
	to := job.PausedFrom
	if !to.Active() {
		to = harvest.StateResolving
	}
	resumed, err := m.transition(ctx, job, []harvest.JobState{harvest.StatePaused}, to, harvest.JobPatch{})
	if err != nil {
		return resumed, err
	}
	if err := m.enter(ctx, resumed); err != nil {
		return resumed, err
	}
	return resumed, nil
}

// FailAccountJobs handles an account that expired. Each active or paused job bound to it is
// re-bound to its first usable fallback account, or failed with ACCOUNT_AUTH_INVALID.
// Records already persisted are kept.
func (m *Machine) FailAccountJobs(ctx context.Context, accountID string, cause error) {
	if cause == nil {
		cause = errors.Wrapf(harvest.ErrAccountAuthInvalid, "account %s", accountID)
	}
	jobs, err := m.store.ListJobsByAccount(ctx, accountID)
	if err != nil {
		m.logger.Error("list jobs for expired account", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	for _, job := range jobs {
		if !job.State.Active() && job.State != harvest.StatePaused {
			continue
		}
		if err := m.failOrRebind(ctx, job, accountID, cause); err != nil {
			m.logger.Error("handle expired account",
				zap.String("job_id", job.ID),
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}
}

func (m *Machine) failOrRebind(ctx context.Context, job harvest.Job, accountID string, cause error) error {
	jobID := job.ID
	for range 3 {
		if job.AccountID != accountID || (!job.State.Active() && job.State != harvest.StatePaused) {
			return nil
		}
		var err error
		if fallback := m.fallbackFor(ctx, job, accountID); fallback != "" {
			_, err = m.transition(ctx, job, []harvest.JobState{job.State}, job.State, harvest.JobPatch{
				AccountID:  fallback,
				PausedFrom: job.PausedFrom,
			})
			if err == nil {
				m.logger.Warn("job re-bound to fallback account",
					zap.String("job_id", job.ID),
					zap.String("from_account", accountID),
					zap.String("to_account", fallback),
				)
			}
		} else {
			_, err = m.transition(ctx, job, []harvest.JobState{job.State}, harvest.StateFailed, harvest.JobPatch{
				SetError:   true,
				LastError:  harvest.UserMessage(cause),
				ErrorCode:  harvest.CodeAccountAuthInvalid,
				FinishedAt: m.clock.Now(),
			})
		}
		if !errors.Is(err, harvest.ErrStateConflict) {
			return err
		}
		if job, err = m.store.GetJob(ctx, jobID); err != nil {
			return errors.Wrapf(err, "reload job %s", jobID)
		}
	}
	return errors.Wrapf(harvest.ErrStateConflict, "job %s", jobID)
}

// fallbackFor returns the first configured fallback account that has not expired.
func (m *Machine) fallbackFor(ctx context.Context, job harvest.Job, expired string) string {
	for _, id := range job.FallbackAccountIDs {
		if id == "" || id == expired {
			continue
		}
		health, err := m.guard.Health(ctx, id)
		if err != nil {
			m.logger.Debug("fallback account unavailable", zap.String("account_id", id), zap.Error(err))
			continue
		}
		if health != harvest.HealthExpired {
			return id
		}
	}
	return ""
}
