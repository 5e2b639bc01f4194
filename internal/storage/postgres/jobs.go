package postgres

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

const jobColumns = `id, kind, state, account_id, fallback_account_ids, params,
	items_resolved, items_matched, close_matches, items_not_found, items_errored,
	records_extracted, records_classified, records_matching, profiles_partial,
	last_error, error_code, schedule, run_id, run_number, paused_from, version,
	created_at, updated_at, started_at, finished_at`

func jobArgs(job harvest.Job) ([]any, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}
	var schedule []byte
	if job.Schedule != nil {
		if schedule, err = json.Marshal(job.Schedule); err != nil {
			return nil, errors.Wrap(err, "marshal schedule")
		}
	}
	fallbacks := job.FallbackAccountIDs
	if fallbacks == nil {
		fallbacks = []string{}
	}
	c := job.Counters
	return []any{
		job.ID, string(job.Kind), string(job.State), job.AccountID, fallbacks, params,
		c.ItemsResolved, c.ItemsMatched, c.CloseMatches, c.ItemsNotFound, c.ItemsErrored,
		c.RecordsExtracted, c.RecordsClassified, c.RecordsMatching, c.ProfilesPartial,
		job.LastError, string(job.ErrorCode), schedule, job.RunID, job.RunNumber, string(job.PausedFrom), job.Version,
		job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	}, nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job                                harvest.Job
		kind, state, errorCode, pausedFrom string
		params, schedule                   []byte
		c                                  = &job.Counters
	)
	err := row.Scan(
		&job.ID, &kind, &state, &job.AccountID, &job.FallbackAccountIDs, &params,
		&c.ItemsResolved, &c.ItemsMatched, &c.CloseMatches, &c.ItemsNotFound, &c.ItemsErrored,
		&c.RecordsExtracted, &c.RecordsClassified, &c.RecordsMatching, &c.ProfilesPartial,
		&job.LastError, &errorCode, &schedule, &job.RunID, &job.RunNumber, &pausedFrom, &job.Version,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return harvest.Job{}, err
	}
	job.Kind = harvest.JobKind(kind)
	job.State = harvest.JobState(state)
	job.ErrorCode = harvest.ErrorCode(errorCode)
	job.PausedFrom = harvest.JobState(pausedFrom)
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return harvest.Job{}, errors.Wrapf(err, "decode params for job %s", job.ID)
	}
	if len(schedule) > 0 {
		var policy harvest.SchedulePolicy
		if err := json.Unmarshal(schedule, &policy); err != nil {
			return harvest.Job{}, errors.Wrapf(err, "decode schedule for job %s", job.ID)
		}
		job.Schedule = &policy
	}
	return job, nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job harvest.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(harvest.ErrAlreadyExists, "job %s", job.ID)
		}
		return errors.Wrapf(err, "insert job %s", job.ID)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return harvest.Job{}, notFound(err, "job %s", jobID)
	}
	return job, nil
}

// TransitionJob locks the row, checks its state against from and writes the patched row in one transaction.
// On conflict it returns the current row and harvest.ErrStateConflict.
func (s *Store) TransitionJob(
	ctx context.Context,
	jobID string,
	from []harvest.JobState,
	to harvest.JobState,
	patch harvest.JobPatch,
) (job harvest.Job, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return harvest.Job{}, errors.Wrap(err, "begin transition")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return harvest.Job{}, notFound(err, "job %s", jobID)
	}
	if !slices.Contains(from, job.State) {
		return job, errors.Wrapf(harvest.ErrStateConflict, "job %s is %s, not in %v", jobID, job.State, from)
	}
	patch.Apply(&job, to)
	args, err := jobArgs(job)
	if err != nil {
		return harvest.Job{}, err
	}
	query := `UPDATE jobs SET
		kind = $2, state = $3, account_id = $4, fallback_account_ids = $5, params = $6,
		items_resolved = $7, items_matched = $8, close_matches = $9, items_not_found = $10, items_errored = $11,
		records_extracted = $12, records_classified = $13, records_matching = $14, profiles_partial = $15,
		last_error = $16, error_code = $17, schedule = $18, run_id = $19, run_number = $20, paused_from = $21,
		version = $22, created_at = $23, updated_at = $24, started_at = $25, finished_at = $26
		WHERE id = $1`
	if _, err = tx.Exec(ctx, query, args...); err != nil {
		return harvest.Job{}, errors.Wrapf(err, "update job %s", jobID)
	}
	if err = tx.Commit(ctx); err != nil {
		return harvest.Job{}, errors.Wrapf(err, "commit transition for job %s", jobID)
	}
	return job, nil
}

// AddCounters increments the job's counters in place.
func (s *Store) AddCounters(ctx context.Context, jobID string, d harvest.Counters) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
		items_resolved = items_resolved + $2,
		items_matched = items_matched + $3,
		close_matches = close_matches + $4,
		items_not_found = items_not_found + $5,
		items_errored = items_errored + $6,
		records_extracted = records_extracted + $7,
		records_classified = records_classified + $8,
		records_matching = records_matching + $9,
		profiles_partial = profiles_partial + $10
		WHERE id = $1`,
		jobID, d.ItemsResolved, d.ItemsMatched, d.CloseMatches, d.ItemsNotFound, d.ItemsErrored,
		d.RecordsExtracted, d.RecordsClassified, d.RecordsMatching, d.ProfilesPartial,
	)
	if err != nil {
		return errors.Wrapf(err, "add counters for job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	return nil
}

// ListJobsByAccount returns the jobs bound to accountID, oldest first.
func (s *Store) ListJobsByAccount(ctx context.Context, accountID string) ([]harvest.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE account_id = $1 ORDER BY created_at, id`, accountID)
}

// ListScheduledJobs returns the jobs that carry a schedule policy.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]harvest.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE schedule IS NOT NULL ORDER BY created_at, id`)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]harvest.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
}

// UpdateSchedule replaces the job's schedule policy.
func (s *Store) UpdateSchedule(ctx context.Context, jobID string, policy harvest.SchedulePolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return errors.Wrap(err, "marshal schedule")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET schedule = $2 WHERE id = $1`, jobID, raw)
	if err != nil {
		return errors.Wrapf(err, "update schedule for job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(harvest.ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]harvest.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate job rows")
	}
	return jobs, nil
}
