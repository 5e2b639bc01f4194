package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Result page bounds.
const (
	DefaultResultLimit = 50
	MaxResultLimit     = 500
)

// GetProgress returns the job's current snapshot. Counters may lag in-flight units.
func (m *Machine) GetProgress(ctx context.Context, jobID string) (harvest.Progress, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Progress{}, errors.Wrapf(err, "progress for job %s", jobID)
	}
	progress := harvest.Progress{
		JobID:     job.ID,
		RunID:     job.RunID,
		Kind:      job.Kind,
		State:     job.State,
		Counters:  job.Counters,
		LastError: job.LastError,
		ErrorCode: job.ErrorCode,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Schedule != nil {
		if next, ok := job.Schedule.NextFireAt(m.clock.Now()); ok {
			progress.NextFireAt = &next
		}
	}
	return progress, nil
}

// GetResults joins the current run's records with their profiles and classifications.
func (m *Machine) GetResults(ctx context.Context, jobID string, filter harvest.ResultFilter) (harvest.ResultPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	limit = min(limit, MaxResultLimit)
	offset := max(filter.Offset, 0)
	page := harvest.ResultPage{Results: []harvest.Result{}, Offset: offset, Limit: limit}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return page, errors.Wrapf(err, "results for job %s", jobID)
	}
	if job.RunID == "" {
		return page, nil
	}

	profiles, err := m.store.ListProfiles(ctx, job.ID, job.RunID)
	if err != nil {
		return page, errors.Wrapf(err, "list profiles for job %s", job.ID)
	}
	byID := make(map[string]harvest.ResolvedProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	records, err := m.store.ListRecords(ctx, job.ID, job.RunID, filter.ProfileID)
	if err != nil {
		return page, errors.Wrapf(err, "list records for job %s", job.ID)
	}
	results, err := m.store.ListClassifications(ctx, job.ID, job.RunID)
	if err != nil {
		return page, errors.Wrapf(err, "list classifications for job %s", job.ID)
	}
	verdicts := make(map[string]harvest.ClassificationResult, len(results))
	for _, r := range results {
		verdicts[r.RecordID] = r
	}

	var matched []harvest.Result
	for _, rec := range records {
		result := harvest.Result{Profile: byID[rec.ProfileID], Record: rec}
		if v, ok := verdicts[rec.ID]; ok {
			result.Classification = &v
		}
		if filter.MatchedOnly && (result.Classification == nil || !result.Classification.Matched) {
			continue
		}
		if filter.MinConfidence > harvest.ConfidenceNone &&
			(result.Classification == nil || result.Classification.Confidence < filter.MinConfidence) {
			continue
		}
		matched = append(matched, result)
	}

	page.Total = len(matched)
	if offset < len(matched) {
		page.Results = append(page.Results, matched[offset:min(offset+limit, len(matched))]...)
	}
	return page, nil
}
