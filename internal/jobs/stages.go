package jobs

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// enter derives the outstanding work of job's current stage from persisted state, enqueues it,
// and advances the stage when nothing is outstanding. It runs on launch, resume and after every
// stage transition.
func (m *Machine) enter(ctx context.Context, job harvest.Job) error {
	switch job.State {
	case harvest.StateResolving:
		items, err := m.sourceItems(ctx, job)
		if err != nil {
			return err
		}
		profiles, err := m.store.ListProfiles(ctx, job.ID, job.RunID)
		if err != nil {
			return errors.Wrapf(err, "list profiles for job %s", job.ID)
		}
		resolved := make(map[string]struct{}, len(profiles))
		for _, p := range profiles {
			resolved[p.ItemID] = struct{}{}
		}
		for _, item := range items {
			if _, ok := resolved[item.ID]; ok {
				continue
			}
			unit := harvest.WorkUnit{JobID: job.ID, RunID: job.RunID, Kind: harvest.UnitResolve, ItemID: item.ID}
			if err := m.enqueue(ctx, unit); err != nil {
				return err
			}
		}
		return m.advanceResolving(ctx, job.ID)

	case harvest.StateExtracting:
		profiles, err := m.store.ListProfiles(ctx, job.ID, job.RunID)
		if err != nil {
			return errors.Wrapf(err, "list profiles for job %s", job.ID)
		}
		for _, p := range profiles {
			if p.Status.Finished() {
				continue
			}
			unit := harvest.WorkUnit{
				JobID:     job.ID,
				RunID:     job.RunID,
				Kind:      harvest.UnitExtract,
				ProfileID: p.ID,
				Cursor:    p.Cursor,
			}
			if err := m.enqueue(ctx, unit); err != nil {
				return err
			}
		}
		return m.advanceExtracting(ctx, job.ID)

	case harvest.StateClassifying:
		pending, err := m.unclassifiedByProfile(ctx, job)
		if err != nil {
			return err
		}
		for _, profileID := range pending {
			unit := harvest.WorkUnit{JobID: job.ID, RunID: job.RunID, Kind: harvest.UnitClassify, ProfileID: profileID}
			if err := m.enqueue(ctx, unit); err != nil {
				return err
			}
		}
		return m.advanceClassifying(ctx, job.ID)
	}
	return nil
}

func (m *Machine) handleResolve(ctx context.Context, job harvest.Job, unit harvest.WorkUnit) error {
	items, err := m.sourceItems(ctx, job)
	if err != nil {
		return harvest.Later(m.cfg.BusyDelay, err)
	}
	var (
		item  harvest.SourceItem
		found bool
	)
	for _, it := range items {
		if it.ID == unit.ItemID {
			item, found = it, true
			break
		}
	}
	if !found {
		m.drop(unit, "unknown item")
		return nil
	}

	res, err := m.resolver.Resolve(ctx, item)
	if err == nil && res.Confidence == harvest.ConfidenceNone && res.Candidates == 0 {
		var requeue error
		if res, requeue = m.resolveWithAccount(ctx, job, item, res); requeue != nil {
			return requeue
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if harvest.Retryable(err) && unit.Attempt+1 < m.cfg.ResolveMaxAttempts {
			return harvest.Later(m.retry.Backoff(unit.Attempt+1), err)
		}
		m.logger.Warn("item resolution failed",
			zap.String("job_id", job.ID),
			zap.String("item_id", item.ID),
			zap.Int("attempt", unit.Attempt),
			zap.Error(err),
		)
	}
	return m.saveResolution(ctx, job, item, res, err)
}

// resolveWithAccount retries item through the signed-in search when the job's account is
// elevated. Failures keep the public result unless they call for a requeue, which is returned
// as the second value.
func (m *Machine) resolveWithAccount(
	ctx context.Context,
	job harvest.Job,
	item harvest.SourceItem,
	res harvest.Resolution,
) (harvest.Resolution, error) {
	if m.elevated == nil || strings.TrimSpace(item.Name) == "" {
		return res, nil
	}
	account, err := m.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		return res, harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "load account %s", job.AccountID))
	}
	if !account.Elevated {
		return res, nil
	}
	logger := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("item_id", item.ID),
		zap.String("account_id", account.ID),
	)

	lease, err := m.guard.Acquire(ctx, account.ID)
	if err != nil {
		if errors.Is(err, harvest.ErrBusy) {
			return res, harvest.Later(m.busyDelay(account.ID), err)
		}
		logger.Debug("account search skipped", zap.Error(err))
		return res, nil
	}
	defer m.guard.Release(lease)

	session, err := m.sessions.Session(ctx, account)
	if err != nil {
		if errors.Is(err, harvest.ErrAccountAuthInvalid) {
			m.guard.ReportFailure(ctx, account.ID, harvest.FailureAuthInvalid)
		}
		logger.Warn("account search skipped", zap.Error(err))
		return res, nil
	}

	found, err := m.elevated.ResolveAs(ctx, lease, session, item)
	switch {
	case err == nil:
		m.guard.ReportSuccess(account.ID)
		return found, nil
	case ctx.Err() != nil:
		return res, err
	case errors.Is(err, harvest.ErrRateLimited):
		cooldown := m.guard.ReportFailure(ctx, account.ID, harvest.FailureRateLimited)
		if cooldown <= 0 {
			cooldown = m.cfg.BusyDelay
		}
		return res, harvest.Later(cooldown, err)
	case errors.Is(err, harvest.ErrLeaseLost):
		return res, harvest.Later(m.busyDelay(account.ID), err)
	case errors.Is(err, harvest.ErrAccountAuthInvalid):
		m.guard.ReportFailure(ctx, account.ID, harvest.FailureAuthInvalid)
	}
	logger.Warn("account search failed", zap.Error(err))
	return res, nil
}

func (m *Machine) saveResolution(
	ctx context.Context,
	job harvest.Job,
	item harvest.SourceItem,
	res harvest.Resolution,
	resErr error,
) error {
	id, err := m.ids.NewID()
	if err != nil {
		return errors.Wrap(err, "profile id")
	}
	now := m.clock.Now()
	profile := harvest.ResolvedProfile{
		ID:          id,
		JobID:       job.ID,
		RunID:       job.RunID,
		ItemID:      item.ID,
		ProfileURL:  res.ProfileURL,
		DisplayName: res.DisplayName,
		Confidence:  res.Confidence,
		Score:       res.Score,
		Metadata:    res.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var delta harvest.Counters
	switch {
	case resErr != nil:
		profile.Status = harvest.ProfileError
		profile.Confidence = harvest.ConfidenceNone
		profile.Error = resErr.Error()
		delta.ItemsErrored = 1
	case res.Confidence == harvest.ConfidenceNone:
		profile.Status = harvest.ProfileNotFound
		delta.ItemsResolved = 1
		delta.ItemsNotFound = 1
	default:
		profile.Status = harvest.ProfileResolved
		if job.Kind == harvest.KindExtraction && res.Confidence < job.Params.MinExtractConfidence {
			profile.Status = harvest.ProfileSkipped
		}
		delta.ItemsResolved = 1
		if res.Confidence >= harvest.ConfidenceHigh {
			delta.ItemsMatched = 1
		} else {
			delta.CloseMatches = 1
		}
	}

	created, err := m.store.SaveProfile(ctx, profile)
	if err != nil {
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "save profile for item %s", item.ID))
	}
	if created {
		if err := m.addCounters(ctx, job.ID, delta); err != nil {
			return err
		}
	}
	return m.advanceResolving(ctx, job.ID)
}

// advanceResolving leaves RESOLVING once every item of the run has a profile.
func (m *Machine) advanceResolving(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job.State != harvest.StateResolving {
		return nil
	}
	items, err := m.sourceItems(ctx, job)
	if err != nil {
		return err
	}
	profiles, err := m.store.ListProfiles(ctx, job.ID, job.RunID)
	if err != nil {
		return errors.Wrapf(err, "list profiles for job %s", job.ID)
	}
	if len(profiles) < len(items) {
		return nil
	}
	if job.Kind == harvest.KindDiscovery {
		return m.complete(ctx, job)
	}
	return m.advance(ctx, job, harvest.StateExtracting)
}

// advanceExtracting leaves EXTRACTING once every profile has finished.
func (m *Machine) advanceExtracting(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job.State != harvest.StateExtracting {
		return nil
	}
	profiles, err := m.store.ListProfiles(ctx, job.ID, job.RunID)
	if err != nil {
		return errors.Wrapf(err, "list profiles for job %s", job.ID)
	}
	for _, p := range profiles {
		if !p.Status.Finished() {
			return nil
		}
	}
	return m.advance(ctx, job, harvest.StateClassifying)
}

// advanceClassifying completes the run once every record has a classification.
func (m *Machine) advanceClassifying(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job.State != harvest.StateClassifying {
		return nil
	}
	pending, err := m.unclassifiedByProfile(ctx, job)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	return m.complete(ctx, job)
}

// advance moves job to the next stage. Only the caller that wins the transition enqueues its work.
func (m *Machine) advance(ctx context.Context, job harvest.Job, to harvest.JobState) error {
	next, err := m.transition(ctx, job, []harvest.JobState{job.State}, to, harvest.JobPatch{})
	if err != nil {
		if errors.Is(err, harvest.ErrStateConflict) {
			return nil
		}
		return err
	}
	return m.enter(ctx, next)
}

func (m *Machine) complete(ctx context.Context, job harvest.Job) error {
	done, err := m.transition(ctx, job, []harvest.JobState{job.State}, harvest.StateCompleted,
		harvest.JobPatch{FinishedAt: m.clock.Now()})
	if err != nil {
		if errors.Is(err, harvest.ErrStateConflict) {
			return nil
		}
		return err
	}
	if p := done.Schedule; p != nil && p.Frequency == harvest.FrequencyOnce && p.Enabled {
		policy := *p
		policy.Enabled = false
		if err := m.store.UpdateSchedule(ctx, done.ID, policy); err != nil {
			return errors.Wrapf(err, "disable schedule for job %s", done.ID)
		}
	}
	m.logger.Info("job completed",
		zap.String("job_id", done.ID),
		zap.String("run_id", done.RunID),
		zap.Any("counters", done.Counters),
	)
	return nil
}

func (m *Machine) handleExtract(ctx context.Context, job harvest.Job, unit harvest.WorkUnit) error {
	lease, err := m.guard.Acquire(ctx, job.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, harvest.ErrBusy):
			return harvest.Later(m.busyDelay(job.AccountID), err)
		case errors.Is(err, harvest.ErrAccountAuthInvalid):
			m.FailAccountJobs(ctx, job.AccountID, err)
			return harvest.Later(m.cfg.BusyDelay, err)
		default:
			return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "acquire account %s", job.AccountID))
		}
	}
	defer m.guard.Release(lease)

	// Read the checkpoint under the lease: it serializes every unit of this account.
	profile, err := m.store.GetProfile(ctx, unit.ProfileID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			m.drop(unit, "unknown profile")
			return nil
		}
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "load profile %s", unit.ProfileID))
	}
	if profile.RunID != job.RunID || profile.Status.Finished() || profile.Cursor != unit.Cursor {
		m.drop(unit, "stale cursor")
		return nil
	}

	account, err := m.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "load account %s", job.AccountID))
	}
	session, err := m.sessions.Session(ctx, account)
	if err != nil {
		if errors.Is(err, harvest.ErrAccountAuthInvalid) {
			m.guard.ReportFailure(ctx, account.ID, harvest.FailureAuthInvalid)
		}
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "session for account %s", account.ID))
	}

	page, err := m.extractor.ExtractPage(ctx, lease, session, profile, unit.Cursor)
	if err != nil {
		return m.extractFailed(ctx, job, profile, err)
	}
	m.guard.ReportSuccess(job.AccountID)
	return m.checkpoint(ctx, job, profile, page)
}

func (m *Machine) extractFailed(ctx context.Context, job harvest.Job, profile harvest.ResolvedProfile, err error) error {
	logger := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("profile_id", profile.ID),
		zap.String("account_id", job.AccountID),
	)
	switch {
	case ctx.Err() != nil:
		return err
	case errors.Is(err, harvest.ErrAccountAuthInvalid):
		logger.Warn("account rejected during extraction", zap.Error(err))
		m.guard.ReportFailure(ctx, job.AccountID, harvest.FailureAuthInvalid)
		return harvest.Later(m.cfg.BusyDelay, err)
	case errors.Is(err, harvest.ErrRateLimited):
		cooldown := m.guard.ReportFailure(ctx, job.AccountID, harvest.FailureRateLimited)
		throttled := profile.ThrottledFor + cooldown
		if throttled > m.cfg.MaxThrottleWait {
			logger.Warn("profile throttled past its wait ceiling", zap.Duration("throttled", throttled))
			return m.finishProfile(ctx, job, profile, harvest.ProfilePartial, err)
		}
		progress := harvest.ProfileProgress{
			Status:       harvest.ProfileExtracting,
			Cursor:       profile.Cursor,
			RecordCount:  profile.RecordCount,
			ThrottledFor: throttled,
			At:           m.clock.Now(),
		}
		if perr := m.store.UpdateProfileProgress(ctx, profile.ID, progress); perr != nil {
			logger.Warn("checkpoint throttle failed", zap.Error(perr))
		}
		if cooldown <= 0 {
			cooldown = m.cfg.BusyDelay
		}
		return harvest.Later(cooldown, err)
	case errors.Is(err, harvest.ErrLeaseLost):
		return harvest.Later(m.busyDelay(job.AccountID), err)
	default:
		logger.Warn("profile extraction stopped", zap.Error(err))
		return m.finishProfile(ctx, job, profile, harvest.ProfilePartial, err)
	}
}

func (m *Machine) finishProfile(
	ctx context.Context,
	job harvest.Job,
	profile harvest.ResolvedProfile,
	status harvest.ProfileStatus,
	cause error,
) error {
	progress := harvest.ProfileProgress{
		Status:       status,
		Cursor:       profile.Cursor,
		RecordCount:  profile.RecordCount,
		ThrottledFor: profile.ThrottledFor,
		At:           m.clock.Now(),
	}
	if cause != nil {
		progress.Error = cause.Error()
	}
	if err := m.store.UpdateProfileProgress(ctx, profile.ID, progress); err != nil {
		return errors.Wrapf(err, "checkpoint profile %s", profile.ID)
	}
	if status == harvest.ProfilePartial {
		if err := m.addCounters(ctx, job.ID, harvest.Counters{ProfilesPartial: 1}); err != nil {
			return err
		}
	}
	return m.advanceExtracting(ctx, job.ID)
}

// countPartialPage records rows stored before a page failed midway, keeping the page's cursor so
// the page is fetched again.
func (m *Machine) countPartialPage(ctx context.Context, job harvest.Job, profile harvest.ResolvedProfile, inserted int) error {
	if err := m.addCounters(ctx, job.ID, harvest.Counters{RecordsExtracted: inserted}); err != nil {
		return err
	}
	metrics.AddRecordsExtracted(inserted)
	progress := harvest.ProfileProgress{
		Status:       harvest.ProfileExtracting,
		Cursor:       profile.Cursor,
		RecordCount:  profile.RecordCount + inserted,
		ThrottledFor: profile.ThrottledFor,
		At:           m.clock.Now(),
	}
	if err := m.store.UpdateProfileProgress(ctx, profile.ID, progress); err != nil {
		return errors.Wrapf(err, "checkpoint profile %s", profile.ID)
	}
	return nil
}

// checkpoint persists one extracted page, then schedules the next page or finishes the profile.
func (m *Machine) checkpoint(ctx context.Context, job harvest.Job, profile harvest.ResolvedProfile, page harvest.Page) error {
	records := page.Records
	for i := range records {
		records[i].JobID, records[i].RunID, records[i].ProfileID = job.ID, job.RunID, profile.ID
		if records[i].ID != "" {
			continue
		}
		id, err := m.ids.NewID()
		if err != nil {
			return errors.Wrap(err, "record id")
		}
		records[i].ID = id
	}

	// Rows the store already holds do not use up the cap, so insert until it is reached.
	limit := job.Params.MaxRecordsPerProfile
	inserted := 0
	for pending := records; len(pending) > 0; {
		batch := pending
		if limit > 0 {
			room := limit - profile.RecordCount - inserted
			if room <= 0 {
				break
			}
			if len(batch) > room {
				batch = batch[:room]
			}
		}
		n, err := m.store.AddRecords(ctx, batch)
		if err != nil {
			err = errors.Wrapf(err, "store records for profile %s", profile.ID)
			if inserted > 0 {
				if cerr := m.countPartialPage(ctx, job, profile, inserted); cerr != nil {
					return cerr
				}
			}
			return harvest.Later(m.cfg.BusyDelay, err)
		}
		inserted += n
		pending = pending[len(batch):]
	}
	capped := limit > 0 && profile.RecordCount+inserted >= limit

	if err := m.addCounters(ctx, job.ID, harvest.Counters{RecordsExtracted: inserted}); err != nil {
		return err
	}
	metrics.AddRecordsExtracted(inserted)

	progress := harvest.ProfileProgress{
		Status:       harvest.ProfileExtracting,
		Cursor:       page.NextCursor,
		RecordCount:  profile.RecordCount + inserted,
		ThrottledFor: profile.ThrottledFor,
		At:           m.clock.Now(),
	}
	switch {
	case capped:
		progress.Status = harvest.ProfileCapped
	case page.Done || page.NextCursor == "" || page.NextCursor == profile.Cursor:
		progress.Status = harvest.ProfileDone
	}
	if err := m.store.UpdateProfileProgress(ctx, profile.ID, progress); err != nil {
		return errors.Wrapf(err, "checkpoint profile %s", profile.ID)
	}
	m.logger.Debug("page checkpointed",
		zap.String("job_id", job.ID),
		zap.String("profile_id", profile.ID),
		zap.String("cursor", progress.Cursor),
		zap.Int("inserted", inserted),
		zap.String("status", string(progress.Status)),
	)
	if progress.Status.Finished() {
		return m.advanceExtracting(ctx, job.ID)
	}

	current, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", job.ID)
	}
	if current.State != harvest.StateExtracting || current.RunID != job.RunID {
		return nil
	}
	return m.enqueue(ctx, harvest.WorkUnit{
		JobID:     job.ID,
		RunID:     job.RunID,
		Kind:      harvest.UnitExtract,
		ProfileID: profile.ID,
		Cursor:    progress.Cursor,
	})
}

func (m *Machine) handleClassify(ctx context.Context, job harvest.Job, unit harvest.WorkUnit) error {
	records, err := m.store.ListRecords(ctx, job.ID, job.RunID, unit.ProfileID)
	if err != nil {
		return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "list records for profile %s", unit.ProfileID))
	}
	done, err := m.classified(ctx, job)
	if err != nil {
		return harvest.Later(m.cfg.BusyDelay, err)
	}
	pending := make([]harvest.PersonRecord, 0, len(records))
	for _, r := range records {
		if _, ok := done[r.ID]; !ok {
			pending = append(pending, r)
		}
	}

	roles := targetRoles(job)
	mode := job.Params.Mode
	if mode == "" {
		mode = harvest.ModeRule
	}
	for start := 0; start < len(pending); start += m.cfg.ClassifyBatchSize {
		current, err := m.store.GetJob(ctx, job.ID)
		if err != nil {
			return errors.Wrapf(err, "load job %s", job.ID)
		}
		if current.State != harvest.StateClassifying || current.RunID != job.RunID {
			m.drop(unit, "job is "+string(current.State))
			return nil
		}

		batch := pending[start:min(start+m.cfg.ClassifyBatchSize, len(pending))]
		results := m.classifier.ClassifyBatch(ctx, batch, roles, mode, job.Params.Prompt)
		var delta harvest.Counters
		for _, result := range results {
			n, err := m.store.SaveClassifications(ctx, []harvest.ClassificationResult{result})
			if err != nil {
				return harvest.Later(m.cfg.BusyDelay, errors.Wrapf(err, "save classification for %s", result.RecordID))
			}
			if n == 0 {
				continue
			}
			delta.RecordsClassified++
			if result.Matched {
				delta.RecordsMatching++
			}
		}
		if err := m.addCounters(ctx, job.ID, delta); err != nil {
			return err
		}
	}
	return m.advanceClassifying(ctx, job.ID)
}

func (m *Machine) classified(ctx context.Context, job harvest.Job) (map[string]struct{}, error) {
	results, err := m.store.ListClassifications(ctx, job.ID, job.RunID)
	if err != nil {
		return nil, errors.Wrapf(err, "list classifications for job %s", job.ID)
	}
	done := make(map[string]struct{}, len(results))
	for _, r := range results {
		done[r.RecordID] = struct{}{}
	}
	return done, nil
}

// unclassifiedByProfile lists, in record order, the profiles that still have unclassified records.
func (m *Machine) unclassifiedByProfile(ctx context.Context, job harvest.Job) ([]string, error) {
	records, err := m.store.ListRecords(ctx, job.ID, job.RunID, "")
	if err != nil {
		return nil, errors.Wrapf(err, "list records for job %s", job.ID)
	}
	done, err := m.classified(ctx, job)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var profiles []string
	for _, r := range records {
		if _, ok := done[r.ID]; ok {
			continue
		}
		if _, ok := seen[r.ProfileID]; ok {
			continue
		}
		seen[r.ProfileID] = struct{}{}
		profiles = append(profiles, r.ProfileID)
	}
	return profiles, nil
}
