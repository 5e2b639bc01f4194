package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

const profileColumns = `id, job_id, run_id, item_id, profile_url, display_name, confidence, score, metadata,
	status, cursor, record_count, throttled_ns, error, created_at, updated_at`

func scanProfile(row pgx.Row) (harvest.ResolvedProfile, error) {
	var (
		p          harvest.ResolvedProfile
		confidence int
		status     string
		metadata   []byte
		throttled  int64
	)
	err := row.Scan(&p.ID, &p.JobID, &p.RunID, &p.ItemID, &p.ProfileURL, &p.DisplayName, &confidence, &p.Score,
		&metadata, &status, &p.Cursor, &p.RecordCount, &throttled, &p.Error, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return harvest.ResolvedProfile{}, err
	}
	p.Confidence = harvest.Confidence(confidence)
	p.Status = harvest.ProfileStatus(status)
	p.ThrottledFor = time.Duration(throttled)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return harvest.ResolvedProfile{}, errors.Wrapf(err, "decode metadata for profile %s", p.ID)
		}
	}
	return p, nil
}

// SaveProfile writes a profile once per (run, item). It reports false when one already exists.
func (s *Store) SaveProfile(ctx context.Context, p harvest.ResolvedProfile) (bool, error) {
	var metadata []byte
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return false, errors.Wrap(err, "marshal metadata")
		}
		metadata = raw
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO profiles (`+profileColumns+`) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (run_id, item_id) DO NOTHING`,
		p.ID, p.JobID, p.RunID, p.ItemID, p.ProfileURL, p.DisplayName, int(p.Confidence), p.Score, metadata,
		string(p.Status), p.Cursor, p.RecordCount, int64(p.ThrottledFor), p.Error, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, errors.Wrapf(harvest.ErrAlreadyExists, "profile %s", p.ID)
		}
		return false, errors.Wrapf(err, "insert profile %s", p.ID)
	}
	return tag.RowsAffected() == 1, nil
}

// GetProfile fetches a profile by ID.
func (s *Store) GetProfile(ctx context.Context, profileID string) (harvest.ResolvedProfile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, profileID))
	if err != nil {
		return harvest.ResolvedProfile{}, notFound(err, "profile %s", profileID)
	}
	return p, nil
}

// ListProfiles returns a run's profiles in creation order.
func (s *Store) ListProfiles(ctx context.Context, jobID, runID string) ([]harvest.ResolvedProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE job_id = $1 AND run_id = $2 ORDER BY seq`, jobID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list profiles")
	}
	defer rows.Close()
	var out []harvest.ResolvedProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan profile row")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate profile rows")
}

// UpdateProfileProgress checkpoints extraction progress for a profile.
func (s *Store) UpdateProfileProgress(ctx context.Context, profileID string, progress harvest.ProfileProgress) error {
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET
		status = $2, cursor = $3, record_count = $4, throttled_ns = $5, error = $6, updated_at = $7
		WHERE id = $1`,
		profileID, string(progress.Status), progress.Cursor, progress.RecordCount, int64(progress.ThrottledFor),
		progress.Error, progress.At,
	)
	if err != nil {
		return errors.Wrapf(err, "update progress for profile %s", profileID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(harvest.ErrNotFound, "profile %s", profileID)
	}
	return nil
}

// AddRecords inserts records, merging duplicates into the first-seen row. It returns the number of new rows.
func (s *Store) AddRecords(ctx context.Context, records []harvest.PersonRecord) (inserted int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin add records")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `INSERT INTO records
		(id, job_id, run_id, profile_id, dedupe_key, name, title, location, external_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id, dedupe_key) DO UPDATE SET
			name = COALESCE(NULLIF(records.name, ''), EXCLUDED.name),
			title = COALESCE(NULLIF(records.title, ''), EXCLUDED.title),
			location = COALESCE(NULLIF(records.location, ''), EXCLUDED.location),
			external_url = COALESCE(NULLIF(records.external_url, ''), EXCLUDED.external_url)
		RETURNING (xmax = 0)`
	for _, r := range records {
		if r.ID == "" {
			return 0, errors.New("record id is required")
		}
		var created bool
		err = tx.QueryRow(ctx, query, r.ID, r.JobID, r.RunID, r.ProfileID, r.DedupeKey(), r.Name, r.Title,
			r.Location, r.ExternalURL, r.CreatedAt).Scan(&created)
		if err != nil {
			return 0, errors.Wrapf(err, "insert record %s", r.ID)
		}
		if created {
			inserted++
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit records")
	}
	return inserted, nil
}

// ListRecords returns a run's records, optionally for one profile, in insertion order.
func (s *Store) ListRecords(ctx context.Context, jobID, runID, profileID string) ([]harvest.PersonRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, run_id, profile_id, name, title, location, external_url, created_at
		FROM records
		WHERE job_id = $1 AND run_id = $2 AND ($3 = '' OR profile_id = $3)
		ORDER BY seq`, jobID, runID, profileID)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	defer rows.Close()
	var out []harvest.PersonRecord
	for rows.Next() {
		var r harvest.PersonRecord
		if err := rows.Scan(&r.ID, &r.JobID, &r.RunID, &r.ProfileID, &r.Name, &r.Title, &r.Location,
			&r.ExternalURL, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan record row")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate record rows")
}

// SaveClassifications writes each record's result once. It returns the number of new results.
func (s *Store) SaveClassifications(ctx context.Context, results []harvest.ClassificationResult) (int, error) {
	inserted := 0
	for _, r := range results {
		tag, err := s.pool.Exec(ctx, `INSERT INTO classifications
			(record_id, job_id, run_id, matched, confidence, matched_role, score, mode, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (record_id) DO NOTHING`,
			r.RecordID, r.JobID, r.RunID, r.Matched, int(r.Confidence), r.MatchedRole, r.Score, string(r.Mode),
			r.CreatedAt,
		)
		if err != nil {
			return inserted, errors.Wrapf(err, "insert classification for record %s", r.RecordID)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListClassifications returns a run's classification results.
func (s *Store) ListClassifications(ctx context.Context, jobID, runID string) ([]harvest.ClassificationResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT record_id, job_id, run_id, matched, confidence, matched_role, score, mode, created_at
		FROM classifications WHERE job_id = $1 AND run_id = $2 ORDER BY seq`, jobID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list classifications")
	}
	defer rows.Close()
	var out []harvest.ClassificationResult
	for rows.Next() {
		var (
			r          harvest.ClassificationResult
			confidence int
			mode       string
		)
		if err := rows.Scan(&r.RecordID, &r.JobID, &r.RunID, &r.Matched, &confidence, &r.MatchedRole, &r.Score,
			&mode, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan classification row")
		}
		r.Confidence = harvest.Confidence(confidence)
		r.Mode = harvest.ClassificationMode(mode)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate classification rows")
}
