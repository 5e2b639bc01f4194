package postgres

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// RecordDocument logs an archived raw document. Re-archiving the same body for a profile is a no-op.
func (s *Store) RecordDocument(ctx context.Context, doc harvest.ArchivedDocument) error {
	if doc.ProfileID == "" || doc.Hash == "" {
		return errors.New("document profile id and hash are required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (
	profile_id,
	hash,
	job_id,
	run_id,
	url,
	blob_uri,
	status_code,
	content_type,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (profile_id, hash) DO NOTHING`,
		doc.ProfileID,
		doc.Hash,
		doc.JobID,
		doc.RunID,
		doc.URL,
		doc.BlobURI,
		doc.StatusCode,
		doc.ContentType,
		doc.FetchedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert document %s", doc.Hash)
	}
	return nil
}

// ListDocuments returns a run's archived documents in fetch order.
func (s *Store) ListDocuments(ctx context.Context, jobID, runID string) ([]harvest.ArchivedDocument, error) {
	rows, err := s.pool.Query(ctx, `SELECT profile_id, hash, job_id, run_id, url, blob_uri, status_code, content_type, fetched_at
		FROM documents WHERE job_id = $1 AND run_id = $2 ORDER BY fetched_at, profile_id`, jobID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	defer rows.Close()
	var out []harvest.ArchivedDocument
	for rows.Next() {
		var d harvest.ArchivedDocument
		if err := rows.Scan(&d.ProfileID, &d.Hash, &d.JobID, &d.RunID, &d.URL, &d.BlobURI, &d.StatusCode,
			&d.ContentType, &d.FetchedAt); err != nil {
			return nil, errors.Wrap(err, "scan document row")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate document rows")
}
