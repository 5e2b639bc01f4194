package memory

import (
	"context"
	"maps"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// SaveProfile writes a profile once per (run, item). It reports false when one already exists.
func (s *Store) SaveProfile(_ context.Context, profile harvest.ResolvedProfile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profile.RunID + "|" + profile.ItemID
	if _, exists := s.profileByItem[key]; exists {
		return false, nil
	}
	if _, exists := s.profiles[profile.ID]; exists {
		return false, errors.Wrapf(harvest.ErrAlreadyExists, "profile %s", profile.ID)
	}
	profile.Metadata = maps.Clone(profile.Metadata)
	s.profiles[profile.ID] = profile
	s.profileByItem[key] = profile.ID
	s.profileOrder = append(s.profileOrder, profile.ID)
	return true, nil
}

// GetProfile fetches a profile by ID.
func (s *Store) GetProfile(_ context.Context, profileID string) (harvest.ResolvedProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return harvest.ResolvedProfile{}, errors.Wrapf(harvest.ErrNotFound, "profile %s", profileID)
	}
	p.Metadata = maps.Clone(p.Metadata)
	return p, nil
}

// ListProfiles returns a run's profiles in creation order.
func (s *Store) ListProfiles(_ context.Context, jobID, runID string) ([]harvest.ResolvedProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ResolvedProfile
	for _, id := range s.profileOrder {
		p := s.profiles[id]
		if p.JobID == jobID && p.RunID == runID {
			p.Metadata = maps.Clone(p.Metadata)
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdateProfileProgress checkpoints extraction progress for a profile.
func (s *Store) UpdateProfileProgress(_ context.Context, profileID string, progress harvest.ProfileProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return errors.Wrapf(harvest.ErrNotFound, "profile %s", profileID)
	}
	p.Status = progress.Status
	p.Cursor = progress.Cursor
	p.RecordCount = progress.RecordCount
	p.ThrottledFor = progress.ThrottledFor
	p.Error = progress.Error
	p.UpdatedAt = progress.At
	s.profiles[profileID] = p
	return nil
}

// AddRecords inserts records, merging duplicates into the first-seen row. It returns the number of new rows.
func (s *Store) AddRecords(_ context.Context, records []harvest.PersonRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, r := range records {
		key := r.RunID + "|" + r.DedupeKey()
		if id, exists := s.recordByKey[key]; exists {
			existing := s.records[id]
			existing.Merge(r)
			s.records[id] = existing
			continue
		}
		if r.ID == "" {
			return inserted, errors.New("record id is required")
		}
		s.records[r.ID] = r
		s.recordByKey[key] = r.ID
		s.recordOrder = append(s.recordOrder, r.ID)
		inserted++
	}
	return inserted, nil
}

// ListRecords returns a run's records, optionally for one profile, in insertion order.
func (s *Store) ListRecords(_ context.Context, jobID, runID, profileID string) ([]harvest.PersonRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.PersonRecord
	for _, id := range s.recordOrder {
		r := s.records[id]
		if r.JobID != jobID || r.RunID != runID {
			continue
		}
		if profileID != "" && r.ProfileID != profileID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveClassifications writes each record's result once. It returns the number of new results.
func (s *Store) SaveClassifications(_ context.Context, results []harvest.ClassificationResult) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, r := range results {
		if _, exists := s.classifications[r.RecordID]; exists {
			continue
		}
		s.classifications[r.RecordID] = r
		s.classOrder = append(s.classOrder, r.RecordID)
		inserted++
	}
	return inserted, nil
}

// ListClassifications returns a run's classification results.
func (s *Store) ListClassifications(_ context.Context, jobID, runID string) ([]harvest.ClassificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ClassificationResult
	for _, id := range s.classOrder {
		c := s.classifications[id]
		if c.JobID == jobID && c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

// RecordDocument appends an archived document entry.
func (s *Store) RecordDocument(_ context.Context, doc harvest.ArchivedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
	return nil
}

// ListDocuments returns a run's archived documents in archive order.
func (s *Store) ListDocuments(_ context.Context, jobID, runID string) ([]harvest.ArchivedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ArchivedDocument
	for _, d := range s.documents {
		if d.JobID == jobID && d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}
