package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/jobs"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type createJobRequest struct {
	ID                 string                  `json:"id"`
	Kind               harvest.JobKind         `json:"kind"`
	AccountID          string                  `json:"account_id"`
	FallbackAccountIDs []string                `json:"fallback_account_ids"`
	Params             harvest.Params          `json:"params"`
	Schedule           *harvest.SchedulePolicy `json:"schedule"`
	Items              []harvest.SourceItem    `json:"items"`
	// Launch starts the first run immediately after creation.
	Launch bool `json:"launch"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Kind == "" {
		req.Kind = harvest.KindExtraction
	}
	job, err := s.jobs.Create(r.Context(), jobs.NewJob{
		ID:                 strings.TrimSpace(req.ID),
		Kind:               req.Kind,
		AccountID:          req.AccountID,
		FallbackAccountIDs: req.FallbackAccountIDs,
		Params:             req.Params,
		Schedule:           req.Schedule,
		Items:              req.Items,
	})
	if err != nil {
		s.writeDomainError(w, "create job", err)
		return
	}
	if req.Launch {
		if job, err = s.jobs.Launch(r.Context(), job.ID); err != nil {
			s.writeDomainError(w, "launch job", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		writeError(w, http.StatusServiceUnavailable, "job listing unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.lister.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, "list jobs", err)
		return
	}
	if list == nil {
		list = []harvest.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "limit": limit, "offset": offset})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.jobs.GetProgress(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, "get progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) launchJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "launch job", s.jobs.Launch)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause job", s.jobs.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume job", s.jobs.Resume)
}

func (s *Server) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, jobID string) (harvest.Job, error),
) {
	job, err := fn(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 0, jobs.MaxResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := harvest.ResultFilter{
		ProfileID: q.Get("profile_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("matched_only"); v != "" {
		if filter.MatchedOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid matched_only")
			return
		}
	}
	if v := q.Get("min_confidence"); v != "" {
		if filter.MinConfidence, err = harvest.ParseConfidence(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_confidence")
			return
		}
	}
	page, err := s.jobs.GetResults(r.Context(), chi.URLParam(r, "job_id"), filter)
	if err != nil {
		s.writeDomainError(w, "get results", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	body := errorBody{Error: err.Error(), Code: harvest.CodeFor(err), Hint: harvest.Hint(err)}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, harvest.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.IsAny(err, harvest.ErrJobAlreadyRunning, harvest.ErrStateConflict, harvest.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, harvest.ErrAccountAuthInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		body = errorBody{Error: op + " failed"}
	}
	writeJSON(w, status, body)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
