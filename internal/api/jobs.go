package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/model"
	"github.com/dallay/cvix-sub006/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Compilations []*model.Job `json:"compilations"`
	Total        int          `json:"total"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "compilation not found")
		return
	}
	if err != nil {
		s.logger.Error("get compilation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compilation")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobPDF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "compilation not found")
		return
	}
	if err != nil {
		s.logger.Error("get compilation for pdf", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compilation")
		return
	}

	if job.Status != model.StatusCompleted {
		s.writeError(w, http.StatusConflict, "compilation is "+job.Status)
		return
	}

	pdf, err := s.store.GetJobOutput(r.Context(), id)
	if err != nil {
		s.logger.Error("get compilation output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compilation output")
		return
	}
	// Synchronous compilations return the PDF inline and keep no copy.
	if pdf == nil {
		s.writeError(w, http.StatusGone, "output was not retained for this compilation")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+latex.OutputFile+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		s.logger.Debug("write pdf response", "job_id", id, "error", err)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list compilations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list compilations")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Compilations: jobs,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	})
}
