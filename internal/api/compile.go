package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dallay/cvix-sub006/internal/engine"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/model"
)

const (
	maxBodySize         = 1 << 20 // 1 MB
	headerCompilationID = "X-Compilation-Id"

	// retryAfterSeconds is advertised when every compilation slot is busy.
	retryAfterSeconds = 10
)

// compileRequest is the JSON body for POST /v1/compilations.
type compileRequest struct {
	Source string `json:"source"`
	Locale string `json:"locale"`
}

// compileError is the JSON body of a failed compilation.
type compileError struct {
	Error    string          `json:"error"`
	Kind     model.ErrorKind `json:"kind"`
	JobID    string          `json:"job_id"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Logs     string          `json:"logs,omitempty"`
}

// asyncResponse is the JSON body for POST /v1/compilations/async.
type asyncResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Job    string `json:"job"`
	PDF    string `json:"pdf"`
	Events string `json:"events"`
}

// decodeCompileRequest reads and validates the request body. It writes the
// error response itself and returns false on failure.
func (s *Server) decodeCompileRequest(w http.ResponseWriter, r *http.Request) (model.CompileRequest, bool) {
	var req compileRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return model.CompileRequest{}, false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return model.CompileRequest{}, false
	}

	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return model.CompileRequest{}, false
	}

	return model.CompileRequest{
		ID:     model.NewID(),
		Source: req.Source,
		Locale: req.Locale,
	}, true
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompileRequest(w, r)
	if !ok {
		return
	}

	// The job may run longer than the server-wide write timeout.
	opts := s.engine.Options()
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(opts.Timeout + opts.DeadlineBuffer + writeTimeout)); err != nil {
		s.logger.Debug("extend write deadline for compilation", "error", err)
	}

	res, err := s.engine.Compile(r.Context(), req)
	recordCompile(modeSync, engine.KindOf(err))
	if err != nil {
		s.writeCompileError(w, req.ID, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+latex.OutputFile+`"`)
	w.Header().Set(headerCompilationID, res.JobID)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PDF)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.PDF); err != nil {
		s.logger.Debug("write pdf response", "job_id", res.JobID, "error", err)
	}
}

func (s *Server) handleCompileAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompileRequest(w, r)
	if !ok {
		return
	}

	// The outcome is journaled; the channel is buffered so dropping it is safe.
	id, _, err := s.engine.Submit(r.Context(), req)
	recordCompile(modeAsync, engine.KindOf(err))
	if err != nil {
		s.writeCompileError(w, req.ID, err)
		return
	}

	base := "/v1/compilations/" + id
	w.Header().Set(headerCompilationID, id)
	w.Header().Set("Location", base)
	s.writeJSON(w, http.StatusAccepted, asyncResponse{
		ID:     id,
		Status: model.StatusPending,
		Job:    base,
		PDF:    base + "/pdf",
		Events: base + "/events",
	})
}

// statusForKind maps an error kind to its HTTP status. Capacity and image
// problems are both 503 but carry distinct kinds in the body.
func statusForKind(k model.ErrorKind) int {
	switch k {
	case model.KindCapacityExceeded, model.KindImageUnavailable:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindCompilationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCompileError(w http.ResponseWriter, jobID string, err error) {
	kind := engine.KindOf(err)
	body := compileError{
		Error: err.Error(),
		Kind:  kind,
		JobID: jobID,
		Logs:  engine.LogsOf(err),
	}
	if code, ok := engine.ExitCodeOf(err); ok {
		body.ExitCode = &code
	}

	if kind == model.KindCapacityExceeded {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if jobID != "" {
		w.Header().Set(headerCompilationID, jobID)
	}
	s.writeJSON(w, statusForKind(kind), body)
}
