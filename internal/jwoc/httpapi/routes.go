// Package httpapi is the thin net/http translation layer: it only
// marshals/unmarshals JSON and calls control/dispatch/process, never
// touching orchestration logic directly. A bare http.ServeMux, no router
// framework.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/control"
	"github.com/ternarybob/quaero/internal/jwoc/dispatch"
	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/process"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// Server wires the worker-facing and frontend-facing endpoints onto one
// http.ServeMux.
type Server struct {
	ctl        *control.Context
	dispatcher *dispatch.Dispatcher
	processor  *process.Processor
	validate   *validator.Validate
	logger     arbor.ILogger
}

// New builds a Server.
func New(ctl *control.Context, dispatcher *dispatch.Dispatcher, processor *process.Processor, logger arbor.ILogger) *Server {
	return &Server{
		ctl:        ctl,
		dispatcher: dispatcher,
		processor:  processor,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Routes returns the configured ServeMux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/work", s.handleGetWork)
	mux.HandleFunc("/work/", s.handlePutWork)

	mux.HandleFunc("/jobs", s.handleJobsCollection)
	mux.HandleFunc("/jobs/", s.handleJobResource)

	return mux
}

// GET /work?serviceID=<id>
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		writeError(w, jwocerr.New(jwocerr.ValidationError, "serviceID is required"))
		return
	}

	msg, err := s.dispatcher.GetWork(r.Context(), serviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workItem": msg})
}

// PUT /work/{id}
func (s *Server) handlePutWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/work/")
	if id == "" {
		writeError(w, jwocerr.New(jwocerr.ValidationError, "work item id is required"))
		return
	}

	var update model.WorkItemUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, jwocerr.Wrap(jwocerr.ValidationError, "invalid request body", err))
		return
	}
	update.WorkItemID = id

	if err := s.validate.Struct(update); err != nil {
		writeError(w, jwocerr.Wrap(jwocerr.ValidationError, "validation failed", err))
		return
	}

	result, err := s.processor.Apply(r.Context(), update)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Dropped {
		writeError(w, jwocerr.New(jwocerr.Conflict, "work item already terminal"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /jobs, GET /jobs
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req control.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, jwocerr.Wrap(jwocerr.ValidationError, "invalid request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, jwocerr.Wrap(jwocerr.ValidationError, "validation failed", err))
		return
	}

	job, err := s.ctl.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Username: r.URL.Query().Get("username")}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []model.JobStatus{model.JobStatus(status)}
	}

	page := store.Page{Limit: 50}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			page.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			page.Offset = offset
		}
	}

	jobs, err := s.ctl.ListJobs(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GET /jobs/{id}, GET /jobs/{id}/events, POST /jobs/{id}/cancel|pause|resume|skip-preview
func (s *Server) handleJobResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(path, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		writeError(w, jwocerr.New(jwocerr.ValidationError, "job id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		job, err := s.ctl.GetJob(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	switch parts[1] {
	case "events":
		s.handleJobEvents(w, r, jobID)
	case "cancel":
		s.handleJobAction(w, r, jobID, func(ctx control.CancelContext) error {
			return s.ctl.CancelJob(ctx.Request, jobID, ctx.Reason)
		})
	case "pause":
		s.handleJobAction(w, r, jobID, func(ctx control.CancelContext) error {
			return s.ctl.PauseJob(ctx.Request, jobID)
		})
	case "resume":
		s.handleJobAction(w, r, jobID, func(ctx control.CancelContext) error {
			return s.ctl.ResumeJob(ctx.Request, jobID)
		})
	case "skip-preview":
		s.handleJobAction(w, r, jobID, func(ctx control.CancelContext) error {
			return s.ctl.SkipPreview(ctx.Request, jobID)
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.ctl.GetJobEvents(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, jobID string, fn func(control.CancelContext) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &body)

	if err := fn(control.CancelContext{Request: r.Context(), Reason: body.Reason}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
