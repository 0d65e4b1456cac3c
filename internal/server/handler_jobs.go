package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/gosched/internal/generation"
	"github.com/me/gosched/pkg/model"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateJobRequest
	if !decodeBody(w, r, reqID, &req, false) {
		return
	}
	if errs := validateJob(&req); len(errs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid job", errs...))
		return
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:                "job_" + uuid.New().String(),
		Name:              req.Name,
		Namespace:         namespace,
		Command:           req.Command,
		Args:              req.Args,
		Env:               req.Env,
		TimeoutSecs:       req.TimeoutSecs,
		MaxRetries:        req.MaxRetries,
		RetryIntervalSecs: req.RetryIntervalSecs,
		CaptureOutput:     req.CaptureOutput,
		MaxOutputBytes:    req.MaxOutputBytes,
		Tags:              req.Tags,
		Limits:            req.Limits,
		Enabled:           true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		respondInternal(w, reqID, err)
		return
	}

	s.logger.Info("job created", "job_id", job.ID, "name", job.Name)
	respondCreated(w, reqID, job)
}

func validateJob(req *model.CreateJobRequest) []model.FieldError {
	var errs []model.FieldError
	if strings.TrimSpace(req.Name) == "" {
		errs = append(errs, model.FieldError{Field: "name", Message: "name is required"})
	}
	if strings.TrimSpace(req.Command) == "" {
		errs = append(errs, model.FieldError{Field: "command", Message: "command is required"})
	}
	if req.TimeoutSecs < 0 {
		errs = append(errs, model.FieldError{Field: "timeout_secs", Message: "must not be negative"})
	}
	if req.MaxRetries < 0 {
		errs = append(errs, model.FieldError{Field: "max_retries", Message: "must not be negative"})
	}
	if req.RetryIntervalSecs < 0 {
		errs = append(errs, model.FieldError{Field: "retry_interval_secs", Message: "must not be negative"})
	}
	if req.MaxOutputBytes < 0 {
		errs = append(errs, model.FieldError{Field: "max_output_bytes", Message: "must not be negative"})
	}
	if l := req.Limits; l != nil && (l.MaxMemoryMB < 0 || l.MaxCPUPercent < 0) {
		errs = append(errs, model.FieldError{Field: "limits", Message: "limits must not be negative"})
	}
	return errs
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "offset", Message: "must be an integer"}))
			return
		}
		opts.Offset = n
	}
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

type jobDetail struct {
	*model.Job
	Schedules []*model.Schedule `json:"schedules"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if job == nil {
		respondNotFound(w, reqID, "job", id)
		return
	}
	schedules, err := s.store.ListSchedulesByJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if schedules == nil {
		schedules = []*model.Schedule{}
	}
	respondOK(w, reqID, jobDetail{Job: job, Schedules: schedules})
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.trigger == nil {
		s.unavailable(w, reqID, "job triggering")
		return
	}

	var req model.TriggerJobRequest
	if !decodeBody(w, r, reqID, &req, true) {
		return
	}

	task, err := s.trigger.GenerateEventTask(r.Context(), id, req.Parameters, req.Priority)
	switch {
	case errors.Is(err, generation.ErrJobNotFound):
		respondNotFound(w, reqID, "job", id)
		return
	case errors.Is(err, generation.ErrJobDisabled):
		respondConflict(w, reqID, "job '"+id+"' is disabled")
		return
	case err != nil:
		respondInternal(w, reqID, err)
		return
	}
	respondCreated(w, reqID, task)
}
