package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/gosched/internal/generation"
	"github.com/me/gosched/pkg/model"
)

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateScheduleRequest
	if !decodeBody(w, r, reqID, &req, false) {
		return
	}

	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:           "sched_" + uuid.New().String(),
		JobID:        req.JobID,
		Name:         req.Name,
		Kind:         req.Kind,
		CronExpr:     req.CronExpr,
		Timezone:     req.Timezone,
		IntervalSecs: req.IntervalSecs,
		MaxCount:     req.MaxCount,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		Status:       model.ScheduleStatusCreated,
		Priority:     req.Priority,
		Parameters:   req.Parameters,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Enabled {
		sched.Status = model.ScheduleStatusEnabled
	}
	if errs := generation.Validate(sched); len(errs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid schedule", errs...))
		return
	}

	job, err := s.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if job == nil {
		respondNotFound(w, reqID, "job", req.JobID)
		return
	}

	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("schedule created", "schedule_id", sched.ID, "job_id", sched.JobID, "kind", sched.Kind, "status", sched.Status)
	respondCreated(w, reqID, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if sched == nil {
		respondNotFound(w, reqID, "schedule", id)
		return
	}
	respondOK(w, reqID, sched)
}

// handleUpdateScheduleStatus enables or disables a schedule.
// PUT /api/v1/schedules/{id}/status
func (s *Server) handleUpdateScheduleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.UpdateScheduleStatusRequest
	if !decodeBody(w, r, reqID, &req, false) {
		return
	}
	if req.Status != model.ScheduleStatusEnabled && req.Status != model.ScheduleStatusDisabled {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid status",
			model.FieldError{Field: "status", Message: "must be ENABLED or DISABLED"}))
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if sched == nil {
		respondNotFound(w, reqID, "schedule", id)
		return
	}
	if sched.Status == req.Status {
		respondOK(w, reqID, sched)
		return
	}
	if !sched.Status.CanTransitionTo(req.Status) {
		terr := &model.InvalidTransitionError{Entity: "schedule", ID: id, From: string(sched.Status), To: string(req.Status)}
		respondConflict(w, reqID, terr.Error())
		return
	}

	if err := s.store.UpdateScheduleStatus(r.Context(), id, req.Status, time.Now().UTC()); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	sched, err = s.store.GetSchedule(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("schedule status changed", "schedule_id", id, "status", req.Status)
	respondOK(w, reqID, sched)
}
