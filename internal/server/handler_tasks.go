package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/gosched/internal/dispatch"
	"github.com/me/gosched/internal/gateway"
	"github.com/me/gosched/internal/logpipe"
	"github.com/me/gosched/pkg/model"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if task == nil {
		respondNotFound(w, reqID, "task", id)
		return
	}
	task.Instances, err = s.store.ListInstancesByTask(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	inst, err := s.store.GetTaskInstance(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if inst == nil {
		respondNotFound(w, reqID, "task instance", id)
		return
	}
	respondOK(w, reqID, inst)
}

// handleCancelInstance cancels a task instance.
// POST /api/v1/task-instances/{id}/cancel
//
// A pending instance is cancelled at once (200). For a dispatched or running
// one the cancel command is sent to its agent and 202 is returned; the final
// status arrives with the agent's update.
func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.canceller == nil {
		s.unavailable(w, reqID, "cancellation")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, reqID, &req, true) {
		return
	}

	inst, err := s.canceller.CancelInstance(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, dispatch.ErrInstanceNotFound):
		respondNotFound(w, reqID, "task instance", id)
		return
	case errors.Is(err, dispatch.ErrAlreadyFinished):
		msg := "task instance '" + id + "' already finished"
		if inst != nil {
			msg += " as " + string(inst.Status)
		}
		respondConflict(w, reqID, msg)
		return
	case errors.Is(err, gateway.ErrAgentNotConnected), errors.Is(err, gateway.ErrSendQueueFull):
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
			Code:    model.ErrUnavailable,
			Message: err.Error(),
		})
		return
	case err != nil:
		respondInternal(w, reqID, err)
		return
	}

	if inst.Status == model.InstanceStatusCancelled {
		respondOK(w, reqID, inst)
		return
	}
	respondAccepted(w, reqID, inst)
}

type logsResponse struct {
	TaskInstanceID string          `json:"task_instance_id"`
	Stream         model.LogStream `json:"stream"`
	Content        string          `json:"content"`
	Gaps           []model.LogGap  `json:"gaps"`
}

// handleGetInstanceLogs returns the ordered log of one stream.
// GET /api/v1/task-instances/{id}/logs?stream=stdout
func (s *Server) handleGetInstanceLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.logs == nil {
		s.unavailable(w, reqID, "task logs")
		return
	}

	stream := model.LogStream(r.URL.Query().Get("stream"))
	if stream == "" {
		stream = model.LogStreamStdout
	}
	if !stream.Valid() {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
			model.FieldError{Field: "stream", Message: "must be stdout or stderr"}))
		return
	}

	inst, err := s.store.GetTaskInstance(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if inst == nil {
		respondNotFound(w, reqID, "task instance", id)
		return
	}

	data, err := s.logs.Read(id, stream)
	if err != nil && !errors.Is(err, logpipe.ErrNoLogs) {
		respondInternal(w, reqID, err)
		return
	}
	gaps, err := s.logs.Gaps(id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	streamGaps := []model.LogGap{}
	for _, g := range gaps {
		if g.Stream == stream {
			streamGaps = append(streamGaps, g)
		}
	}
	respondOK(w, reqID, logsResponse{
		TaskInstanceID: id,
		Stream:         stream,
		Content:        string(data),
		Gaps:           streamGaps,
	})
}
