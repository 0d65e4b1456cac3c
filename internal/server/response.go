package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/gosched/pkg/model"
)

// newRequestID generates a unique request identifier.
func newRequestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondAccepted is used when the request was handed to an agent and its
// effect arrives later.
func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

func respondInternal(w http.ResponseWriter, reqID string, err error) {
	respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
}

func respondNotFound(w http.ResponseWriter, reqID, resource, id string) {
	respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError(resource, id))
}

func respondConflict(w http.ResponseWriter, reqID, msg string) {
	respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: msg})
}

func (s *Server) unavailable(w http.ResponseWriter, reqID, what string) {
	respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
		Code:    model.ErrUnavailable,
		Message: what + " is not available on this server",
	})
}

// decodeBody decodes the JSON request body into v. An empty body is accepted
// when optional is set. On failure a 400 has been written and false returned.
func decodeBody(w http.ResponseWriter, r *http.Request, reqID string, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	respondError(w, reqID, http.StatusBadRequest, &model.APIError{
		Code:    model.ErrValidation,
		Message: "invalid JSON body: " + err.Error(),
	})
	return false
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		Status:     "ok",
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
