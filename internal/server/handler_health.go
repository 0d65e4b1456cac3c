package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	ServerID  string `json:"server_id,omitempty"`
	Role      string `json:"role"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Role:      "standalone",
		Store:     "ok",
	}
	if s.leader != nil {
		resp.ServerID = s.leader.ServerID()
		resp.Role = "follower"
		if s.leader.IsLeader() {
			resp.Role = "leader"
		}
	}
	// A cheap read proves the database answers.
	if _, err := s.store.GetLease(r.Context(), "health"); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	respondOK(w, reqID, resp)
}
