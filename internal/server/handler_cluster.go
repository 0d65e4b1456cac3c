package server

import (
	"net/http"

	"github.com/me/gosched/pkg/model"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	respondList(w, reqID, agents, &model.Pagination{
		Total:  len(agents),
		Limit:  len(agents),
		Offset: 0,
	})
}

// handleCluster reports the scheduler processes and the current lease.
// GET /api/v1/cluster
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if servers == nil {
		servers = []*model.ServerNode{}
	}

	status := model.ClusterStatus{Servers: servers}
	if s.leader != nil {
		status.ServerID = s.leader.ServerID()
		status.IsLeader = s.leader.IsLeader()
		status.Lease = s.leader.Lease()
	}
	respondOK(w, reqID, status)
}
