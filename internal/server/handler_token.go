package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/me/gosched/pkg/model"
)

// handleGenerateToken issues an agent token.
// POST /internal/auth/generate-token
//
// Only served on the internal listener; peers other than loopback are refused
// even if that listener is bound to a wider address.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if !s.loopback(r.RemoteAddr) {
		s.logger.Warn("token request from non-loopback peer refused", "remote", r.RemoteAddr)
		respondError(w, reqID, http.StatusForbidden, &model.APIError{
			Code:    model.ErrForbidden,
			Message: "token generation is only available from localhost",
		})
		return
	}
	if s.tokens == nil {
		s.unavailable(w, reqID, "token generation")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		respondError(w, reqID, http.StatusTooManyRequests, &model.APIError{
			Code:    model.ErrRateLimited,
			Message: "too many token requests",
		})
		return
	}

	var req model.GenerateTokenRequest
	if !decodeBody(w, r, reqID, &req, false) {
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "agent_id", Message: "agent_id is required"}))
		return
	}

	var ttl *time.Duration
	if req.ExpirySeconds != nil {
		if *req.ExpirySeconds < 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid field",
					model.FieldError{Field: "expiry_seconds", Message: "must not be negative"}))
			return
		}
		d := time.Duration(*req.ExpirySeconds) * time.Second
		ttl = &d
	}

	token, claims, err := s.tokens.Generate(req.AgentID, ttl, req.Permissions)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	s.logger.Info("agent token issued", "agent_id", req.AgentID, "jti", claims.ID, "expires_at", claims.ExpiresAt())
	respondOK(w, reqID, model.GenerateTokenResponse{
		Token:     token,
		AgentID:   req.AgentID,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAt(),
		IssuedAt:  time.Unix(claims.IssuedAt, 0).UTC(),
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
