package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hms-dev/warden/pkg/verify"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.POST("/v1/api", s.handleDispatch)
	r.GET("/v1/health", s.handleLiveness)

	r.GET("/v1/status", s.handleFleetStatus)
	r.GET("/v1/status/:component", s.handleComponentStatus)
	r.POST("/v1/events", s.handleReportEvent)
	r.GET("/v1/tickets", s.handleTickets)
	r.POST("/v1/block", s.handleBlock)

	verifyGroup := r.Group("/v1/verify", s.verifyRateLimit)
	verifyGroup.POST("/challenge", s.handleIssueChallenge)
	verifyGroup.POST("/submit", s.handleSubmitAnswers)
	r.GET("/v1/verify/check", s.handleCheck)

	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.POST("/revoke", s.handleRevoke)
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version, "rate_limiter": s.limiter.Stats()})
}

// handleDispatch is the agent-to-agent contract: a structured
// {action, params} payload answered with an explicit success flag.
func (s *Server) handleDispatch(c *gin.Context) {
	var req struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Action == "" {
		respondError(c, http.StatusBadRequest, "action is required", s.logger)
		return
	}
	c.JSON(http.StatusOK, s.gw.Dispatch(req.Action, req.Params))
}

func (s *Server) handleIssueChallenge(c *gin.Context) {
	var req struct {
		SubjectID   string `json:"subject_id"`
		ComponentID string `json:"component_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.SubjectID == "" || req.ComponentID == "" {
		respondError(c, http.StatusBadRequest, "subject_id and component_id are required", s.logger)
		return
	}

	challenge, err := s.gw.IssueChallenge(req.SubjectID, req.ComponentID)
	switch {
	case errors.Is(err, verify.ErrUnknownComponent):
		respondError(c, http.StatusNotFound, err.Error(), s.logger)
	case errors.Is(err, verify.ErrAttemptsExhausted):
		respondError(c, http.StatusTooManyRequests, err.Error(), s.logger)
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to issue challenge", s.logger)
	default:
		c.JSON(http.StatusOK, challenge)
	}
}

func (s *Server) handleSubmitAnswers(c *gin.Context) {
	var req struct {
		SubjectID   string `json:"subject_id"`
		ComponentID string `json:"component_id"`
		ChallengeID string `json:"challenge_id"`
		Answers     []int  `json:"answers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	result, err := s.gw.SubmitAnswers(req.SubjectID, req.ComponentID, req.ChallengeID, req.Answers)
	switch {
	case errors.Is(err, verify.ErrInvalidChallenge):
		respondError(c, http.StatusConflict, err.Error(), s.logger)
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to score challenge", s.logger)
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleCheck(c *gin.Context) {
	subject := c.Query("subject")
	component := c.Query("component")
	if subject == "" || component == "" {
		respondError(c, http.StatusBadRequest, "subject and component are required", s.logger)
		return
	}

	status, err := s.gw.CheckVerification(subject, component)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "verification store unavailable", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subject, "component_id": component, "status": status})
}

// handleBlock is the enforcement hook endpoint. The decision rides in the
// body; callers must surface the reason verbatim on deny.
func (s *Server) handleBlock(c *gin.Context) {
	var req struct {
		SubjectID   string `json:"subject_id"`
		ComponentID string `json:"component_id"`
		Operation   string `json:"operation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.SubjectID == "" || req.ComponentID == "" {
		respondError(c, http.StatusBadRequest, "subject_id and component_id are required", s.logger)
		return
	}
	c.JSON(http.StatusOK, s.gw.BlockIfUnverified(req.SubjectID, req.ComponentID, req.Operation))
}

func (s *Server) handleReportEvent(c *gin.Context) {
	var req struct {
		ComponentID string `json:"component_id"`
		Kind        string `json:"kind"`
		Outcome     string `json:"outcome"`
		Detail      string `json:"detail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.ComponentID == "" {
		respondError(c, http.StatusBadRequest, "component_id is required", s.logger)
		return
	}

	outcome, err := s.gw.ReportEvent(req.ComponentID, req.Kind, req.Outcome, req.Detail)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleComponentStatus(c *gin.Context) {
	status, err := s.gw.GetStatus(c.Param("component"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "status read failed", s.logger)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleFleetStatus(c *gin.Context) {
	fleet, err := s.gw.GetFleetStatus()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "status read failed", s.logger)
		return
	}
	c.JSON(http.StatusOK, fleet)
}

func (s *Server) handleTickets(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		respondError(c, http.StatusBadRequest, "agent is required", s.logger)
		return
	}
	tickets, err := s.gw.GetTickets(agent)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ticket read failed", s.logger)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (s *Server) handleRevoke(c *gin.Context) {
	var req struct {
		SubjectID   string `json:"subject_id"`
		ComponentID string `json:"component_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if err := s.gw.RevokeCredential(req.SubjectID, req.ComponentID); err != nil {
		respondError(c, http.StatusInternalServerError, "revocation failed", s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.Server.AdminToken == "" {
		respondError(c, http.StatusForbidden, "admin API disabled", s.logger)
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.cfg.Server.AdminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

// verifyRateLimit throttles challenge traffic per caller when configured.
func (s *Server) verifyRateLimit(c *gin.Context) {
	limit := s.cfg.Server.VerifyRateLimit
	if limit <= 0 {
		c.Next()
		return
	}
	window := time.Duration(s.cfg.Server.VerifyRateWinS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	if !s.limiter.Allow(c.ClientIP(), limit, window) {
		respondError(c, http.StatusTooManyRequests, "verification rate limit exceeded", s.logger)
		return
	}
	c.Next()
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
