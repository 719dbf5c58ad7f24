package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drivesentry/drivesentry/internal/errors"
)

// writeError maps domain errors to HTTP responses. Messages stay generic
// so no token material or provider payloads leak to callers.
func writeError(c *gin.Context, err error) {
	var notFound *errors.ErrNotFound
	if stderrors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: notFound.Error(),
			Code:    http.StatusNotFound,
		})
		return
	}

	var ve *errors.ValidationError
	if stderrors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_failed",
			Message: ve.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	var cfgErr *errors.ConfigError
	if stderrors.As(err, &cfgErr) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_config",
			Message: cfgErr.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	switch errors.CredentialKindOf(err) {
	case errors.CredentialExpired:
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "credential_expired",
			Message: "token expired and auto refresh is disabled",
			Code:    http.StatusUnauthorized,
		})
		return
	case errors.CredentialDeactivated:
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "credential_deactivated",
			Message: "credential is deactivated, re-authorization required",
			Code:    http.StatusConflict,
		})
		return
	case errors.CredentialRefreshFailed:
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "refresh_failed",
			Message: "token refresh failed, will retry",
			Code:    http.StatusBadGateway,
		})
		return
	case errors.CredentialInvalidState:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_state",
			Message: "unknown or expired authorization state",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if errors.IsRateLimited(err) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "provider_rate_limited",
			Message: "storage provider is rate limiting requests",
			Code:    http.StatusServiceUnavailable,
		})
		return
	}

	var pe *errors.ProviderError
	if stderrors.As(err, &pe) {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "provider_error",
			Message: "storage provider request failed",
			Code:    http.StatusBadGateway,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "internal server error",
		Code:    http.StatusInternalServerError,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"monitor_running": s.monitor != nil && s.monitor.IsRunning(),
	})
}

// OAuth handlers

func (s *Server) handleOAuthAuthorize(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_parameter",
			Message: "user_id is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	authURL, err := s.manager.InitiateOAuth(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"auth_url": authURL,
		"user_id":  userID,
	})
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errMsg := c.Query("error"); errMsg != "" {
		s.logger.Warn("oauth callback returned error", "error", errMsg)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "authorization_denied",
			Message: "the authorization request was denied",
			Code:    http.StatusBadRequest,
		})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_parameter",
			Message: "state and code are required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	cred, err := s.manager.HandleOAuthCallback(c.Request.Context(), state, code)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "authorized",
		"user_id":    cred.UserID,
		"email":      cred.Email,
		"session_id": cred.SessionID,
	})
}

// Credential handlers

func (s *Server) handleCredentialStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_parameter",
			Message: "user_id is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	status, err := s.manager.DetailedStatus(userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type refreshRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleCredentialRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "user_id is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if _, err := s.manager.ForceTokenRefresh(c.Request.Context(), req.UserID); err != nil {
		writeError(c, err)
		return
	}

	status, err := s.manager.DetailedStatus(req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type revokeRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleCredentialRevoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "user_id is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if err := s.manager.RevokePersistentSession(c.Request.Context(), req.UserID, req.Confirm); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "revoked",
		"user_id": req.UserID,
	})
}

func (s *Server) handleStorageAnalytics(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_parameter",
			Message: "user_id is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	summary, recommendations, err := s.manager.StorageAnalytics(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":         userID,
		"quota":           summary,
		"recommendations": recommendations,
	})
}

// Monitor handlers

func (s *Server) handleMonitorStats(c *gin.Context) {
	stats := s.monitor.Stats()
	c.JSON(http.StatusOK, gin.H{
		"running":        s.monitor.IsRunning(),
		"check_interval": s.monitor.CheckInterval().String(),
		"stats":          stats,
	})
}

func (s *Server) handleMonitorStart(c *gin.Context) {
	stats := s.monitor.Start()
	c.JSON(http.StatusOK, gin.H{
		"status": "started",
		"stats":  stats,
	})
}

func (s *Server) handleMonitorStop(c *gin.Context) {
	clean := s.monitor.Stop()
	if !clean {
		c.JSON(http.StatusOK, gin.H{
			"status":  "stopped",
			"clean":   false,
			"message": "monitor loop did not confirm shutdown in time",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
		"clean":  true,
	})
}

func (s *Server) handleMonitorRestart(c *gin.Context) {
	stats := s.monitor.Restart()
	c.JSON(http.StatusOK, gin.H{
		"status": "restarted",
		"stats":  stats,
	})
}

func (s *Server) handleMonitorCheck(c *gin.Context) {
	summary, err := s.monitor.ForceCheckNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status":      "completed_with_errors",
			"checked":     summary.Checked,
			"failed":      summary.Failed,
			"alerts_sent": summary.AlertsSent,
			"error":       err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "completed",
		"checked":     summary.Checked,
		"failed":      summary.Failed,
		"alerts_sent": summary.AlertsSent,
	})
}

type monitorConfigRequest struct {
	CheckInterval string `json:"check_interval" binding:"required"`
	// Enabled is optional; omitting it keeps the current worker state.
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleMonitorConfig(c *gin.Context) {
	var req monitorConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "check_interval is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	interval, err := time.ParseDuration(req.CheckInterval)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "check_interval must be a duration like 30m",
			Code:    http.StatusBadRequest,
		})
		return
	}

	enabled := s.monitor.IsRunning()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := s.monitor.UpdateConfig(interval, enabled); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "updated",
		"check_interval": s.monitor.CheckInterval().String(),
		"enabled":        s.monitor.IsRunning(),
	})
}
