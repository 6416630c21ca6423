package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessionguard/sessionguard/internal/challenge"
	"github.com/sessionguard/sessionguard/internal/health"
	"github.com/sessionguard/sessionguard/internal/idgen"
	"github.com/sessionguard/sessionguard/internal/logging"
	"github.com/sessionguard/sessionguard/internal/pagination"
	"github.com/sessionguard/sessionguard/internal/scoring"
	"github.com/sessionguard/sessionguard/internal/session"
	"github.com/sessionguard/sessionguard/internal/telemetry"
	"github.com/sessionguard/sessionguard/internal/validation"
)

// telemetryHeader carries the client's JSON telemetry snapshot on protected
// requests. Optional; scoring proceeds on header-derived signals without it.
const telemetryHeader = "X-SessionGuard-Telemetry"

// stepUpTokenHeader carries a previously minted step-up pass token.
const stepUpTokenHeader = "X-StepUp-Token"

const contextSessionKey = "sessionguard.sessionId"

// -----------------------------------------------------------------------------
// Protection middleware
// -----------------------------------------------------------------------------

// ProtectMiddleware evaluates the cookie-bound session on every request and
// enforces the resulting decision. Store failures deny the request; there is
// no implicit allow path.
func (s *Server) ProtectMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(s.cookies.Name)
		if err != nil || sessionID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "no_session",
				"message": "No session cookie present",
			})
			return
		}
		if !validation.IsValidSessionID(sessionID) {
			s.cookies.Clear(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_session",
				"message": "Malformed session identifier",
			})
			return
		}

		eval, err := s.engine.Evaluate(c.Request.Context(), s.scoringInput(c, sessionID))
		if err != nil {
			logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "evaluation_unavailable",
				"message": "Session could not be evaluated",
			})
			return
		}

		switch eval.Decision {
		case scoring.DecisionSessionNotFound:
			s.cookies.Clear(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "session_not_found",
				"message": "Session is unknown or expired",
			})

		case scoring.DecisionRevoke:
			s.cookies.Clear(c)
			s.notifier.SessionRevoked(sessionID, "", eval.Score, reasonStrings(eval.Reasons))
			s.realtimeHub.BroadcastRevocation(map[string]interface{}{
				"sessionId": sessionID,
				"score":     float64(eval.Score),
				"reasons":   reasonStrings(eval.Reasons),
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "session_revoked",
				"message": "Session has been revoked",
				"score":   eval.Score,
			})

		case scoring.DecisionStepUp:
			// A valid step-up token from a recent pass skips re-challenge.
			if tok := c.GetHeader(stepUpTokenHeader); tok != "" {
				if sid, ok := s.minter.Verify(tok); ok && sid == sessionID {
					if _, err := s.engine.ResolveStepUp(c.Request.Context(), sessionID, true); err == nil {
						c.Set(contextSessionKey, sessionID)
						c.Next()
						return
					}
				}
			}

			s.notifier.StepUpRequired(sessionID, "", eval.Score, reasonStrings(eval.Reasons))
			s.broadcastEvaluation(eval)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":     "step_up_required",
				"message":   "Additional verification required",
				"score":     eval.Score,
				"challenge": "/v1/step-up/" + sessionID + "/challenge",
			})

		default: // allow
			if eval.Score > 0 {
				s.broadcastEvaluation(eval)
			}
			c.Set(contextSessionKey, sessionID)
			c.Next()
		}
	}
}

// scoringInput assembles the engine input from the request.
func (s *Server) scoringInput(c *gin.Context, sessionID string) scoring.Input {
	in := scoring.Input{
		SessionID:      sessionID,
		RemoteIP:       c.ClientIP(),
		UserAgent:      c.GetHeader("User-Agent"),
		AcceptLanguage: c.GetHeader("Accept-Language"),
	}
	if raw := c.GetHeader(telemetryHeader); raw != "" {
		var snap telemetry.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err == nil {
			in.Snapshot = &snap
		}
	}
	return in
}

func (s *Server) broadcastEvaluation(eval *scoring.Evaluation) {
	s.realtimeHub.BroadcastEvaluation(map[string]interface{}{
		"sessionId": eval.SessionID,
		"decision":  string(eval.Decision),
		"score":     float64(eval.Score),
		"reasons":   reasonStrings(eval.Reasons),
	})
}

func reasonStrings(reasons []scoring.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// createSession handles POST /v1/sessions. The caller authenticates upstream;
// this binds a fresh session to the request's fingerprint material and origin
// and hands the id back as a hardened cookie.
func (s *Server) createSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID   string            `json:"userId" binding:"required"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	now := time.Now()
	sess := &session.Session{
		ID:     idgen.WithPrefix("sess_"),
		UserID: req.UserID,
		HashedFingerprint: telemetry.HashMaterial(
			c.GetHeader("User-Agent"),
			c.GetHeader("Accept-Language"),
		),
		LastIP:    c.ClientIP(),
		State:     session.StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		Metadata:  req.Metadata,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		logging.L(ctx).Error("failed to create session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session",
		})
		return
	}

	s.cookies.Set(c, sess.ID)
	logging.L(ctx).Info("session created", "session_id", sess.ID, "user_id", sess.UserID)

	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// deleteSession handles DELETE /v1/sessions/:sessionId (logout).
func (s *Server) deleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "Session is unknown or expired",
			})
			return
		}
		logging.L(ctx).Error("failed to delete session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete session",
		})
		return
	}

	if cookieID, err := c.Cookie(s.cookies.Name); err == nil && cookieID == sessionID {
		s.cookies.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// listUserSessions handles GET /v1/users/:userId/sessions.
func (s *Server) listUserSessions(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be 1-64 characters: letters, digits, @ . _ -",
		})
		return
	}

	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list sessions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// listRiskEvents handles GET /v1/sessions/:sessionId/events with cursor
// pagination, newest first.
func (s *Server) listRiskEvents(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one past the page to learn whether more remain.
	var events []*scoring.RiskEvent
	if cursor != nil {
		events, err = s.events.ListBySessionBefore(ctx, sessionID, cursor.CreatedAt, cursor.ID, limit+1)
	} else {
		events, err = s.events.ListBySession(ctx, sessionID, limit+1)
	}
	if err != nil {
		logging.L(ctx).Error("failed to list risk events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list risk events",
		})
		return
	}

	page, next, more := pagination.ComputePage(events, limit, func(ev *scoring.RiskEvent) (time.Time, string) {
		return ev.At, ev.ID
	})

	resp := gin.H{"events": page, "count": len(page), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Protection surface
// -----------------------------------------------------------------------------

// protectionStatus handles GET /v1/protection/status: read-only session
// intelligence for the cookie-bound session, without re-scoring it.
func (s *Server) protectionStatus(c *gin.Context) {
	ctx := c.Request.Context()

	sessionID, err := c.Cookie(s.cookies.Name)
	if err != nil || sessionID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "no_session",
			"message": "No session cookie present",
		})
		return
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		s.cookies.Clear(c)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "session_not_found",
			"message": "Session is unknown or expired",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to load session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"state":     string(sess.State),
		"riskScore": sess.RiskScore,
		"riskLevel": riskLevel(sess.RiskScore),
		"lastIp":    sess.LastIP,
		"createdAt": sess.CreatedAt,
		"expiresAt": sess.ExpiresAt,
	})
}

// protectionCheck handles POST /v1/protection/check: an explicit, on-demand
// risk evaluation of a session against the current request signals.
func (s *Server) protectionCheck(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	// Body is optional; the cookie is the fallback.
	_ = c.ShouldBindJSON(&req)

	sessionID := req.SessionID
	fromCookie := false
	if sessionID == "" {
		var err error
		sessionID, err = c.Cookie(s.cookies.Name)
		if err != nil || sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "no_session",
				"message": "Provide sessionId in the body or a session cookie",
			})
			return
		}
		fromCookie = true
	}
	if !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session_id",
			"message": "Malformed session identifier",
		})
		return
	}

	eval, err := s.engine.Evaluate(c.Request.Context(), s.scoringInput(c, sessionID))
	if err != nil {
		logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "evaluation_unavailable",
			"message": "Session could not be evaluated",
		})
		return
	}

	if fromCookie &&
		(eval.Decision == scoring.DecisionRevoke || eval.Decision == scoring.DecisionSessionNotFound) {
		s.cookies.Clear(c)
	}
	if eval.Decision == scoring.DecisionRevoke {
		s.notifier.SessionRevoked(sessionID, "", eval.Score, reasonStrings(eval.Reasons))
		s.realtimeHub.BroadcastRevocation(map[string]interface{}{
			"sessionId": sessionID,
			"score":     float64(eval.Score),
			"reasons":   reasonStrings(eval.Reasons),
		})
	} else {
		s.broadcastEvaluation(eval)
	}

	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// riskLevel buckets a score for operator display.
func riskLevel(score int) string {
	switch {
	case score > 70:
		return "High"
	case score > 30:
		return "Medium"
	default:
		return "Low"
	}
}

// -----------------------------------------------------------------------------
// Step-up verification
// -----------------------------------------------------------------------------

// issueChallenge handles POST /v1/step-up/:sessionId/challenge.
func (s *Server) issueChallenge(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Session is unknown or expired",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to load session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load session",
		})
		return
	}
	if sess.State != session.StateStepUpRequired {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_gated",
			"message": "Session does not require step-up verification",
		})
		return
	}

	kind := c.DefaultQuery("type", "rhythm")
	if kind != "rhythm" && kind != "grid" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_challenge_type",
			"message": "type must be rhythm or grid",
		})
		return
	}

	s.challenges.issue(sessionID, kind)

	resp := gin.H{
		"sessionId":   sessionID,
		"type":        kind,
		"maxAttempts": s.challenges.maxAttempts,
	}
	switch kind {
	case "rhythm":
		resp["periodMs"] = challenge.DefaultPeriod.Milliseconds()
		resp["thresholdMs"] = challenge.DefaultTapThreshold.Milliseconds()
		resp["requiredTaps"] = challenge.DefaultRequiredTaps
	case "grid":
		resp["tiles"] = challenge.DefaultGridTiles
	}
	c.JSON(http.StatusOK, resp)
}

// verifyChallenge handles POST /v1/step-up/:sessionId/verify.
func (s *Server) verifyChallenge(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	active, ok := s.challenges.get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_challenge",
			"message": "No active challenge; request one first",
		})
		return
	}

	var req struct {
		TapOffsetsMs []int64 `json:"tapOffsetsMs"`
		Tiles        []int   `json:"tiles"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var passed bool
	switch active.kind {
	case "rhythm":
		if len(req.TapOffsetsMs) != challenge.DefaultRequiredTaps {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "tapOffsetsMs must contain exactly three offsets",
			})
			return
		}
		passed = verifyRhythmTaps(req.TapOffsetsMs)
	case "grid":
		passed = verifyGridSelection(req.Tiles)
	}

	if passed {
		decision, err := s.engine.ResolveStepUp(ctx, sessionID, true)
		if err != nil {
			logging.L(ctx).Error("step-up resolution failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "evaluation_unavailable",
				"message": "Step-up result could not be applied",
			})
			return
		}
		s.challenges.remove(sessionID)
		s.realtimeHub.BroadcastStepUp(map[string]interface{}{
			"sessionId": sessionID,
			"result":    "passed",
		})
		c.JSON(http.StatusOK, gin.H{
			"result":      "passed",
			"decision":    string(decision),
			"stepUpToken": s.minter.Mint(sessionID),
		})
		return
	}

	remaining := s.challenges.fail(sessionID)
	if remaining > 0 {
		c.JSON(http.StatusOK, gin.H{
			"result":            "failed",
			"attemptsRemaining": remaining,
		})
		return
	}

	// Attempt budget exhausted: escalate to revocation.
	decision, err := s.engine.ResolveStepUp(ctx, sessionID, false)
	if err != nil {
		logging.L(ctx).Error("step-up resolution failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "evaluation_unavailable",
			"message": "Step-up result could not be applied",
		})
		return
	}
	s.challenges.remove(sessionID)
	s.notifier.StepUpFailed(sessionID, "")
	s.realtimeHub.BroadcastStepUp(map[string]interface{}{
		"sessionId": sessionID,
		"result":    "failed",
	})
	if cookieID, cerr := c.Cookie(s.cookies.Name); cerr == nil && cookieID == sessionID {
		s.cookies.Clear(c)
	}
	c.JSON(http.StatusForbidden, gin.H{
		"result":   "failed",
		"decision": string(decision),
		"message":  "Verification failed; session revoked",
	})
}

// verifyRhythmTaps replays the submitted tap offsets through the rhythm
// challenge state machine with a synthetic clock. Offsets are milliseconds
// since the client started its pulse cycle.
func verifyRhythmTaps(offsets []int64) bool {
	var passed bool
	base := time.Unix(0, 0)
	now := base

	r := challenge.NewRhythm(
		challenge.RhythmConfig{MaxAttempts: 1},
		func(ok bool) { passed = ok },
		challenge.WithRhythmClock(func() time.Time { return now }),
	)
	defer r.Close()

	for _, off := range offsets {
		now = base.Add(time.Duration(off) * time.Millisecond)
		r.Tap()
	}
	return passed
}

// verifyGridSelection replays the submitted tile toggles through the grid
// challenge.
func verifyGridSelection(tiles []int) bool {
	var passed bool
	g := challenge.NewGrid(challenge.DefaultGridTiles, func(ok bool) { passed = ok })
	for _, tile := range tiles {
		g.Toggle(tile)
	}
	g.Verify()
	return passed
}

// -----------------------------------------------------------------------------
// Protected resources
// -----------------------------------------------------------------------------

// whoAmI handles GET /v1/me behind the protection middleware.
func (s *Server) whoAmI(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.GetString(contextSessionKey)

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		// The middleware just evaluated this session; losing it here means a
		// concurrent revocation won the race.
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "session_not_found",
			"message": "Session is unknown or expired",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"state":     string(sess.State),
		"riskScore": sess.RiskScore,
		"expiresAt": sess.ExpiresAt,
	})
}

// -----------------------------------------------------------------------------
// Health and info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "SessionGuard",
		"description": "Continuous session risk evaluation and step-up verification",
		"version":     "0.1.0",
	})
}
