package httpapi

import (
	"net/http"
	"strings"

	"workstation-guard/internal/auth"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/rbac"
	"workstation-guard/internal/session"
	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// --- Admission ---

type admitRequest struct {
	PIN      string `json:"pin"`
	TokenID  string `json:"token_id"`
	DeviceID string `json:"device_id"`
}

type authenticateResponse struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	User       *identity.View `json:"user,omitempty"`
	ReceiptID  string         `json:"receipt_id,omitempty"`
	Unverified bool           `json:"unverified,omitempty"`
	AdminToken string         `json:"admin_token,omitempty"`
}

// Authenticate checks the token+PIN pair without opening a session. A
// failed check is a 200 with success=false; every attempt is recorded.
func (h Handlers) Authenticate(c *gin.Context) {
	var req admitRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Admission.Admit(c.Request.Context(), req.TokenID, req.PIN, req.DeviceID)
	if err != nil {
		writeError(c, err)
		return
	}

	out := authenticateResponse{
		Success:    res.Success,
		Message:    res.Message,
		User:       res.Identity,
		ReceiptID:  res.ReceiptID,
		Unverified: res.Unverified,
	}
	if res.Success && res.Grant.IsAdmin() && h.Auth != nil {
		tok, err := h.Auth.IssueAccess(h.now(), res.Grant.TokenID(), rbac.RoleAdmin)
		if err != nil {
			writeError(c, err)
			return
		}
		out.AdminToken = tok
	}
	c.JSON(http.StatusOK, out)
}

// --- Sessions ---

type startResponse struct {
	Success      bool           `json:"success"`
	SessionToken string         `json:"session_token"`
	SessionID    string         `json:"session_id"`
	User         *identity.View `json:"user"`
	ReceiptID    string         `json:"receipt_id"`
	Message      string         `json:"message"`
}

// StartSession admits the holder and opens a session at device_id.
func (h Handlers) StartSession(c *gin.Context) {
	var req admitRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	res, err := h.Admission.Admit(ctx, req.TokenID, req.PIN, req.DeviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		fail(c, http.StatusUnauthorized, res.Message)
		return
	}

	sess, err := h.Sessions.Open(ctx, res.Grant)
	if err != nil {
		writeError(c, err)
		return
	}
	tok, err := h.Auth.IssueSession(h.now(), sess.ID, sess.TokenID, sess.StationID, h.SessionTokenTTL)
	if err != nil {
		// Nobody can reach a session without its token.
		_, _ = h.Sessions.Close(ctx, sess.ID, session.ReasonManual)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, startResponse{
		Success:      true,
		SessionToken: tok,
		SessionID:    sess.ID,
		User:         res.Identity,
		ReceiptID:    res.ReceiptID,
		Message:      "session started",
	})
}

type activityRequest struct {
	SessionToken string `json:"session_token"`
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
}

type alertView struct {
	Kind     detector.Kind `json:"kind"`
	Severity string        `json:"severity"`
	Message  string        `json:"message"`
}

func alertViews(in []detector.Alert) []alertView {
	out := make([]alertView, 0, len(in))
	for _, a := range in {
		out = append(out, alertView{Kind: a.Kind, Severity: a.Severity.String(), Message: a.Message})
	}
	return out
}

// RecordActivity classifies one event. Alerts are returned to the station
// so the operator console can show them.
func (h Handlers) RecordActivity(c *gin.Context) {
	var req activityRequest
	if !bindJSON(c, &req) {
		return
	}
	claims, ok := h.sessionClaims(c, req.SessionToken)
	if !ok {
		return
	}
	res, err := h.Sessions.RecordActivity(c.Request.Context(), claims.SessionID, req.ActivityType, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "activity recorded"
	if res.Suspicious {
		msg = "activity recorded; security alert raised"
		logger.FromGin(c).Warn("suspicious activity reported to station",
			"component", "detector", "session_id", claims.SessionID, "alerts", len(res.Alerts))
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"receipt_id":    res.ReceiptID,
		"unverified":    res.Unverified,
		"is_suspicious": res.Suspicious,
		"alerts":        alertViews(res.Alerts),
		"message":       msg,
	})
}

type logoutRequest struct {
	SessionToken string `json:"session_token"`
}

// Logout closes the session. A second logout returns the same summary.
func (h Handlers) Logout(c *gin.Context) {
	var req logoutRequest
	if !bindJSON(c, &req) {
		return
	}
	claims, ok := h.sessionClaims(c, req.SessionToken)
	if !ok {
		return
	}
	sum, err := h.Sessions.Close(c.Request.Context(), claims.SessionID, session.ReasonManual)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session closed", "summary": sum})
}

// CheckSession never fails: an unreadable token is simply not active.
func (h Handlers) CheckSession(c *gin.Context) {
	claims, err := h.Auth.Verify(c.Param("session_token"), auth.TokenTypeSession, h.now())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"is_active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_active": h.Sessions.IsActive(claims.SessionID)})
}

func (h Handlers) sessionClaims(c *gin.Context, raw string) (auth.Claims, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		fail(c, http.StatusBadRequest, "session_token required")
		return auth.Claims{}, false
	}
	claims, err := h.Auth.Verify(raw, auth.TokenTypeSession, h.now())
	if err != nil {
		fail(c, http.StatusUnauthorized, "invalid session token")
		return auth.Claims{}, false
	}
	return claims, true
}

// --- Directory ---

// GetUser returns the public view of an active identity. Inactive and
// unknown tokens both read as 404.
func (h Handlers) GetUser(c *gin.Context) {
	i, err := h.Identities.Lookup(c.Request.Context(), c.Param("token_id"))
	if err == nil && !i.IsActive {
		err = identity.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, i.View())
}

// --- Health ---

type healthResponse struct {
	Status                 string            `json:"status"`
	Components             map[string]string `json:"components"`
	ActiveSessions         int               `json:"active_sessions"`
	PendingAdmissionWrites int               `json:"pending_admission_records"`
}

func (h Handlers) Health(c *gin.Context) {
	out := healthResponse{Status: "healthy", Components: map[string]string{}}
	for _, hc := range h.Checks {
		if err := hc.Check(c.Request.Context()); err != nil {
			out.Status = "degraded"
			out.Components[hc.Name] = err.Error()
			continue
		}
		out.Components[hc.Name] = "ok"
	}
	if h.Sessions != nil {
		out.ActiveSessions = h.Sessions.ActiveCount()
	}
	if h.Admission != nil {
		out.PendingAdmissionWrites = h.Admission.Pending()
		if out.PendingAdmissionWrites > 0 {
			out.Status = "degraded"
		}
	}

	status := http.StatusOK
	if out.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, out)
}
