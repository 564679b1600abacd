package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"workstation-guard/internal/admission"
	"workstation-guard/internal/audit"
	"workstation-guard/internal/auth"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/presence"
	"workstation-guard/internal/reporting"
	"workstation-guard/internal/session"
	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Admission  *admission.Authority
	Sessions   *session.Authority
	Identities *identity.Service
	Audit      *audit.Service
	Reports    *reporting.Service

	// Ledger is the evidentiary log used for verification. Fallback, when
	// set, is the same log seen with its secondary chain.
	Ledger   ledger.Ledger
	Fallback *ledger.Fallback

	Board   *presence.StationBoard
	Locator presence.Locator

	Checks []HealthCheck

	// SessionTokenTTL bounds a session token. It should cover the session
	// maximum duration.
	SessionTokenTTL time.Duration
	Clock           func() time.Time
}

// HealthCheck is one component reported by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// writeError maps a service error to a status and a message that is safe
// to show. Anything unrecognised is logged and reported as a generic 500.
func writeError(c *gin.Context, err error) {
	var conflict *session.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"success":           false,
			"message":           "an active session already exists for this token at this station",
			"active_session_id": conflict.ActiveSessionID,
		})
	case errors.Is(err, session.ErrNotActive):
		fail(c, http.StatusGone, "session not active")
	case errors.Is(err, session.ErrNotPresent):
		fail(c, http.StatusForbidden, "token not present at the station reader")
	case errors.Is(err, identity.ErrWeakSecret):
		fail(c, http.StatusBadRequest, identity.ErrWeakSecret.Error())
	case errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, admission.ErrInvalidArgument),
		errors.Is(err, identity.ErrInvalidArgument),
		errors.Is(err, presence.ErrInvalidHeartbeat),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, audit.ErrInvalidEvent):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrDuplicate):
		fail(c, http.StatusConflict, "token already enrolled")
	case errors.Is(err, identity.ErrNotFound):
		fail(c, http.StatusNotFound, "user not found")
	case errors.Is(err, session.ErrNotFound):
		fail(c, http.StatusNotFound, "session not found")
	case errors.Is(err, ledger.ErrNotFound):
		fail(c, http.StatusNotFound, "receipt not found")
	case errors.Is(err, ledger.ErrRecorderUnavailable):
		logger.FromGin(c).Error("recorder unavailable", "err", err)
		fail(c, http.StatusServiceUnavailable, "recorder unavailable")
	default:
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}
