package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerStationKey = "X-Station-Key"

// maxUIDWait caps how long GET /station/:station_id/uid may block.
const maxUIDWait = 30 * time.Second

// RequireStationKey rejects reader-agent calls without the shared key. An
// empty key disables the check.
func RequireStationKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(headerStationKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			logger.FromGin(c).Warn("station call with bad key", "component", "presence", "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid station key"})
			return
		}
		c.Next()
	}
}

type heartbeatRequest struct {
	StationID string `json:"station_id"`
	TokenID   string `json:"token_id"`
}

// Heartbeat records what a station's reader sees. An empty token_id means
// the reader is up and sees no token.
func (h Handlers) Heartbeat(c *gin.Context) {
	if h.Board == nil {
		fail(c, http.StatusNotFound, "station presence is disabled")
		return
	}
	var req heartbeatRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Board.Heartbeat(req.StationID, req.TokenID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// StationUID reports the token currently at a station's reader. With
// ?wait=<duration> it blocks until a token appears or the wait elapses.
func (h Handlers) StationUID(c *gin.Context) {
	if h.Locator == nil {
		fail(c, http.StatusNotFound, "station presence is disabled")
		return
	}
	stationID := c.Param("station_id")
	reader, ok := h.Locator.Locate(stationID)
	if !ok {
		fail(c, http.StatusNotFound, "no reader attached to station")
		return
	}

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			fail(c, http.StatusBadRequest, "wait must be a duration such as 5s")
			return
		}
		wait = min(d, maxUIDWait)
	}

	var (
		tok     string
		present bool
		err     error
	)
	if wait > 0 {
		tok, present, err = reader.WaitForToken(c.Request.Context(), wait)
	} else {
		tok, present, err = reader.GetUID(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"station_id": stationID, "token_id": tok, "present": present})
}
