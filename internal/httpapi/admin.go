package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"workstation-guard/internal/auth"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/reporting"
	"workstation-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// defaultReportWindow is the range used when a report omits from/to.
const defaultReportWindow = 24 * time.Hour

type registerCardRequest struct {
	TokenID     string `json:"token_id"`
	AccountName string `json:"account_name"`
	DisplayName string `json:"display_name"`
	Department  string `json:"department"`
	Secret      string `json:"secret"`
}

// RegisterCard enrolls an admin token, or promotes it if already enrolled.
func (h Handlers) RegisterCard(c *gin.Context) {
	var req registerCardRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	op, _ := auth.OperatorFrom(ctx)

	i, err := h.Identities.Promote(ctx, req.TokenID)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrNotFound):
		department := req.Department
		if department == "" {
			department = "Administration"
		}
		i, err = h.Identities.Enroll(ctx, identity.EnrollRequest{
			TokenID:      req.TokenID,
			AccountName:  req.AccountName,
			DisplayName:  req.DisplayName,
			Department:   department,
			SecurityTier: identity.AdminTier,
			IsAdmin:      true,
			Secret:       req.Secret,
		})
		if err != nil {
			writeError(c, err)
			return
		}
	default:
		writeError(c, err)
		return
	}

	logger.FromGin(c).Info("admin card registered", "component", "directory", "token_id", i.TokenID, "by", op.TokenID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "admin card registered for " + i.DisplayName,
		"user":    i.View(),
	})
}

type secretRequest struct {
	Secret string `json:"secret"`
}

func (h Handlers) RotateSecret(c *gin.Context) {
	var req secretRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Identities.RotateSecret(c.Request.Context(), c.Param("token_id"), req.Secret); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "secret updated"})
}

func (h Handlers) Promote(c *gin.Context) {
	i, err := h.Identities.Promote(c.Request.Context(), c.Param("token_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": i.View()})
}

// Deactivate refuses future admissions. Sessions already open run until
// they close on their own.
func (h Handlers) Deactivate(c *gin.Context) {
	if err := h.Identities.Deactivate(c.Request.Context(), c.Param("token_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "identity deactivated"})
}

type adminUserView struct {
	identity.View
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h Handlers) ListUsers(c *gin.Context) {
	ids, err := h.Identities.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]adminUserView, 0, len(ids))
	for _, i := range ids {
		out = append(out, adminUserView{View: i.View(), IsActive: i.IsActive, CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// AdmissionLog lists the newest admission records.
func (h Handlers) AdmissionLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h Handlers) GetSession(c *gin.Context) {
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) SessionActivities(c *gin.Context) {
	acts, err := h.Sessions.Activities(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts})
}

func (h Handlers) SessionAlerts(c *gin.Context) {
	alerts, err := h.Sessions.Alerts(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h Handlers) Stations(c *gin.Context) {
	if h.Board == nil {
		c.JSON(http.StatusOK, gin.H{"stations": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stations": h.Board.Snapshot()})
}

// --- Ledger ---

// VerifyReceipt reports whether a receipt is intact in the primary chain.
// Receipts held only by the fallback are returned with verified=false and
// unverified=true.
func (h Handlers) VerifyReceipt(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("receipt_id")
	entry, err := h.Ledger.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	ok, err := h.Ledger.Verify(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_id": id, "verified": ok, "unverified": entry.Unverified, "entry": entry})
}

// chain picks the primary log or, with ?source=fallback, its secondary.
func (h Handlers) chain(c *gin.Context) (ledger.Ledger, bool) {
	switch c.DefaultQuery("source", "primary") {
	case "primary":
		return h.Ledger, true
	case "fallback":
		if h.Fallback == nil {
			fail(c, http.StatusNotFound, "no fallback ledger configured")
			return nil, false
		}
		return h.Fallback.Secondary, true
	default:
		fail(c, http.StatusBadRequest, "source must be primary or fallback")
		return nil, false
	}
}

func (h Handlers) ScanLedger(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		fail(c, http.StatusBadRequest, "after must be a non-negative sequence number")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	l, ok := h.chain(c)
	if !ok {
		return
	}
	entries, err := l.Scan(c.Request.Context(), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("source") == "fallback" {
		for i := range entries {
			entries[i].Unverified = true
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) AuditLedger(c *gin.Context) {
	l, ok := h.chain(c)
	if !ok {
		return
	}
	rep, err := ledger.Audit(c.Request.Context(), l)
	if err != nil {
		writeError(c, err)
		return
	}
	if !rep.Intact {
		logger.FromGin(c).Warn("ledger chain broken", "component", "ledger", "broken_seq", rep.BrokenSeq)
	}
	c.JSON(http.StatusOK, rep)
}

// --- Reports ---

func (h Handlers) reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	to := h.now().UTC()
	from := to.Add(-defaultReportWindow)
	var err error
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			fail(c, http.StatusBadRequest, "to must be RFC3339")
			return reporting.TimeRange{}, false
		}
		if c.Query("from") == "" {
			from = to.Add(-defaultReportWindow)
		}
	}
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			fail(c, http.StatusBadRequest, "from must be RFC3339")
			return reporting.TimeRange{}, false
		}
	}
	return reporting.TimeRange{From: from, To: to}, true
}

func (h Handlers) AdmissionReport(c *gin.Context) {
	r, ok := h.reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.AdmissionSummary(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) AlertReport(c *gin.Context) {
	r, ok := h.reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.AlertSummary(c.Request.Context(), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
