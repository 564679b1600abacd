package reporting

import (
	"context"
	"time"

	"workstation-guard/internal/audit"
	"workstation-guard/internal/session"
)

// Sources reads from the live audit service and session store.
type Sources struct {
	Audit    *audit.Service
	Sessions session.Store
}

func (s Sources) ListAdmissions(ctx context.Context, from, to time.Time) ([]audit.AdmissionRecord, error) {
	return s.Audit.Between(ctx, from, to)
}

func (s Sources) ListAlerts(ctx context.Context, from, to time.Time) ([]session.Alert, error) {
	return s.Sessions.AlertsBetween(ctx, from, to)
}
