package reporting

import (
	"context"
	"sync"
	"time"

	"workstation-guard/internal/audit"
	"workstation-guard/internal/session"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
type MemoryRepo struct {
	mu sync.Mutex

	Admissions []audit.AdmissionRecord
	Alerts     []session.Alert
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (r *MemoryRepo) ListAdmissions(ctx context.Context, from, to time.Time) ([]audit.AdmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.AdmissionRecord, 0)
	for _, rec := range r.Admissions {
		if within(rec.CreatedAt, from, to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListAlerts(ctx context.Context, from, to time.Time) ([]session.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Alert, 0)
	for _, a := range r.Alerts {
		if within(a.CreatedAt, from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}
