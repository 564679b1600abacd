package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory append-only repository for tests and
// STORE_BACKEND=memory.
type MemoryRepo struct {
	mu      sync.Mutex
	records []AdmissionRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, rec AdmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// List returns up to limit records, newest first.
func (r *MemoryRepo) List(ctx context.Context, limit int) ([]AdmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AdmissionRecord, 0, min(limit, len(r.records)))
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}

// Between returns records with from <= CreatedAt < to, oldest first.
func (r *MemoryRepo) Between(ctx context.Context, from, to time.Time) ([]AdmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AdmissionRecord, 0)
	for _, rec := range r.records {
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Records returns a copy of everything appended so far.
func (r *MemoryRepo) Records() []AdmissionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AdmissionRecord, len(r.records))
	copy(out, r.records)
	return out
}
