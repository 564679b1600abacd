package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sessions and their streams. Activities and alerts are
// append-only; the only session mutation is the single close.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	CloseSession(ctx context.Context, id string, endedAt time.Time, reason EndReason) error
	GetSession(ctx context.Context, id string) (Session, error)

	AppendActivity(ctx context.Context, a Activity) error
	AppendAlert(ctx context.Context, a Alert) error
	// ListActivities returns the stream in Seq order.
	ListActivities(ctx context.Context, sessionID string) ([]Activity, error)
	ListAlerts(ctx context.Context, sessionID string) ([]Alert, error)
	// AlertsBetween returns alerts with from <= CreatedAt < to across sessions.
	AlertsBetween(ctx context.Context, from, to time.Time) ([]Alert, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	activities map[string][]Activity
	alerts     map[string][]Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   map[string]Session{},
		activities: map[string][]Activity{},
		alerts:     map[string][]Alert{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, id string, endedAt time.Time, reason EndReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateClosed {
		return nil
	}
	s.State = StateClosed
	s.EndedAt = &endedAt
	s.EndReason = reason
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) AppendActivity(ctx context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[a.SessionID] = append(m.activities[a.SessionID], a)
	return nil
}

func (m *MemoryStore) AppendAlert(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.SessionID] = append(m.alerts[a.SessionID], a)
	return nil
}

func (m *MemoryStore) ListActivities(ctx context.Context, sessionID string) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Activity(nil), m.activities[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, sessionID string) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts[sessionID]...), nil
}

func (m *MemoryStore) AlertsBetween(ctx context.Context, from, to time.Time) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0)
	for _, as := range m.alerts {
		for _, a := range as {
			if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
				continue
			}
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
