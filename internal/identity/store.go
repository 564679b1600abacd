package identity

import (
	"context"
	"sort"
	"sync"
)

// Store is the directory persistence contract. Identities are never deleted;
// Update replaces the row keyed by TokenID.
type Store interface {
	ByTokenID(ctx context.Context, tokenID string) (Identity, error)
	Create(ctx context.Context, i Identity) error
	Update(ctx context.Context, i Identity) error
	List(ctx context.Context) ([]Identity, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	byToken map[string]Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byToken: map[string]Identity{}}
}

func (s *MemoryStore) ByTokenID(ctx context.Context, tokenID string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byToken[tokenID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return i, nil
}

func (s *MemoryStore) Create(ctx context.Context, i Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[i.TokenID]; ok {
		return ErrDuplicate
	}
	s.byToken[i.TokenID] = i
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, i Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[i.TokenID]; !ok {
		return ErrNotFound
	}
	s.byToken[i.TokenID] = i
	return nil
}

// List returns identities ordered by account name.
func (s *MemoryStore) List(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.byToken))
	for _, i := range s.byToken {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AccountName < out[b].AccountName })
	return out, nil
}
