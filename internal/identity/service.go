package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	store  Store
	hasher Hasher
	clock  func() time.Time

	// decoy is verified against when no identity exists, so unknown and
	// enrolled tokens cost the same to reject.
	decoy string
}

func NewService(store Store, hasher Hasher) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store not configured")
	}
	decoy, err := hasher.Hash("00000000")
	if err != nil {
		return nil, fmt.Errorf("identity: decoy hash: %w", err)
	}
	return &Service{store: store, hasher: hasher, clock: time.Now, decoy: decoy}, nil
}

type EnrollRequest struct {
	TokenID      string `json:"token_id"`
	AccountName  string `json:"account_name"`
	DisplayName  string `json:"display_name"`
	Department   string `json:"department"`
	SecurityTier int    `json:"security_tier"`
	IsAdmin      bool   `json:"is_admin"`
	Secret       string `json:"secret"`
}

// Enroll binds a new token to a person. SecurityTier defaults to 1.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (Identity, error) {
	req.TokenID = NormalizeTokenID(req.TokenID)
	req.AccountName = strings.TrimSpace(req.AccountName)
	if req.TokenID == "" || req.AccountName == "" {
		return Identity{}, fmt.Errorf("%w: token_id and account_name required", ErrInvalidArgument)
	}
	if req.SecurityTier < 0 {
		return Identity{}, fmt.Errorf("%w: security_tier must be positive", ErrInvalidArgument)
	}
	if req.SecurityTier == 0 {
		req.SecurityTier = 1
	}
	hash, err := s.hasher.Hash(req.Secret)
	if err != nil {
		return Identity{}, err
	}

	now := s.clock().UTC()
	i := Identity{
		ID:           uuid.New(),
		TokenID:      req.TokenID,
		AccountName:  req.AccountName,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Department:   strings.TrimSpace(req.Department),
		SecurityTier: req.SecurityTier,
		IsAdmin:      req.IsAdmin,
		IsActive:     true,
		SecretHash:   hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if i.DisplayName == "" {
		i.DisplayName = i.AccountName
	}
	if err := s.store.Create(ctx, i); err != nil {
		return Identity{}, err
	}
	return i, nil
}

// Lookup returns the identity for tokenID, active or not.
func (s *Service) Lookup(ctx context.Context, tokenID string) (Identity, error) {
	tokenID = NormalizeTokenID(tokenID)
	if tokenID == "" {
		return Identity{}, ErrNotFound
	}
	return s.store.ByTokenID(ctx, tokenID)
}

func (s *Service) List(ctx context.Context) ([]Identity, error) {
	return s.store.List(ctx)
}

// CheckSecret reports whether secret matches i's stored secret. A malformed
// stored hash never matches.
func (s *Service) CheckSecret(i Identity, secret string) bool {
	ok, err := s.hasher.Verify(i.SecretHash, secret)
	return err == nil && ok
}

// BurnCheck spends the same work as CheckSecret and always fails.
func (s *Service) BurnCheck(secret string) {
	_, _ = s.hasher.Verify(s.decoy, secret)
}

func (s *Service) RotateSecret(ctx context.Context, tokenID, secret string) error {
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return err
	}
	return s.update(ctx, tokenID, func(i *Identity) { i.SecretHash = hash })
}

// Promote grants admin and raises the tier to AdminTier.
func (s *Service) Promote(ctx context.Context, tokenID string) (Identity, error) {
	var out Identity
	err := s.update(ctx, tokenID, func(i *Identity) {
		i.IsAdmin = true
		i.SecurityTier = max(i.SecurityTier, AdminTier)
		out = *i
	})
	return out, err
}

// Deactivate is the only removal: the identity stays, admission refuses it.
func (s *Service) Deactivate(ctx context.Context, tokenID string) error {
	return s.update(ctx, tokenID, func(i *Identity) { i.IsActive = false })
}

func (s *Service) update(ctx context.Context, tokenID string, mutate func(*Identity)) error {
	i, err := s.Lookup(ctx, tokenID)
	if err != nil {
		return err
	}
	mutate(&i)
	i.UpdatedAt = s.clock().UTC()
	return s.store.Update(ctx, i)
}

// NormalizeTokenID trims and upper-cases a hardware id so reader output and
// typed input compare equal.
func NormalizeTokenID(tokenID string) string {
	return strings.ToUpper(strings.TrimSpace(tokenID))
}
