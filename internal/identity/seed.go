package identity

import (
	"context"
	"errors"
	"log/slog"
)

// devIdentities are enrolled by SeedDev. All share the secret "0000".
var devIdentities = []EnrollRequest{
	{TokenID: "04A1B2C3D4E5", AccountName: "analopez", DisplayName: "Ana Lopez", Department: "Inteligencia", SecurityTier: 3},
	{TokenID: "04F6G7H8I9J0", AccountName: "carlosruiz", DisplayName: "Carlos Ruiz", Department: "Analisis", SecurityTier: 2},
	{TokenID: "04K1L2M3N4O5", AccountName: "mariatorres", DisplayName: "Maria Torres", Department: "Operaciones", SecurityTier: 2},
	{TokenID: "A0F9001E", AccountName: "aimee", DisplayName: "Aimee", Department: "Desarrollo", SecurityTier: 2},
}

const devSecret = "0000"

// SeedDev enrolls the sample identities that are not already present.
func SeedDev(ctx context.Context, s *Service, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for _, req := range devIdentities {
		req.Secret = devSecret
		_, err := s.Enroll(ctx, req)
		switch {
		case err == nil:
			log.Debug("seeded identity", "token_id", req.TokenID, "account", req.AccountName)
		case errors.Is(err, ErrDuplicate):
		default:
			return err
		}
	}
	return nil
}
