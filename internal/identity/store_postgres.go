package identity

import (
	"context"
	"database/sql"
	"errors"

	"workstation-guard/pkg/utils"
)

// PostgresStore reads and writes the identities table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const selectIdentity = `
SELECT id, token_id, account_name, display_name, department, security_tier, is_admin, is_active, secret_hash, created_at, updated_at
FROM identities
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(r rowScanner) (Identity, error) {
	var i Identity
	err := r.Scan(
		&i.ID,
		&i.TokenID,
		&i.AccountName,
		&i.DisplayName,
		&i.Department,
		&i.SecurityTier,
		&i.IsAdmin,
		&i.IsActive,
		&i.SecretHash,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func (s *PostgresStore) ByTokenID(ctx context.Context, tokenID string) (Identity, error) {
	i, err := scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+`WHERE token_id = $1`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	return i, err
}

func (s *PostgresStore) Create(ctx context.Context, i Identity) error {
	const q = `
INSERT INTO identities (id, token_id, account_name, display_name, department, security_tier, is_admin, is_active, secret_hash, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := s.db.ExecContext(ctx, q,
		i.ID, i.TokenID, i.AccountName, i.DisplayName, i.Department,
		i.SecurityTier, i.IsAdmin, i.IsActive, i.SecretHash, i.CreatedAt, i.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) Update(ctx context.Context, i Identity) error {
	const q = `
UPDATE identities
SET account_name = $2, display_name = $3, department = $4, security_tier = $5,
    is_admin = $6, is_active = $7, secret_hash = $8, updated_at = $9
WHERE token_id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		i.TokenID, i.AccountName, i.DisplayName, i.Department,
		i.SecurityTier, i.IsAdmin, i.IsActive, i.SecretHash, i.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, selectIdentity+`ORDER BY account_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Identity, 0)
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
