// Package identity is the token to person directory: enrollment, secret
// rotation, promotion and soft deactivation. It holds no admission policy.
package identity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("identity: not found")
	ErrDuplicate       = errors.New("identity: token already enrolled")
	ErrInvalidArgument = errors.New("identity: invalid argument")
	ErrWeakSecret      = errors.New("identity: secret must be at least 4 digits")
)

// AdminTier is the security tier granted on promotion.
const AdminTier = 3

type Identity struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TokenID      string    `json:"token_id" db:"token_id"`
	AccountName  string    `json:"account_name" db:"account_name"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	Department   string    `json:"department" db:"department"`
	SecurityTier int       `json:"security_tier" db:"security_tier"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	IsActive     bool      `json:"is_active" db:"is_active"`

	// SecretHash is an argon2id PHC string. Never serialized.
	SecretHash string `json:"-" db:"secret_hash"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// View is what callers outside the directory get to see.
type View struct {
	TokenID      string `json:"token_id"`
	AccountName  string `json:"account_name"`
	DisplayName  string `json:"display_name"`
	Department   string `json:"department"`
	SecurityTier int    `json:"security_tier"`
	IsAdmin      bool   `json:"is_admin"`
}

func (i Identity) View() View {
	return View{
		TokenID:      i.TokenID,
		AccountName:  i.AccountName,
		DisplayName:  i.DisplayName,
		Department:   i.Department,
		SecurityTier: i.SecurityTier,
		IsAdmin:      i.IsAdmin,
	}
}
