package auth

import (
	"errors"
	"time"

	"workstation-guard/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrTokenType = errors.New("token_type mismatch")

type Manager struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		audience:  cfg.JWTAudience,
		accessTTL: cfg.AccessTokenTTL,
	}, nil
}

// IssueSession signs a handle for one session. ttl should cover the session's
// maximum duration; the authority closes the session on its own schedule.
func (m *Manager) IssueSession(now time.Time, sessionID, tokenID, stationID string, ttl time.Duration) (string, error) {
	if sessionID == "" || tokenID == "" {
		return "", errors.New("session_id and token_id are required")
	}
	return m.issue(now, ttl, Claims{
		SessionID: sessionID,
		TokenID:   tokenID,
		StationID: stationID,
		TokenType: TokenTypeSession,
	})
}

// IssueAccess signs an admin-surface token for tokenID with role.
func (m *Manager) IssueAccess(now time.Time, tokenID, role string) (string, error) {
	if tokenID == "" || role == "" {
		return "", errors.New("token_id and role are required")
	}
	return m.issue(now, m.accessTTL, Claims{
		TokenID:   tokenID,
		Role:      role,
		TokenType: TokenTypeAccess,
	})
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew between stations
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	parser := jwt.NewParser(opts...)

	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	if claims.TokenID == "" {
		return Claims{}, errors.New("token_id missing")
	}
	switch expected {
	case TokenTypeSession:
		if claims.SessionID == "" {
			return Claims{}, errors.New("session_id missing in session token")
		}
	case TokenTypeAccess:
		if claims.Role == "" {
			return Claims{}, errors.New("role missing in access token")
		}
	}

	return claims, nil
}

/* ===================== INTERNAL ISSUE ===================== */

func (m *Manager) issue(now time.Time, ttl time.Duration, claims Claims) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  audienceOrNil(m.audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
