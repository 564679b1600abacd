package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	// TokenTypeSession is handed to a workstation after /session/start and
	// names exactly one session.
	TokenTypeSession TokenType = "session"
	// TokenTypeAccess authorizes the admin surface.
	TokenTypeAccess TokenType = "access"
)

// Claims are the only supported JWT claims shape for this service.
// The token is a bearer handle; whether the session is still active is
// decided server-side by the session authority, never by the token.
type Claims struct {
	jwt.RegisteredClaims

	SessionID string    `json:"session_id,omitempty"`
	TokenID   string    `json:"token_id"`
	StationID string    `json:"station_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}
