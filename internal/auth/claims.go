package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Tenancy invariant: ChamaID scopes every money operation; a token without it
// cannot reach any wallet.
// Role is the caller's role within that chama, not a global role.
type Claims struct {
	jwt.RegisteredClaims

	MemberID  string    `json:"member_id"`
	ChamaID   string    `json:"chama_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
