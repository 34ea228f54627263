package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GuestSubject is the subject of internal tokens minted for unauthenticated
// callers; backends still require a signed token on public routes.
const GuestSubject = "guest"

// InternalIssuer is the iss claim of every gateway-minted token.
const InternalIssuer = "gateway"

// Claims is the claim shape shared by external access tokens and internal
// tokens. External tokens carry roles/username/email only when the Auth
// service includes them.
type Claims struct {
	jwt.RegisteredClaims

	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Identity is the caller resolved from a validated token.
type Identity struct {
	Subject   string
	TokenID   string
	Audience  []string
	ExpiresAt time.Time
	Username  string
	Email     string
	Roles     []string

	// Internal is true when the identity came from an x-internal-token.
	Internal bool
}

func Guest() Identity { return Identity{Subject: GuestSubject} }

func (i Identity) IsGuest() bool { return i.Subject == "" || i.Subject == GuestSubject }

func (i Identity) HasRole(role string) bool { return slices.Contains(i.Roles, role) }

func (c Claims) identity(internal bool) Identity {
	id := Identity{
		Subject:  c.Subject,
		TokenID:  c.ID,
		Audience: []string(c.Audience),
		Username: c.Username,
		Email:    c.Email,
		Roles:    c.Roles,
		Internal: internal,
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}
