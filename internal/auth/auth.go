package auth

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Identity represents an authenticated caseworker's claims.
type Identity struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	TokenType   string   `json:"token_type"` // always "access" for tokens minted here
}

// Validate checks the claims every engagement call depends on. Tokens
// without a user or tenant are never minted and never accepted.
func (i *Identity) Validate() error {
	switch {
	case i.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrTokenInvalid)
	case i.TenantID == "":
		return fmt.Errorf("%w: missing tenant id", ErrTokenInvalid)
	case slices.Contains(i.Roles, ""):
		return fmt.Errorf("%w: empty role", ErrTokenInvalid)
	}
	return nil
}
