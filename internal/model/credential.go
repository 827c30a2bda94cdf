package model

import "time"

const (
	CredentialStatusValid       = "valid"
	CredentialStatusNeedsReauth = "needs_reauth"
)

// Credential is one OAuth grant per user. Mutated only by the token lifecycle
// manager; both the inline and the sweep refresh paths write through the same
// compare-and-swap persistence call.
type Credential struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Status       string
	UpdatedAt    time.Time
}

// Expired reports whether the access token is expired at t, with skew applied
// by the caller.
func (c *Credential) Expired(t time.Time) bool {
	return !c.ExpiresAt.After(t)
}

// TokenPatch is a partial credential update produced by a refresh. Nil/zero
// fields are left untouched.
type TokenPatch struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	ExpiresAt    time.Time
}
