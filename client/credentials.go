// Package client keeps the signed-in identity of a client process on disk so that the next
// process (or another one running alongside) can restore or observe it.
package client

import (
	"time"

	"github.com/panyam/barter"
)

// Credential is a persisted sign-in
type Credential struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true if the id token has expired
func (c *Credential) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (c *Credential) IsExpiringSoon(within time.Duration) bool {
	return time.Now().Add(within).After(c.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// Identity converts the credential back into the identity it was saved from
func (c *Credential) Identity() *barter.Identity {
	return &barter.Identity{
		UID:          c.UID,
		Email:        c.Email,
		DisplayName:  c.DisplayName,
		PhotoURL:     c.PhotoURL,
		ProviderID:   c.ProviderID,
		IDToken:      c.IDToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
	}
}

// CredentialFromIdentity captures id for persistence
func CredentialFromIdentity(id *barter.Identity) *Credential {
	return &Credential{
		UID:          id.UID,
		Email:        id.Email,
		DisplayName:  id.DisplayName,
		PhotoURL:     id.PhotoURL,
		ProviderID:   id.ProviderID,
		IDToken:      id.IDToken,
		RefreshToken: id.RefreshToken,
		ExpiresAt:    id.ExpiresAt,
		CreatedAt:    time.Now(),
	}
}

// CredentialStore defines the interface for storing and retrieving credentials.  Keys name
// the identity backend a credential belongs to, e.g. "local" or "firebase:<project>".
type CredentialStore interface {
	// GetCredential retrieves the credential for key.
	// Returns nil, nil if none exists.
	GetCredential(key string) (*Credential, error)

	// SetCredential stores a credential under key
	SetCredential(key string, cred *Credential) error

	// RemoveCredential removes the credential under key
	RemoveCredential(key string) error

	// ListKeys returns all keys with stored credentials
	ListKeys() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}
