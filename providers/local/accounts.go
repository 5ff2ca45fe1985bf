package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/panyam/barter"
)

// account is the credential record of one user.  Contact identities map onto it through the
// identities collection, keyed by IdentityKey, so a password sign-up and a Google sign-in
// with the same email resolve to the same account.
type account struct {
	UID          string
	Email        string
	DisplayName  string
	PhotoURL     string
	PasswordHash string
	GoogleSub    string
}

func (a *account) toData() map[string]any {
	return map[string]any{
		"email":        a.Email,
		"displayName":  a.DisplayName,
		"photoURL":     a.PhotoURL,
		"passwordHash": a.PasswordHash,
		"googleSub":    a.GoogleSub,
	}
}

func accountFromDocument(doc *barter.Document) *account {
	return &account{
		UID:          doc.ID,
		Email:        stringField(doc, "email"),
		DisplayName:  stringField(doc, "displayName"),
		PhotoURL:     stringField(doc, "photoURL"),
		PasswordHash: stringField(doc, "passwordHash"),
		GoogleSub:    stringField(doc, "googleSub"),
	}
}

// IdentityKey creates a consistent identity key from type and value
func IdentityKey(identityType, identityValue string) string {
	return identityType + ":" + identityValue
}

// accountStore persists accounts and their email identities through the document accessor.
type accountStore struct {
	docs *barter.DocStore
}

func (s accountStore) get(ctx context.Context, uid string) (*account, error) {
	doc, err := s.docs.Get(ctx, CollectionAccounts, uid)
	if err != nil || doc == nil {
		return nil, err
	}
	return accountFromDocument(doc), nil
}

// byEmail returns nil, nil when no account owns email.
func (s accountStore) byEmail(ctx context.Context, email string) (*account, error) {
	doc, err := s.docs.Get(ctx, CollectionIdentities, IdentityKey("email", email))
	if err != nil || doc == nil {
		return nil, err
	}
	uid := stringField(doc, "userId")
	if uid == "" {
		return nil, nil
	}
	return s.get(ctx, uid)
}

// errEmailTaken is returned by create when another account claimed the email first.
var errEmailTaken = errors.New("email already claimed")

// create stores a new account and then claims its email identity.  The claim never replaces an
// existing one, so of two sign-ups racing for an email, in this process or another, exactly one
// keeps its account; the other's is removed and create returns errEmailTaken.
func (s accountStore) create(ctx context.Context, a *account) error {
	if a.UID == "" {
		a.UID = uuid.NewString()
	}
	if _, err := s.docs.Create(ctx, CollectionAccounts, a.toData(), a.UID); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	_, claimed, err := s.docs.CreateIfAbsent(ctx, CollectionIdentities, IdentityKey("email", a.Email), map[string]any{
		"type":     "email",
		"value":    a.Email,
		"userId":   a.UID,
		"verified": a.GoogleSub != "",
	})
	if err == nil && claimed {
		return nil
	}
	if derr := s.docs.Delete(ctx, CollectionAccounts, a.UID); derr != nil {
		return fmt.Errorf("failed to remove unclaimed account: %w", derr)
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return errEmailTaken
}

func (s accountStore) save(ctx context.Context, a *account) error {
	if err := s.docs.Update(ctx, CollectionAccounts, a.UID, a.toData()); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// markVerified records that a provider vouched for the email.
func (s accountStore) markVerified(ctx context.Context, email string) error {
	return s.docs.Update(ctx, CollectionIdentities, IdentityKey("email", email), map[string]any{"verified": true})
}
