// Package local is a self hosted identity provider: bcrypt password accounts, HS256 id tokens,
// opaque refresh tokens and Google sign-in by id token verification.  Everything it stores
// goes through a barter.DocStore, so it runs on any document backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/panyam/barter"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies a Google id token for audience.
type GoogleTokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Provider implements barter.AuthProvider on top of a document store.
type Provider struct {
	// Where accounts, identities and tokens are kept
	Store *barter.DocStore

	// Signing key for id tokens
	JWTSecretKey string

	// Issuer claim of id tokens (optional)
	Issuer string

	// Lifetimes; zero means the package defaults
	IDTokenExpiry      time.Duration
	RefreshTokenExpiry time.Duration

	// bcrypt cost; zero means bcrypt.DefaultCost
	BcryptCost int

	// Sign-up password requirements
	Policy PasswordPolicy

	// Optional email sender for password reset links
	EmailSender SendEmail

	// Base URL for generating reset links
	BaseURL string

	// OAuth client id Google id tokens must be issued to.  Empty disables Google sign-in.
	GoogleClientID string

	// Verifies Google id tokens; defaults to idtoken.Validate
	ValidateGoogleToken GoogleTokenValidator

	Logger *slog.Logger

	// serializes account creation so two sign-ups cannot claim the same email
	createMu sync.Mutex
}

var _ barter.AuthProvider = (*Provider)(nil)

func (p *Provider) accounts() accountStore { return accountStore{docs: p.Store} }
func (p *Provider) tokens() tokenStore     { return tokenStore{docs: p.Store} }

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Provider) idTokenTTL() time.Duration {
	if p.IDTokenExpiry > 0 {
		return p.IDTokenExpiry
	}
	return TokenExpiryIDToken
}

func (p *Provider) refreshTokenTTL() time.Duration {
	if p.RefreshTokenExpiry > 0 {
		return p.RefreshTokenExpiry
	}
	return TokenExpiryRefreshToken
}

func (p *Provider) bcryptCost() int {
	if p.BcryptCost > 0 {
		return p.BcryptCost
	}
	return bcrypt.DefaultCost
}

// SignUp creates a password account.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*barter.Identity, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail("signup", email); err != nil {
		return nil, err
	}
	if err := p.Policy.ValidatePassword("signup", password); err != nil {
		return nil, err
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost())
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	p.createMu.Lock()
	existing, err := p.accounts().byEmail(ctx, email)
	if err != nil {
		p.createMu.Unlock()
		return nil, err
	}
	if existing != nil {
		p.createMu.Unlock()
		return nil, barter.NewFieldError("signup", barter.ErrCodeEmailExists, "The email address is already in use by another account", "email")
	}
	a := &account{Email: email, PasswordHash: string(passwordHash)}
	err = p.accounts().create(ctx, a)
	p.createMu.Unlock()
	if errors.Is(err, errEmailTaken) {
		return nil, barter.NewFieldError("signup", barter.ErrCodeEmailExists, "The email address is already in use by another account", "email")
	}
	if err != nil {
		return nil, err
	}

	p.logger().Info("created local account", "uid", a.UID, "email", email)
	return p.issue(ctx, a, barter.ProviderPassword)
}

// SignIn verifies an email and password.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*barter.Identity, error) {
	email = NormalizeEmail(email)
	a, err := p.accounts().byEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a == nil || a.PasswordHash == "" {
		return nil, invalidCredentials()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, invalidCredentials()
	}
	return p.issue(ctx, a, barter.ProviderPassword)
}

// SignInWithIdP signs in with a Google id token, creating the account on first use and
// linking it to an existing password account with the same email.
func (p *Provider) SignInWithIdP(ctx context.Context, cred barter.IdPCredential) (*barter.Identity, error) {
	if cred.ProviderID != barter.ProviderGoogle {
		return nil, barter.NewError(barter.KindValidation, "idp", barter.ErrCodeUnsupported,
			fmt.Sprintf("provider %q is not supported", cred.ProviderID))
	}
	if p.GoogleClientID == "" {
		return nil, barter.NewError(barter.KindValidation, "idp", barter.ErrCodeUnsupported, "Google sign-in is not configured")
	}
	if cred.IDToken == "" {
		return nil, barter.NewFieldError("idp", barter.ErrCodeMissingField, "Google id token required", "idToken")
	}
	validate := p.ValidateGoogleToken
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(ctx, cred.IDToken, p.GoogleClientID)
	if err != nil {
		return nil, barter.NewError(barter.KindAuth, "idp", barter.ErrCodeInvalidToken, "Invalid Google id token: "+err.Error())
	}
	email, _ := payload.Claims["email"].(string)
	email = NormalizeEmail(email)
	if verified, _ := payload.Claims["email_verified"].(bool); email == "" || !verified {
		return nil, barter.NewError(barter.KindAuth, "idp", barter.ErrCodeInvalidToken, "Google account has no verified email")
	}
	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	p.createMu.Lock()
	a, err := p.accounts().byEmail(ctx, email)
	if err != nil {
		p.createMu.Unlock()
		return nil, err
	}
	if a == nil {
		a = &account{Email: email, DisplayName: name, PhotoURL: picture, GoogleSub: payload.Subject}
		err = p.accounts().create(ctx, a)
		if err == nil {
			p.createMu.Unlock()
			p.logger().Info("created account from Google sign-in", "uid", a.UID, "email", email)
			return p.issue(ctx, a, barter.ProviderGoogle)
		}
		if !errors.Is(err, errEmailTaken) {
			p.createMu.Unlock()
			return nil, err
		}
		// created elsewhere meanwhile; link to that account instead
		if a, err = p.accounts().byEmail(ctx, email); err != nil || a == nil {
			p.createMu.Unlock()
			return nil, barter.NewError(barter.KindTransport, "idp", "", "account for "+email+" is not readable")
		}
	}
	p.createMu.Unlock()

	changed := false
	if a.GoogleSub == "" {
		a.GoogleSub = payload.Subject
		changed = true
		if err := p.accounts().markVerified(ctx, email); err != nil {
			p.logger().Warn("error marking email verified", "email", email, "error", err)
		}
	} else if a.GoogleSub != payload.Subject {
		return nil, barter.NewError(barter.KindAuth, "idp", barter.ErrCodeInvalidCreds, "Google account does not match the registered one")
	}
	if a.DisplayName == "" && name != "" {
		a.DisplayName, changed = name, true
	}
	if a.PhotoURL == "" && picture != "" {
		a.PhotoURL, changed = picture, true
	}
	if changed {
		if err := p.accounts().save(ctx, a); err != nil {
			return nil, err
		}
	}
	return p.issue(ctx, a, barter.ProviderGoogle)
}

// SendPasswordReset emails a single use reset link.  Unknown addresses succeed silently so
// the endpoint does not reveal which emails are registered.
func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	if p.EmailSender == nil {
		return barter.NewError(barter.KindValidation, "reset", barter.ErrCodeUnsupported, "Password reset not configured")
	}
	email = NormalizeEmail(email)
	if err := ValidateEmail("reset", email); err != nil {
		return err
	}
	a, err := p.accounts().byEmail(ctx, email)
	if err != nil {
		return err
	}
	if a == nil {
		p.logger().Info("password reset requested for unknown email", "email", email)
		return nil
	}
	token, err := p.tokens().createToken(ctx, a.UID, email, TokenTypePasswordReset, TokenExpiryPasswordReset)
	if err != nil {
		return err
	}
	resetLink := fmt.Sprintf("%s/auth/reset/confirm?token=%s", p.BaseURL, url.QueryEscape(token.Token))
	if err := p.EmailSender.SendPasswordResetEmail(email, resetLink); err != nil {
		p.logger().Error("error sending reset email", "email", email, "error", err)
		return barter.NewError(barter.KindTransport, "reset", "", "failed to send reset email")
	}
	return nil
}

// ConfirmPasswordReset sets a new password using a token from a reset email.  The token is
// consumed and every refresh token of the account is revoked.
func (p *Provider) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return barter.NewFieldError("reset_confirm", barter.ErrCodeMissingField, "Token required", "token")
	}
	authToken, err := p.tokens().getToken(ctx, token)
	if err != nil {
		return err
	}
	if authToken == nil || !authToken.IsValid(TokenTypePasswordReset) {
		return barter.NewError(barter.KindAuth, "reset_confirm", barter.ErrCodeInvalidToken, "Invalid or expired token")
	}
	if err := p.Policy.ValidatePassword("reset_confirm", newPassword); err != nil {
		return err
	}
	a, err := p.accounts().get(ctx, authToken.UserID)
	if err != nil {
		return err
	}
	if a == nil {
		return barter.NewError(barter.KindAuth, "reset_confirm", barter.ErrCodeInvalidToken, "Invalid or expired token")
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.bcryptCost())
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	a.PasswordHash = string(passwordHash)
	if err := p.accounts().save(ctx, a); err != nil {
		return err
	}

	// one-time use
	if err := p.tokens().deleteToken(ctx, token); err != nil {
		p.logger().Warn("failed to delete reset token", "error", err)
	}
	if err := p.tokens().revokeUserTokens(ctx, a.UID); err != nil {
		p.logger().Warn("failed to revoke refresh tokens", "uid", a.UID, "error", err)
	}
	p.logger().Info("password updated", "uid", a.UID)
	return nil
}

// UpdateProfile changes the display name and photo of user's account.  Empty values keep
// the stored ones.
func (p *Provider) UpdateProfile(ctx context.Context, user *barter.Identity, displayName, photoURL string) (*barter.Identity, error) {
	if user == nil {
		return nil, barter.ErrNoActiveSession
	}
	a, err := p.accounts().get(ctx, user.UID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, barter.NewError(barter.KindAuth, "update_profile", barter.ErrCodeInvalidToken, "account no longer exists")
	}
	if displayName != "" {
		a.DisplayName = displayName
	}
	if photoURL != "" {
		a.PhotoURL = photoURL
	}
	if err := p.accounts().save(ctx, a); err != nil {
		return nil, err
	}
	idToken, expiresAt, err := p.issueIDToken(a, user.ProviderID)
	if err != nil {
		return nil, err
	}
	return &barter.Identity{
		UID:          a.UID,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		PhotoURL:     a.PhotoURL,
		ProviderID:   user.ProviderID,
		IDToken:      idToken,
		RefreshToken: user.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh issues a new id token for a live refresh token.  The refresh token is kept.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*barter.Identity, error) {
	if refreshToken == "" {
		return nil, barter.NewError(barter.KindAuth, "refresh", barter.ErrCodeInvalidToken, "refresh token required")
	}
	uid, err := p.tokens().refreshTokenUser(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, barter.NewError(barter.KindAuth, "refresh", barter.ErrCodeInvalidToken, "Invalid or expired refresh token")
	}
	a, err := p.accounts().get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, barter.NewError(barter.KindAuth, "refresh", barter.ErrCodeInvalidToken, "account no longer exists")
	}
	providerID := barter.ProviderPassword
	if a.PasswordHash == "" {
		providerID = barter.ProviderGoogle
	}
	idToken, expiresAt, err := p.issueIDToken(a, providerID)
	if err != nil {
		return nil, err
	}
	return &barter.Identity{
		UID:          a.UID,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		PhotoURL:     a.PhotoURL,
		ProviderID:   providerID,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// SignOut revokes the refresh token of user.  Signing out with no user is a no-op.
func (p *Provider) SignOut(ctx context.Context, user *barter.Identity) error {
	if user == nil || user.RefreshToken == "" {
		return nil
	}
	return p.tokens().revokeRefreshToken(ctx, user.RefreshToken)
}

// issue mints the id and refresh tokens of a successful sign-in.
func (p *Provider) issue(ctx context.Context, a *account, providerID string) (*barter.Identity, error) {
	idToken, expiresAt, err := p.issueIDToken(a, providerID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := p.tokens().createRefreshToken(ctx, a.UID, p.refreshTokenTTL())
	if err != nil {
		return nil, err
	}
	return &barter.Identity{
		UID:          a.UID,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		PhotoURL:     a.PhotoURL,
		ProviderID:   providerID,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func invalidCredentials() error {
	return &barter.Error{Kind: barter.KindAuth, Op: "signin", Code: barter.ErrCodeInvalidCreds, Field: "password", Message: "Invalid credentials"}
}
