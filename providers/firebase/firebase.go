// Package firebase is a barter.AuthProvider backed by Firebase Authentication through the
// Identity Toolkit REST API.  Tokens are refreshed against the Secure Token service.
package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/panyam/barter"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// DefaultTokenURL is the Secure Token endpoint exchanging refresh tokens for id tokens
const DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"

// Config configures a Provider
type Config struct {
	// Web API key of the Firebase project
	APIKey string

	// Identity Toolkit base URL override, e.g. the Auth emulator.  Must end in "/".
	Endpoint string

	// Secure Token URL override
	TokenURL string

	// Redirect URI reported for IdP assertions
	RequestURI string

	Logger *slog.Logger
}

// Provider implements barter.AuthProvider against Firebase Auth
type Provider struct {
	svc        *identitytoolkit.Service
	apiKey     string
	tokenURL   string
	requestURI string
	logger     *slog.Logger
}

var _ barter.AuthProvider = (*Provider)(nil)

// NewProvider creates the Identity Toolkit client
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("firebase: API key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: failed to create identity toolkit client: %w", err)
	}
	p := &Provider{
		svc:        svc,
		apiKey:     cfg.APIKey,
		tokenURL:   cfg.TokenURL,
		requestURI: cfg.RequestURI,
		logger:     cfg.Logger,
	}
	if p.tokenURL == "" {
		p.tokenURL = DefaultTokenURL
	}
	if p.requestURI == "" {
		p.requestURI = "http://localhost"
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (*barter.Identity, error) {
	resp, err := p.svc.Relyingparty.SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{
		Email:    email,
		Password: password,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError("signup", err)
	}
	return &barter.Identity{
		UID:          resp.LocalId,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		ProviderID:   barter.ProviderPassword,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiry(resp.ExpiresIn),
	}, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*barter.Identity, error) {
	resp, err := p.svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError("signin", err)
	}
	return &barter.Identity{
		UID:          resp.LocalId,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		PhotoURL:     resp.PhotoUrl,
		ProviderID:   barter.ProviderPassword,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiry(resp.ExpiresIn),
	}, nil
}

// SignInWithIdP exchanges an external provider credential (a Google id or access token) for a
// Firebase session.  Firebase links it to an existing account with the same verified email.
func (p *Provider) SignInWithIdP(ctx context.Context, cred barter.IdPCredential) (*barter.Identity, error) {
	if cred.IDToken == "" && cred.AccessToken == "" {
		return nil, barter.NewFieldError("signin", barter.ErrCodeMissingField, "An id token or access token is required", "idToken")
	}
	providerID := cred.ProviderID
	if providerID == "" {
		providerID = barter.ProviderGoogle
	}
	body := url.Values{"providerId": {providerID}}
	if cred.IDToken != "" {
		body.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		body.Set("access_token", cred.AccessToken)
	}
	resp, err := p.svc.Relyingparty.VerifyAssertion(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyAssertionRequest{
		PostBody:          body.Encode(),
		RequestUri:        p.requestURI,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError("signin", err)
	}
	if resp.ErrorMessage != "" {
		return nil, &barter.Error{Kind: barter.KindAuth, Op: "signin", Code: barter.ErrCodeInvalidToken, Message: resp.ErrorMessage}
	}
	if resp.ProviderId != "" {
		providerID = resp.ProviderId
	}
	return &barter.Identity{
		UID:          resp.LocalId,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		PhotoURL:     resp.PhotoUrl,
		ProviderID:   providerID,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiry(resp.ExpiresIn),
	}, nil
}

// SendPasswordReset asks Firebase to email a reset link
func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	_, err := p.svc.Relyingparty.GetOobConfirmationCode(&identitytoolkit.Relyingparty{
		RequestType: "PASSWORD_RESET",
		Email:       email,
	}).Context(ctx).Do()
	if err != nil {
		return mapError("reset", err)
	}
	return nil
}

// UpdateProfile sets the non-empty display name and photo URL on the account
func (p *Provider) UpdateProfile(ctx context.Context, user *barter.Identity, displayName, photoURL string) (*barter.Identity, error) {
	if user == nil || user.IDToken == "" {
		return nil, barter.ErrNoActiveSession
	}
	resp, err := p.svc.Relyingparty.SetAccountInfo(&identitytoolkit.IdentitytoolkitRelyingpartySetAccountInfoRequest{
		IdToken:           user.IDToken,
		DisplayName:       displayName,
		PhotoUrl:          photoURL,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError("update_profile", err)
	}
	out := *user
	if resp.DisplayName != "" {
		out.DisplayName = resp.DisplayName
	}
	if resp.PhotoUrl != "" {
		out.PhotoURL = resp.PhotoUrl
	}
	if resp.IdToken != "" {
		out.IDToken = resp.IdToken
		out.ExpiresAt = expiry(resp.ExpiresIn)
	}
	if resp.RefreshToken != "" {
		out.RefreshToken = resp.RefreshToken
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new id token, then loads the account details
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*barter.Identity, error) {
	if refreshToken == "" {
		return nil, barter.NewError(barter.KindAuth, "refresh", barter.ErrCodeInvalidToken, "No refresh token")
	}
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL + "?key=" + url.QueryEscape(p.apiKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapError("refresh", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	uid, _ := tok.Extra("user_id").(string)
	id := &barter.Identity{
		UID:          uid,
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if id.RefreshToken == "" {
		id.RefreshToken = refreshToken
	}

	info, err := p.svc.Relyingparty.GetAccountInfo(&identitytoolkit.IdentitytoolkitRelyingpartyGetAccountInfoRequest{
		IdToken: idToken,
	}).Context(ctx).Do()
	if err != nil {
		// the caller still has valid tokens; profile fields are merged from the previous identity
		p.logger.Warn("firebase: failed to load account info after refresh", "uid", uid, "error", err)
		return id, nil
	}
	if len(info.Users) > 0 {
		u := info.Users[0]
		id.Email = u.Email
		id.DisplayName = u.DisplayName
		id.PhotoURL = u.PhotoUrl
		if id.UID == "" {
			id.UID = u.LocalId
		}
	}
	return id, nil
}

// SignOut has nothing to revoke: Firebase sessions end when the client drops its tokens.
func (p *Provider) SignOut(ctx context.Context, user *barter.Identity) error {
	return nil
}

func expiry(expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}

// mapError turns Identity Toolkit and Secure Token failures into barter errors.  Firebase
// reports the reason as the error message, optionally followed by " : detail".
func mapError(op string, err error) error {
	var gerr *googleapi.Error
	var rerr *oauth2.RetrieveError
	var code string
	var status int
	switch {
	case errors.As(err, &gerr):
		code, status = gerr.Message, gerr.Code
	case errors.As(err, &rerr):
		code = rerr.ErrorCode
		if code == "" {
			code = reasonFromBody(rerr.Body)
		}
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
	default:
		return &barter.Error{Kind: barter.KindTransport, Op: op, Message: err.Error(), Err: err}
	}
	reason, _, _ := strings.Cut(code, " ")
	reason = strings.TrimSpace(reason)

	e := &barter.Error{Op: op, Err: err}
	switch reason {
	case "EMAIL_EXISTS":
		e.Kind, e.Code, e.Field, e.Message = barter.KindValidation, barter.ErrCodeEmailExists, "email", "Email already registered"
	case "INVALID_EMAIL":
		e.Kind, e.Code, e.Field, e.Message = barter.KindValidation, barter.ErrCodeInvalidEmail, "email", "Invalid email format"
	case "WEAK_PASSWORD":
		e.Kind, e.Code, e.Field, e.Message = barter.KindValidation, barter.ErrCodeWeakPassword, "password", "Password should be at least 6 characters"
	case "MISSING_EMAIL":
		e.Kind, e.Code, e.Field, e.Message = barter.KindValidation, barter.ErrCodeMissingField, "email", "Email is required"
	case "MISSING_PASSWORD":
		e.Kind, e.Code, e.Field, e.Message = barter.KindValidation, barter.ErrCodeMissingField, "password", "Password is required"
	case "EMAIL_NOT_FOUND":
		if op == "reset" {
			e.Kind, e.Code, e.Field, e.Message = barter.KindNotFound, "", "email", "No account for this email"
			break
		}
		e.Kind, e.Code, e.Message = barter.KindAuth, barter.ErrCodeInvalidCreds, "Invalid credentials"
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED":
		e.Kind, e.Code, e.Message = barter.KindAuth, barter.ErrCodeInvalidCreds, "Invalid credentials"
	case "INVALID_ID_TOKEN", "TOKEN_EXPIRED", "USER_NOT_FOUND", "INVALID_REFRESH_TOKEN",
		"CREDENTIAL_TOO_OLD_LOGIN_AGAIN", "INVALID_IDP_RESPONSE", "invalid_grant":
		e.Kind, e.Code, e.Message = barter.KindAuth, barter.ErrCodeInvalidToken, "Session expired, sign in again"
	default:
		if status >= 400 && status < 500 && status != 403 && status != 429 {
			e.Kind, e.Message = barter.KindAuth, reason
		} else {
			e.Kind, e.Message = barter.KindTransport, err.Error()
		}
	}
	return e
}

// reasonFromBody reads the Secure Token error envelope {"error": {"message": "..."}}
func reasonFromBody(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	return env.Error.Message
}
