package local

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/barter"
)

// Collections owned by the local provider
const (
	CollectionAccounts      = "accounts"
	CollectionIdentities    = "identities"
	CollectionAuthTokens    = "authTokens"
	CollectionRefreshTokens = "refreshTokens"
)

// TokenType represents different types of auth tokens
type TokenType string

const (
	TokenTypePasswordReset TokenType = "password_reset"
)

// Default token expiry durations
const (
	TokenExpiryPasswordReset = 1 * time.Hour
	TokenExpiryIDToken       = 1 * time.Hour
	TokenExpiryRefreshToken  = 30 * 24 * time.Hour
)

// AuthToken is a single use password reset token
type AuthToken struct {
	Token     string
	Type      TokenType
	UserID    string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if a token has expired
func (t *AuthToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsValid checks if a token is valid (not expired and matches type)
func (t *AuthToken) IsValid(expectedType TokenType) bool {
	return t.Type == expectedType && !t.IsExpired()
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashToken is the storage key of a refresh token; raw tokens are never stored.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokenStore keeps reset and refresh tokens as documents.
type tokenStore struct {
	docs *barter.DocStore
}

func (s tokenStore) createToken(ctx context.Context, userID, email string, tokenType TokenType, expiry time.Duration) (*AuthToken, error) {
	token, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &AuthToken{Token: token, Type: tokenType, UserID: userID, Email: email, CreatedAt: now, ExpiresAt: now.Add(expiry)}
	_, err = s.docs.Create(ctx, CollectionAuthTokens, map[string]any{
		"type":      string(tokenType),
		"userId":    userID,
		"email":     email,
		"expiresAt": t.ExpiresAt,
	}, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return t, nil
}

// getToken returns nil, nil for an unknown token.
func (s tokenStore) getToken(ctx context.Context, token string) (*AuthToken, error) {
	doc, err := s.docs.Get(ctx, CollectionAuthTokens, hashToken(token))
	if err != nil || doc == nil {
		return nil, err
	}
	return &AuthToken{
		Token:     token,
		Type:      TokenType(stringField(doc, "type")),
		UserID:    stringField(doc, "userId"),
		Email:     stringField(doc, "email"),
		CreatedAt: doc.CreatedAt,
		ExpiresAt: timeField(doc, "expiresAt"),
	}, nil
}

func (s tokenStore) deleteToken(ctx context.Context, token string) error {
	return s.docs.Delete(ctx, CollectionAuthTokens, hashToken(token))
}

func (s tokenStore) createRefreshToken(ctx context.Context, userID string, expiry time.Duration) (string, error) {
	token, err := GenerateSecureToken()
	if err != nil {
		return "", err
	}
	_, err = s.docs.Create(ctx, CollectionRefreshTokens, map[string]any{
		"userId":    userID,
		"expiresAt": time.Now().Add(expiry),
	}, hashToken(token))
	if err != nil {
		return "", fmt.Errorf("failed to save refresh token: %w", err)
	}
	return token, nil
}

// refreshTokenUser returns the owner of a live refresh token, "" when unknown or expired.
func (s tokenStore) refreshTokenUser(ctx context.Context, token string) (string, error) {
	doc, err := s.docs.Get(ctx, CollectionRefreshTokens, hashToken(token))
	if err != nil || doc == nil {
		return "", err
	}
	if exp := timeField(doc, "expiresAt"); !exp.IsZero() && time.Now().After(exp) {
		return "", nil
	}
	return stringField(doc, "userId"), nil
}

func (s tokenStore) revokeRefreshToken(ctx context.Context, token string) error {
	return s.docs.Delete(ctx, CollectionRefreshTokens, hashToken(token))
}

// revokeUserTokens removes every refresh token of a user.
func (s tokenStore) revokeUserTokens(ctx context.Context, userID string) error {
	docs, err := s.docs.Query(ctx, CollectionRefreshTokens,
		[]barter.Condition{barter.Where("userId", barter.OpEqual, userID)},
		barter.OrderBy("", ""), barter.Limit(0))
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := s.docs.Delete(ctx, CollectionRefreshTokens, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// Claims are the claims of an id token issued by Provider.
type Claims struct {
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Picture        string `json:"picture,omitempty"`
	SignInProvider string `json:"sign_in_provider,omitempty"`
	jwt.RegisteredClaims
}

func (p *Provider) issueIDToken(a *account, signInProvider string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(p.idTokenTTL())
	claims := Claims{
		Email:          a.Email,
		Name:           a.DisplayName,
		Picture:        a.PhotoURL,
		SignInProvider: signInProvider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UID,
			Issuer:    p.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.JWTSecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyIDToken validates an id token issued by this provider and returns its claims.
func (p *Provider) VerifyIDToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(p.JWTSecretKey), nil
	}, opts...)
	if err != nil {
		return nil, barter.NewError(barter.KindAuth, "verify", barter.ErrCodeInvalidToken, err.Error())
	}
	if !token.Valid || claims.Subject == "" {
		return nil, barter.NewError(barter.KindAuth, "verify", barter.ErrCodeInvalidToken, "invalid token")
	}
	return claims, nil
}

func stringField(doc *barter.Document, name string) string {
	v, _ := doc.Data[name].(string)
	return v
}

// timeField reads a time attribute, accepting the forms the backends hand back.
func timeField(doc *barter.Document, name string) time.Time {
	switch v := doc.Data[name].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
