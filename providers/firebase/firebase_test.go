package firebase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/panyam/barter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolkit mimics the Identity Toolkit and Secure Token endpoints
type fakeToolkit struct {
	users    map[string]string // email -> password
	requests []string
}

func (f *fakeToolkit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	f.requests = append(f.requests, name)

	if name == "token" {
		r.ParseForm()
		if r.PostForm.Get("refresh_token") != "rt-good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"TOKEN_EXPIRED","status":"INVALID_ARGUMENT"}}`))
			return
		}
		writeJSON(w, map[string]any{
			"access_token":  "id-2",
			"id_token":      "id-2",
			"refresh_token": "rt-2",
			"expires_in":    "3600",
			"token_type":    "Bearer",
			"user_id":       "uid-1",
		})
		return
	}

	var req map[string]any
	json.NewDecoder(r.Body).Decode(&req)
	email, _ := req["email"].(string)

	switch name {
	case "signupNewUser":
		if _, ok := f.users[email]; ok {
			writeError(w, "EMAIL_EXISTS")
			return
		}
		if pw, _ := req["password"].(string); len(pw) < 6 {
			writeError(w, "WEAK_PASSWORD : Password should be at least 6 characters")
			return
		}
		f.users[email] = req["password"].(string)
		writeJSON(w, map[string]any{"localId": "uid-1", "email": email, "idToken": "id-1", "refreshToken": "rt-1", "expiresIn": "3600"})
	case "verifyPassword":
		if pw, ok := f.users[email]; !ok || pw != req["password"] {
			writeError(w, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		writeJSON(w, map[string]any{"localId": "uid-1", "email": email, "idToken": "id-1", "refreshToken": "rt-1", "expiresIn": "3600", "registered": true})
	case "getOobConfirmationCode":
		if _, ok := f.users[email]; !ok {
			writeError(w, "EMAIL_NOT_FOUND")
			return
		}
		writeJSON(w, map[string]any{"email": email})
	case "setAccountInfo":
		writeJSON(w, map[string]any{"localId": "uid-1", "displayName": req["displayName"], "idToken": "id-3", "refreshToken": "rt-3", "expiresIn": "3600"})
	case "verifyAssertion":
		body, _ := req["postBody"].(string)
		if !strings.Contains(body, "id_token=google-token") {
			writeError(w, "INVALID_IDP_RESPONSE")
			return
		}
		writeJSON(w, map[string]any{"localId": "uid-g", "email": "g@example.com", "displayName": "Gee", "providerId": "google.com", "idToken": "id-g", "refreshToken": "rt-g", "expiresIn": "3600"})
	case "getAccountInfo":
		writeJSON(w, map[string]any{"users": []map[string]any{{"localId": "uid-1", "email": "alice@example.com", "displayName": "Alice"}}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 400, "message": message}})
}

func newTestProvider(t *testing.T) (*Provider, *fakeToolkit) {
	t.Helper()
	fake := &fakeToolkit{users: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewProvider(context.Background(), Config{
		APIKey:   "test-key",
		Endpoint: srv.URL + "/",
		TokenURL: srv.URL + "/token",
	})
	require.NoError(t, err)
	return p, fake
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{})
	assert.Error(t, err)
}

func TestSignUpAndSignIn(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	id, err := p.SignUp(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", id.UID)
	assert.Equal(t, "id-1", id.IDToken)
	assert.Equal(t, barter.ProviderPassword, id.ProviderID)
	assert.False(t, id.ExpiresAt.IsZero())

	_, err = p.SignUp(ctx, "alice@example.com", "secret123")
	require.Error(t, err)
	assert.Equal(t, barter.KindValidation, barter.KindOf(err))
	assert.ErrorIs(t, err, &barter.Error{Kind: barter.KindValidation, Code: barter.ErrCodeEmailExists})

	_, err = p.SignUp(ctx, "bob@example.com", "abc")
	assert.ErrorIs(t, err, &barter.Error{Kind: barter.KindValidation, Code: barter.ErrCodeWeakPassword})

	id, err = p.SignIn(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.Email)

	_, err = p.SignIn(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, &barter.Error{Kind: barter.KindAuth, Code: barter.ErrCodeInvalidCreds})
}

func TestSendPasswordReset(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()
	fake.users["alice@example.com"] = "secret123"

	require.NoError(t, p.SendPasswordReset(ctx, "alice@example.com"))
	err := p.SendPasswordReset(ctx, "nobody@example.com")
	assert.Equal(t, barter.KindNotFound, barter.KindOf(err))
}

func TestSignInWithIdP(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	id, err := p.SignInWithIdP(ctx, barter.IdPCredential{ProviderID: barter.ProviderGoogle, IDToken: "google-token"})
	require.NoError(t, err)
	assert.Equal(t, "uid-g", id.UID)
	assert.Equal(t, barter.ProviderGoogle, id.ProviderID)
	assert.Equal(t, "Gee", id.DisplayName)

	_, err = p.SignInWithIdP(ctx, barter.IdPCredential{IDToken: "forged"})
	assert.Equal(t, barter.KindAuth, barter.KindOf(err))

	_, err = p.SignInWithIdP(ctx, barter.IdPCredential{})
	assert.Equal(t, barter.KindValidation, barter.KindOf(err))
}

func TestUpdateProfile(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.UpdateProfile(ctx, nil, "Alice", "")
	assert.ErrorIs(t, err, barter.ErrNoActiveSession)

	user := &barter.Identity{UID: "uid-1", Email: "alice@example.com", IDToken: "id-1", RefreshToken: "rt-1"}
	out, err := p.UpdateProfile(ctx, user, "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", out.DisplayName)
	assert.Equal(t, "alice@example.com", out.Email)
	assert.Equal(t, "id-3", out.IDToken)
	assert.Equal(t, "", user.DisplayName, "input is not mutated")
}

func TestRefresh(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	id, err := p.Refresh(ctx, "rt-good")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", id.UID)
	assert.Equal(t, "id-2", id.IDToken)
	assert.Equal(t, "rt-2", id.RefreshToken)
	assert.Equal(t, "alice@example.com", id.Email)
	assert.Equal(t, "Alice", id.DisplayName)

	_, err = p.Refresh(ctx, "rt-expired")
	require.Error(t, err)
	assert.Equal(t, barter.KindAuth, barter.KindOf(err))

	_, err = p.Refresh(ctx, "")
	assert.Equal(t, barter.KindAuth, barter.KindOf(err))
}

func TestTransportFailure(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{APIKey: "k", Endpoint: "http://127.0.0.1:1/"})
	require.NoError(t, err)
	_, err = p.SignIn(context.Background(), "a@example.com", "secret123")
	assert.Equal(t, barter.KindTransport, barter.KindOf(err))
}

func TestSignOutIsLocal(t *testing.T) {
	p, fake := newTestProvider(t)
	require.NoError(t, p.SignOut(context.Background(), &barter.Identity{UID: "uid-1"}))
	assert.Empty(t, fake.requests)
}
