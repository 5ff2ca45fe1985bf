package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/panyam/barter"
	"golang.org/x/oauth2"
)

// GoogleOAuth2 is the browser redirect flow for Google sign-in
type GoogleOAuth2 struct {
	*BaseOAuth2
}

func NewGoogleOAuth2(clientId string, clientSecret string, callbackUrl string, handle HandleCredentialFunc) *GoogleOAuth2 {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL")
	}

	out := GoogleOAuth2{
		BaseOAuth2: NewBaseOAuth2(clientId, clientSecret, callbackUrl),
	}
	out.HandleCredential = handle
	out.mux.HandleFunc("/callback/", out.handleCallback)
	return &out
}

func (g *GoogleOAuth2) handleCallback(w http.ResponseWriter, r *http.Request) {
	oauthState, _ := r.Cookie("oauthstate")
	if oauthState == nil {
		slog.Warn("oauth state cookie missing")
		http.Error(w, "OauthState is nil", http.StatusBadRequest)
		return
	}
	if r.FormValue("state") != oauthState.Value {
		http.SetCookie(w, &http.Cookie{
			Name:   "oauthstate",
			MaxAge: -1,
		})
		http.Error(w, fmt.Sprintf("invalid oauth google state: %s", r.FormValue("state")), http.StatusBadRequest)
		return
	}

	cred, err := g.exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		slog.Error("google sign-in failed, redirecting", "error", err)
		http.Redirect(w, r, g.failureURL(), http.StatusTemporaryRedirect)
		return
	}
	g.HandleCredential(cred, w, r)
}

// exchange trades an authorization code for a Google credential
func (g *GoogleOAuth2) exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (barter.IdPCredential, error) {
	if code == "" {
		return barter.IdPCredential{}, errors.New("authorization code missing")
	}
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	token, err := g.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return barter.IdPCredential{}, fmt.Errorf("code exchange failed: %w", err)
	}
	idToken, accessToken := credentialFromToken(token)
	if idToken == "" && accessToken == "" {
		return barter.IdPCredential{}, errors.New("token response carried no credential")
	}
	return barter.IdPCredential{ProviderID: barter.ProviderGoogle, IDToken: idToken, AccessToken: accessToken}, nil
}
