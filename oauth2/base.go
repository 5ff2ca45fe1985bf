// Package oauth2 runs the Google OAuth authorization code flow and turns its result into a
// barter.IdPCredential: a redirect flow for the HTTP gateway and a loopback flow for the CLI.
package oauth2

import (
	"net/http"
	"os"

	"github.com/panyam/barter"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleScopes are the scopes requested from Google; openid makes the token response carry
// an id token.
var GoogleScopes = []string{"openid", "email", "profile"}

// HandleCredentialFunc receives the credential of a completed provider sign-in and writes
// the response.
type HandleCredentialFunc func(cred barter.IdPCredential, w http.ResponseWriter, r *http.Request)

type BaseOAuth2 struct {
	ClientId         string
	ClientSecret     string
	CallbackURL      string
	HandleCredential HandleCredentialFunc

	// Where failed callbacks are redirected
	FailureURL string

	oauthConfig oauth2.Config
	httpClient  *http.Client
	mux         *http.ServeMux
}

func NewBaseOAuth2(clientId string, clientSecret string, callbackUrl string) *BaseOAuth2 {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_CALLBACK_URL")
	}
	out := &BaseOAuth2{
		ClientId:     clientId,
		ClientSecret: clientSecret,
		CallbackURL:  callbackUrl,
		mux:          http.NewServeMux(),
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       GoogleScopes,
			Endpoint:     google.Endpoint,
		},
	}
	out.mux.HandleFunc("/", OauthRedirector(&out.oauthConfig))
	return out
}

// Handler serves the redirect at "/" and the provider callback at "/callback/".  Mount it
// under a prefix with http.StripPrefix.
func (b *BaseOAuth2) Handler() http.Handler {
	return b.mux
}

// SetOAuthEndpoint replaces the provider endpoints, e.g. with a mock server
func (b *BaseOAuth2) SetOAuthEndpoint(endpoint oauth2.Endpoint) {
	b.oauthConfig.Endpoint = endpoint
}

// SetHTTPClient sets the client used for the code exchange
func (b *BaseOAuth2) SetHTTPClient(client *http.Client) {
	b.httpClient = client
}

// Config returns a copy of the OAuth client configuration
func (b *BaseOAuth2) Config() oauth2.Config {
	return b.oauthConfig
}

func (b *BaseOAuth2) failureURL() string {
	if b.FailureURL != "" {
		return b.FailureURL
	}
	return "/auth/google/fail/"
}
