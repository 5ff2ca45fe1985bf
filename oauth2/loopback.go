package oauth2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/panyam/barter"
	"golang.org/x/oauth2"
)

// LoopbackFlow signs in with Google from a command line process: it listens on a loopback
// port, sends the user to the consent page and waits for the redirect back.  PKCE protects
// the code exchange.
type LoopbackFlow struct {
	Google *GoogleOAuth2

	// Address to listen on; defaults to 127.0.0.1:0
	ListenAddr string

	// OpenURL shows the consent page URL.  Defaults to printing it on Out.
	OpenURL func(url string) error
	Out     io.Writer
}

var _ barter.GoogleAuthenticator = (*LoopbackFlow)(nil)

// NewLoopbackFlow creates a loopback flow for a desktop OAuth client
func NewLoopbackFlow(clientId, clientSecret string) *LoopbackFlow {
	return &LoopbackFlow{Google: NewGoogleOAuth2(clientId, clientSecret, "", nil)}
}

type loopbackResult struct {
	code string
	err  error
}

// Authenticate runs one sign-in and returns the Google credential
func (f *LoopbackFlow) Authenticate(ctx context.Context) (barter.IdPCredential, error) {
	addr := f.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return barter.IdPCredential{}, fmt.Errorf("failed to listen for oauth redirect: %w", err)
	}

	conf := f.Google.oauthConfig
	conf.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())
	state := randomState()
	verifier := oauth2.GenerateVerifier()

	results := make(chan loopbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		var res loopbackResult
		switch {
		case r.FormValue("state") != state:
			res.err = errors.New("invalid oauth state")
		case r.FormValue("error") != "":
			res.err = fmt.Errorf("sign-in refused: %s", r.FormValue("error"))
		default:
			res.code = r.FormValue("code")
		}
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, SelectAccount, oauth2.S256ChallengeOption(verifier))
	if err := f.open(authURL); err != nil {
		return barter.IdPCredential{}, err
	}

	select {
	case <-ctx.Done():
		return barter.IdPCredential{}, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return barter.IdPCredential{}, res.err
		}
		g := &GoogleOAuth2{BaseOAuth2: &BaseOAuth2{oauthConfig: conf, httpClient: f.Google.httpClient}}
		cred, err := g.exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			slog.Error("loopback code exchange failed", "error", err)
		}
		return cred, err
	}
}

func (f *LoopbackFlow) open(url string) error {
	if f.OpenURL != nil {
		return f.OpenURL(url)
	}
	out := f.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := fmt.Fprintf(out, "Open this URL in your browser to sign in with Google:\n\n  %s\n\n", url)
	return err
}
