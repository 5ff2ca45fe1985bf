package barter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Provider ids carried on Identity.ProviderID
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google.com"
)

// Identity is an authenticated principal as issued by the identity provider.
type Identity struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	PhotoURL     string    `json:"photoURL,omitempty"`
	ProviderID   string    `json:"providerId,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// Public returns a copy without tokens, safe to hand to browsers.
func (i *Identity) Public() *Identity {
	if i == nil {
		return nil
	}
	return &Identity{UID: i.UID, Email: i.Email, DisplayName: i.DisplayName, PhotoURL: i.PhotoURL, ProviderID: i.ProviderID}
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

// IdPCredential is proof of a sign-in at an external identity provider, e.g. a Google id token
// from the OAuth popup or redirect flow.
type IdPCredential struct {
	ProviderID  string `json:"providerId"`
	IDToken     string `json:"idToken,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// AuthProvider is the identity backend: Firebase Auth, or the self hosted local provider.
// Implementations return *Error values for rejected attempts (KindAuth/KindValidation).
type AuthProvider interface {
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignInWithIdP(ctx context.Context, cred IdPCredential) (*Identity, error)
	SendPasswordReset(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, user *Identity, displayName, photoURL string) (*Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*Identity, error)
	SignOut(ctx context.Context, user *Identity) error
}

// GoogleAuthenticator runs an interactive Google sign-in (browser popup or loopback redirect)
// and returns the resulting credential.
type GoogleAuthenticator interface {
	Authenticate(ctx context.Context) (IdPCredential, error)
}

// CredentialStore persists the signed-in identity so a later process can restore it.
// Load returns nil, nil when nothing is stored.
type CredentialStore interface {
	Load() (*Identity, error)
	Save(id *Identity) error
	Clear() error
}

// AuthStateFunc receives the current identity, nil when signed out.
type AuthStateFunc func(*Identity)

// IdentityService wraps an AuthProvider, tracks the current identity and publishes auth state
// changes.  It is safe for concurrent use.
type IdentityService struct {
	provider AuthProvider
	google   GoogleAuthenticator
	creds    CredentialStore
	logger   *slog.Logger
	observer Observer

	mu      sync.RWMutex
	current *Identity
	events  *broadcaster[*Identity]
}

// IdentityOption configures an IdentityService.
type IdentityOption func(*IdentityService)

// WithGoogleAuthenticator enables SignInWithGoogle.
func WithGoogleAuthenticator(g GoogleAuthenticator) IdentityOption {
	return func(s *IdentityService) { s.google = g }
}

// WithCredentialStore persists sign-ins and enables Restore and WatchCredentials.
func WithCredentialStore(c CredentialStore) IdentityOption {
	return func(s *IdentityService) { s.creds = c }
}

// WithIdentityLogger sets the logger.
func WithIdentityLogger(l *slog.Logger) IdentityOption {
	return func(s *IdentityService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIdentityObserver reports every operation to o.
func WithIdentityObserver(o Observer) IdentityOption {
	return func(s *IdentityService) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewIdentityService creates a service over provider.
func NewIdentityService(provider AuthProvider, opts ...IdentityOption) *IdentityService {
	s := &IdentityService{
		provider: provider,
		logger:   slog.Default(),
		observer: nopObserver{},
		events:   newBroadcaster[*Identity](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignUp creates a password account and signs it in.
func (s *IdentityService) SignUp(ctx context.Context, email, password string) (id *Identity, err error) {
	defer s.observe("signup", time.Now(), &err)
	if err := requireCredentials("signup", email, password); err != nil {
		return nil, err
	}
	id, err = s.provider.SignUp(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, wrapError("signup", err)
	}
	s.signedIn(id)
	return id.clone(), nil
}

// SignIn signs in with email and password.
func (s *IdentityService) SignIn(ctx context.Context, email, password string) (id *Identity, err error) {
	defer s.observe("signin", time.Now(), &err)
	if err := requireCredentials("signin", email, password); err != nil {
		return nil, err
	}
	id, err = s.provider.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, wrapError("signin", err)
	}
	s.signedIn(id)
	return id.clone(), nil
}

// SignInWithGoogle runs the interactive Google flow and signs in with its result.
func (s *IdentityService) SignInWithGoogle(ctx context.Context) (*Identity, error) {
	if s.google == nil {
		return nil, NewError(KindValidation, "google", ErrCodeUnsupported, "Google sign-in is not configured")
	}
	cred, err := s.google.Authenticate(ctx)
	if err != nil {
		s.observer.ObserveAuthOp("google", err, 0)
		return nil, wrapAuthError("google", err)
	}
	return s.SignInWithCredential(ctx, cred)
}

// SignInWithCredential signs in with a credential obtained from an external provider, e.g.
// by a redirect flow completed elsewhere.
func (s *IdentityService) SignInWithCredential(ctx context.Context, cred IdPCredential) (id *Identity, err error) {
	defer s.observe("idp", time.Now(), &err)
	if cred.IDToken == "" && cred.AccessToken == "" {
		return nil, NewFieldError("idp", ErrCodeMissingField, "id token or access token required", "idToken")
	}
	if cred.ProviderID == "" {
		cred.ProviderID = ProviderGoogle
	}
	id, err = s.provider.SignInWithIdP(ctx, cred)
	if err != nil {
		return nil, wrapError("idp", err)
	}
	s.signedIn(id)
	return id.clone(), nil
}

// SendPasswordReset asks the provider to email a reset link.
func (s *IdentityService) SendPasswordReset(ctx context.Context, email string) (err error) {
	defer s.observe("reset", time.Now(), &err)
	if strings.TrimSpace(email) == "" {
		return NewFieldError("reset", ErrCodeMissingField, "email required", "email")
	}
	return wrapError("reset", s.provider.SendPasswordReset(ctx, strings.TrimSpace(email)))
}

// SignOut ends the current session.  On failure the current identity is kept.
func (s *IdentityService) SignOut(ctx context.Context) (err error) {
	defer s.observe("signout", time.Now(), &err)
	cur := s.CurrentUser()
	if err := s.provider.SignOut(ctx, cur); err != nil {
		return wrapError("signout", err)
	}
	if s.creds != nil {
		if err := s.creds.Clear(); err != nil {
			s.logger.Warn("error clearing saved credential", "error", err)
		}
	}
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.events.publish(nil)
	return nil
}

// UpdateProfile sets the provider side display name and photo of the current identity.
// Empty values are left unchanged.
func (s *IdentityService) UpdateProfile(ctx context.Context, displayName, photoURL string) (err error) {
	defer s.observe("update_profile", time.Now(), &err)
	cur := s.CurrentUser()
	if cur == nil {
		return ErrNoActiveSession
	}
	updated, err := s.provider.UpdateProfile(ctx, cur, displayName, photoURL)
	if err != nil {
		return wrapError("update_profile", err)
	}
	s.mu.Lock()
	if s.current != nil && s.current.UID == updated.UID {
		s.current = updated.clone()
	}
	s.mu.Unlock()
	s.persist(updated)
	return nil
}

// Refresh re-issues the current identity's tokens and publishes the refreshed identity.
func (s *IdentityService) Refresh(ctx context.Context) (err error) {
	defer s.observe("refresh", time.Now(), &err)
	cur := s.CurrentUser()
	if cur == nil {
		return ErrNoActiveSession
	}
	id, err := s.provider.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return wrapError("refresh", err)
	}
	s.signedIn(mergeIdentity(id, cur))
	return nil
}

// Restore loads a saved credential, refreshes its tokens and publishes the result.  It always
// publishes, so subscribers waiting for the first auth state are released even when nothing
// was saved.  A rejected refresh clears the saved credential; a transport failure keeps the
// saved identity signed in.
func (s *IdentityService) Restore(ctx context.Context) (err error) {
	defer s.observe("restore", time.Now(), &err)
	if s.creds == nil {
		s.publishCurrent()
		return nil
	}
	saved, err := s.creds.Load()
	if err != nil || saved == nil || saved.RefreshToken == "" {
		if err != nil {
			s.logger.Warn("error loading saved credential", "error", err)
		}
		s.publishCurrent()
		return wrapError("restore", err)
	}
	id, err := s.provider.Refresh(ctx, saved.RefreshToken)
	if err != nil {
		if KindOf(wrapError("restore", err)) == KindAuth {
			s.logger.Info("saved credential rejected, signing out", "uid", saved.UID, "error", err)
			if cerr := s.creds.Clear(); cerr != nil {
				s.logger.Warn("error clearing saved credential", "error", cerr)
			}
			s.publishCurrent()
			return wrapError("restore", err)
		}
		s.logger.Warn("error refreshing saved credential, keeping it", "uid", saved.UID, "error", err)
		s.setCurrent(saved)
		return wrapError("restore", err)
	}
	s.signedIn(mergeIdentity(id, saved))
	return nil
}

// WatchCredentials polls the credential store until ctx is done and publishes sign-outs and
// account switches made by other processes sharing it.
func (s *IdentityService) WatchCredentials(ctx context.Context, interval time.Duration) {
	if s.creds == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		saved, err := s.creds.Load()
		if err != nil {
			s.logger.Warn("error polling saved credential", "error", err)
			continue
		}
		cur := s.CurrentUser()
		switch {
		case saved == nil && cur != nil:
			s.logger.Info("signed out by another process", "uid", cur.UID)
			s.setCurrent(nil)
		case saved != nil && (cur == nil || cur.UID != saved.UID):
			s.logger.Info("signed in by another process", "uid", saved.UID)
			s.setCurrent(saved)
		case saved != nil && cur != nil && saved.RefreshToken != cur.RefreshToken:
			s.mu.Lock()
			s.current = mergeIdentity(saved, cur)
			s.mu.Unlock()
		}
	}
}

// OnAuthStateChanged registers fn for auth state changes.  fn receives the current identity
// (nil when signed out) right away and every change after that, in order, on its own goroutine.
func (s *IdentityService) OnAuthStateChanged(fn AuthStateFunc) Unsubscribe {
	return s.events.subscribeWith(func(id *Identity) { fn(id.clone()) }, s.CurrentUser())
}

// CurrentUser returns a copy of the signed-in identity, nil when signed out.
func (s *IdentityService) CurrentUser() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Close detaches every auth state subscriber.
func (s *IdentityService) Close() {
	s.events.close()
}

func (s *IdentityService) signedIn(id *Identity) {
	s.persist(id)
	s.setCurrent(id)
}

func (s *IdentityService) setCurrent(id *Identity) {
	s.mu.Lock()
	s.current = id.clone()
	s.mu.Unlock()
	s.events.publish(id.clone())
}

func (s *IdentityService) publishCurrent() {
	s.events.publish(s.CurrentUser())
}

func (s *IdentityService) persist(id *Identity) {
	if s.creds == nil || id == nil {
		return
	}
	if err := s.creds.Save(id); err != nil {
		s.logger.Warn("error saving credential", "uid", id.UID, "error", err)
	}
}

func (s *IdentityService) observe(op string, start time.Time, err *error) {
	s.observer.ObserveAuthOp(op, *err, time.Since(start))
}

func requireCredentials(op, email, password string) error {
	if strings.TrimSpace(email) == "" {
		return NewFieldError(op, ErrCodeMissingField, "email required", "email")
	}
	if password == "" {
		return NewFieldError(op, ErrCodeMissingField, "password required", "password")
	}
	return nil
}

// wrapAuthError is wrapError for failures of interactive flows, which are auth rejections
// unless already typed.
func wrapAuthError(op string, err error) error {
	if KindOf(err) != "" {
		return wrapError(op, err)
	}
	return &Error{Kind: KindAuth, Op: op, Message: err.Error(), Err: err}
}

// mergeIdentity fills profile fields the refreshed identity lacks from the previous one.
func mergeIdentity(fresh, prev *Identity) *Identity {
	out := fresh.clone()
	if prev == nil {
		return out
	}
	if out.UID == "" {
		out.UID = prev.UID
	}
	if out.Email == "" {
		out.Email = prev.Email
	}
	if out.DisplayName == "" {
		out.DisplayName = prev.DisplayName
	}
	if out.PhotoURL == "" {
		out.PhotoURL = prev.PhotoURL
	}
	if out.ProviderID == "" {
		out.ProviderID = prev.ProviderID
	}
	if out.RefreshToken == "" {
		out.RefreshToken = prev.RefreshToken
	}
	return out
}
