package barter

import (
	"context"
	"log/slog"
	"sync"
)

// Status of a Session
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// Result is the uniform outcome of a session operation that yields no user.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AuthResult is the uniform outcome of a sign-in style operation.
type AuthResult struct {
	Success bool      `json:"success"`
	User    *Identity `json:"user,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// State is a snapshot of a Session.
type State struct {
	User      *Identity `json:"user"`
	Profile   *Profile  `json:"profile"`
	Status    Status    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
}

// Session reconciles authentication state with the users collection: every identity that
// signs in, by any path, ends up with exactly one profile document.
//
// Explicit operations and the asynchronous auth state stream both reconcile.  They are
// serialized by opMu, which explicit operations hold until they return, so an auth event
// caused by an explicit sign-up finds the profile the sign-up created and never replaces it
// with defaults.  Sessions sharing a DocStore create profiles through CreateIfAbsent, so a
// sign-in in one session cannot overwrite the profile a sign-up in another is writing.
type Session struct {
	identity *IdentityService
	store    *DocStore
	logger   *slog.Logger

	opMu sync.Mutex

	mu        sync.RWMutex
	user      *Identity
	profile   *Profile
	status    Status
	lastError string

	changes *broadcaster[State]
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   Unsubscribe
	started bool
	closed  bool
}

// NewSession creates a Session in the initializing state.  Call Start to attach it to the
// auth state stream.
func NewSession(identity *IdentityService, store *DocStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		identity: identity,
		store:    store,
		logger:   logger,
		status:   StatusInitializing,
		changes:  newBroadcaster[State](),
	}
}

// Start restores a saved sign-in, if any, then subscribes to auth state changes.  The status
// stays initializing until the restored state has been reconciled.  Events are reconciled
// with ctx until Close.  A failed restore still leaves the session attached.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	err := s.identity.Restore(ctx)
	if err != nil {
		s.logger.Warn("error restoring session", "error", err)
	}

	unsub := s.identity.OnAuthStateChanged(s.onAuthState)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return err
	}
	s.unsub = unsub
	s.mu.Unlock()
	return err
}

// Close detaches from the auth state stream and drops change subscribers.
func (s *Session) Close() {
	s.mu.Lock()
	unsub, cancel := s.unsub, s.cancel
	s.unsub, s.cancel = nil, nil
	s.started, s.closed = true, true
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.changes.close()
}

// SignUp creates an account, names it after data.FullName and creates its profile from data.
func (s *Session) SignUp(ctx context.Context, email, password string, data SignupData) AuthResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	id, err := s.identity.SignUp(ctx, email, password)
	if err != nil {
		return s.failAuth("sign up", err)
	}
	if data.FullName != "" {
		if err := s.identity.UpdateProfile(ctx, data.FullName, ""); err != nil {
			s.logger.Warn("error setting display name", "uid", id.UID, "error", err)
		} else if cur := s.identity.CurrentUser(); cur != nil && cur.UID == id.UID {
			id = cur
		}
	}
	s.reconcile(ctx, id, data)
	return s.okAuth(id)
}

// SignIn signs in with email and password.
func (s *Session) SignIn(ctx context.Context, email, password string) AuthResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	id, err := s.identity.SignIn(ctx, email, password)
	if err != nil {
		return s.failAuth("sign in", err)
	}
	s.reconcile(ctx, id, SignupData{})
	return s.okAuth(id)
}

// SignInWithGoogle runs the interactive Google flow.
func (s *Session) SignInWithGoogle(ctx context.Context) AuthResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	id, err := s.identity.SignInWithGoogle(ctx)
	if err != nil {
		return s.failAuth("Google sign in", err)
	}
	s.reconcile(ctx, id, SignupData{})
	return s.okAuth(id)
}

// SignInWithCredential completes a sign-in obtained by a redirect flow.
func (s *Session) SignInWithCredential(ctx context.Context, cred IdPCredential) AuthResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	id, err := s.identity.SignInWithCredential(ctx, cred)
	if err != nil {
		return s.failAuth("sign in", err)
	}
	s.reconcile(ctx, id, SignupData{})
	return s.okAuth(id)
}

// ResetPassword sends a password reset email.
func (s *Session) ResetPassword(ctx context.Context, email string) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	if err := s.identity.SendPasswordReset(ctx, email); err != nil {
		return s.fail("password reset", err)
	}
	s.ready()
	return Result{Success: true}
}

// SignOut signs out.  Identity and profile are cleared only when the provider accepts.
func (s *Session) SignOut(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	if err := s.identity.SignOut(ctx); err != nil {
		return s.fail("sign out", err)
	}
	s.mu.Lock()
	s.user, s.profile = nil, nil
	s.mu.Unlock()
	s.ready()
	return Result{Success: true}
}

// UpdateProfile merges fields into the signed-in user's profile document and, on success, into
// the in-memory profile.  Without a signed-in user nothing is written.
func (s *Session) UpdateProfile(ctx context.Context, fields map[string]any) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.begin()

	s.mu.RLock()
	user := s.user
	s.mu.RUnlock()
	if user == nil {
		return s.fail("profile update", ErrNoActiveSession)
	}
	if err := s.store.Update(ctx, CollectionUsers, user.UID, fields); err != nil {
		return s.fail("profile update", err)
	}
	s.mu.Lock()
	if s.profile != nil && s.user != nil && s.user.UID == user.UID {
		p := s.profile.Clone()
		p.Apply(stripReserved(fields))
		s.profile = p
	}
	s.mu.Unlock()
	s.ready()
	return Result{Success: true, ID: user.UID}
}

// State returns a snapshot.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// User returns the signed-in identity, nil when signed out.
func (s *Session) User() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.clone()
}

// Profile returns the signed-in user's profile.  It can be nil while signed in if creating
// the profile failed.
func (s *Session) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the message of the last failed operation, empty after a success.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// OnChange registers fn for state changes.  fn receives the current state first.
func (s *Session) OnChange(fn func(State)) Unsubscribe {
	return s.changes.subscribe(fn)
}

// Identity returns the identity service the session reconciles.
func (s *Session) Identity() *IdentityService { return s.identity }

// Store returns the document accessor the session writes profiles through.
func (s *Session) Store() *DocStore { return s.store }

// onAuthState is the asynchronous reconciliation path.
func (s *Session) onAuthState(id *Identity) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// A newer state exists; its own event follows.
	cur := s.identity.CurrentUser()
	if !sameUID(cur, id) {
		return
	}
	id = cur

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if id == nil {
		s.mu.Lock()
		s.user, s.profile, s.lastError = nil, nil, ""
		s.status = StatusReady
		st := s.snapshot()
		s.mu.Unlock()
		s.changes.publish(st)
		return
	}
	s.reconcile(ctx, id, SignupData{})
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
	s.ready()
}

// reconcile loads the profile of id, creating it from defaults and extra when absent, and
// installs both on the session.  Failures are logged; the session continues without a profile.
func (s *Session) reconcile(ctx context.Context, id *Identity, extra SignupData) {
	profile, err := s.ensureProfile(ctx, id, extra)
	if err != nil {
		s.logger.Error("error reconciling user profile", "uid", id.UID, "error", err)
	}
	s.mu.Lock()
	s.user = id.clone()
	s.profile = profile
	s.mu.Unlock()
}

func (s *Session) ensureProfile(ctx context.Context, id *Identity, extra SignupData) (*Profile, error) {
	s.mu.RLock()
	if s.profile != nil && s.profile.UID == id.UID {
		p := s.profile
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	p := NewProfile(id, extra)
	doc, created, err := s.store.CreateIfAbsent(ctx, CollectionUsers, id.UID, p.ToData())
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("created user profile", "uid", id.UID, "username", p.Username)
		return ProfileFromDocument(doc), nil
	}

	// Another session created the profile first, from defaults.  A sign-up still fills in
	// the details it was given where that profile has none.
	existing := ProfileFromDocument(doc)
	if patch := signupPatch(existing, extra); len(patch) > 0 {
		if err := s.store.Update(ctx, CollectionUsers, id.UID, patch); err != nil {
			s.logger.Warn("error adding sign-up details", "uid", id.UID, "error", err)
		} else {
			existing.Apply(patch)
		}
	}
	return existing, nil
}

// signupPatch returns the sign-up details that p is still missing.
func signupPatch(p *Profile, extra SignupData) map[string]any {
	patch := map[string]any{}
	if p.FullName == "" && extra.FullName != "" {
		patch["fullName"] = extra.FullName
	}
	if p.PhoneNumber == "" && extra.PhoneNumber != "" {
		patch["phoneNumber"] = extra.PhoneNumber
	}
	if p.RegistrationNo == "" && extra.RegistrationNo != "" {
		patch["registrationNo"] = extra.RegistrationNo
	}
	return patch
}

func (s *Session) begin() {
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Session) ready() {
	s.mu.Lock()
	s.status = StatusReady
	st := s.snapshot()
	s.mu.Unlock()
	s.changes.publish(st)
}

func (s *Session) fail(what string, err error) Result {
	msg := Message(err)
	s.logger.Warn(what+" failed", "error", err)
	s.mu.Lock()
	s.status = StatusError
	s.lastError = msg
	st := s.snapshot()
	s.mu.Unlock()
	s.changes.publish(st)
	return Result{Success: false, Error: msg}
}

func (s *Session) failAuth(what string, err error) AuthResult {
	r := s.fail(what, err)
	return AuthResult{Success: false, Error: r.Error}
}

func (s *Session) okAuth(id *Identity) AuthResult {
	s.ready()
	return AuthResult{Success: true, User: id.Public()}
}

// snapshot must be called with mu held.
func (s *Session) snapshot() State {
	return State{User: s.user.Public(), Profile: s.profile.Clone(), Status: s.status, LastError: s.lastError}
}

func sameUID(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UID == b.UID
}
