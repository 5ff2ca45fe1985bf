package barter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memBackend is an in-memory DocumentBackend that counts writes.
type memBackend struct {
	mu     sync.Mutex
	docs   map[string]map[string]*Document
	nextID int
	clock  time.Time
	writes atomic.Int32
	fail   error
}

func newMemBackend() *memBackend {
	return &memBackend{
		docs:  make(map[string]map[string]*Document),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick gives every write a distinct, increasing timestamp
func (m *memBackend) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memBackend) Set(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.writes.Add(1)
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("doc-%03d", m.nextID)
	}
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]*Document)
	}
	now := m.tick()
	m.docs[collection][id] = &Document{ID: id, Data: maps.Clone(data), CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (m *memBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	d, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Data = maps.Clone(d.Data)
	return &cp, nil
}

// slowGetBackend stretches the window between reading a document and acting on the read.
// reads, when set, receives the id of every read without blocking.
type slowGetBackend struct {
	*memBackend
	delay time.Duration
	reads chan string
}

func (b slowGetBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	d, err := b.memBackend.Get(ctx, collection, id)
	select {
	case b.reads <- id:
	default:
	}
	time.Sleep(b.delay)
	return d, err
}

// insertBackend adds Inserter to memBackend.  The first staleGets reads report every document
// missing, as when another process creates it between our read and our write.
type insertBackend struct {
	*memBackend
	staleGets atomic.Int32
	inserts   atomic.Int32
}

func (b *insertBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	if b.staleGets.Add(-1) >= 0 {
		return nil, ErrNotFound
	}
	return b.memBackend.Get(ctx, collection, id)
}

func (b *insertBackend) Insert(ctx context.Context, collection, id string, data map[string]any) error {
	b.inserts.Add(1)
	b.mu.Lock()
	_, taken := b.docs[collection][id]
	b.mu.Unlock()
	if taken {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	_, err := b.Set(ctx, collection, id, data)
	return err
}

func (m *memBackend) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	d, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	m.writes.Add(1)
	maps.Copy(d.Data, patch)
	d.UpdatedAt = m.tick()
	return nil
}

func (m *memBackend) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes.Add(1)
	delete(m.docs[collection], id)
	return nil
}

func (m *memBackend) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var all []*Document
	for _, d := range m.docs[collection] {
		cp := *d
		cp.Data = maps.Clone(d.Data)
		all = append(all, &cp)
	}
	return ApplyQuery(all, q), nil
}

func (m *memBackend) count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

// fakeProvider is an AuthProvider over an in-memory account table.
type fakeProvider struct {
	mu         sync.Mutex
	accounts   map[string]*fakeAccount // by email
	nextUID    int
	signOutErr error
	refreshErr error
	delay      time.Duration
}

type fakeAccount struct {
	id       Identity
	password string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{accounts: make(map[string]*fakeAccount)}
}

func (p *fakeProvider) issue(a *fakeAccount) *Identity {
	id := a.id
	id.IDToken = "id-" + id.UID
	id.RefreshToken = "refresh-" + id.UID
	id.ExpiresAt = time.Now().Add(time.Hour)
	return &id
}

func (p *fakeProvider) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; ok {
		return nil, NewError(KindValidation, "signup", ErrCodeEmailExists, "Email already registered")
	}
	if len(password) < 6 {
		return nil, NewFieldError("signup", ErrCodeWeakPassword, "Password should be at least 6 characters", "password")
	}
	p.nextUID++
	a := &fakeAccount{id: Identity{UID: fmt.Sprintf("uid-%d", p.nextUID), Email: email, ProviderID: ProviderPassword}, password: password}
	p.accounts[email] = a
	return p.issue(a), nil
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[email]
	if !ok || a.password != password {
		return nil, NewError(KindAuth, "signin", ErrCodeInvalidCreds, "Invalid email or password")
	}
	return p.issue(a), nil
}

func (p *fakeProvider) SignInWithIdP(ctx context.Context, cred IdPCredential) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email, ok := strings.CutPrefix(cred.IDToken, "google:")
	if !ok {
		return nil, NewError(KindAuth, "idp", ErrCodeInvalidToken, "Invalid id token")
	}
	a, exists := p.accounts[email]
	if !exists {
		p.nextUID++
		a = &fakeAccount{id: Identity{UID: fmt.Sprintf("uid-%d", p.nextUID), Email: email, DisplayName: "Google User", PhotoURL: "https://example.com/p.png"}}
		p.accounts[email] = a
	}
	id := p.issue(a)
	id.ProviderID = ProviderGoogle
	return id, nil
}

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.Contains(email, "@") {
		return NewFieldError("reset", ErrCodeInvalidEmail, "Invalid email", "email")
	}
	return nil
}

func (p *fakeProvider) UpdateProfile(ctx context.Context, user *Identity, displayName, photoURL string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[user.Email]
	if !ok {
		return nil, ErrNoActiveSession
	}
	if displayName != "" {
		a.id.DisplayName = displayName
	}
	if photoURL != "" {
		a.id.PhotoURL = photoURL
	}
	return p.issue(a), nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*Identity, error) {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	uid, ok := strings.CutPrefix(refreshToken, "refresh-")
	if !ok {
		return nil, NewError(KindAuth, "refresh", ErrCodeInvalidToken, "Invalid refresh token")
	}
	for _, a := range p.accounts {
		if a.id.UID == uid {
			return p.issue(a), nil
		}
	}
	return nil, NewError(KindAuth, "refresh", ErrCodeInvalidToken, "Invalid refresh token")
}

func (p *fakeProvider) SignOut(ctx context.Context, user *Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutErr
}

// memCredentials is a CredentialStore in memory
type memCredentials struct {
	mu    sync.Mutex
	saved *Identity
}

func (m *memCredentials) Load() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved.clone(), nil
}

func (m *memCredentials) Save(id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = id.clone()
	return nil
}

func (m *memCredentials) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = nil
	return nil
}

// fakeGoogle returns a fixed credential
type fakeGoogle struct {
	email string
	err   error
}

func (g fakeGoogle) Authenticate(ctx context.Context) (IdPCredential, error) {
	if g.err != nil {
		return IdPCredential{}, g.err
	}
	return IdPCredential{ProviderID: ProviderGoogle, IDToken: "google:" + g.email}, nil
}

var errBackendDown = errors.New("backend unavailable")
