// Package gateway serves barter sessions over HTTP.  Each browser session cookie owns one
// barter.Session held in memory, so every operation and the profile reconciliation run on
// the server exactly as they would in a single-user client.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/panyam/barter"
	"github.com/panyam/barter/internal/app"
	"github.com/panyam/barter/oauth2"
)

// Name of the session variable holding the key of the live barter.Session
const sessionIDKey = "barterSessionID"

type liveSession struct {
	session  *barter.Session
	lastSeen time.Time
	watchers int
}

// Gateway is the HTTP front of a barter process.
type Gateway struct {
	app      *app.App
	logger   *slog.Logger
	sessions *scs.SessionManager
	limiter  *RateLimiter
	google   *oauth2.GoogleOAuth2
	handler  http.Handler

	// How often idle sessions are looked for.  Defaults to a minute.
	SweepInterval time.Duration

	mu    sync.Mutex
	live  map[string]*liveSession
	stop  chan struct{}
	swept sync.Once
}

// New builds the gateway and starts its idle session sweeper.  Call Close to stop it.
func New(a *app.App) *Gateway {
	cfg := a.Config
	g := &Gateway{
		app:           a,
		logger:        a.Logger,
		live:          make(map[string]*liveSession),
		stop:          make(chan struct{}),
		SweepInterval: time.Minute,
	}

	g.sessions = scs.New()
	g.sessions.Lifetime = cfg.SessionLifetime
	g.sessions.Cookie.Name = "barter_session"
	g.sessions.Cookie.Secure = cfg.CookieSecure
	g.sessions.Cookie.SameSite = http.SameSiteLaxMode

	g.limiter = NewRateLimiter(PerMinute(cfg.AuthRatePerMinute, cfg.AuthRateBurst), a.Logger)

	if cfg.GoogleEnabled() {
		g.google = oauth2.NewGoogleOAuth2(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, g.onGoogleCredential)
	}

	g.handler = g.routes()
	go g.sweepLoop()
	return g
}

func (g *Gateway) routes() http.Handler {
	inner := mux.NewRouter()

	auth := inner.PathPrefix("/auth").Subrouter()
	auth.Use(g.limiter.Middleware)
	auth.HandleFunc("/signup", g.handleSignUp).Methods(http.MethodPost)
	auth.HandleFunc("/signin", g.handleSignIn).Methods(http.MethodPost)
	auth.HandleFunc("/reset", g.handleReset).Methods(http.MethodPost)
	auth.HandleFunc("/reset/confirm", g.handleResetForm).Methods(http.MethodGet)
	auth.HandleFunc("/reset/confirm", g.handleResetConfirm).Methods(http.MethodPost)
	auth.HandleFunc("/signout", g.handleSignOut).Methods(http.MethodPost)
	auth.HandleFunc("/google/fail/", g.handleGoogleFailure).Methods(http.MethodGet)
	if g.google != nil {
		auth.PathPrefix("/google").Handler(http.StripPrefix("/auth/google", g.google.Handler()))
	}

	api := inner.PathPrefix("/api").Subrouter()
	api.Use(g.requireUser)
	api.HandleFunc("/session", g.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/profile", g.handleProfile).Methods(http.MethodPatch)
	api.HandleFunc("/c/{collection}", g.handleQuery).Methods(http.MethodGet)
	api.HandleFunc("/c/{collection}", g.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/c/{collection}/{id}", g.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/c/{collection}/{id}", g.handleUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/c/{collection}/{id}", g.handleDelete).Methods(http.MethodDelete)

	// Websocket upgrades and scrapes bypass the session writer and status recorder, both of
	// which wrap the ResponseWriter.
	root := mux.NewRouter()
	root.HandleFunc("/api/c/{collection}/watch", g.handleWatch).Methods(http.MethodGet)
	root.Handle("/metrics", g.app.MetricsHandler()).Methods(http.MethodGet)
	root.PathPrefix("/").Handler(g.recordStatus(g.sessions.LoadAndSave(inner)))
	return root
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Close stops the sweeper and the rate limiter and closes every live session.
func (g *Gateway) Close() {
	g.swept.Do(func() { close(g.stop) })
	g.limiter.Stop()
	g.mu.Lock()
	live := g.live
	g.live = make(map[string]*liveSession)
	g.mu.Unlock()
	for _, ls := range live {
		ls.session.Close()
	}
	g.app.Metrics.SetSessions(0)
}

// SessionCount returns the number of live sessions
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// sessionFor returns the barter.Session of the request's cookie session.  With create set a
// missing one is started; otherwise nil is returned.
func (g *Gateway) sessionFor(ctx context.Context, create bool) *barter.Session {
	sid := g.sessions.GetString(ctx, sessionIDKey)
	if sid == "" {
		if !create {
			return nil
		}
		sid = uuid.NewString()
		g.sessions.Put(ctx, sessionIDKey, sid)
	}
	return g.lookup(sid, create)
}

func (g *Gateway) lookup(sid string, create bool) *barter.Session {
	g.mu.Lock()
	if ls, ok := g.live[sid]; ok {
		ls.lastSeen = time.Now()
		g.mu.Unlock()
		return ls.session
	}
	if !create {
		g.mu.Unlock()
		return nil
	}
	sess := g.app.NewSession()
	g.live[sid] = &liveSession{session: sess, lastSeen: time.Now()}
	n := len(g.live)
	g.mu.Unlock()

	if err := sess.Start(context.Background()); err != nil {
		g.logger.Warn("error starting session", "error", err)
	}
	g.app.Metrics.SetSessions(n)
	g.logger.Debug("session started", "sid", sid)
	return sess
}

// hold marks a session as used by a long lived connection so the sweeper leaves it alone
func (g *Gateway) hold(sid string) (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ls, ok := g.live[sid]
	if !ok {
		return func() {}
	}
	ls.watchers++
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		ls.watchers--
		ls.lastSeen = time.Now()
	}
}

func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(g.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep(time.Now())
		case <-g.stop:
			return
		}
	}
}

// sweep closes sessions idle for longer than the session lifetime
func (g *Gateway) sweep(now time.Time) int {
	lifetime := g.app.Config.SessionLifetime
	if lifetime <= 0 {
		return 0
	}
	var idle []*barter.Session
	g.mu.Lock()
	for sid, ls := range g.live {
		if ls.watchers == 0 && now.Sub(ls.lastSeen) > lifetime {
			idle = append(idle, ls.session)
			delete(g.live, sid)
		}
	}
	n := len(g.live)
	g.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
	}
	if len(idle) > 0 {
		g.logger.Info("closed idle sessions", "count", len(idle), "remaining", n)
	}
	g.app.Metrics.SetSessions(n)
	return len(idle)
}

type sessionCtxKey struct{}

// requireUser rejects requests without a signed-in session and passes the session on in
// the request context.
func (g *Gateway) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := g.sessionFor(r.Context(), false)
		if sess == nil || sess.User() == nil {
			writeError(w, barter.ErrNoActiveSession)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionCtxKey{}, sess)))
	})
}

func sessionFromContext(ctx context.Context) *barter.Session {
	sess, _ := ctx.Value(sessionCtxKey{}).(*barter.Session)
	return sess
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (g *Gateway) recordStatus(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		g.app.Metrics.RecordHTTPStatus(rec.status)
	})
}
