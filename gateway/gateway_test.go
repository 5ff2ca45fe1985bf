package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/barter"
	"github.com/panyam/barter/internal/app"
	"github.com/panyam/barter/internal/config"
	"github.com/panyam/barter/providers/local"
)

type testEnv struct {
	app    *app.App
	gw     *Gateway
	server *httptest.Server
	client *http.Client
}

func setupGateway(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Backend:           config.BackendFS,
		StoragePath:       filepath.Join(t.TempDir(), "data"),
		AuthProvider:      config.AuthLocal,
		JWTSecret:         "test-secret",
		JWTIssuer:         "barter-test",
		BcryptCost:        4,
		MinPasswordLength: 6,
		BaseURL:           "http://localhost:8080",
		SessionLifetime:   time.Hour,
		AuthRatePerMinute: 600,
		AuthRateBurst:     100,
		WatchPollInterval: time.Second,
	}
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	gw := New(a)
	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		server.Close()
		gw.Close()
		a.Close()
	})
	return &testEnv{app: a, gw: gw, server: server, client: newClient(t)}
}

func newClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) do(t *testing.T, client *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) signUp(t *testing.T, client *http.Client, email string) map[string]any {
	t.Helper()
	status, body := e.do(t, client, "POST", "/auth/signup", map[string]any{
		"email": email, "password": "password123", "fullName": "Test User",
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body
}

func TestSignUpCreatesSessionAndProfile(t *testing.T) {
	env := setupGateway(t)
	body := env.signUp(t, env.client, "alice@example.com")
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Nil(t, user["idToken"], "tokens must not reach the browser")

	status, state := env.do(t, env.client, "GET", "/api/session", nil)
	require.Equal(t, http.StatusOK, status)
	profile := state["profile"].(map[string]any)
	assert.Equal(t, "Test User", profile["fullName"])
	assert.Equal(t, "alice", profile["username"])
	assert.Equal(t, 5.0, profile["rating"])
	assert.Equal(t, 0.0, profile["totalTrades"])
	assert.Equal(t, 1, env.gw.SessionCount())
}

func TestSignInFailure(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, newClient(t), "bob@example.com")

	status, body := env.do(t, env.client, "POST", "/auth/signin", map[string]any{"email": "bob@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	status, _ = env.do(t, env.client, "POST", "/auth/signin", map[string]any{"email": "bob@example.com", "password": "password123"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAPIRequiresUser(t *testing.T) {
	env := setupGateway(t)
	for _, path := range []string{"/api/session", "/api/c/items"} {
		status, body := env.do(t, env.client, "GET", path, nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, "No user logged in", body["error"])
	}
	status, _ := env.do(t, env.client, "PATCH", "/api/profile", map[string]any{"phoneNumber": "1"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUpdateProfile(t *testing.T) {
	env := setupGateway(t)
	body := env.signUp(t, env.client, "carol@example.com")
	uid := body["user"].(map[string]any)["uid"].(string)

	status, state := env.do(t, env.client, "PATCH", "/api/profile", map[string]any{"phoneNumber": "555-0100"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "555-0100", state["profile"].(map[string]any)["phoneNumber"])

	doc, err := env.app.Store.Get(context.Background(), barter.CollectionUsers, uid)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", doc.Data["phoneNumber"])
}

func TestCollectionCRUD(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "dave@example.com")

	status, created := env.do(t, env.client, "POST", "/api/c/items", map[string]any{"title": "Bike", "price": 40, "status": "open"})
	require.Equal(t, http.StatusCreated, status)
	id := created["id"].(string)
	require.NotEmpty(t, id)
	env.do(t, env.client, "POST", "/api/c/items", map[string]any{"title": "Lamp", "price": 5, "status": "open"})

	status, doc := env.do(t, env.client, "GET", "/api/c/items/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bike", doc["data"].(map[string]any)["title"])

	status, _ = env.do(t, env.client, "PATCH", "/api/c/items/"+id, map[string]any{"status": "traded"})
	require.Equal(t, http.StatusOK, status)

	q := url.Values{}
	q.Add("where", "status == open")
	status, list := env.do(t, env.client, "GET", "/api/c/items?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, status)
	docs := list["documents"].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "Lamp", docs[0].(map[string]any)["data"].(map[string]any)["title"])

	q = url.Values{}
	q.Add("where", "price >= 10")
	q.Add("where", "status == traded")
	_, list = env.do(t, env.client, "GET", "/api/c/items?"+q.Encode(), nil)
	assert.Len(t, list["documents"].([]any), 1)

	status, _ = env.do(t, env.client, "DELETE", "/api/c/items/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, env.client, "GET", "/api/c/items/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := env.do(t, env.client, "PATCH", "/api/c/items/"+id, map[string]any{"status": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, barter.ErrCodeDocumentNotFound, body["code"])
}

func TestCollectionRules(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "erin@example.com")

	status, _ := env.do(t, env.client, "GET", "/api/c/payments", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, env.client, "POST", "/api/c/users", map[string]any{"rating": 1})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, env.client, "GET", "/api/c/users", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := env.do(t, env.client, "GET", "/api/c/items?where="+url.QueryEscape("price ~= 3"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, barter.ErrCodeInvalidOperator, body["code"])

	status, _ = env.do(t, env.client, "GET", "/api/c/items?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSignOut(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "frank@example.com")

	status, body := env.do(t, env.client, "POST", "/auth/signout", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, _ = env.do(t, env.client, "GET", "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// signing out without a session is harmless
	status, _ = env.do(t, env.client, "POST", "/auth/signout", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestPasswordResetConfirm(t *testing.T) {
	env := setupGateway(t)
	sender := &local.RecordingEmailSender{}
	env.app.Provider.(*local.Provider).EmailSender = sender
	env.signUp(t, newClient(t), "grace@example.com")

	status, _ := env.do(t, env.client, "POST", "/auth/reset", map[string]any{"email": "grace@example.com"})
	require.Equal(t, http.StatusOK, status)
	sent := sender.Sent()
	require.Len(t, sent, 1)
	link, err := url.Parse(sent[0].Link)
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)

	resp, err := env.client.Get(env.server.URL + "/auth/reset/confirm?token=" + url.QueryEscape(token))
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(page), `name="token"`)

	status, _ = env.do(t, env.client, "POST", "/auth/reset/confirm", map[string]any{"token": token, "password": "newpassword456"})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, env.client, "POST", "/auth/reset/confirm", map[string]any{"token": token, "password": "another789"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, env.client, "POST", "/auth/signin", map[string]any{"email": "grace@example.com", "password": "newpassword456"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthRateLimit(t *testing.T) {
	env := setupGateway(t, func(c *config.Config) {
		c.AuthRatePerMinute = 1
		c.AuthRateBurst = 2
	})
	creds := map[string]any{"email": "nobody@example.com", "password": "password123"}
	for range 2 {
		status, _ := env.do(t, env.client, "POST", "/auth/signin", creds)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	req, _ := http.NewRequest("POST", env.server.URL+"/auth/signin", strings.NewReader(`{}`))
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, env.gw.limiter.Count())
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute}, nil)
	defer rl.Stop()
	rl.limiterFor("10.0.0.1")
	rl.limiterFor("10.0.0.2")
	rl.cleanup(time.Now())
	assert.Equal(t, 2, rl.Count())
	rl.cleanup(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, rl.Count())
}

func TestSweepClosesIdleSessions(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "heidi@example.com")
	require.Equal(t, 1, env.gw.SessionCount())

	assert.Equal(t, 0, env.gw.sweep(time.Now()))
	assert.Equal(t, 1, env.gw.sweep(time.Now().Add(2*time.Hour)))
	assert.Equal(t, 0, env.gw.SessionCount())

	status, _ := env.do(t, env.client, "GET", "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func (e *testEnv) dialWatch(t *testing.T, client *http.Client, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, _ := url.Parse(e.server.URL)
	header := http.Header{}
	for _, c := range client.Jar.Cookies(u) {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.server.URL, "http")+path, header)
}

// nextSnapshot reads until a snapshot satisfies ok.  Polling may repeat an unchanged set.
func nextSnapshot(t *testing.T, ws *websocket.Conn, ok func(watchMessage) bool) watchMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var msg watchMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if ok(msg) {
			return msg
		}
	}
}

func TestWatchPushesFullSets(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "ivan@example.com")

	q := url.Values{}
	q.Add("where", "status == open")
	ws, _, err := env.dialWatch(t, env.client, "/api/c/items/watch?"+q.Encode())
	require.NoError(t, err)
	defer ws.Close()

	msg := nextSnapshot(t, ws, func(watchMessage) bool { return true })
	assert.Equal(t, "snapshot", msg.Type)
	assert.Empty(t, msg.Documents)

	env.do(t, env.client, "POST", "/api/c/items", map[string]any{"title": "Bike", "status": "open"})
	msg = nextSnapshot(t, ws, func(m watchMessage) bool { return len(m.Documents) == 1 })
	assert.Equal(t, "Bike", msg.Documents[0].Data["title"])

	env.do(t, env.client, "POST", "/api/c/items", map[string]any{"title": "Sold", "status": "traded"})
	env.do(t, env.client, "POST", "/api/c/items", map[string]any{"title": "Desk", "status": "open"})
	msg = nextSnapshot(t, ws, func(m watchMessage) bool { return len(m.Documents) == 2 })
	for _, d := range msg.Documents {
		assert.Equal(t, "open", d.Data["status"])
	}

	// signing out ends the watch
	env.do(t, env.client, "POST", "/auth/signout", nil)
	msg = nextSnapshot(t, ws, func(m watchMessage) bool { return m.Type == "closed" })
	assert.Equal(t, "No user logged in", msg.Error)
}

func TestWatchRequiresUser(t *testing.T) {
	env := setupGateway(t)
	_, resp, err := env.dialWatch(t, env.client, "/api/c/items/watch")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGoogleFailurePage(t *testing.T) {
	env := setupGateway(t)
	status, body := env.do(t, env.client, "GET", "/auth/google/fail/?error=denied", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "denied", body["error"])

	// not configured without a client id
	resp, err := env.client.Get(env.server.URL + "/auth/google/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGoogleRedirect(t *testing.T) {
	env := setupGateway(t, func(c *config.Config) {
		c.GoogleClientID = "client-id"
		c.GoogleClientSecret = "client-secret"
	})
	client := newClient(t)
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(env.server.URL + "/auth/google/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", loc.Host)
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:8080/auth/google/callback/", loc.Query().Get("redirect_uri"))
}

func TestIsLocalPath(t *testing.T) {
	assert.True(t, isLocalPath("/items"))
	assert.False(t, isLocalPath("//evil.example.com"))
	assert.False(t, isLocalPath("https://evil.example.com"))
	assert.False(t, isLocalPath(""))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupGateway(t)
	env.signUp(t, env.client, "judy@example.com")

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	body := string(data)
	assert.Contains(t, body, `barter_http_responses_total{status_code="201"} 1`)
	assert.Contains(t, body, "barter_active_sessions 1")
	assert.Contains(t, body, `barter_auth_ops_total{op="signup",result="ok"} 1`)
}
