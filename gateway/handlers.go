package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/panyam/barter"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	barter.SignupData
}

type stateResponse struct {
	User      *barter.Identity `json:"user"`
	Profile   *barter.Profile  `json:"profile"`
	Status    barter.Status    `json:"status"`
	LastError string           `json:"lastError,omitempty"`
}

func publicState(st barter.State) stateResponse {
	return stateResponse{User: st.User.Public(), Profile: st.Profile, Status: st.Status, LastError: st.LastError}
}

func (g *Gateway) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	sess := g.sessionFor(r.Context(), true)
	res := sess.SignUp(r.Context(), req.Email, req.Password, req.SignupData)
	g.writeAuthResult(w, r, res, http.StatusCreated)
}

func (g *Gateway) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	sess := g.sessionFor(r.Context(), true)
	res := sess.SignIn(r.Context(), req.Email, req.Password)
	g.writeAuthResult(w, r, res, http.StatusOK)
}

func (g *Gateway) writeAuthResult(w http.ResponseWriter, r *http.Request, res barter.AuthResult, okStatus int) {
	if !res.Success {
		writeJSON(w, http.StatusUnauthorized, barter.AuthResult{Error: res.Error})
		return
	}
	// new privilege level, new cookie token
	if err := g.sessions.RenewToken(r.Context()); err != nil {
		g.logger.Warn("error renewing session token", "error", err)
	}
	writeJSON(w, okStatus, barter.AuthResult{Success: true, User: res.User.Public()})
}

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	sess := g.sessionFor(r.Context(), true)
	res := sess.ResetPassword(r.Context(), req.Email)
	if !res.Success {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// passwordResetter is implemented by providers that complete resets themselves
type passwordResetter interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

const resetForm = `<!doctype html>
<html><body>
<form method="post" action="/auth/reset/confirm">
<input type="hidden" name="token" value="%s">
<label>New password <input type="password" name="password"></label>
<button type="submit">Set password</button>
</form>
</body></html>`

// handleResetForm is the target of the emailed reset link
func (g *Gateway) handleResetForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.app.Provider.(passwordResetter); !ok {
		http.Error(w, "password reset is completed by the identity provider", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, resetForm, html.EscapeString(r.URL.Query().Get("token")))
}

func (g *Gateway) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	resetter, ok := g.app.Provider.(passwordResetter)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, barter.Result{Error: "Password reset is completed by the identity provider"})
		return
	}
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
	} else {
		req.Token, req.Password = r.FormValue("token"), r.FormValue("password")
	}
	if err := resetter.ConfirmPasswordReset(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, barter.Result{Success: true})
}

func (g *Gateway) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := g.sessionFor(r.Context(), false)
	if sess == nil {
		writeJSON(w, http.StatusOK, barter.Result{Success: true})
		return
	}
	res := sess.SignOut(r.Context())
	if !res.Success {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	if err := g.sessions.RenewToken(r.Context()); err != nil {
		g.logger.Warn("error renewing session token", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// onGoogleCredential completes the Google redirect flow
func (g *Gateway) onGoogleCredential(cred barter.IdPCredential, w http.ResponseWriter, r *http.Request) {
	sess := g.sessionFor(r.Context(), true)
	res := sess.SignInWithCredential(r.Context(), cred)
	if !res.Success {
		http.Redirect(w, r, "/auth/google/fail/?error="+url.QueryEscape(res.Error), http.StatusFound)
		return
	}
	if err := g.sessions.RenewToken(r.Context()); err != nil {
		g.logger.Warn("error renewing session token", "error", err)
	}

	target := "/"
	if c, _ := r.Cookie("oauthCallbackURL"); c != nil && isLocalPath(c.Value) {
		target = c.Value
	}
	http.SetCookie(w, &http.Cookie{Name: "oauthCallbackURL", Path: "/", MaxAge: -1, Expires: time.Now()})
	http.SetCookie(w, &http.Cookie{Name: "oauthstate", Path: "/", MaxAge: -1, Expires: time.Now()})
	http.Redirect(w, r, target, http.StatusFound)
}

// isLocalPath accepts same-site paths only
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

func (g *Gateway) handleGoogleFailure(w http.ResponseWriter, r *http.Request) {
	msg := r.URL.Query().Get("error")
	if msg == "" {
		msg = "Google sign-in failed"
	}
	writeJSON(w, http.StatusUnauthorized, barter.AuthResult{Error: msg})
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, publicState(sessionFromContext(r.Context()).State()))
}

func (g *Gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	sess := sessionFromContext(r.Context())
	res := sess.UpdateProfile(r.Context(), fields)
	if !res.Success {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, publicState(sess.State()))
}

// collection resolves the {collection} route variable.  Writes to users go through the
// profile endpoint.
func collection(w http.ResponseWriter, r *http.Request, write bool) (string, bool) {
	name := mux.Vars(r)["collection"]
	if !slices.Contains(barter.KnownCollections(), name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown collection %q", name)})
		return "", false
	}
	if write && name == barter.CollectionUsers {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "profiles are updated through /api/profile"})
		return "", false
	}
	return name, true
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	coll, ok := collection(w, r, false)
	if !ok {
		return
	}
	conds, opts, err := queryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	docs, err := g.app.Store.Query(r.Context(), coll, conds, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	coll, ok := collection(w, r, true)
	if !ok {
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	id, err := g.app.Store.Create(r.Context(), coll, data, r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, barter.Result{Success: true, ID: id})
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	coll, ok := collection(w, r, false)
	if !ok {
		return
	}
	doc, err := g.app.Store.Get(r.Context(), coll, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Document not found"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	coll, ok := collection(w, r, true)
	if !ok {
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	id := mux.Vars(r)["id"]
	if err := g.app.Store.Update(r.Context(), coll, id, patch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, barter.Result{Success: true, ID: id})
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	coll, ok := collection(w, r, true)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := g.app.Store.Delete(r.Context(), coll, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, barter.Result{Success: true, ID: id})
}

// queryFromRequest reads repeated where=<field op value> parameters, orderBy, dir and limit.
// An explicitly empty orderBy disables ordering and limit=0 disables the bound.
func queryFromRequest(r *http.Request) ([]barter.Condition, []barter.QueryOption, error) {
	q := r.URL.Query()
	var conds []barter.Condition
	for _, w := range q["where"] {
		c, err := barter.ParseCondition(w)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, c)
	}

	var opts []barter.QueryOption
	if q.Has("orderBy") || q.Has("dir") {
		field := barter.DefaultOrderField
		if q.Has("orderBy") {
			field = q.Get("orderBy")
		}
		dir := barter.Direction(strings.ToLower(q.Get("dir")))
		switch dir {
		case "":
			dir = barter.DefaultDirection
		case barter.Asc, barter.Desc:
		default:
			return nil, nil, barter.NewFieldError("query", barter.ErrCodeInvalidOperator, fmt.Sprintf("unknown direction %q", dir), "dir")
		}
		opts = append(opts, barter.OrderBy(field, dir))
	}
	if q.Has("limit") {
		n, err := strconv.Atoi(q.Get("limit"))
		if err != nil || n < 0 {
			return nil, nil, barter.NewFieldError("query", barter.ErrCodeMissingField, "limit must be a non-negative integer", "limit")
		}
		opts = append(opts, barter.Limit(n))
	}
	return conds, opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	switch barter.KindOf(err) {
	case barter.KindValidation:
		return http.StatusBadRequest
	case barter.KindNotFound:
		return http.StatusNotFound
	case barter.KindNoActiveSession, barter.KindAuth:
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": barter.Message(err)}
	var be *barter.Error
	if errors.As(err, &be) {
		if be.Code != "" {
			body["code"] = be.Code
		}
		if be.Field != "" {
			body["field"] = be.Field
		}
	}
	writeJSON(w, statusFor(err), body)
}
