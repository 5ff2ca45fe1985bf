package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// SelectAccount makes Google show the account chooser even with a single signed-in account
var SelectAccount = oauth2.SetAuthURLParam("prompt", "select_account")

func randomState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("Error generating rand", "error", err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

func generateStateOauthCookie(w http.ResponseWriter) string {
	var expiration = time.Now().Add(30 * 24 * time.Hour)
	state := randomState()
	cookie := http.Cookie{Name: "oauthstate", Value: state, Path: "/", Expires: expiration, HttpOnly: true}
	http.SetCookie(w, &cookie)
	return state
}

func OauthRedirector(oauthConfig *oauth2.Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		// remember where to send the browser once signed in
		callbackURL := r.URL.Query().Get("callbackURL")
		if callbackURL != "" {
			var expiration = time.Now().Add(24 * time.Hour)
			http.SetCookie(w, &http.Cookie{
				Name:    "oauthCallbackURL",
				Value:   callbackURL,
				Path:    "/",
				Expires: expiration,
				MaxAge:  120, // keep this short
			})
		}
		oauthState := generateStateOauthCookie(w)
		u := oauthConfig.AuthCodeURL(oauthState, SelectAccount)
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// credentialFromToken pulls the Google credential out of a token response
func credentialFromToken(token *oauth2.Token) (idToken, accessToken string) {
	idToken, _ = token.Extra("id_token").(string)
	return idToken, token.AccessToken
}
