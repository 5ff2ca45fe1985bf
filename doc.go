// Package barter provides identity, profile reconciliation and generic document access for a
// peer-to-peer trading application.
//
// barter separates the application into three layers: an identity provider, a document
// store, and a session that keeps the two consistent.
//
// # Architecture
//
// IdentityService: Wraps an AuthProvider (Firebase Auth in providers/firebase, or the self
// hosted providers/local) and publishes the signed-in Identity to subscribers.  With a
// CredentialStore it persists the sign-in and restores it on the next start.
//
// DocStore: A thin accessor over a DocumentBackend (stores/firestore, stores/gae,
// stores/gorm or stores/fs).  Every document carries server assigned createdAt and
// updatedAt timestamps.  Queries AND their conditions and default to createdAt descending
// with a limit of 20.  Subscribe delivers the full matching set on attach and after every
// change.
//
// Session: Reconciles the auth state with the users collection.  Whatever path signs a user
// in, the session ends up with exactly one profile at users/{uid}, created from defaults
// (rating 5.0, no trades, username from the email local part) the first time the identity
// is seen.
//
// # Basic Usage
//
// Open a backend and a provider:
//
//	import (
//	    "github.com/panyam/barter"
//	    "github.com/panyam/barter/providers/local"
//	    "github.com/panyam/barter/stores/fs"
//	)
//
//	store := barter.NewDocStore(fs.NewFSDocumentStore("/path/to/storage"))
//	provider := &local.Provider{
//	    Store:        store,
//	    JWTSecretKey: "change-me",
//	    EmailSender:  &local.ConsoleEmailSender{},
//	    BaseURL:      "https://yourapp.com",
//	}
//
// Start a session and sign up:
//
//	sess := barter.NewSession(barter.NewIdentityService(provider), store, nil)
//	if err := sess.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	res := sess.SignUp(ctx, "alice@example.com", "secret123", barter.SignupData{FullName: "Alice"})
//	if !res.Success {
//	    log.Fatal(res.Error)
//	}
//	fmt.Println(sess.Profile().Username) // "alice"
//
// Read and watch documents:
//
//	items, err := store.Query(ctx, barter.CollectionItems,
//	    []barter.Condition{barter.Where("status", barter.OpEqual, "open")},
//	    barter.OrderBy("price", barter.Asc))
//
//	stop, err := store.Subscribe(ctx, barter.CollectionChats,
//	    []barter.Condition{barter.Where("members", barter.OpArrayContains, uid)},
//	    func(docs []*barter.Document) { render(docs) })
//	defer stop()
//
// # Errors
//
// Operations on DocStore and IdentityService return *Error values classified by Kind:
// transport, not_found, validation, auth and no_active_session.  Session operations never
// return errors; they report a Result or AuthResult and record the message as the session's
// last error.
//
// # Processes
//
// cmd/barterd serves sessions to browsers over HTTP (package gateway), one Session per
// cookie.  cmd/barter is a single-session command line client whose sign-in is kept in a
// credentials file (package client).
package barter
