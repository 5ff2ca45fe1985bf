//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of barter.DocumentBackend.
//
// # Datastore Kinds
//
// Every collection is a Datastore kind of the same name (users, items, requests, chats,
// messages, and the local provider's accounts, identities, authTokens, refreshTokens).
// Document ids are key names.
//
// # Entity layout
//
// The attribute map is stored JSON encoded in the unindexed "_data" property, which is what
// reads decode.  Top level scalar attributes (and lists of scalars) are also written as
// indexed "f_<name>" properties so equality conditions run in Datastore; every other
// condition, the ordering and the limit are applied in memory on the candidates.
//
// # Namespacing
//
// Pass a namespace to isolate tenants:
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	backend := gae.NewDocumentStore(client, "tenant-123")
//	docs := barter.NewDocStore(backend)
package gae
