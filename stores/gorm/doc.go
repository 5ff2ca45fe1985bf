//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of barter.DocumentBackend.
// It supports any database that GORM supports (PostgreSQL, SQLite, etc.).
//
// # Database Schema
//
// All collections share one auto-migrated table:
//   - documents: (collection, id) primary key, the attribute map as JSON, and timestamps
//
// Queries select a collection and evaluate conditions, ordering and limit in memory, so the
// same semantics hold on every dialect.
//
// # Usage
//
//	db, _ := gormstore.Open("postgres", dsn)
//	backend, _ := gormstore.NewDocumentStore(db)
//	docs := barter.NewDocStore(backend)
package gorm
