//go:build !wasm
// +build !wasm

// Package gorm provides GORM-backed implementations of the monitorauth
// SecureStore and PreferenceStore. Any database GORM supports works; Open is
// a convenience for a local SQLite file.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - secure_items: sealed (or, without a sealer, plain) secrets by key
//   - preferences: boolean preferences by key
//
// # Usage
//
//	db, _ := gormstore.Open(filepath.Join(dir, "session.db"))
//	secrets := gormstore.NewSecureStore(db, seal.New(key))
//	prefs := gormstore.NewPreferenceStore(db)
package gorm
