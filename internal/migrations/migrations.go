// Package migrations contains PocketBase Go migrations for the core's own
// collections.
//
// All migration files use init() to register with the PocketBase migration runner.
// The package must be blank-imported in main.go:
//
//	_ "github.com/alloyide/core/internal/migrations"
package migrations
