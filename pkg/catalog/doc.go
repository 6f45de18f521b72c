// Package catalog indexes sessions and their chat turns in SQLite so the
// CLI can list sessions without walking the sessions directory.
//
// The catalog is advisory: the markdown artifacts under the sessions
// directory remain the source of truth.
package catalog
