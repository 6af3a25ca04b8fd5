// Package storage implements the per-actor persistence layer: SQLite
// databases (one file per actor), a small durable key-value table, and the
// ordered schema migration runner.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrClosed is returned by actor stores after Close. Callers holding a
// stale actor reference should re-resolve it through the host.
var ErrClosed = errors.New("storage: store closed")

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// OpenActorDB creates the parent directory if needed and opens the actor's
// database file.
func OpenActorDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create actor db dir: %w", err)
	}
	return OpenDB(path)
}

// DBFileExists reports whether the actor database file already exists on
// disk. Actors use this to hydrate lazily: a never-written actor must not
// create a file as a side effect of a read.
func DBFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveDB deletes the database file plus its WAL/SHM sidecars. The store
// must already be closed.
func RemoveDB(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
