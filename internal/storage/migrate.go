package storage

import (
	"database/sql"
	"fmt"
	"sort"
)

// MigrationsLastIDKey is the reserved _rf_kv key holding the highest
// migration ID ever applied to this actor's database.
const MigrationsLastIDKey = "_rf_migrations_lastID"

// noneApplied is the in-memory and durable default before any migration ran.
const noneApplied = -1

// Migration is one versioned schema change. IDs are unique, non-negative
// and executed in ascending order, each at most once per actor database.
type Migration struct {
	ID          int64
	Description string
	SQL         string
}

// MigrationResult reports what a RunAll pass did.
type MigrationResult struct {
	Applied     int   // migrations executed this pass
	RowsWritten int64 // total rows affected by those migrations
}

// SchemaMigrations brings an actor database from whatever schema version it
// is at to the latest declared one. Progress is persisted in the actor's KV
// after each migration, inside the same transaction as the migration's
// statements: a crash mid-sequence resumes from the last fully-committed
// migration, never re-runs one, and never skips one.
//
// The host guarantees one execution context per actor, so the enclosing
// transaction is the only synchronization needed.
type SchemaMigrations struct {
	kv         *KV
	db         *sql.DB
	migrations []Migration

	lastApplied int64 // noneApplied until loaded from the KV
}

// NewSchemaMigrations validates the migration list and returns a runner.
// Negative or duplicate IDs are configuration errors, not retryable.
func NewSchemaMigrations(kv *KV, db *sql.DB, migrations []Migration) (*SchemaMigrations, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	seen := make(map[int64]struct{}, len(sorted))
	for _, m := range sorted {
		if m.ID < 0 {
			return nil, fmt.Errorf("migration ID cannot be negative: %d", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("duplicate migration ID detected: %d", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	return &SchemaMigrations{
		kv:          kv,
		db:          db,
		migrations:  sorted,
		lastApplied: noneApplied,
	}, nil
}

// HasPending reports whether the highest declared migration ID exceeds the
// last-applied ID known in memory. Before the first RunAll the in-memory
// ID is conservative (noneApplied), so this may report true for an
// already-migrated database; RunAll resolves that against the KV.
func (s *SchemaMigrations) HasPending() bool {
	if len(s.migrations) == 0 {
		return false
	}
	return s.lastApplied != s.migrations[len(s.migrations)-1].ID
}

// RunAll applies every not-yet-applied migration in ascending ID order
// inside one transaction. A SQL failure rolls the whole pass back, leaving
// the durable last-applied counter unchanged; the call is safe to retry.
func (s *SchemaMigrations) RunAll() (MigrationResult, error) {
	var result MigrationResult

	if !s.HasPending() {
		return result, nil
	}

	durable, found, err := s.kv.GetInt64(MigrationsLastIDKey)
	if err != nil {
		return result, fmt.Errorf("load last migration ID: %w", err)
	}
	if !found {
		durable = noneApplied
	}
	s.lastApplied = durable

	// Skip everything already applied.
	idx := 0
	for idx < len(s.migrations) && s.migrations[idx].ID <= durable {
		idx++
	}
	if idx >= len(s.migrations) {
		return result, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	applied := durable
	for _, m := range s.migrations[idx:] {
		if m.SQL == "" {
			return MigrationResult{}, fmt.Errorf("migration %d (%s) has no SQL body", m.ID, m.Description)
		}
		res, err := tx.Exec(m.SQL)
		if err != nil {
			return MigrationResult{}, fmt.Errorf("migration %d (%s): %w", m.ID, m.Description, err)
		}
		if rows, err := res.RowsAffected(); err == nil {
			result.RowsWritten += rows
		}
		if err := s.kv.PutInt64Tx(tx, MigrationsLastIDKey, m.ID); err != nil {
			return MigrationResult{}, fmt.Errorf("migration %d (%s): persist progress: %w", m.ID, m.Description, err)
		}
		applied = m.ID
		result.Applied++
	}

	if err := tx.Commit(); err != nil {
		return MigrationResult{}, fmt.Errorf("commit migrations: %w", err)
	}
	s.lastApplied = applied
	return result, nil
}
