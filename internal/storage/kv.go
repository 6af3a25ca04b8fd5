package storage

import (
	"database/sql"
	"fmt"
	"strconv"
)

const kvDDL = `
CREATE TABLE IF NOT EXISTS _rf_kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// execer is the subset of *sql.DB and *sql.Tx the KV needs, so puts can
// ride inside an enclosing transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// KV is the durable per-actor key-value table (`_rf_kv`). It stores the
// few scalars that live outside the migrated relational schema, most
// importantly the last-applied migration ID.
type KV struct {
	db *sql.DB
}

// NewKV ensures the _rf_kv table exists and returns a handle for it.
func NewKV(db *sql.DB) (*KV, error) {
	if _, err := db.Exec(kvDDL); err != nil {
		return nil, fmt.Errorf("init _rf_kv: %w", err)
	}
	return &KV{db: db}, nil
}

// GetString returns the value for key, with found=false when absent.
func (k *KV) GetString(key string) (string, bool, error) {
	return kvGetString(k.db, key)
}

// PutString inserts or replaces the value for key.
func (k *KV) PutString(key, value string) error {
	return kvPutString(k.db, key, value)
}

// GetInt64 returns the integer value for key, with found=false when absent.
func (k *KV) GetInt64(key string) (int64, bool, error) {
	s, found, err := kvGetString(k.db, key)
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("kv %q: non-integer value %q: %w", key, s, err)
	}
	return n, true, nil
}

// PutInt64 inserts or replaces the integer value for key.
func (k *KV) PutInt64(key string, v int64) error {
	return kvPutString(k.db, key, strconv.FormatInt(v, 10))
}

// PutInt64Tx is PutInt64 riding on an open transaction.
func (k *KV) PutInt64Tx(tx *sql.Tx, key string, v int64) error {
	return kvPutString(tx, key, strconv.FormatInt(v, 10))
}

func kvGetString(q execer, key string) (string, bool, error) {
	var value string
	err := q.QueryRow("SELECT value FROM _rf_kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, true, nil
}

func kvPutString(q execer, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO _rf_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}
