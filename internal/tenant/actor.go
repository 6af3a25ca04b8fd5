// Package tenant implements the tenant actor: one actor per tenant ID,
// owning the tenant's rule summaries and aggregated visit statistics, and
// fanning rule mutations out to the authoritative rule actors.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/storage"
)

// ErrTenantMismatch means an already-bound actor received an operation for a
// different tenant ID. That is a routing bug upstream, never a user error.
var ErrTenantMismatch = errors.New("tenant: operation carries wrong tenant ID for this actor")

var migrations = []storage.Migration{
	{ID: 1, Description: "create tenant identity table", SQL: `
		CREATE TABLE IF NOT EXISTS tenant_info (
			tenant_id TEXT PRIMARY KEY,
			data_json TEXT
		)`},
	{ID: 2, Description: "create rule summaries table", SQL: `
		CREATE TABLE IF NOT EXISTS rules (
			rule_url TEXT PRIMARY KEY,
			tenant_id TEXT,
			response_status INTEGER,
			response_location TEXT,
			response_headers TEXT
		)`},
	{ID: 3, Description: "create aggregated visit stats", SQL: `
		CREATE TABLE IF NOT EXISTS url_visits_stats_agg (
			tenant_id TEXT,
			rule_url TEXT,
			ts_hour_ms INTEGER,
			total_visits INTEGER,

			PRIMARY KEY (tenant_id, rule_url, ts_hour_ms)
		)`},
}

// RuleDirectory routes mutations to the rule actor owning a given rule URL.
// The actor host implements it; injecting the interface keeps the tenant and
// rule packages free of each other.
type RuleDirectory interface {
	UpsertRule(ctx context.Context, r model.RedirectRule) error
	DeleteRule(ctx context.Context, tenantID, ruleURL string) error
}

// Config carries the per-actor wiring injected by the host.
type Config struct {
	DBPath string
	Rules  RuleDirectory
}

// Actor is one tenant's isolated state machine. Local state serializes on
// the actor mutex; calls into rule actors always happen outside it, so a
// rule actor pushing stats back concurrently can never deadlock.
type Actor struct {
	name string
	cfg  Config

	mu       sync.Mutex
	db       *sql.DB
	kv       *storage.KV
	tenantID string
	hydrated bool
	closed   bool
	lastUsed time.Time
}

// New constructs the actor shell. No I/O happens until the first operation.
func New(name string, cfg Config) *Actor {
	return &Actor{name: name, cfg: cfg, lastUsed: time.Now()}
}

// Name returns the actor's stable registry name.
func (a *Actor) Name() string { return a.name }

func (a *Actor) hydrate(create bool) error {
	if a.closed {
		return storage.ErrClosed
	}
	if a.hydrated {
		return nil
	}
	if !create && !storage.DBFileExists(a.cfg.DBPath) {
		return nil
	}

	db, err := storage.OpenActorDB(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("tenant actor %q: open db: %w", a.name, err)
	}
	kv, err := storage.NewKV(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("tenant actor %q: init kv: %w", a.name, err)
	}
	runner, err := storage.NewSchemaMigrations(kv, db, migrations)
	if err != nil {
		db.Close()
		return fmt.Errorf("tenant actor %q: %w", a.name, err)
	}
	if _, err := runner.RunAll(); err != nil {
		db.Close()
		return fmt.Errorf("tenant actor %q: migrate: %w", a.name, err)
	}

	var tenantID string
	err = db.QueryRow(`SELECT tenant_id FROM tenant_info LIMIT 1`).Scan(&tenantID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.Close()
		return fmt.Errorf("tenant actor %q: read identity: %w", a.name, err)
	}

	a.db = db
	a.kv = kv
	a.tenantID = tenantID
	a.hydrated = true
	return nil
}

// bind permanently associates the actor with tenantID on first use and
// verifies every later operation against it.
func (a *Actor) bind(tenantID string) error {
	if a.tenantID != "" {
		if a.tenantID != tenantID {
			return fmt.Errorf("%w: bound to %q, got %q", ErrTenantMismatch, a.tenantID, tenantID)
		}
		return nil
	}
	_, err := a.db.Exec(`INSERT INTO tenant_info VALUES (?, ?) ON CONFLICT DO NOTHING`, tenantID, "{}")
	if err != nil {
		return fmt.Errorf("tenant actor %q: bind identity: %w", a.name, err)
	}
	a.tenantID = tenantID
	return nil
}

// prepare hydrates and binds under the lock, then releases it so the caller
// can make cross-actor calls.
func (a *Actor) prepare(tenantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.hydrate(true); err != nil {
		return err
	}
	a.lastUsed = time.Now()
	return a.bind(tenantID)
}

// Upsert forwards the authoritative write to the owning rule actor, then
// mirrors a summary row locally. The local copy is written only after the
// forward succeeds, so a failed forward never leaves a phantom rule in
// listings that the serving path cannot honor.
func (a *Actor) Upsert(ctx context.Context, r model.RedirectRule) (model.RuleListing, error) {
	if err := a.prepare(r.TenantID); err != nil {
		return model.RuleListing{}, err
	}

	if err := a.cfg.Rules.UpsertRule(ctx, r); err != nil {
		return model.RuleListing{}, fmt.Errorf("tenant %q: forward upsert for %q: %w", r.TenantID, r.RuleURL, err)
	}

	a.mu.Lock()
	err := a.writeSummaryLocked(ctx, r)
	a.mu.Unlock()
	if err != nil {
		return model.RuleListing{}, err
	}
	return a.List(ctx)
}

func (a *Actor) writeSummaryLocked(ctx context.Context, r model.RedirectRule) error {
	if a.closed {
		return storage.ErrClosed
	}
	headersJSON, err := json.Marshal(r.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("tenant actor %q: encode headers: %w", a.name, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rules VALUES (?, ?, ?, ?, ?)`,
		r.RuleURL, r.TenantID, r.ResponseStatus, r.ResponseLocation, string(headersJSON))
	if err != nil {
		return fmt.Errorf("tenant actor %q: write summary: %w", a.name, err)
	}
	return nil
}

// Delete forwards a full wipe to the owning rule actor, then removes the
// local summary row. Historical aggregates are kept.
func (a *Actor) Delete(ctx context.Context, tenantID, ruleURL string) (model.RuleListing, error) {
	if err := a.prepare(tenantID); err != nil {
		return model.RuleListing{}, err
	}

	if err := a.cfg.Rules.DeleteRule(ctx, tenantID, ruleURL); err != nil {
		return model.RuleListing{}, fmt.Errorf("tenant %q: forward delete for %q: %w", tenantID, ruleURL, err)
	}

	a.mu.Lock()
	var err error
	if a.closed {
		err = storage.ErrClosed
	} else {
		_, err = a.db.ExecContext(ctx, `DELETE FROM rules WHERE rule_url = ? AND tenant_id = ?`, ruleURL, tenantID)
	}
	a.mu.Unlock()
	if err != nil {
		return model.RuleListing{}, fmt.Errorf("tenant actor %q: drop summary: %w", a.name, err)
	}
	return a.List(ctx)
}

// List returns every locally-stored rule summary and visit aggregate. A
// never-initialized tenant yields an empty-but-valid listing, not an error.
func (a *Actor) List(ctx context.Context) (model.RuleListing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.hydrate(false); err != nil {
		return model.RuleListing{}, err
	}
	a.lastUsed = time.Now()
	if !a.hydrated {
		return model.EmptyListing(), nil
	}

	listing := model.EmptyListing()

	rows, err := a.db.QueryContext(ctx, `SELECT rule_url, tenant_id, response_status, response_location, response_headers FROM rules`)
	if err != nil {
		return model.RuleListing{}, fmt.Errorf("tenant actor %q: list rules: %w", a.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.RedirectRule
		var headersJSON string
		if err := rows.Scan(&r.RuleURL, &r.TenantID, &r.ResponseStatus, &r.ResponseLocation, &headersJSON); err != nil {
			return model.RuleListing{}, fmt.Errorf("tenant actor %q: scan rule: %w", a.name, err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &r.ResponseHeaders); err != nil {
			return model.RuleListing{}, fmt.Errorf("tenant actor %q: decode headers for %q: %w", a.name, r.RuleURL, err)
		}
		listing.Rules = append(listing.Rules, r)
	}
	if err := rows.Err(); err != nil {
		return model.RuleListing{}, err
	}

	stats, err := a.db.QueryContext(ctx, `SELECT rule_url, ts_hour_ms, total_visits FROM url_visits_stats_agg ORDER BY rule_url, ts_hour_ms`)
	if err != nil {
		return model.RuleListing{}, fmt.Errorf("tenant actor %q: list stats: %w", a.name, err)
	}
	defer stats.Close()
	for stats.Next() {
		var agg model.VisitAggregate
		if err := stats.Scan(&agg.RuleURL, &agg.TsHourMs, &agg.TotalVisits); err != nil {
			return model.RuleListing{}, fmt.Errorf("tenant actor %q: scan stats: %w", a.name, err)
		}
		listing.Stats = append(listing.Stats, agg)
	}
	return listing, stats.Err()
}

// RecordStats is the idempotent upsert of hourly aggregates pushed by this
// tenant's rule actors. Re-recording an hour overwrites, never doubles.
func (a *Actor) RecordStats(ctx context.Context, tenantID string, aggs []model.VisitAggregate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.hydrate(true); err != nil {
		return err
	}
	a.lastUsed = time.Now()
	if err := a.bind(tenantID); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tenant actor %q: begin stats tx: %w", a.name, err)
	}
	defer tx.Rollback()

	for _, agg := range aggs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO url_visits_stats_agg VALUES (?, ?, ?, ?)`,
			tenantID, agg.RuleURL, agg.TsHourMs, agg.TotalVisits)
		if err != nil {
			return fmt.Errorf("tenant actor %q: record stats for %q: %w", a.name, agg.RuleURL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tenant actor %q: commit stats: %w", a.name, err)
	}
	return nil
}

// IdleSince returns the time of the last served operation.
func (a *Actor) IdleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// Close releases the database handle. The actor is unusable afterwards;
// the host drops it from the registry and rebuilds on next access.
func (a *Actor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		a.kv = nil
		return err
	}
	return nil
}
