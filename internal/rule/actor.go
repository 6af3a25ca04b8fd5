// Package rule implements the redirect-rule actor: one actor per rule URL,
// owning the rule definition, the raw visit log, and the deferred roll-up of
// visits into hourly aggregates pushed to the owning tenant.
package rule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/storage"
)

// ErrNoRule is returned by Redirect when the actor holds no rule for the
// lookup key. Callers translate it to a 404, it is not a fault.
var ErrNoRule = errors.New("rule: no redirect rule for URL")

// tenantIDKey stores the owning tenant redundantly in the actor's KV so the
// roll-up can find its tenant even if the rule row is gone at alarm time.
const tenantIDKey = "tenant_id"

var migrations = []storage.Migration{
	{ID: 1, Description: "create rules table", SQL: `
		CREATE TABLE IF NOT EXISTS rules (
			rule_url TEXT PRIMARY KEY,
			tenant_id TEXT,
			response_status INTEGER,
			response_location TEXT,
			response_headers TEXT
		)`},
	{ID: 2, Description: "create raw visit log", SQL: `
		CREATE TABLE IF NOT EXISTS url_visits (
			slug_url TEXT,
			ts_ms INTEGER,
			id TEXT,
			request_details TEXT,

			PRIMARY KEY (slug_url, ts_ms, id)
		)`},
	{ID: 3, Description: "index visit log by timestamp for pruning", SQL: `
		CREATE INDEX IF NOT EXISTS idx_url_visits_ts_ms ON url_visits (ts_ms)`},
}

// StatsSink receives hourly visit aggregates rolled up by a rule actor.
// The actor host implements it by routing to the owning tenant actor.
type StatsSink interface {
	RecordStats(ctx context.Context, tenantID string, aggs []model.VisitAggregate) error
}

// Config carries the per-actor wiring injected by the host.
type Config struct {
	// DBPath is this actor's private SQLite file. The file is created
	// lazily on the first durable write, so a flood of lookups for
	// nonexistent rules never allocates storage.
	DBPath string

	// SubmitDelay is the coalescing window between a recorded visit and
	// the roll-up alarm firing.
	SubmitDelay time.Duration

	// Retention bounds how long raw visit rows survive after roll-up.
	Retention time.Duration

	Stats StatsSink
}

// Actor is a single redirect rule's isolated state machine. All operations
// serialize on the actor mutex; cross-actor calls (the stats push) always
// happen outside it.
type Actor struct {
	name string
	cfg  Config

	mu           sync.Mutex
	db           *sql.DB
	kv           *storage.KV
	rules        map[string]model.RedirectRule
	hydrated     bool
	closed       bool
	alarmPending bool
	alarmTimer   *time.Timer
	lastUsed     time.Time
}

// New constructs the actor shell. No I/O happens until the first operation.
func New(name string, cfg Config) *Actor {
	if cfg.SubmitDelay <= 0 {
		cfg.SubmitDelay = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * time.Hour
	}
	return &Actor{
		name:     name,
		cfg:      cfg,
		rules:    make(map[string]model.RedirectRule),
		lastUsed: time.Now(),
	}
}

// Name returns the actor's stable registry name.
func (a *Actor) Name() string { return a.name }

// hydrate loads durable state under the actor lock. With create=false it
// only opens a database file that already exists, keeping redirect misses
// free of filesystem writes.
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
		return fmt.Errorf("rule actor %q: open db: %w", a.name, err)
	}
	kv, err := storage.NewKV(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("rule actor %q: init kv: %w", a.name, err)
	}
	runner, err := storage.NewSchemaMigrations(kv, db, migrations)
	if err != nil {
		db.Close()
		return fmt.Errorf("rule actor %q: %w", a.name, err)
	}
	if _, err := runner.RunAll(); err != nil {
		db.Close()
		return fmt.Errorf("rule actor %q: migrate: %w", a.name, err)
	}

	rules, err := loadRules(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("rule actor %q: load rules: %w", a.name, err)
	}

	a.db = db
	a.kv = kv
	a.rules = rules
	a.hydrated = true
	return nil
}

func loadRules(db *sql.DB) (map[string]model.RedirectRule, error) {
	rows, err := db.Query(`SELECT rule_url, tenant_id, response_status, response_location, response_headers FROM rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.RedirectRule)
	for rows.Next() {
		var r model.RedirectRule
		var headersJSON string
		if err := rows.Scan(&r.RuleURL, &r.TenantID, &r.ResponseStatus, &r.ResponseLocation, &headersJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headersJSON), &r.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decode headers for %q: %w", r.RuleURL, err)
		}
		out[r.RuleURL] = r
	}
	return out, rows.Err()
}

// Upsert atomically replaces this actor's rule definition, persists it, and
// mirrors it into the in-memory cache used by the redirect hot path.
func (a *Actor) Upsert(ctx context.Context, r model.RedirectRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.hydrate(true); err != nil {
		return err
	}
	a.lastUsed = time.Now()

	headersJSON, err := json.Marshal(r.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("rule actor %q: encode headers: %w", a.name, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rules VALUES (?, ?, ?, ?, ?)`,
		r.RuleURL, r.TenantID, r.ResponseStatus, r.ResponseLocation, string(headersJSON))
	if err != nil {
		return fmt.Errorf("rule actor %q: upsert rule: %w", a.name, err)
	}
	if err := a.kv.PutString(tenantIDKey, r.TenantID); err != nil {
		return fmt.Errorf("rule actor %q: record tenant: %w", a.name, err)
	}

	a.rules[r.RuleURL] = r
	return nil
}

// Redirect serves the hot path: a cache-only rule lookup plus at most one
// durable write (the visit row). A miss performs no durable I/O at all.
func (a *Actor) Redirect(ctx context.Context, lookupKey string, meta model.VisitMeta) (model.RedirectResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.hydrate(false); err != nil {
		return model.RedirectResponse{}, err
	}
	a.lastUsed = time.Now()

	r, ok := a.rules[lookupKey]
	if !ok {
		return model.RedirectResponse{}, ErrNoRule
	}

	detail, err := json.Marshal(meta)
	if err != nil {
		return model.RedirectResponse{}, fmt.Errorf("rule actor %q: encode visit: %w", a.name, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO url_visits VALUES (?, ?, ?, ?)`,
		lookupKey, time.Now().UnixMilli(), uuid.NewString(), string(detail))
	if err != nil {
		return model.RedirectResponse{}, fmt.Errorf("rule actor %q: record visit: %w", a.name, err)
	}
	a.scheduleStatsSubmissionLocked()

	return model.RedirectResponse{
		Status:   r.ResponseStatus,
		Location: r.ResponseLocation,
		Headers:  append([]model.HeaderPair(nil), r.ResponseHeaders...),
	}, nil
}

// DeleteAll cancels any pending roll-up and wipes every durable trace of
// this actor: rule row, visit log, KV, the database file itself.
func (a *Actor) DeleteAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return storage.ErrClosed
	}
	if a.alarmTimer != nil {
		a.alarmTimer.Stop()
		a.alarmTimer = nil
	}
	a.alarmPending = false

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("[rule] %s: close during delete: %v", a.name, err)
		}
		a.db = nil
		a.kv = nil
	}
	a.rules = make(map[string]model.RedirectRule)
	a.hydrated = false

	if err := storage.RemoveDB(a.cfg.DBPath); err != nil {
		return fmt.Errorf("rule actor %q: remove db: %w", a.name, err)
	}
	return nil
}

// scheduleStatsSubmissionLocked arms the roll-up alarm unless one is already
// pending. Callers hold a.mu.
func (a *Actor) scheduleStatsSubmissionLocked() {
	if a.alarmPending {
		return
	}
	a.alarmPending = true
	a.alarmTimer = time.AfterFunc(a.cfg.SubmitDelay, a.alarm)
}

// ScheduleStatsSubmission arms the roll-up alarm. Used by the periodic sweep
// to drain visit rows left behind by a crash or an earlier failed push.
func (a *Actor) ScheduleStatsSubmission() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.hydrated {
		return
	}
	a.scheduleStatsSubmissionLocked()
}

// alarm folds the raw visit log into hourly aggregates, pushes them to the
// owning tenant, then prunes rows past retention. The push happens outside
// the actor lock so a tenant actor calling back in cannot deadlock.
func (a *Actor) alarm() {
	tenantID, aggs, err := a.collectAggregates()
	if err != nil {
		if !errors.Is(err, storage.ErrClosed) {
			log.Printf("[rule] %s: aggregate visits: %v", a.name, err)
		}
		return
	}

	if len(aggs) > 0 {
		if tenantID == "" {
			// No rule row and no KV entry to attribute the visits to.
			// Keep the rows so a later alarm can roll them up once the
			// owner is known again.
			log.Printf("[rule] %s: visits pending but no owning tenant recorded, skipping roll-up", a.name)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.cfg.Stats.RecordStats(ctx, tenantID, aggs)
		cancel()
		if err != nil {
			log.Printf("[rule] %s: push stats to tenant %s: %v", a.name, tenantID, err)
			// Leave the visit rows in place; re-arm so the next alarm
			// re-aggregates the same hours idempotently.
			a.ScheduleStatsSubmission()
			return
		}
	}

	if err := a.pruneVisits(); err != nil && !errors.Is(err, storage.ErrClosed) {
		log.Printf("[rule] %s: prune visits: %v", a.name, err)
	}
}

func (a *Actor) collectAggregates() (string, []model.VisitAggregate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.alarmPending = false
	a.alarmTimer = nil

	if a.closed {
		return "", nil, storage.ErrClosed
	}
	if !a.hydrated {
		return "", nil, nil
	}

	tenantID, found, err := a.kv.GetString(tenantIDKey)
	if err != nil {
		return "", nil, err
	}
	if !found {
		// Pre-redundancy databases only carry the tenant on the rule row.
		err = a.db.QueryRow(`SELECT tenant_id FROM rules LIMIT 1`).Scan(&tenantID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", nil, err
		}
	}

	rows, err := a.db.Query(`
		SELECT slug_url, (ts_ms / 3600000) * 3600000 AS ts_hour_ms, COUNT(*)
		FROM url_visits
		GROUP BY slug_url, ts_hour_ms`)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var aggs []model.VisitAggregate
	for rows.Next() {
		var agg model.VisitAggregate
		if err := rows.Scan(&agg.RuleURL, &agg.TsHourMs, &agg.TotalVisits); err != nil {
			return "", nil, err
		}
		aggs = append(aggs, agg)
	}
	return tenantID, aggs, rows.Err()
}

func (a *Actor) pruneVisits() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return storage.ErrClosed
	}
	if !a.hydrated {
		return nil
	}
	cutoff := time.Now().Add(-a.cfg.Retention).UnixMilli()
	// Truncate to the start of the cutoff's hour. Deleting part of a
	// bucket would make the next re-aggregation of that hour overwrite
	// the tenant's total with a count built from the surviving rows only.
	cutoff = cutoff / 3600000 * 3600000
	_, err := a.db.Exec(`DELETE FROM url_visits WHERE ts_ms < ?`, cutoff)
	return err
}

// HasUnflushedVisits reports whether raw visit rows are waiting for roll-up.
// The sweep uses it to recover visits orphaned by a failed push.
func (a *Actor) HasUnflushedVisits() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.hydrated || a.alarmPending {
		return false
	}
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM url_visits`).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Hydrated reports whether the actor has durable state attached. A shell
// built for a lookup miss never hydrates and is safe to discard.
func (a *Actor) Hydrated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hydrated
}

// AlarmPending reports whether a roll-up is scheduled. The eviction sweep
// must not evict an actor that still owes its tenant a stats push.
func (a *Actor) AlarmPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarmPending
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
	if a.alarmTimer != nil {
		a.alarmTimer.Stop()
		a.alarmTimer = nil
	}
	a.alarmPending = false
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		a.kv = nil
		return err
	}
	return nil
}
