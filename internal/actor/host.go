// Package actor hosts the tenant and rule actor registries: it resolves
// logical names to live actor instances, routes cross-actor calls, and
// evicts idle actors so the process scales to far more rules than it can
// keep open database handles for.
package actor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/naming"
	"github.com/rediflare/rediflare/internal/rule"
	"github.com/rediflare/rediflare/internal/storage"
	"github.com/rediflare/rediflare/internal/tenant"
)

// Config tunes the host. Zero values fall back to production defaults.
type Config struct {
	// StateDir is the root under which every actor's SQLite file lives.
	StateDir string

	// StatsSubmitDelay and VisitsRetention are passed through to rule
	// actors.
	StatsSubmitDelay time.Duration
	VisitsRetention  time.Duration

	// IdleEvictAfter is how long an actor may sit unused before the
	// sweep closes it and drops it from the registry.
	IdleEvictAfter time.Duration
}

// Host owns both actor registries. It implements tenant.RuleDirectory and
// rule.StatsSink, closing the Tenant ⇄ Rule call graph without either
// package importing the other.
type Host struct {
	cfg Config

	tenants *xsync.Map[string, *tenant.Actor]
	rules   *xsync.Map[string, *rule.Actor]
}

// NewHost builds an empty host. Actors materialize lazily on first access.
func NewHost(cfg Config) *Host {
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 15 * time.Minute
	}
	return &Host{
		cfg:     cfg,
		tenants: xsync.NewMap[string, *tenant.Actor](),
		rules:   xsync.NewMap[string, *rule.Actor](),
	}
}

func (h *Host) tenantActor(tenantID string) *tenant.Actor {
	a, _ := h.tenants.LoadOrCompute(tenantID, func() (*tenant.Actor, bool) {
		return tenant.New(tenantID, tenant.Config{
			DBPath: naming.TenantDBPath(h.cfg.StateDir, tenantID),
			Rules:  h,
		}), false
	})
	return a
}

func (h *Host) ruleActor(actorName string) *rule.Actor {
	a, _ := h.rules.LoadOrCompute(actorName, func() (*rule.Actor, bool) {
		return rule.New(actorName, rule.Config{
			DBPath:      naming.RuleDBPath(h.cfg.StateDir, actorName),
			SubmitDelay: h.cfg.StatsSubmitDelay,
			Retention:   h.cfg.VisitsRetention,
			Stats:       h,
		}), false
	})
	return a
}

// Upsert routes a rule mutation through the owning tenant actor, which
// forwards the authoritative write to the rule actor and mirrors a summary.
func (h *Host) Upsert(ctx context.Context, r model.RedirectRule) (model.RuleListing, error) {
	var listing model.RuleListing
	err := h.withRetry(func() error {
		var err error
		listing, err = h.tenantActor(r.TenantID).Upsert(ctx, r)
		if errors.Is(err, storage.ErrClosed) {
			h.tenants.Delete(r.TenantID)
		}
		return err
	})
	return listing, err
}

// Delete routes a rule wipe through the owning tenant actor.
func (h *Host) Delete(ctx context.Context, tenantID, ruleURL string) (model.RuleListing, error) {
	var listing model.RuleListing
	err := h.withRetry(func() error {
		var err error
		listing, err = h.tenantActor(tenantID).Delete(ctx, tenantID, ruleURL)
		if errors.Is(err, storage.ErrClosed) {
			h.tenants.Delete(tenantID)
		}
		return err
	})
	return listing, err
}

// List returns the tenant's rule summaries and aggregates.
func (h *Host) List(ctx context.Context, tenantID string) (model.RuleListing, error) {
	var listing model.RuleListing
	err := h.withRetry(func() error {
		var err error
		listing, err = h.tenantActor(tenantID).List(ctx)
		if errors.Is(err, storage.ErrClosed) {
			h.tenants.Delete(tenantID)
		}
		return err
	})
	return listing, err
}

// Redirect resolves the rule actor addressed by the eyeball lookup key and
// serves from it. Misses return rule.ErrNoRule; an actor shell built only
// to discover a miss is discarded immediately so junk URLs cannot grow the
// registry.
func (h *Host) Redirect(ctx context.Context, lookupKey string, meta model.VisitMeta) (model.RedirectResponse, error) {
	var resp model.RedirectResponse
	err := h.withRetry(func() error {
		a := h.ruleActor(lookupKey)
		var err error
		resp, err = a.Redirect(ctx, lookupKey, meta)
		switch {
		case errors.Is(err, storage.ErrClosed):
			h.rules.Delete(lookupKey)
		case errors.Is(err, rule.ErrNoRule) && !a.Hydrated():
			h.dropIfSame(lookupKey, a)
		}
		return err
	})
	return resp, err
}

// UpsertRule implements tenant.RuleDirectory.
func (h *Host) UpsertRule(ctx context.Context, r model.RedirectRule) error {
	actorName := naming.RuleActorName(r.TenantID, r.RuleURL)
	return h.withRetry(func() error {
		err := h.ruleActor(actorName).Upsert(ctx, r)
		if errors.Is(err, storage.ErrClosed) {
			h.rules.Delete(actorName)
		}
		return err
	})
}

// DeleteRule implements tenant.RuleDirectory: full wipe of the rule actor's
// durable state, then removal from the registry.
func (h *Host) DeleteRule(ctx context.Context, tenantID, ruleURL string) error {
	actorName := naming.RuleActorName(tenantID, ruleURL)
	return h.withRetry(func() error {
		a := h.ruleActor(actorName)
		err := a.DeleteAll()
		if errors.Is(err, storage.ErrClosed) {
			h.rules.Delete(actorName)
			return err
		}
		if err == nil {
			h.dropIfSame(actorName, a)
			a.Close()
		}
		return err
	})
}

// RecordStats implements rule.StatsSink by routing to the owning tenant.
func (h *Host) RecordStats(ctx context.Context, tenantID string, aggs []model.VisitAggregate) error {
	return h.withRetry(func() error {
		err := h.tenantActor(tenantID).RecordStats(ctx, tenantID, aggs)
		if errors.Is(err, storage.ErrClosed) {
			h.tenants.Delete(tenantID)
		}
		return err
	})
}

// withRetry re-resolves once when an operation lands on an actor that the
// eviction sweep closed between lookup and use.
func (h *Host) withRetry(op func() error) error {
	err := op()
	if errors.Is(err, storage.ErrClosed) {
		err = op()
	}
	return err
}

// dropIfSame removes name from the rule registry only if it still maps to a.
func (h *Host) dropIfSame(name string, a *rule.Actor) {
	h.rules.Compute(name, func(cur *rule.Actor, loaded bool) (*rule.Actor, xsync.ComputeOp) {
		if loaded && cur == a {
			return cur, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

// SweepIdle closes and unregisters actors idle past the configured window.
// Rule actors with a pending or owed stats push are skipped so roll-ups are
// never lost to eviction.
func (h *Host) SweepIdle() {
	cutoff := time.Now().Add(-h.cfg.IdleEvictAfter)
	evicted := 0

	h.rules.Range(func(name string, a *rule.Actor) bool {
		if a.IdleSince().After(cutoff) || a.AlarmPending() || a.HasUnflushedVisits() {
			return true
		}
		h.dropIfSame(name, a)
		if err := a.Close(); err != nil {
			log.Printf("[actorhost] close rule actor %s: %v", name, err)
		}
		evicted++
		return true
	})

	h.tenants.Range(func(tenantID string, a *tenant.Actor) bool {
		if a.IdleSince().After(cutoff) {
			return true
		}
		h.tenants.Compute(tenantID, func(cur *tenant.Actor, loaded bool) (*tenant.Actor, xsync.ComputeOp) {
			if loaded && cur == a {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		if err := a.Close(); err != nil {
			log.Printf("[actorhost] close tenant actor %s: %v", tenantID, err)
		}
		evicted++
		return true
	})

	if evicted > 0 {
		log.Printf("[actorhost] evicted %d idle actors", evicted)
	}
}

// FlushOrphanedStats re-arms the roll-up alarm on every live rule actor
// still holding visit rows, recovering pushes lost to a crash or a tenant
// outage. Invoked from the cron sweep.
func (h *Host) FlushOrphanedStats() {
	armed := 0
	h.rules.Range(func(name string, a *rule.Actor) bool {
		if a.HasUnflushedVisits() {
			a.ScheduleStatsSubmission()
			armed++
		}
		return true
	})
	if armed > 0 {
		log.Printf("[actorhost] re-armed stats submission on %d rule actors", armed)
	}
}

// Close shuts every live actor down. In-flight operations fail with
// storage.ErrClosed.
func (h *Host) Close() {
	h.rules.Range(func(name string, a *rule.Actor) bool {
		h.rules.Delete(name)
		a.Close()
		return true
	})
	h.tenants.Range(func(tenantID string, a *tenant.Actor) bool {
		h.tenants.Delete(tenantID)
		a.Close()
		return true
	})
}
