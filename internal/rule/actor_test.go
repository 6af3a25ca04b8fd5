package rule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/storage"
)

type captureSink struct {
	mu      sync.Mutex
	tenants []string
	batches [][]model.VisitAggregate
	failures int

	pushed chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{pushed: make(chan struct{}, 16)}
}

func (s *captureSink) RecordStats(ctx context.Context, tenantID string, aggs []model.VisitAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.tenants = append(s.tenants, tenantID)
	s.batches = append(s.batches, aggs)
	s.pushed <- struct{}{}
	return nil
}

func (s *captureSink) lastBatch(t *testing.T) (string, []model.VisitAggregate) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		t.Fatal("no stats batches pushed")
	}
	return s.tenants[len(s.tenants)-1], s.batches[len(s.batches)-1]
}

func awaitPush(t *testing.T, s *captureSink) {
	t.Helper()
	select {
	case <-s.pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stats push")
	}
}

func newTestActor(t *testing.T, sink StatsSink) (*Actor, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rules", "actor.db")
	a := New("https://x/y", Config{
		DBPath:      dbPath,
		SubmitDelay: 30 * time.Millisecond,
		Retention:   time.Millisecond,
		Stats:       sink,
	})
	t.Cleanup(func() { a.Close() })
	return a, dbPath
}

func testRule() model.RedirectRule {
	return model.RedirectRule{
		TenantID:         "t1",
		RuleURL:          "https://x/y",
		ResponseStatus:   302,
		ResponseLocation: "https://z",
		ResponseHeaders:  []model.HeaderPair{{"A", "B"}},
	}
}

func TestUpsertAndRedirect(t *testing.T) {
	sink := newCaptureSink()
	a, _ := newTestActor(t, sink)
	ctx := context.Background()

	if err := a.Upsert(ctx, testRule()); err != nil {
		t.Fatal(err)
	}

	resp, err := a.Redirect(ctx, "https://x/y", model.VisitMeta{UserAgent: "curl/8"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 302 || resp.Location != "https://z" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Headers) != 1 || resp.Headers[0].Name() != "A" || resp.Headers[0].Value() != "B" {
		t.Fatalf("headers = %+v", resp.Headers)
	}

	awaitPush(t, sink)
	tenant, batch := sink.lastBatch(t)
	if tenant != "t1" {
		t.Fatalf("tenant = %q", tenant)
	}
	if len(batch) != 1 || batch[0].RuleURL != "https://x/y" || batch[0].TotalVisits != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	wantHour := time.Now().UnixMilli() / 3600000 * 3600000
	if batch[0].TsHourMs != wantHour {
		t.Fatalf("hour bucket = %d, want %d", batch[0].TsHourMs, wantHour)
	}
}

func TestRedirectMissWritesNothing(t *testing.T) {
	a, dbPath := newTestActor(t, newCaptureSink())

	_, err := a.Redirect(context.Background(), "https://x/y", model.VisitMeta{})
	if !errors.Is(err, ErrNoRule) {
		t.Fatalf("err = %v, want ErrNoRule", err)
	}
	if storage.DBFileExists(dbPath) {
		t.Fatal("a redirect miss must not create the database file")
	}
}

func TestVisitsCoalesceIntoOneBatch(t *testing.T) {
	sink := newCaptureSink()
	a := New("https://x/y", Config{
		DBPath:      filepath.Join(t.TempDir(), "actor.db"),
		SubmitDelay: 30 * time.Millisecond,
		Retention:   time.Hour,
		Stats:       sink,
	})
	t.Cleanup(func() { a.Close() })
	ctx := context.Background()

	if err := a.Upsert(ctx, testRule()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Redirect(ctx, "https://x/y", model.VisitMeta{}); err != nil {
			t.Fatal(err)
		}
	}

	// The alarm may fire mid-loop and split the visits across two pushes;
	// the hour buckets overlap, so the latest batch carries the full count.
	deadline := time.Now().Add(5 * time.Second)
	for {
		awaitPush(t, sink)
		_, batch := sink.lastBatch(t)
		var total int64
		for _, agg := range batch {
			total += agg.TotalVisits
		}
		if total == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("total visits = %d, want 3", total)
		}
		a.ScheduleStatsSubmission()
	}
}

func TestFailedPushRetriesWithoutDataLoss(t *testing.T) {
	sink := newCaptureSink()
	sink.failures = 1
	a, _ := newTestActor(t, sink)
	ctx := context.Background()

	if err := a.Upsert(ctx, testRule()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Redirect(ctx, "https://x/y", model.VisitMeta{}); err != nil {
		t.Fatal(err)
	}

	// First alarm fails the push, leaves the rows, and re-arms itself.
	awaitPush(t, sink)
	_, batch := sink.lastBatch(t)
	if len(batch) != 1 || batch[0].TotalVisits != 1 {
		t.Fatalf("retried batch = %+v", batch)
	}
}

func TestPruneAfterSuccessfulPush(t *testing.T) {
	sink := newCaptureSink()
	a, _ := newTestActor(t, sink)
	ctx := context.Background()

	if err := a.Upsert(ctx, testRule()); err != nil {
		t.Fatal(err)
	}
	// A visit old enough that its whole hour bucket is past retention.
	stale := time.Now().Add(-3 * time.Hour).UnixMilli()
	a.mu.Lock()
	_, err := a.db.Exec(`INSERT INTO url_visits VALUES (?, ?, ?, ?)`, "https://x/y", stale, "visit-1", "{}")
	a.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	a.alarm()
	awaitPush(t, sink)
	if a.HasUnflushedVisits() {
		t.Fatal("visit rows past retention should be pruned after a successful push")
	}
}

func TestPruneKeepsWholeHourBuckets(t *testing.T) {
	sink := newCaptureSink()
	now := time.Now().UnixMilli()
	// Two visits in the hour two hours back, with retention putting the
	// raw cutoff between them.
	bucket := (now/3600000 - 2) * 3600000
	earlier := bucket + 10*60*1000
	later := bucket + 30*60*1000
	retention := time.Duration(now-(bucket+20*60*1000)) * time.Millisecond

	a := New("https://x/y", Config{
		DBPath:      filepath.Join(t.TempDir(), "actor.db"),
		SubmitDelay: time.Hour,
		Retention:   retention,
		Stats:       sink,
	})
	t.Cleanup(func() { a.Close() })

	if err := a.Upsert(context.Background(), testRule()); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	for _, ts := range []int64{earlier, later} {
		if _, err := a.db.Exec(`INSERT INTO url_visits VALUES (?, ?, ?, ?)`,
			"https://x/y", ts, "visit-"+time.UnixMilli(ts).String(), "{}"); err != nil {
			a.mu.Unlock()
			t.Fatal(err)
		}
	}
	a.mu.Unlock()

	a.alarm()
	awaitPush(t, sink)
	_, batch := sink.lastBatch(t)
	if len(batch) != 1 || batch[0].TsHourMs != bucket || batch[0].TotalVisits != 2 {
		t.Fatalf("first batch = %+v", batch)
	}

	// Re-aggregating after the prune must report the same count: either
	// both of the hour's rows survive or neither does, never one.
	a.alarm()
	awaitPush(t, sink)
	_, batch = sink.lastBatch(t)
	if len(batch) != 1 || batch[0].TsHourMs != bucket || batch[0].TotalVisits != 2 {
		t.Fatalf("re-aggregated batch = %+v, want the full count for hour %d", batch, bucket)
	}
}

func TestUnattributedVisitsSurviveUntilOwnerKnown(t *testing.T) {
	sink := newCaptureSink()
	a := New("https://x/y", Config{
		DBPath:      filepath.Join(t.TempDir(), "actor.db"),
		SubmitDelay: time.Hour,
		Retention:   time.Millisecond,
		Stats:       sink,
	})
	t.Cleanup(func() { a.Close() })

	// Hydrate without ever writing a rule, so neither the KV nor the
	// rules table can name the owning tenant.
	a.mu.Lock()
	if err := a.hydrate(true); err != nil {
		a.mu.Unlock()
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	_, err := a.db.Exec(`INSERT INTO url_visits VALUES (?, ?, ?, ?)`, "https://x/y", stale, "visit-1", "{}")
	a.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	a.alarm()

	sink.mu.Lock()
	pushes := len(sink.batches)
	sink.mu.Unlock()
	if pushes != 0 {
		t.Fatalf("unattributable visits must not be pushed, got %d batches", pushes)
	}
	if !a.HasUnflushedVisits() {
		t.Fatal("visit rows must survive the skipped roll-up so a later alarm can retry")
	}
}

func TestDeleteAllWipesState(t *testing.T) {
	a, dbPath := newTestActor(t, newCaptureSink())
	ctx := context.Background()

	if err := a.Upsert(ctx, testRule()); err != nil {
		t.Fatal(err)
	}
	if !storage.DBFileExists(dbPath) {
		t.Fatal("expected db file after upsert")
	}

	if err := a.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	if storage.DBFileExists(dbPath) {
		t.Fatal("db file must be removed")
	}
	if _, err := a.Redirect(ctx, "https://x/y", model.VisitMeta{}); !errors.Is(err, ErrNoRule) {
		t.Fatalf("err = %v, want ErrNoRule after delete", err)
	}
}

func TestRehydrateFromDisk(t *testing.T) {
	sink := newCaptureSink()
	dbPath := filepath.Join(t.TempDir(), "actor.db")
	cfg := Config{DBPath: dbPath, SubmitDelay: 30 * time.Millisecond, Retention: time.Hour, Stats: sink}

	a := New("https://x/y", cfg)
	if err := a.Upsert(context.Background(), testRule()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh actor over the same file sees the durable rule.
	b := New("https://x/y", cfg)
	defer b.Close()
	resp, err := b.Redirect(context.Background(), "https://x/y", model.VisitMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Location != "https://z" {
		t.Fatalf("location = %q", resp.Location)
	}
}

func TestClosedActorRejectsOperations(t *testing.T) {
	a, _ := newTestActor(t, newCaptureSink())
	if err := a.Upsert(context.Background(), testRule()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Redirect(context.Background(), "https://x/y", model.VisitMeta{}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("err = %v, want storage.ErrClosed", err)
	}
}
