package service

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/rediflare/rediflare/internal/actor"
	"github.com/rediflare/rediflare/internal/model"
)

type staticGeo struct{ country string }

func (g staticGeo) Lookup(netip.Addr) string { return g.country }

func newTestService(t *testing.T) *ControlPlaneService {
	t.Helper()
	host := actor.NewHost(actor.Config{
		StateDir:         t.TempDir(),
		StatsSubmitDelay: time.Hour,
		IdleEvictAfter:   time.Hour,
	})
	t.Cleanup(host.Close)
	return New(Config{
		Host:          host,
		Geo:           staticGeo{country: "NL"},
		MissCacheSize: 64,
		MissCacheTTL:  time.Minute,
	})
}

func validParams() UpsertParams {
	return UpsertParams{
		RuleURL:          "https://short.example.com/go",
		ResponseStatus:   302,
		ResponseLocation: "https://dest.example.com/landing",
		ResponseHeaders:  []model.HeaderPair{{"Cache-Control", "no-store"}},
	}
}

func TestUpsertRejectsBadInput(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*UpsertParams)
	}{
		{"empty rule url", func(p *UpsertParams) { p.RuleURL = "  " }},
		{"bare wildcard", func(p *UpsertParams) { p.RuleURL = "*/" }},
		{"ftp scheme", func(p *UpsertParams) { p.RuleURL = "ftp://x/y" }},
		{"query in rule url", func(p *UpsertParams) { p.RuleURL = "https://x/y?q=1" }},
		{"fragment in rule url", func(p *UpsertParams) { p.RuleURL = "https://x/y#frag" }},
		{"missing host", func(p *UpsertParams) { p.RuleURL = "https:///path" }},
		{"status too low", func(p *UpsertParams) { p.ResponseStatus = 200 }},
		{"status too high", func(p *UpsertParams) { p.ResponseStatus = 404 }},
		{"empty location", func(p *UpsertParams) { p.ResponseLocation = "" }},
		{"relative location", func(p *UpsertParams) { p.ResponseLocation = "/relative" }},
		{"bad header name", func(p *UpsertParams) { p.ResponseHeaders = []model.HeaderPair{{"bad header", "v"}} }},
		{"bad header value", func(p *UpsertParams) { p.ResponseHeaders = []model.HeaderPair{{"X-Ok", "bad\x00value"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := s.Upsert(ctx, "t1", p)
			var svcErr *ServiceError
			if !errors.As(err, &svcErr) || svcErr.Code != "INVALID_ARGUMENT" {
				t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
			}
		})
	}

	// Nothing slipped through to durable state.
	listing, err := s.List(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Rules) != 0 {
		t.Fatalf("rejected upserts must not persist, listing = %+v", listing)
	}
}

func TestUpsertAcceptsWildcardAndFullURL(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := validParams()
	if _, err := s.Upsert(ctx, "t1", p); err != nil {
		t.Fatal(err)
	}
	p.RuleURL = "*/promo"
	listing, err := s.Upsert(ctx, "t1", p)
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Rules) != 2 {
		t.Fatalf("listing = %+v", listing)
	}
}

func TestRedirectServesConfiguredRule(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "t1", validParams()); err != nil {
		t.Fatal(err)
	}

	resp, err := s.Redirect(ctx, "https://short.example.com/go", "curl/8", netip.MustParseAddr("192.0.2.7"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 302 || resp.Location != "https://dest.example.com/landing" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Headers) != 1 || resp.Headers[0].Name() != "Cache-Control" {
		t.Fatalf("headers = %+v", resp.Headers)
	}
}

func TestMissCacheInvalidatedByUpsert(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	addr := netip.MustParseAddr("192.0.2.7")

	// Prime the negative cache.
	if _, err := s.Redirect(ctx, "https://short.example.com/go", "", addr); !errors.Is(err, ErrNoRedirect) {
		t.Fatalf("err = %v, want ErrNoRedirect", err)
	}
	if _, err := s.Redirect(ctx, "https://short.example.com/go", "", addr); !errors.Is(err, ErrNoRedirect) {
		t.Fatalf("cached miss: err = %v, want ErrNoRedirect", err)
	}

	// Creating the rule must punch through the cached miss immediately.
	if _, err := s.Upsert(ctx, "t1", validParams()); err != nil {
		t.Fatal(err)
	}
	resp, err := s.Redirect(ctx, "https://short.example.com/go", "", addr)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 302 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDeleteThenRedirectMisses(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, "t1", validParams()); err != nil {
		t.Fatal(err)
	}
	listing, err := s.Delete(ctx, "t1", "https://short.example.com/go")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Rules) != 0 {
		t.Fatalf("listing = %+v", listing)
	}
	if _, err := s.Redirect(ctx, "https://short.example.com/go", "", netip.Addr{}); !errors.Is(err, ErrNoRedirect) {
		t.Fatalf("err = %v, want ErrNoRedirect after delete", err)
	}
}
