package geoip

import (
	"net/netip"
	"testing"
)

func TestDisabledServiceReturnsEmpty(t *testing.T) {
	s := NewService("")
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := s.Lookup(netip.MustParseAddr("8.8.8.8")); got != "" {
		t.Fatalf("Lookup = %q, want empty with no database", got)
	}
}

func TestMissingDatabaseIsNotFatal(t *testing.T) {
	s := NewService(t.TempDir() + "/absent.mmdb")
	if err := s.Start(); err != nil {
		t.Fatalf("missing database must not be fatal: %v", err)
	}
	defer s.Close()

	if got := s.Lookup(netip.MustParseAddr("1.1.1.1")); got != "" {
		t.Fatalf("Lookup = %q, want empty", got)
	}
	// Reload with the file still absent is a no-op.
	s.MaybeReload()
}

func TestLookupInvalidAddr(t *testing.T) {
	s := NewService("")
	defer s.Close()
	if got := s.Lookup(netip.Addr{}); got != "" {
		t.Fatalf("Lookup = %q, want empty for invalid addr", got)
	}
}
