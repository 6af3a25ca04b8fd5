// Package geoip enriches visit events with a country code looked up from a
// local MaxMind database. The whole package is optional: with no database
// configured every lookup returns the empty string.
package geoip

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Service wraps a maxminddb reader behind an RWMutex so the database file
// can be swapped on disk and hot-reloaded without dropping lookups.
type Service struct {
	path string

	mu      sync.RWMutex
	reader  *maxminddb.Reader
	modTime time.Time
}

// NewService builds the service. An empty path disables lookups entirely.
func NewService(path string) *Service {
	return &Service{path: path}
}

// Start loads the database if one is configured and present. A configured
// but missing file is logged, not fatal: the service keeps answering with
// empty country codes and picks the file up on the next MaybeReload.
func (s *Service) Start() error {
	if s.path == "" {
		return nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		log.Printf("[geoip] database %s not found, country enrichment disabled until it appears", s.path)
		return nil
	}
	return s.reload()
}

// Lookup returns the ISO country code for ip, or "" when unknown or when no
// database is loaded.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || !ip.IsValid() {
		return ""
	}
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := s.reader.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// MaybeReload re-opens the database when the file on disk changed. Wired to
// the periodic sweep so operators can drop in a fresh mmdb without a
// restart.
func (s *Service) MaybeReload() {
	if s.path == "" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	current := s.modTime
	s.mu.RUnlock()
	if info.ModTime().Equal(current) {
		return
	}
	if err := s.reload(); err != nil {
		log.Printf("[geoip] reload %s: %v", s.path, err)
	}
}

func (s *Service) reload() error {
	reader, err := maxminddb.Open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		reader.Close()
		return fmt.Errorf("geoip: stat %s: %w", s.path, err)
	}

	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.modTime = info.ModTime()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Printf("[geoip] loaded %s (built %s)", s.path, info.ModTime().UTC().Format(time.RFC3339))
	return nil
}

// Close releases the reader.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}
