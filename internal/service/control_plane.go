// Package service holds the business logic between the HTTP handlers and
// the actor host: input validation, tenant attribution, the negative-lookup
// cache on the redirect hot path, and visit-metadata enrichment.
package service

import (
	"net/netip"
	"time"

	"github.com/maypok86/otter"

	"github.com/rediflare/rediflare/internal/actor"
)

// ServiceError is a typed error carrying an API-visible code.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, TENANT_MISMATCH, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func tenantMismatch(msg string) *ServiceError {
	return &ServiceError{Code: "TENANT_MISMATCH", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// CountryResolver supplies the country code attached to visit metadata.
// geoip.Service implements it; a nil resolver disables enrichment.
type CountryResolver interface {
	Lookup(ip netip.Addr) string
}

// Config wires the control plane service.
type Config struct {
	Host *actor.Host
	Geo  CountryResolver

	// MissCacheSize and MissCacheTTL bound the negative-lookup cache that
	// shields rule actors from floods of requests for unknown URLs.
	MissCacheSize int
	MissCacheTTL  time.Duration
}

// ControlPlaneService provides all rule-management and redirect-serving
// operations. Handlers call its methods; business logic lives here, not in
// handlers.
type ControlPlaneService struct {
	host *actor.Host
	geo  CountryResolver

	missCache otter.Cache[string, struct{}]
}

// New builds the service. Panics on an unbuildable cache, which only
// happens on a nonsensical size.
func New(cfg Config) *ControlPlaneService {
	if cfg.MissCacheSize <= 0 {
		cfg.MissCacheSize = 4096
	}
	if cfg.MissCacheTTL <= 0 {
		cfg.MissCacheTTL = 30 * time.Second
	}
	cache, err := otter.MustBuilder[string, struct{}](cfg.MissCacheSize).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		WithTTL(cfg.MissCacheTTL).
		Build()
	if err != nil {
		panic("service: build miss cache: " + err.Error())
	}
	return &ControlPlaneService{
		host:      cfg.Host,
		geo:       cfg.Geo,
		missCache: cache,
	}
}
