package service

import (
	"context"
	"errors"
	"net/netip"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/rule"
)

// ErrNoRedirect is returned when no rule serves the requested URL. The API
// layer maps it to the data-plane 404 response.
var ErrNoRedirect = errors.New("service: no redirect configured for URL")

// Redirect serves the data plane. Known-miss URLs are answered straight
// from the negative-lookup cache without touching any actor, so junk
// traffic cannot churn the registry or the filesystem.
func (s *ControlPlaneService) Redirect(ctx context.Context, lookupKey, userAgent string, remoteIP netip.Addr) (model.RedirectResponse, error) {
	if _, known := s.missCache.Get(lookupKey); known {
		return model.RedirectResponse{}, ErrNoRedirect
	}

	meta := model.VisitMeta{UserAgent: userAgent}
	if s.geo != nil {
		meta.Country = s.geo.Lookup(remoteIP)
	}

	resp, err := s.host.Redirect(ctx, lookupKey, meta)
	if err != nil {
		if errors.Is(err, rule.ErrNoRule) {
			s.missCache.Set(lookupKey, struct{}{})
			return model.RedirectResponse{}, ErrNoRedirect
		}
		return model.RedirectResponse{}, internal("serve redirect", err)
	}
	return resp, nil
}
