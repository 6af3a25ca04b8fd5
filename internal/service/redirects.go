package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/tenant"
)

// UpsertParams is the request payload for creating or replacing a rule.
type UpsertParams struct {
	RuleURL          string             `json:"ruleUrl"`
	ResponseStatus   int                `json:"responseStatus"`
	ResponseLocation string             `json:"responseLocation"`
	ResponseHeaders  []model.HeaderPair `json:"responseHeaders"`
}

// normalizeRuleURL validates and canonicalizes a rule URL: either a
// tenant-scoped wildcard path (`*/path`) or a fully-qualified http(s) URL
// reduced to origin + path, the same shape the serving path derives from an
// inbound request.
func normalizeRuleURL(raw string) (string, *ServiceError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidArg("ruleUrl is required")
	}
	if strings.HasPrefix(raw, "*/") {
		if len(raw) == len("*/") {
			return "", invalidArg("wildcard ruleUrl needs a path after */")
		}
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", invalidArg(fmt.Sprintf("ruleUrl is not a valid URL: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalidArg("ruleUrl must be http(s) or a */ wildcard path")
	}
	if u.Host == "" {
		return "", invalidArg("ruleUrl is missing a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", invalidArg("ruleUrl must not carry a query string or fragment; redirects match on origin + path only")
	}
	return u.Scheme + "://" + u.Host + u.Path, nil
}

func validateUpsert(p UpsertParams) *ServiceError {
	if p.ResponseStatus < 300 || p.ResponseStatus > 399 {
		return invalidArg(fmt.Sprintf("responseStatus must be a 3xx redirect code, got %d", p.ResponseStatus))
	}
	loc := strings.TrimSpace(p.ResponseLocation)
	if loc == "" {
		return invalidArg("responseLocation is required")
	}
	u, err := url.Parse(loc)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalidArg("responseLocation must be an absolute URL")
	}
	for i, h := range p.ResponseHeaders {
		if !httpguts.ValidHeaderFieldName(h.Name()) {
			return invalidArg(fmt.Sprintf("responseHeaders[%d]: invalid header name %q", i, h.Name()))
		}
		if !httpguts.ValidHeaderFieldValue(h.Value()) {
			return invalidArg(fmt.Sprintf("responseHeaders[%d]: invalid value for header %q", i, h.Name()))
		}
	}
	return nil
}

// Upsert validates, routes the mutation through the tenant actor, and
// invalidates any cached negative lookup for the rule's URL so a freshly
// created rule serves immediately.
func (s *ControlPlaneService) Upsert(ctx context.Context, tenantID string, p UpsertParams) (model.RuleListing, error) {
	if strings.TrimSpace(tenantID) == "" {
		return model.RuleListing{}, invalidArg("tenant ID is required")
	}
	ruleURL, verr := normalizeRuleURL(p.RuleURL)
	if verr != nil {
		return model.RuleListing{}, verr
	}
	if verr := validateUpsert(p); verr != nil {
		return model.RuleListing{}, verr
	}

	headers := p.ResponseHeaders
	if headers == nil {
		headers = []model.HeaderPair{}
	}
	listing, err := s.host.Upsert(ctx, model.RedirectRule{
		TenantID:         tenantID,
		RuleURL:          ruleURL,
		ResponseStatus:   p.ResponseStatus,
		ResponseLocation: strings.TrimSpace(p.ResponseLocation),
		ResponseHeaders:  headers,
	})
	if err != nil {
		if errors.Is(err, tenant.ErrTenantMismatch) {
			return model.RuleListing{}, tenantMismatch(err.Error())
		}
		return model.RuleListing{}, internal(fmt.Sprintf("upsert rule %q", ruleURL), err)
	}

	s.missCache.Delete(ruleURL)
	return listing, nil
}

// Delete routes the wipe through the tenant actor and returns the fresh
// listing.
func (s *ControlPlaneService) Delete(ctx context.Context, tenantID, rawRuleURL string) (model.RuleListing, error) {
	if strings.TrimSpace(tenantID) == "" {
		return model.RuleListing{}, invalidArg("tenant ID is required")
	}
	ruleURL, verr := normalizeRuleURL(rawRuleURL)
	if verr != nil {
		return model.RuleListing{}, verr
	}

	listing, err := s.host.Delete(ctx, tenantID, ruleURL)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantMismatch) {
			return model.RuleListing{}, tenantMismatch(err.Error())
		}
		return model.RuleListing{}, internal(fmt.Sprintf("delete rule %q", ruleURL), err)
	}
	return listing, nil
}

// List returns the tenant's rules and aggregated stats.
func (s *ControlPlaneService) List(ctx context.Context, tenantID string) (model.RuleListing, error) {
	if strings.TrimSpace(tenantID) == "" {
		return model.RuleListing{}, invalidArg("tenant ID is required")
	}
	listing, err := s.host.List(ctx, tenantID)
	if err != nil {
		return model.RuleListing{}, internal(fmt.Sprintf("list rules for tenant %q", tenantID), err)
	}
	return listing, nil
}
