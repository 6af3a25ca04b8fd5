// Package model defines domain structs shared across the actor and service layers.
package model

// HeaderPair is one extra (name, value) header attached to a redirect response.
// It serializes as a two-element JSON array to match the stored wire format.
type HeaderPair [2]string

// Name returns the header name.
func (p HeaderPair) Name() string { return p[0] }

// Value returns the header value.
func (p HeaderPair) Value() string { return p[1] }

// RedirectRule is one routing rule: a source URL/pattern mapped to a
// redirect destination, status and extra headers.
type RedirectRule struct {
	TenantID         string       `json:"tenantId"`
	RuleURL          string       `json:"ruleUrl"`
	ResponseStatus   int          `json:"responseStatus"`
	ResponseLocation string       `json:"responseLocation"`
	ResponseHeaders  []HeaderPair `json:"responseHeaders"`
}

// VisitAggregate is the rolled-up visit count for one rule in one UTC hour.
type VisitAggregate struct {
	RuleURL     string `json:"ruleUrl"`
	TsHourMs    int64  `json:"tsHourMs"`
	TotalVisits int64  `json:"totalVisits"`
}

// VisitMeta is the minimal request metadata recorded with a raw visit event.
type VisitMeta struct {
	UserAgent string `json:"userAgent"`
	Country   string `json:"country,omitempty"`
}

// RuleListing is the full per-tenant view: all rule summaries plus all
// hourly aggregates stored on the tenant actor.
type RuleListing struct {
	Rules []RedirectRule   `json:"rules"`
	Stats []VisitAggregate `json:"stats"`
}

// EmptyListing returns a listing with non-nil, empty slices. Used for
// tenants that never created a rule so they still serialize as [].
func EmptyListing() RuleListing {
	return RuleListing{Rules: []RedirectRule{}, Stats: []VisitAggregate{}}
}

// RedirectResponse describes the HTTP response a matched rule produces.
// Extra headers are applied in order; Location and the marker header are
// set by the transport layer on top of these.
type RedirectResponse struct {
	Status   int
	Location string
	Headers  []HeaderPair
}
