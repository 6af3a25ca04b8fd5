// Package naming maps logical identities (tenants, redirect rules, API keys)
// onto actor names and on-disk database filenames.
package naming

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"
)

// PublicTenantID is the tenant every request is attributed to when API
// authentication is disabled.
const PublicTenantID = "rediflare-public-tenant"

// APIKeyPrefix is the leading marker of every valid API key. The full shape
// is rf_key_<tenantID>_<token>.
const APIKeyPrefix = "rf_key_"

// RuleActorName derives the rule actor name for a configured rule URL.
// Wildcard rules (`*/path`) are namespaced per tenant so two tenants can
// register the same path pattern without colliding. Full URLs already embed
// an origin, so the URL itself is the global name.
func RuleActorName(tenantID, ruleURL string) string {
	if strings.HasPrefix(ruleURL, "*/") {
		return tenantID + ":::" + ruleURL
	}
	return ruleURL
}

// LookupKeyFromRequest derives the rule actor name served for an incoming
// eyeball request: scheme://host + path, query string dropped. Wildcard
// actor names contain the `:::` separator and can therefore never match an
// eyeball key.
func LookupKeyFromRequest(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "https" || fwd == "http" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// LookupKeyFromURL is LookupKeyFromRequest for an already-parsed URL.
func LookupKeyFromURL(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

// TenantIDFromAPIKey extracts the tenant ID from an rf_key_<tenant>_<token>
// API key. The token never contains underscores, so the tenant is the
// substring between the prefix and the last separator.
func TenantIDFromAPIKey(key string) (string, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", fmt.Errorf("API key is malformed: missing %q prefix", APIKeyPrefix)
	}
	lastSep := strings.LastIndex(key, "_")
	if lastSep < len(APIKeyPrefix) {
		return "", fmt.Errorf("API key is malformed: no token separator")
	}
	tenantID := strings.TrimSpace(key[len(APIKeyPrefix):lastSep])
	if tenantID == "" {
		return "", fmt.Errorf("API key is malformed: empty tenant ID")
	}
	return tenantID, nil
}

// ActorDBFile hashes an actor name into a filesystem-safe database filename.
// Actor names are URLs and tenant IDs of arbitrary length and charset, so
// they never touch the filesystem directly.
func ActorDBFile(actorName string) string {
	h128 := xxh3.Hash128([]byte(actorName))
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], h128.Lo)
	binary.LittleEndian.PutUint64(b[8:], h128.Hi)
	return hex.EncodeToString(b[:]) + ".db"
}

// TenantDBPath returns the database path for a tenant actor under stateDir.
func TenantDBPath(stateDir, tenantID string) string {
	return filepath.Join(stateDir, "tenants", ActorDBFile(tenantID))
}

// RuleDBPath returns the database path for a rule actor under stateDir.
func RuleDBPath(stateDir, actorName string) string {
	return filepath.Join(stateDir, "rules", ActorDBFile(actorName))
}
