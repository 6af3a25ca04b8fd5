package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rediflare/rediflare/internal/naming"
)

// KeySet is the set of accepted API keys. Each key carries its tenant ID in
// its shape (rf_key_<tenant>_<token>), so authenticating a request and
// attributing it to a tenant are one lookup.
type KeySet struct {
	keys map[string]string // full key -> tenant ID
}

// keysFileDoc is the YAML shape of RF_API_KEYS_FILE.
type keysFileDoc struct {
	Keys []string `yaml:"keys"`
}

// LoadKeySet builds the key set from the CSV env value and/or the YAML keys
// file. Every key must be well-formed; weak tokens are accepted with a
// logged warning so a deploy with a poor key still comes up.
func LoadKeySet(csv, filePath string) (*KeySet, error) {
	var raw []string
	for _, k := range strings.Split(csv, ",") {
		if k = strings.TrimSpace(k); k != "" {
			raw = append(raw, k)
		}
	}

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("config: read keys file: %w", err)
		}
		var doc keysFileDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse keys file %s: %w", filePath, err)
		}
		for _, k := range doc.Keys {
			if k = strings.TrimSpace(k); k != "" {
				raw = append(raw, k)
			}
		}
	}

	ks := &KeySet{keys: make(map[string]string, len(raw))}
	for _, k := range raw {
		tenantID, err := naming.TenantIDFromAPIKey(k)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		token := k[strings.LastIndex(k, "_")+1:]
		if IsWeakToken(token) {
			log.Printf("[config] API key for tenant %q has a weak token, consider regenerating it", tenantID)
		}
		ks.keys[k] = tenantID
	}
	return ks, nil
}

// TenantFor returns the tenant ID for a presented key, or false when the
// key is not in the set.
func (ks *KeySet) TenantFor(key string) (string, bool) {
	tenantID, ok := ks.keys[key]
	return tenantID, ok
}

// Len reports how many keys are configured.
func (ks *KeySet) Len() int { return len(ks.keys) }
