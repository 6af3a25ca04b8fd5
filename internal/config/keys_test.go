package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadKeySetFromCSV(t *testing.T) {
	ks, err := LoadKeySet(" rf_key_t1_FirstT0kenXyz , rf_key_t2_Sec0ndT0kenAbc ,", "")
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 2 {
		t.Fatalf("Len = %d", ks.Len())
	}
	tenant, ok := ks.TenantFor("rf_key_t1_FirstT0kenXyz")
	if !ok || tenant != "t1" {
		t.Fatalf("TenantFor = %q, %v", tenant, ok)
	}
	if _, ok := ks.TenantFor("rf_key_t3_unknown"); ok {
		t.Fatal("unknown key must not resolve")
	}
}

func TestLoadKeySetFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	doc := "keys:\n  - rf_key_acme_team_L0ngT0kenValueHere\n  - rf_key_beta_An0therT0kenValue\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	ks, err := LoadKeySet("", path)
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 2 {
		t.Fatalf("Len = %d", ks.Len())
	}
	// Tenant IDs may contain underscores; the token is the last segment.
	tenant, ok := ks.TenantFor("rf_key_acme_team_L0ngT0kenValueHere")
	if !ok || tenant != "acme_team" {
		t.Fatalf("TenantFor = %q, %v", tenant, ok)
	}
}

func TestLoadKeySetRejectsMalformedKey(t *testing.T) {
	if _, err := LoadKeySet("not-an-rf-key", ""); err == nil {
		t.Fatal("expected malformed-key error")
	}
}

func TestLoadKeySetMergesSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("keys: [rf_key_t2_FileT0kenValue]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ks, err := LoadKeySet("rf_key_t1_EnvT0kenValue", path)
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 2 {
		t.Fatalf("Len = %d", ks.Len())
	}
}
