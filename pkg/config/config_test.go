package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opensci/runcat/pkg/config"
)

func TestNewDefaultsValidate(t *testing.T) {
	cfg := config.New("test-catalog")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestValidateRejectsMissingStoreURI(t *testing.T) {
	cfg := config.New("test-catalog")
	cfg.StoreURI = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing store_uri")
	}
}

func TestValidateRejectsUnknownHandlerBackend(t *testing.T) {
	cfg := config.New("test-catalog")
	cfg.HandlerRegistry["bogus"] = config.HandlerConfig{Backend: "ftp", Root: "/data"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown handler backend")
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	contents := "name: file-catalog\nstore_uri: mongodb://file-host:27017\ndatabase: filedb\ncache:\n  size: 2048\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	t.Setenv("RUNCAT_STORE_URI", "mongodb://env-host:27017")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "file-catalog" {
		t.Fatalf("expected name from file, got %q", cfg.Name)
	}
	if cfg.StoreURI != "mongodb://env-host:27017" {
		t.Fatalf("expected env var to override store_uri, got %q", cfg.StoreURI)
	}
	if cfg.Cache.Size != 2048 {
		t.Fatalf("expected cache size from file, got %d", cfg.Cache.Size)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := config.New("roundtrip")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if reloaded.Name != cfg.Name || reloaded.StoreURI != cfg.StoreURI {
		t.Fatalf("round trip mismatch: got %+v", reloaded)
	}
}
