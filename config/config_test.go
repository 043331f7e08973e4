package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	c := DefaultConfig()
	if c.BlockSizeCapMiB <= 0 {
		t.Fatal("BlockSizeCapMiB must be positive")
	}
	if c.RetentionVersions <= 0 {
		t.Fatal("RetentionVersions must be positive")
	}
	if len(c.ExcludePatterns) == 0 {
		t.Fatal("expected default exclude patterns")
	}
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RepoRoot == "" {
		t.Fatal("expected a default repo root to be filled in")
	}
	if cfg.RetentionVersions != DefaultConfig().RetentionVersions {
		t.Fatalf("got RetentionVersions=%d, want default", cfg.RetentionVersions)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.RepoRoot = filepath.Join(dir, "repo")
	cfg.RetentionVersions = 7
	cfg.ExcludePatterns = []string{"*.log"}
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.RepoRoot != cfg.RepoRoot {
		t.Fatalf("RepoRoot = %q, want %q", reloaded.RepoRoot, cfg.RepoRoot)
	}
	if reloaded.RetentionVersions != 7 {
		t.Fatalf("RetentionVersions = %d, want 7", reloaded.RetentionVersions)
	}
	if len(reloaded.ExcludePatterns) != 1 || reloaded.ExcludePatterns[0] != "*.log" {
		t.Fatalf("ExcludePatterns = %v, want [*.log]", reloaded.ExcludePatterns)
	}
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := cfg.Update(func(c *Config) { c.DebugLogging = true }); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.DebugLogging {
		t.Fatal("expected DebugLogging=true to persist")
	}
}

func TestIsConfigured(t *testing.T) {
	c := &Config{}
	if c.IsConfigured() {
		t.Fatal("empty RepoRoot should not be considered configured")
	}
	c.RepoRoot = "/tmp/repo"
	if !c.IsConfigured() {
		t.Fatal("non-empty RepoRoot should be considered configured")
	}
}
