package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadConfigMergesEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
server:
  port: "8080"
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
`)
	writeFile(t, dir, "secrets.env", "# comment\nDB_SECRET='s3cret'\n")

	cfgMap, err := LoadConfig("staging", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var cfg struct {
		DB     DBConfig     `yaml:"db"`
		Server ServerConfig `yaml:"server"`
	}
	if err := Decode(cfgMap, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.DB.Host != "db.staging" {
		t.Errorf("host = %q, want db.staging", cfg.DB.Host)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("port = %d, want 5432", cfg.DB.Port)
	}
	if cfg.DB.Password != "s3cret" {
		t.Errorf("password = %q, want s3cret", cfg.DB.Password)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("server port = %q", cfg.Server.Port)
	}
}

func TestLoadConfigMissingBase(t *testing.T) {
	if _, err := LoadConfig("local", t.TempDir()); err == nil {
		t.Fatal("expected error without base.yaml")
	}
}

func TestOverrideFromSystemEnv(t *testing.T) {
	base := map[string]interface{}{
		"projection": map[string]interface{}{
			"item_parallelism": 4,
			"batch_timeout":    "30s",
		},
	}
	got := overrideFromSystemEnv(base, []string{
		"TASKVIEWS_PROJECTION__ITEM_PARALLELISM=16",
		"TASKVIEWS_REBUILD__ON_STARTUP=true",
		"UNRELATED=1",
	})

	var cfg struct {
		Projection struct {
			ItemParallelism int           `yaml:"item_parallelism"`
			BatchTimeout    time.Duration `yaml:"batch_timeout"`
		} `yaml:"projection"`
		Rebuild struct {
			OnStartup bool `yaml:"on_startup"`
		} `yaml:"rebuild"`
	}
	if err := Decode(got, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Projection.ItemParallelism != 16 {
		t.Errorf("item_parallelism = %d, want 16", cfg.Projection.ItemParallelism)
	}
	if cfg.Projection.BatchTimeout != 30*time.Second {
		t.Errorf("batch_timeout = %v", cfg.Projection.BatchTimeout)
	}
	if !cfg.Rebuild.OnStartup {
		t.Error("on_startup not overridden")
	}
	if base["projection"].(map[string]interface{})["item_parallelism"] != 4 {
		t.Error("override mutated the input map")
	}
}

func TestSubstituteStringKeepsUnknownPlaceholder(t *testing.T) {
	got := substituteString("${TASKVIEWS_TEST_SURELY_UNSET}/x", nil)
	if got != "${TASKVIEWS_TEST_SURELY_UNSET}/x" {
		t.Fatalf("got %q", got)
	}
}
