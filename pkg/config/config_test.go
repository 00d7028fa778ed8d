package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/jaxbucket/jaxbucket/internal/testutil"
)

func TestLoadReadsDefaultConfig(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()
	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := []byte("storage:\n  block_dir: ./blocks\n  catalog_dsn: ./catalog.db\nidentity:\n  key_path: ./identity.key\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	viper.Reset()
	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.BlockDir != "./blocks" {
		t.Fatalf("unexpected block dir: %s", cfg.Storage.BlockDir)
	}
	if cfg.Identity.KeyPath != "./identity.key" {
		t.Fatalf("unexpected key path: %s", cfg.Identity.KeyPath)
	}
}

func TestLoadFromEnvUsesJAXDEnv(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()
	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := sb.WriteFile("config/default.yaml", []byte("logging:\n  level: info\n"), 0600); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if err := sb.WriteFile("config/staging.yaml", []byte("logging:\n  level: debug\n"), 0600); err != nil {
		t.Fatalf("write staging: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	viper.Reset()
	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Setenv("JAXD_ENV", "staging")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected staging override, got %s", cfg.Logging.Level)
	}
}
