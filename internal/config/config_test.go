package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.DBPath != "obscura.db" {
		t.Errorf("DBPath = %q, want obscura.db", cfg.DBPath)
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
db_path: /var/lib/obscura/relay.db
command_timeout: 45s
user_tokens:
  secret-token: user-1
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DBPath != "/var/lib/obscura/relay.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.CommandTimeout.Std() != 45*time.Second {
		t.Errorf("CommandTimeout = %v, want 45s", cfg.CommandTimeout.Std())
	}
	if cfg.UserTokens["secret-token"] != "user-1" {
		t.Errorf("UserTokens = %v", cfg.UserTokens)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen_addr: [broken"), 0600)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OBSCURA_LISTEN_ADDR", ":7070")
	t.Setenv("OBSCURA_DB_PATH", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("DBPath = %q, want /tmp/override.db", cfg.DBPath)
	}
}
