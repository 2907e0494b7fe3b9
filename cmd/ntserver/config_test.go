package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/nettables/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
identity = "field"
listen = "127.0.0.1:5810"
revision = "2.0"
status_addr = ""
status_token = " tok "
persist_path = "state/persistent.toml"
persist_interval = "5s"
handshake_timeout = "250ms"
session_security_mode = "development"

[[entries]]
name = "/Preferences/AutoMode"
type = "string"
value = "left"
persistent = true
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Session.Identity != "field" {
		t.Fatalf("unexpected identity: %q", cfg.Server.Session.Identity)
	}
	if cfg.Server.Listen != "127.0.0.1:5810" {
		t.Fatalf("unexpected listen: %q", cfg.Server.Listen)
	}
	if cfg.Server.Session.Revision != protocol.Revision2 {
		t.Fatalf("unexpected revision: %v", cfg.Server.Session.Revision)
	}
	if cfg.StatusAddr != "" {
		t.Fatalf("expected status listener disabled, got %q", cfg.StatusAddr)
	}
	if cfg.Server.PersistPath != filepath.Join(filepath.Dir(path), "state", "persistent.toml") {
		t.Fatalf("unexpected persist path: %q", cfg.Server.PersistPath)
	}
	if cfg.Server.PersistInterval != 5*time.Second {
		t.Fatalf("unexpected persist interval: %v", cfg.Server.PersistInterval)
	}
	if cfg.StatusToken != "tok" {
		t.Fatalf("unexpected status token: %q", cfg.StatusToken)
	}
	if cfg.Server.Session.HandshakeTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected handshake timeout: %v", cfg.Server.Session.HandshakeTimeout)
	}
	if cfg.Server.Session.KeepAliveInterval != time.Second {
		t.Fatalf("expected default keepalive, got %v", cfg.Server.Session.KeepAliveInterval)
	}
	if len(cfg.Entries) != 1 || cfg.Entries[0].Flags != protocol.FlagPersistent {
		t.Fatalf("unexpected entries: %+v", cfg.Entries)
	}
}

func TestLoadServiceConfigEmptyUsesDefaults(t *testing.T) {
	cfg, err := loadServiceConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Listen != ":1735" || cfg.StatusAddr != "127.0.0.1:9735" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.Session.Revision != protocol.Revision3 {
		t.Fatalf("unexpected revision: %v", cfg.Server.Session.Revision)
	}
}

func TestLoadServiceConfigProductionRequiresTLS(t *testing.T) {
	_, err := loadServiceConfig(writeConfig(t, `session_security_mode = "production"`))
	if err == nil {
		t.Fatalf("expected production without tls to fail")
	}
}

func TestLoadServiceConfigBadEntry(t *testing.T) {
	_, err := loadServiceConfig(writeConfig(t, `
[[entries]]
name = "/x"
type = "double"
value = "nope"
`))
	if err == nil {
		t.Fatalf("expected entry type error")
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	if _, err := loadServiceConfig(writeConfig(t, `read_timeout = "soon"`)); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
