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
identity = "dashboard"
servers = ["10.12.34.2", "roborio-1234-frc.local:1735", "[::1]:5810"]
revision = "3.0"
connect_timeout = "750ms"
discover = true
discovery_addr = "127.0.0.1:1743"

[[entries]]
name = "/dashboard/ready"
type = "boolean"
value = true
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Client.Session.Identity != "dashboard" {
		t.Fatalf("unexpected identity: %q", cfg.Client.Session.Identity)
	}
	if len(cfg.Client.Servers) != 3 {
		t.Fatalf("unexpected servers: %+v", cfg.Client.Servers)
	}
	if cfg.Client.Servers[0].Port != 1735 || cfg.Client.Servers[2].Host != "::1" || cfg.Client.Servers[2].Port != 5810 {
		t.Fatalf("unexpected server parse: %+v", cfg.Client.Servers)
	}
	if cfg.Client.Connector.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected connect timeout: %v", cfg.Client.Connector.Timeout)
	}
	if !cfg.Client.Discover || cfg.Client.Discovery.Addr != "127.0.0.1:1743" {
		t.Fatalf("unexpected discovery: %v %q", cfg.Client.Discover, cfg.Client.Discovery.Addr)
	}
	if cfg.Client.Port != 1735 {
		t.Fatalf("unexpected robot port: %d", cfg.Client.Port)
	}
	if len(cfg.Entries) != 1 || cfg.Entries[0].Value.Type() != protocol.TypeBoolean {
		t.Fatalf("unexpected entries: %+v", cfg.Entries)
	}
}

func TestLoadServiceConfigNeedsServers(t *testing.T) {
	if _, err := loadServiceConfig(writeConfig(t, `identity = "lonely"`)); err == nil {
		t.Fatalf("expected missing servers error")
	}
}

func TestLoadServiceConfigProductionRules(t *testing.T) {
	_, err := loadServiceConfig(writeConfig(t, `
servers = ["localhost"]
session_security_mode = "production"
session_tls_enabled = true
session_tls_insecure_skip_verify = true
`))
	if err == nil {
		t.Fatalf("expected insecure skip verify to be refused in production")
	}
}

func TestLoadServiceConfigBadRevision(t *testing.T) {
	if _, err := loadServiceConfig(writeConfig(t, `
servers = ["localhost"]
revision = "1.0"
`)); err == nil {
		t.Fatalf("expected revision error")
	}
}
