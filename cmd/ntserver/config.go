package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nettables/internal/config"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/danmuck/nettables/internal/server"
)

// ntserver config.toml key mapping to server runtime settings.
type fileConfig struct {
	Identity            string               `toml:"identity"`
	Listen              string               `toml:"listen"`
	PersistPath         string               `toml:"persist_path"`
	PersistInterval     string               `toml:"persist_interval"`
	Revision            string               `toml:"revision"`
	StatusAddr          string               `toml:"status_addr"`
	CorsOrigins         []string             `toml:"cors_origins"`
	StatusToken         string               `toml:"status_token"`
	HandshakeTimeout    string               `toml:"handshake_timeout"`
	KeepAliveInterval   string               `toml:"keepalive_interval"`
	ReadTimeout         string               `toml:"read_timeout"`
	SessionSecurityMode string               `toml:"session_security_mode"`
	SessionTLSEnabled   bool                 `toml:"session_tls_enabled"`
	SessionTLSMutual    bool                 `toml:"session_tls_mutual"`
	SessionTLSCertFile  string               `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string               `toml:"session_tls_key_file"`
	SessionTLSCAFile    string               `toml:"session_tls_ca_file"`
	Entries             []config.EntryConfig `toml:"entries"`
}

type serviceConfig struct {
	Server      server.Config
	StatusAddr  string
	CorsOrigins []string
	StatusToken string
	Entries     []*protocol.Message
}

func defaultServiceConfig() serviceConfig {
	cfg := serviceConfig{
		Server:     server.DefaultConfig(),
		StatusAddr: "127.0.0.1:9735",
	}
	cfg.Server.Session.Identity = "nettables"
	return cfg
}

// ntserver loader for TOML config with default overlay.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("identity") {
		cfg.Server.Session.Identity = strings.TrimSpace(raw.Identity)
	}
	if meta.IsDefined("listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("persist_path") {
		cfg.Server.PersistPath = resolvePath(path, raw.PersistPath)
	}
	if meta.IsDefined("revision") {
		rev, err := config.ParseRevision(raw.Revision)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("load server config: %w", err)
		}
		cfg.Server.Session.Revision = rev
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"persist_interval", raw.PersistInterval, &cfg.Server.PersistInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Server.Session.HandshakeTimeout},
		{"keepalive_interval", raw.KeepAliveInterval, &cfg.Server.Session.KeepAliveInterval},
		{"read_timeout", raw.ReadTimeout, &cfg.Server.Session.ReadTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Server.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Server.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Server.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Server.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Server.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Server.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("entries") {
		for i, entry := range raw.Entries {
			if err := config.ValidateEntry(entry); err != nil {
				return serviceConfig{}, fmt.Errorf("load server config: entries[%d]: %w", i, err)
			}
		}
		msgs, err := config.EntryMessages(raw.Entries)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("load server config: %w", err)
		}
		cfg.Entries = msgs
	}

	cfg.Server.Session = cfg.Server.Session.WithDefaults()
	if err := cfg.Server.Session.ValidateServerTransport(); err != nil {
		return serviceConfig{}, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// resolvePath anchors a relative path at the config file's directory.
func resolvePath(configPath, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
