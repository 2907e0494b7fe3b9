package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nettables/internal/client"
	"github.com/danmuck/nettables/internal/config"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/session"
)

// ntclient config.toml key mapping to client runtime settings.
type fileConfig struct {
	Identity             string               `toml:"identity"`
	Servers              []string             `toml:"servers"`
	Port                 int                  `toml:"port"`
	Revision             string               `toml:"revision"`
	Discover             bool                 `toml:"discover"`
	DiscoveryAddr        string               `toml:"discovery_addr"`
	ConnectTimeout       string               `toml:"connect_timeout"`
	HandshakeTimeout     string               `toml:"handshake_timeout"`
	StatusAddr           string               `toml:"status_addr"`
	CorsOrigins          []string             `toml:"cors_origins"`
	StatusToken          string               `toml:"status_token"`
	SessionSecurityMode  string               `toml:"session_security_mode"`
	SessionTLSEnabled    bool                 `toml:"session_tls_enabled"`
	SessionTLSMutual     bool                 `toml:"session_tls_mutual"`
	SessionTLSCertFile   string               `toml:"session_tls_cert_file"`
	SessionTLSKeyFile    string               `toml:"session_tls_key_file"`
	SessionTLSCAFile     string               `toml:"session_tls_ca_file"`
	SessionTLSServerName string               `toml:"session_tls_server_name"`
	SessionTLSSkipVerify bool                 `toml:"session_tls_insecure_skip_verify"`
	Entries              []config.EntryConfig `toml:"entries"`
}

type serviceConfig struct {
	Client      client.Config
	StatusAddr  string
	CorsOrigins []string
	StatusToken string
	Entries     []*protocol.Message
}

func defaultServiceConfig() serviceConfig {
	cfg := serviceConfig{
		Client:     client.DefaultConfig(),
		StatusAddr: "127.0.0.1:9736",
	}
	cfg.Client.Session.Identity = "ntclient"
	return cfg
}

// ntclient loader for TOML config with default overlay.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("identity") {
		cfg.Client.Session.Identity = strings.TrimSpace(raw.Identity)
	}
	if meta.IsDefined("servers") {
		servers, err := config.ServerCandidates(raw.Servers)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("load client config: %w", err)
		}
		cfg.Client.Servers = servers
	}
	if meta.IsDefined("port") {
		cfg.Client.Port = raw.Port
	}
	if meta.IsDefined("revision") {
		rev, err := config.ParseRevision(raw.Revision)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("load client config: %w", err)
		}
		cfg.Client.Session.Revision = rev
	}
	if meta.IsDefined("discover") {
		cfg.Client.Discover = raw.Discover
	}
	if meta.IsDefined("discovery_addr") {
		cfg.Client.Discovery.Addr = strings.TrimSpace(raw.DiscoveryAddr)
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Client.Connector.Timeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.Client.Session.HandshakeTimeout = d
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
	if meta.IsDefined("session_security_mode") {
		cfg.Client.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Client.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Client.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Client.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Client.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Client.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Client.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}
	if meta.IsDefined("session_tls_insecure_skip_verify") {
		cfg.Client.Session.TLS.InsecureSkipVerify = raw.SessionTLSSkipVerify
	}
	if meta.IsDefined("entries") {
		msgs, err := config.EntryMessages(raw.Entries)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("load client config: %w", err)
		}
		cfg.Entries = msgs
	}

	if len(cfg.Client.Servers) == 0 && !cfg.Client.Discover {
		return serviceConfig{}, fmt.Errorf("load client config: servers or discover = true required")
	}
	cfg.Client = cfg.Client.WithDefaults()
	if err := cfg.Client.Session.ValidateClientTransport(); err != nil {
		return serviceConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}
