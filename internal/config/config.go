// Package config validates the TOML files the server and client binaries
// read, and renders starter templates for them.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Identity    string        `toml:"identity"`
	Listen      string        `toml:"listen"`
	PersistPath string        `toml:"persist_path"`
	Revision    string        `toml:"revision"`
	StatusAddr  string        `toml:"status_addr"`
	CorsOrigins []string      `toml:"cors_origins"`
	Entries     []EntryConfig `toml:"entries"`
}

type ClientConfig struct {
	Identity      string   `toml:"identity"`
	Servers       []string `toml:"servers"`
	Revision      string   `toml:"revision"`
	Discover      bool     `toml:"discover"`
	DiscoveryAddr string   `toml:"discovery_addr"`
	StatusAddr    string   `toml:"status_addr"`
	CorsOrigins   []string `toml:"cors_origins"`
}

// EntryConfig is one entry preloaded into a server table or pushed by a
// client after the handshake.
type EntryConfig struct {
	Name       string `toml:"name"`
	Type       string `toml:"type"`
	Value      any    `toml:"value"`
	Persistent bool   `toml:"persistent"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Identity == "" {
		cfg.Identity = "nettables"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":1735"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Identity == "" {
		cfg.Identity = "ntclient"
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("server config missing listen")
	}
	if _, err := ParseRevision(cfg.Revision); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Entries))
	for i, entry := range cfg.Entries {
		if err := ValidateEntry(entry); err != nil {
			return fmt.Errorf("entries[%d] invalid: %w", i, err)
		}
		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("entries[%d] invalid: duplicate name %q", i, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if len(cfg.Servers) == 0 && !cfg.Discover {
		return fmt.Errorf("client config needs servers or discover = true")
	}
	if _, err := ParseRevision(cfg.Revision); err != nil {
		return err
	}
	for i, raw := range cfg.Servers {
		if _, _, err := ParseServer(raw); err != nil {
			return fmt.Errorf("servers[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateEntry(entry EntryConfig) error {
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("name is required")
	}
	_, err := EntryValue(entry)
	return err
}

// ParseServer splits "host" or "host:port" into its parts, defaulting the
// port to 1735.
func ParseServer(raw string) (host string, port int, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, fmt.Errorf("server address is empty")
	}
	h, p, splitErr := net.SplitHostPort(raw)
	if splitErr != nil {
		return strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"), 1735, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 0xFFFF {
		return "", 0, fmt.Errorf("bad port %q", p)
	}
	if h == "" {
		return "", 0, fmt.Errorf("host required in %q", raw)
	}
	return h, n, nil
}
