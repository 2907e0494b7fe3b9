package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `identity = "nettables"
listen = ":1735"
persist_path = "persistent.toml"
revision = "3.0"
status_addr = "127.0.0.1:9735"
cors_origins = ["http://localhost:3000"]
# status_token = "change-me"

session_security_mode = "development"
session_tls_enabled = false

[[entries]]
name = "/FMSInfo/MatchNumber"
type = "double"
value = 0
persistent = false

[[entries]]
name = "/Preferences/AutoMode"
type = "string"
value = "default"
persistent = true
`

const clientTemplate = `identity = "ntclient"
servers = ["localhost:1735"]
revision = "3.0"
discover = false
discovery_addr = "127.0.0.1:1742"
status_addr = "127.0.0.1:9736"
cors_origins = ["http://localhost:3000"]
# status_token = "change-me"
connect_timeout = "1s"

session_security_mode = "development"
session_tls_enabled = false
`
