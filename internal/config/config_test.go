package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/nettables/internal/protocol"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesValidate(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"server", "client"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected %s template overwrite to be refused", kind)
		}
	}
	srv, err := LoadServerConfig(filepath.Join(dir, "server.toml"))
	if err != nil {
		t.Fatalf("load server template: %v", err)
	}
	if len(srv.Entries) != 2 {
		t.Fatalf("unexpected entries: %+v", srv.Entries)
	}
	if _, err := LoadClientConfig(filepath.Join(dir, "client.toml")); err != nil {
		t.Fatalf("load client template: %v", err)
	}
	if _, err := Template("router"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(writeFile(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity != "nettables" || cfg.Listen != ":1735" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"type mismatch": `
[[entries]]
name = "/a"
type = "boolean"
value = 3
`,
		"duplicate": `
[[entries]]
name = "/a"
type = "double"
value = 1
[[entries]]
name = "/a"
type = "double"
value = 2
`,
		"unknown type": `
[[entries]]
name = "/a"
type = "rpc"
value = ""
`,
		"revision": `revision = "4.0"`,
	}
	for name, content := range cases {
		if _, err := LoadServerConfig(writeFile(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadClientConfigNeedsServers(t *testing.T) {
	_, err := LoadClientConfig(writeFile(t, `identity = "x"`))
	if err == nil || !strings.Contains(err.Error(), "servers") {
		t.Fatalf("unexpected err: %v", err)
	}
	cfg, err := LoadClientConfig(writeFile(t, `discover = true`))
	if err != nil {
		t.Fatalf("discover only: %v", err)
	}
	if cfg.Identity != "ntclient" {
		t.Fatalf("unexpected identity: %q", cfg.Identity)
	}
}

func TestParseServer(t *testing.T) {
	host, port, err := ParseServer("roborio-1234-frc.local")
	if err != nil || host != "roborio-1234-frc.local" || port != 1735 {
		t.Fatalf("bare host: %q %d %v", host, port, err)
	}
	host, port, err = ParseServer("[::1]:5810")
	if err != nil || host != "::1" || port != 5810 {
		t.Fatalf("ipv6: %q %d %v", host, port, err)
	}
	if _, _, err := ParseServer("10.0.0.2:99999"); err == nil {
		t.Fatalf("expected bad port")
	}
	if _, _, err := ParseServer(":1735"); err == nil {
		t.Fatalf("expected missing host")
	}
}

func TestEntryMessages(t *testing.T) {
	cfg, err := LoadServerConfig(writeFile(t, `
[[entries]]
name = "/flags"
type = "boolean[]"
value = [true, false]
persistent = true

[[entries]]
name = "/speeds"
type = "double[]"
value = [1, 2.5]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	msgs, err := EntryMessages(cfg.Entries)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("unexpected messages: %d", len(msgs))
	}
	if msgs[0].ID != protocol.EntryIDUnassigned || msgs[0].Flags != protocol.FlagPersistent {
		t.Fatalf("unexpected assign header: %+v", msgs[0])
	}
	speeds, err := msgs[1].Value.DoubleArray()
	if err != nil || len(speeds) != 2 || speeds[0] != 1 || speeds[1] != 2.5 {
		t.Fatalf("unexpected speeds: %v %v", speeds, err)
	}
}

func TestParseRevision(t *testing.T) {
	for raw, want := range map[string]protocol.Revision{
		"":       protocol.Revision3,
		"3.0":    protocol.Revision3,
		"0x0200": protocol.Revision2,
		"2":      protocol.Revision2,
	} {
		got, err := ParseRevision(raw)
		if err != nil || got != want {
			t.Fatalf("ParseRevision(%q) = %v, %v", raw, got, err)
		}
	}
}

func TestEntriesFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "persistent.toml")
	entries, err := LoadEntriesFile(path)
	if err != nil || entries != nil {
		t.Fatalf("missing file: %v %v", entries, err)
	}

	var want []EntryConfig
	for _, v := range []protocol.Value{
		protocol.BooleanValue(true),
		protocol.DoubleValue(2),
		protocol.StringArrayValue([]string{"a", "b"}),
	} {
		entry, ok := EntryConfigFor("/p/"+v.Type().String(), v, true)
		if !ok {
			t.Fatalf("no config form for %s", v.Type())
		}
		want = append(want, entry)
	}
	if _, ok := EntryConfigFor("/rpc", protocol.RPCValue([]byte{1}), true); ok {
		t.Fatalf("rpc definitions should not persist")
	}
	if err := SaveEntriesFile(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadEntriesFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	msgs, err := EntryMessages(got)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("unexpected count: %d", len(msgs))
	}
	if d, _ := msgs[1].Value.Double(); d != 2 {
		t.Fatalf("double = %v", d)
	}
	if s, _ := msgs[2].Value.StringArray(); len(s) != 2 || s[1] != "b" {
		t.Fatalf("strings = %v", s)
	}
	for _, m := range msgs {
		if m.Flags != protocol.FlagPersistent {
			t.Fatalf("%s lost persistent flag", m.Name)
		}
	}
}
