package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: relay.example.com
  port: 443
  uuid: 9c4f141c-255d-4a40-87d5-2a1687fd0c53
tun:
  name: tun0
  address: 10.0.0.2/24
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tun.MTU != defaultMTU {
		t.Errorf("MTU = %d, want default %d", cfg.Tun.MTU, defaultMTU)
	}
	if cfg.Server.Fingerprint != "chrome" {
		t.Errorf("fingerprint = %q, want chrome", cfg.Server.Fingerprint)
	}
	if cfg.Server.SNI != "relay.example.com" {
		t.Errorf("sni = %q, want host fallback", cfg.Server.SNI)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadRejectsBadUUID(t *testing.T) {
	path := writeConfig(t, `
server:
  host: relay.example.com
  port: 443
  uuid: not-a-uuid
tun:
  name: tun0
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid uuid")
	}
}

func TestLoadRequiresTunSource(t *testing.T) {
	path := writeConfig(t, `
server:
  host: relay.example.com
  port: 443
  uuid: 9c4f141c-255d-4a40-87d5-2a1687fd0c53
tun: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when neither tun.name nor tun.fd is set")
	}
}
