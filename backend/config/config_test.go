package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tunnelmgr/backend/service/tunnel"
)

func TestLoadWritesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conf", "tunnelmgr.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tunnel.TriggerDomain != tunnel.DefaultTriggerDomain {
		t.Fatalf("trigger domain = %q", cfg.Tunnel.TriggerDomain)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.GeoIP.URL != cfg.GeoIP.URL || again.Logging.Level != LogInfo {
		t.Fatalf("reloaded config mismatch: %+v", again)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tunnelmgr.yaml")
	raw := strings.Join([]string{
		"dns_pollution:",
		"  - 1.1.1.1",
		"geoip:",
		"  refresh_interval: 6h",
		"tunnel:",
		"  command: [\"/usr/bin/ss-tunnel\", \"-v\"]",
		"logging:",
		"  level: OFF",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Pollution) != 1 || cfg.Pollution[0] != "1.1.1.1" {
		t.Fatalf("pollution = %v", cfg.Pollution)
	}
	if cfg.LogToFile() {
		t.Fatalf("expected logging off")
	}
	if len(cfg.Tunnel.Command) != 2 {
		t.Fatalf("command = %v", cfg.Tunnel.Command)
	}
	// 未写的字段保留默认值
	if cfg.Tunnel.AppName != "tunnelmgr" {
		t.Fatalf("app name = %q", cfg.Tunnel.AppName)
	}
	d, err := cfg.RefreshInterval()
	if err != nil || d != 6*time.Hour {
		t.Fatalf("refresh interval = %v, %v", d, err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"level":    "logging:\n  level: loud\n",
		"interval": "geoip:\n  refresh_interval: soon\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "tunnelmgr.yaml")
			if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
