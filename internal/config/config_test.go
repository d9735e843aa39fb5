package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9300" || cfg.DefaultChip != "uwb0" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
addr = ":9400"
max_protocol_version = "1.1"
report_interval = "50ms"

[[chips]]
id = "uwb0"

[[chips]]
id = "uwb1"
position = { x = 4.5, y = 0.0, z = 0.0 }
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9400" {
		t.Fatalf("addr not applied: %q", cfg.Addr)
	}
	if cfg.Name != "uwbd" {
		t.Fatalf("undefined key changed default: %q", cfg.Name)
	}
	if cfg.Engine.MaxProtocolVersion != version.New(1, 1) {
		t.Fatalf("unexpected max version: %s", cfg.Engine.MaxProtocolVersion)
	}
	if cfg.Engine.ReportInterval != 50*time.Millisecond {
		t.Fatalf("unexpected report interval: %s", cfg.Engine.ReportInterval)
	}
	table, err := cfg.ChipTable()
	if err != nil {
		t.Fatalf("chip table: %v", err)
	}
	if table.DefaultChipID() != "uwb0" || !table.IsValidChipID("uwb1") {
		t.Fatalf("unexpected chip table: %v", table.ChipIDs())
	}
	if chip, _ := table.Chip("uwb1"); chip.Position.X != 4.5 {
		t.Fatalf("position not decoded: %+v", chip)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad version":       `min_protocol_version = "1.2.3"`,
		"inverted range":    "min_protocol_version = \"2.0\"\nmax_protocol_version = \"1.0\"",
		"unknown default":   `default_chip = "uwb9"`,
		"unknown key":       `heartbeat = "1s"`,
		"bad duration":      `report_interval = "soon"`,
		"cert without key":  `tls_cert_file = "uwbd.pem"`,
		"mutual without ca": "tls_cert_file = \"uwbd.pem\"\ntls_key_file = \"uwbd-key.pem\"\ntls_mutual = true",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	testlog.Start(t)
	t.Setenv("UWBCTL_ADDR", ":9999")
	t.Setenv("UWBCTL_CORS_ORIGINS", "http://a, http://b")
	t.Setenv("UWBCTL_MAX_SESSIONS", "2")
	cfg, err := Load(writeFile(t, `addr = ":9400"`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Engine.MaxSessions != 2 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.CorsOrigins) != 2 || cfg.CorsOrigins[1] != "http://b" {
		t.Fatalf("unexpected cors origins: %v", cfg.CorsOrigins)
	}

	t.Setenv("UWBCTL_MAX_SESSIONS", "0")
	if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"uwbd", "multichip"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
