package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devtools.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
pages:
  - id: lobby
    file: lobby.html
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9222" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.FlushInterval != DefaultFlushInterval {
		t.Fatalf("FlushInterval = %v", cfg.FlushInterval)
	}
	p := cfg.Pages[0]
	if p.Title != "lobby" || p.URL != "coui://lobby" {
		t.Fatalf("page defaults: %+v", p)
	}
}

func TestLoadConfigExplicit(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9333
flush_interval: 50ms
attribute_throttle: 100ms
pages:
  - id: garage
    title: Garage
    url: coui://ui/garage.html
    file: /srv/ui/garage.html
audit:
  enabled: true
  db_path: /var/lib/devtools/audit.db
  retention_days: 7
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9333" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.FlushInterval != 50*time.Millisecond {
		t.Fatalf("FlushInterval = %v", cfg.FlushInterval)
	}
	if cfg.AttributeThrottle != 100*time.Millisecond {
		t.Fatalf("AttributeThrottle = %v", cfg.AttributeThrottle)
	}
	if !cfg.Audit.Enabled || cfg.Audit.DBPath != "/var/lib/devtools/audit.db" || cfg.Audit.RetentionDays != 7 {
		t.Fatalf("audit: %+v", cfg.Audit)
	}
}

func TestLoadConfigRejectsBadPages(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no pages", "listen: :9222\n"},
		{"empty id", "pages:\n  - file: a.html\n"},
		{"missing file", "pages:\n  - id: a\n"},
		{"duplicate id", "pages:\n  - id: a\n    file: a.html\n  - id: a\n    file: b.html\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := LoadConfigFile(path); err == nil {
				t.Fatal("config accepted")
			}
		})
	}
}
