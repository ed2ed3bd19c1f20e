package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "file", "path": "./data/jobs.json"},
		"jobs": {"min_step_delay": "10s", "max_step_delay": "20s"},
		"accounts": [{"name": "main", "token": "123:abc", "rate_per_sec": 2}],
		"maintenance": {"enabled": true, "schedule": "@daily", "log_retention": "48h"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Name != "main" || cfg.Accounts[0].RatePerSec != 2 {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
	if cfg.Maintenance == nil || !cfg.Maintenance.Enabled || cfg.Maintenance.Schedule != "@daily" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/jobs.db
  busy_timeout: 2s
jobs:
  min_step_delay: 30s
accounts:
  - name: alpha
    token: "111:aaa"
  - name: beta
    token: "222:bbb"
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Accounts) != 2 || cfg.Accounts[1].Name != "beta" {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}, "turbo_mode": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}{"another": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	m.publish(m.Get())
	select {
	case got := <-ch:
		if got == nil {
			t.Fatal("nil config published")
		}
	case <-time.After(time.Second):
		t.Fatal("publish did not reach subscriber")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
	// Double unsubscribe is a no-op.
	m.Unsubscribe(ch)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "simple", raw: "30s", want: 30 * time.Second},
		{name: "compound", raw: "1m30s", want: 90 * time.Second},
		{name: "spaces", raw: "  5s  ", want: 5 * time.Second},
		{name: "negative", raw: "-5s", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "bare number", raw: "30", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("f", "", 42*time.Second)
	if err != nil || got != 42*time.Second {
		t.Fatalf("empty = %v, %v", got, err)
	}
	got, err = ParseDurationOrDefault("f", "5s", 42*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("explicit = %v, %v", got, err)
	}
	if _, err := ParseDurationOrDefault("f", "nope", time.Second); err == nil {
		t.Fatal("expected error")
	}
}
