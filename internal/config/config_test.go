package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "history:\n  dir: /srv/osm\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Overpass.Endpoint != "https://overpass-api.de/api/interpreter" {
		t.Errorf("Overpass.Endpoint = %q", cfg.Overpass.Endpoint)
	}
	if cfg.Overpass.Delay.Duration() != time.Second {
		t.Errorf("Overpass.Delay = %v", cfg.Overpass.Delay.Duration())
	}
	if cfg.History.LockFile != filepath.Join("/srv/osm", ".osmwatch", "lock") {
		t.Errorf("History.LockFile = %q", cfg.History.LockFile)
	}
	if cfg.History.Database != filepath.Join("/srv/osm", ".osmwatch", "history.sqlite") {
		t.Errorf("History.Database = %q", cfg.History.Database)
	}
	if cfg.Ledger.RetentionDays != 90 {
		t.Errorf("Ledger.RetentionDays = %d", cfg.Ledger.RetentionDays)
	}
}

func TestLoad_EnvExpansionAndDurations(t *testing.T) {
	t.Setenv("OSMWATCH_TEST_ENDPOINT", "http://localhost:12345/api/interpreter")

	cfg, err := Load(writeConfig(t, `
overpass:
  endpoint: ${OSMWATCH_TEST_ENDPOINT}
  delay: 250ms
  user_agent: ${OSMWATCH_TEST_UNSET:tester/0.1}
watch:
  interval: 15m
monitors:
  - definition: castles.txt
    kind: way
    recipients: [ops@example.org]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Overpass.Endpoint != "http://localhost:12345/api/interpreter" {
		t.Errorf("Endpoint = %q", cfg.Overpass.Endpoint)
	}
	if cfg.Overpass.UserAgent != "tester/0.1" {
		t.Errorf("UserAgent = %q", cfg.Overpass.UserAgent)
	}
	if cfg.Overpass.Delay.Duration() != 250*time.Millisecond {
		t.Errorf("Delay = %v", cfg.Overpass.Delay.Duration())
	}
	if cfg.Watch.Interval.Duration() != 15*time.Minute {
		t.Errorf("Interval = %v", cfg.Watch.Interval.Duration())
	}
	if len(cfg.Monitors) != 1 || cfg.Monitors[0].Method != "ids" {
		t.Errorf("Monitors = %+v", cfg.Monitors)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad_duration", "overpass:\n  delay: soon\n", "soon"},
		{"monitor_without_kind", "monitors:\n  - definition: a.txt\n", "kind is required"},
		{"smtp_without_from", "delivery:\n  smtp:\n    host: mail.example.org\n", "smtp.from"},
		{"negative_watch_interval", "watch:\n  interval: -5m\n", "watch.interval"},
		{"negative_cleanup_interval", "ledger:\n  cleanup_interval: -1h\n", "ledger.cleanup_interval"},
		{"negative_delay", "overpass:\n  delay: -1s\n", "overpass.delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("OSMWATCH_DOTENV_UA") })

	path := writeConfig(t, "overpass:\n  user_agent: ${OSMWATCH_DOTENV_UA:none}\n")
	env := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(env, []byte("OSMWATCH_DOTENV_UA=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Overpass.UserAgent != "from-dotenv" {
		t.Errorf("UserAgent = %q, want value from .env", cfg.Overpass.UserAgent)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("OSMWATCH_A", "x")
	tests := []struct {
		in, want string
	}{
		{"${OSMWATCH_A}", "x"},
		{"${OSMWATCH_A:y}", "x"},
		{"${OSMWATCH_MISSING:y}", "y"},
		{"${OSMWATCH_MISSING}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
