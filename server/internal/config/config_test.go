package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("storage.driver: got %q, want %q", cfg.Storage.Driver, DriverSQLite)
	}
	if cfg.Storage.Path != DefaultSQLitePath {
		t.Errorf("storage.path: got %q, want %q", cfg.Storage.Path, DefaultSQLitePath)
	}
	if cfg.Alerts.Cooldown != DefaultAlertCooldown {
		t.Errorf("alerts.cooldown: got %v, want %v", cfg.Alerts.Cooldown, DefaultAlertCooldown)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.SlogLevel() != slog.LevelInfo {
		t.Errorf("log level: got %v, want info", cfg.Log.SlogLevel())
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `server:
  http_port: 9091
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-rotor-key
storage:
  driver: postgres
  dsn_env: MY_DSN
alerts:
  cooldown: 2h
  webhooks:
    - type: slack
      url_env: SLACK_URL
log:
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9091 {
		t.Errorf("http_port: got %d, want 9091", cfg.Server.HTTPPort)
	}
	if cfg.Server.Auth.EffectiveHeader() != "x-rotor-key" {
		t.Errorf("header: got %q, want x-rotor-key", cfg.Server.Auth.EffectiveHeader())
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("driver: got %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Alerts.Cooldown != 2*time.Hour {
		t.Errorf("cooldown: got %v, want 2h", cfg.Alerts.Cooldown)
	}
	if len(cfg.Alerts.Webhooks) != 1 || cfg.Alerts.Webhooks[0].Type != "slack" {
		t.Errorf("webhooks: got %+v", cfg.Alerts.Webhooks)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", cfg.Log.SlogLevel())
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: K
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h := cfg.Server.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_EnvIndirection(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	t.Setenv("TEST_PG_DSN", "postgres://fleet@localhost/rotors")
	t.Setenv("TEST_HOOK", "https://hooks.example.com/x")
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: TEST_SERVER_KEY
storage:
  driver: postgres
  dsn_env: TEST_PG_DSN
alerts:
  webhooks:
    - type: http
      url_env: TEST_HOOK
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
	if d := cfg.Storage.DSN(); d != "postgres://fleet@localhost/rotors" {
		t.Errorf("DSN(): got %q", d)
	}
	if u := cfg.Alerts.Webhooks[0].URL(); u != "https://hooks.example.com/x" {
		t.Errorf("URL(): got %q", u)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROTORTRACK_HTTP_PORT", "9999")
	t.Setenv("ROTORTRACK_STORAGE_DRIVER", "memory")
	t.Setenv("ROTORTRACK_LOG_LEVEL", "warn")
	t.Setenv("ROTORTRACK_ALERT_COOLDOWN", "30m")
	p := writeConfig(t, `server:
  http_port: 8081
storage:
  driver: sqlite
log:
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("http_port: got %d, want 9999", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("driver: got %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Log.SlogLevel() != slog.LevelWarn {
		t.Errorf("log level: got %v, want warn", cfg.Log.SlogLevel())
	}
	if cfg.Alerts.Cooldown != 30*time.Minute {
		t.Errorf("cooldown: got %v, want 30m", cfg.Alerts.Cooldown)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n"},
		{"apikey without key_env", "server:\n  auth:\n    mode: apikey\n"},
		{"port out of range", "server:\n  http_port: 70000\n"},
		{"unknown driver", "storage:\n  driver: mongo\n"},
		{"postgres without dsn_env", "storage:\n  driver: postgres\n"},
		{"sqlite without path", "storage:\n  driver: sqlite\n  path: \"\"\n"},
		{"negative cooldown", "alerts:\n  cooldown: -1m\n"},
		{"unknown webhook", "alerts:\n  webhooks:\n    - type: pager\n      url_env: X\n"},
		{"webhook without url_env", "alerts:\n  webhooks:\n    - type: slack\n"},
		{"unknown log level", "log:\n  level: loud\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_Reload(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, func(c *Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()

	// The watcher registers asynchronously; keep rewriting until it fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			// A reload can observe the file mid-write.
			if c.Log.SlogLevel() != slog.LevelDebug {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(p, []byte("log:\n  level: debug\n"), 0o600); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload within 5s")
		}
	}
}

func TestWatch_MissingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), func(*Config) {})
	if err == nil {
		t.Fatal("expected error watching a missing file")
	}
}
