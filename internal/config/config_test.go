package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME at a temp dir and clears env overrides.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	for _, key := range []string{
		"MEDELLINBOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN", "MEDELLINBOT_TELEGRAM_MODE",
		"MEDELLINBOT_WEBHOOK_URL", "MEDELLINBOT_TELEGRAM_PROXY", "MEDELLINBOT_PORT",
		"MEDELLINBOT_STORE_DRIVER", "MEDELLINBOT_STORE_DSN", "DATABASE_URL",
		"MEDELLINBOT_DISPATCHER_ENABLED", "MEDELLINBOT_DISPATCHER_SCHEDULE", "MEDELLINBOT_CATALOG_DIR",
		"MEDELLINBOT_LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT", "MEDELLINBOT_NATS_URL", "MEDELLINBOT_TIMEZONE",
	} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func writeConfig(t *testing.T, home string, v any) {
	t.Helper()
	dir := filepath.Join(home, ".medellinbot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Gateway.Host != DefaultHost {
		t.Errorf("host = %q, want %q", cfg.Gateway.Host, DefaultHost)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Gateway.Port, DefaultPort)
	}
	if cfg.Telegram.Mode != ModePolling {
		t.Errorf("mode = %q, want polling", cfg.Telegram.Mode)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN == "" {
		t.Errorf("store = %+v, want sqlite with a dsn", cfg.Store)
	}
	if !cfg.Dispatcher.Enabled || cfg.Dispatcher.Schedule != DefaultDispatchSchedule {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.BroadcastDelay() != 100*time.Millisecond {
		t.Errorf("broadcast delay = %v, want 100ms", cfg.BroadcastDelay())
	}
	if cfg.Timezone != "America/Bogota" {
		t.Errorf("timezone = %q", cfg.Timezone)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location error: %v", err)
	}
	if loc.String() != "America/Bogota" {
		t.Errorf("location = %s", loc)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, map[string]any{
		"telegram": map[string]any{"token": "file-token", "mode": "webhook", "webhookUrl": "https://bot.example.com/telegram/webhook"},
		"gateway":  map[string]any{"port": 9090},
		"store":    map[string]any{"driver": "postgres", "dsn": "postgres://localhost/bot"},
	})

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Telegram.Mode != ModeWebhook {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != DefaultHost {
		t.Errorf("host = %q, want default", cfg.Gateway.Host)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, map[string]any{"telegram": map[string]any{"token": "file-token"}})

	t.Setenv("MEDELLINBOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("MEDELLINBOT_PORT", "7000")
	t.Setenv("MEDELLINBOT_DISPATCHER_ENABLED", "false")
	t.Setenv("MEDELLINBOT_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q, want env-token", cfg.Telegram.Token)
	}
	if cfg.Gateway.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Gateway.Port)
	}
	if cfg.Dispatcher.Enabled {
		t.Error("dispatcher should be disabled by env")
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
}

func TestLoadConfig_TokenFallback(t *testing.T) {
	isolate(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "generic-token")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Telegram.Token != "generic-token" {
		t.Errorf("token = %q, want generic-token", cfg.Telegram.Token)
	}
}

func TestLoadConfig_DatabaseURLSelectsPostgres(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db/bot?sslmode=disable")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://u:p@db/bot?sslmode=disable" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".medellinbot")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{invalid"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"mode", map[string]any{"telegram": map[string]any{"mode": "carrier-pigeon"}}},
		{"driver", map[string]any{"store": map[string]any{"driver": "mysql"}}},
		{"timezone", map[string]any{"timezone": "Mars/Olympus"}},
		{"rate window", map[string]any{"admin": map[string]any{"rateWindow": "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := isolate(t)
			writeConfig(t, home, tt.cfg)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.Telegram.Token = "saved-token"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Telegram.Token != "saved-token" {
		t.Errorf("token = %q, want saved-token", loaded.Telegram.Token)
	}

	info, err := os.Stat(ConfigPath())
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 8081
	if cfg.Addr() != "127.0.0.1:8081" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}
