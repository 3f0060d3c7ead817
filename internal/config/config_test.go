package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Context.Backend != "memory" || cfg.Context.TTLSeconds != 3600 {
		t.Errorf("context defaults = %+v", cfg.Context)
	}
	if !cfg.EnforcePermissions {
		t.Error("permissions enforcement should default on")
	}
	if !cfg.EnforceRateLimits {
		t.Error("rate-limit enforcement should default on")
	}
	if cfg.Queue.MaxConcurrentSends != 4 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}

	// The defaults file is written for the operator to edit.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults file not written: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"listen": ":9999", "context": {"backend": "redis", "redis": {"addr": "cache:6379"}}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Context.Backend != "redis" || cfg.Context.Redis.Addr != "cache:6379" {
		t.Errorf("context = %+v", cfg.Context)
	}
	// Unspecified fields keep their defaults.
	if cfg.Sandbox.TimeoutSeconds != 10 {
		t.Errorf("sandbox timeout = %d", cfg.Sandbox.TimeoutSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")
	t.Setenv("REDIS_ADDR", "prod:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Context.Backend != "redis" || cfg.Context.Redis.Addr != "prod:6379" {
		t.Errorf("redis env override not applied: %+v", cfg.Context)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Listen = ":7070"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Listen != ":7070" {
		t.Errorf("listen after round trip = %q", again.Listen)
	}
	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file not cleaned up")
	}
}

func TestConfigJSONShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("written defaults are not valid JSON: %v", err)
	}
	for _, key := range []string{"context", "database", "queue", "sandbox", "connectors", "maintenance"} {
		if _, ok := m[key]; !ok {
			t.Errorf("defaults missing %q section", key)
		}
	}
}
