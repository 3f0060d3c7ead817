package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir            string `json:"data_dir"`
	LogLevel           string `json:"log_level"`
	Listen             string `json:"listen"`
	EnforcePermissions bool   `json:"enforce_permissions"`
	EnforceRateLimits  bool   `json:"enforce_rate_limits"`

	Context struct {
		Backend    string `json:"backend"` // "memory" or "redis"
		TTLSeconds int    `json:"ttl_seconds"`
		Redis      struct {
			Addr     string `json:"addr"`
			Password string `json:"password"`
			DB       int    `json:"db"`
		} `json:"redis"`
	} `json:"context"`

	Database struct {
		Path string `json:"path"`
	} `json:"database"`

	Queue struct {
		Path                string `json:"path"`
		MaxConcurrentSends  int    `json:"max_concurrent_sends"`
		PollIntervalSeconds int    `json:"poll_interval_seconds"`
	} `json:"queue"`

	Sandbox struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	} `json:"sandbox"`

	Connectors struct {
		EmailURL       string `json:"email_url"`
		SQLURL         string `json:"sql_url"`
		RESTURL        string `json:"rest_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"connectors"`

	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`

	Webchat struct {
		CallbackURL string `json:"callback_url"`
	} `json:"webchat"`

	Processor struct {
		URL            string `json:"url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"processor"`

	Enrichment struct {
		Model         string `json:"model"`
		HistoryTokens int    `json:"history_tokens"`
	} `json:"enrichment"`

	Maintenance struct {
		SweepSchedule            string `json:"sweep_schedule"`
		PruneSchedule            string `json:"prune_schedule"`
		DeadLetterRetentionHours int    `json:"dead_letter_retention_hours"`
	} `json:"maintenance"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".flowgate"),
		LogLevel: "info",
		Listen:   ":8080",
	}
	cfg.EnforcePermissions = true
	cfg.EnforceRateLimits = true
	cfg.Context.Backend = "memory"
	cfg.Context.TTLSeconds = 3600
	cfg.Context.Redis.Addr = "localhost:6379"
	cfg.Database.Path = filepath.Join(cfg.DataDir, "flowgate.db")
	cfg.Queue.Path = filepath.Join(cfg.DataDir, "queue")
	cfg.Queue.MaxConcurrentSends = 4
	cfg.Queue.PollIntervalSeconds = 1
	cfg.Sandbox.TimeoutSeconds = 10
	cfg.Connectors.TimeoutSeconds = 30
	cfg.Processor.TimeoutSeconds = 60
	cfg.Enrichment.Model = "gpt-4"
	cfg.Enrichment.HistoryTokens = 2048
	cfg.Maintenance.SweepSchedule = "*/5 * * * *"
	cfg.Maintenance.PruneSchedule = "0 3 * * *"
	cfg.Maintenance.DeadLetterRetentionHours = 168

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Context.Backend = "redis"
		cfg.Context.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Context.Redis.Password = password
	}
	if listen := os.Getenv("FLOWGATE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}

	return cfg, nil
}

// Save persists the config atomically: write to a temp file in the same
// directory, then rename over the target.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
