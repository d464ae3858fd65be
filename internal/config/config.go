package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port      int              `json:"port"`
	JWTSecret string           `json:"jwt_secret"`
	LogConfig logger.LogConfig `json:"log_config"`
	Database  DatabaseConfig   `json:"database"`
	FileStore FileStoreConfig  `json:"file_store"`
	Providers ProvidersConfig  `json:"providers"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
	Process   ProcessConfig    `json:"process"`
	Batch     BatchConfig      `json:"batch"`
	Mail      MailConfig       `json:"mail"`
	CORS      []string         `json:"cors_allowlist"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ProvidersConfig maps a provider name ("openai", "anthropic", "gemini") to
// its provider-specific arguments, decoded by the provider factory.
type ProvidersConfig map[string]interface{}

type RateLimitConfig struct {
	MaxRPM          int     `json:"max_rpm"`
	MaxRPH          int     `json:"max_rph"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
}

type ProcessConfig struct {
	Concurrency    int `json:"concurrency"`
	TimeoutSeconds int `json:"timeout_seconds"`
	MaxRetries     int `json:"max_retries"`
}

type BatchConfig struct {
	PollIntervalSeconds int `json:"poll_interval_seconds"`
}

type MailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return nil, fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	if cfg.RateLimit.MaxRPM <= 0 {
		cfg.RateLimit.MaxRPM = 60
	}
	if cfg.RateLimit.MaxRPH <= 0 {
		cfg.RateLimit.MaxRPH = 1000
	}
	if cfg.RateLimit.CooldownSeconds <= 0 {
		cfg.RateLimit.CooldownSeconds = 5
	}
	if cfg.Process.Concurrency <= 0 {
		cfg.Process.Concurrency = 5
	}
	if cfg.Process.TimeoutSeconds <= 0 {
		cfg.Process.TimeoutSeconds = 60
	}
	if cfg.Process.MaxRetries <= 0 {
		cfg.Process.MaxRetries = 10
	}
	if cfg.Batch.PollIntervalSeconds <= 0 {
		cfg.Batch.PollIntervalSeconds = 10
	}
	return &cfg, nil
}
