package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	AdminSecret string `yaml:"admin_secret"` // exchanged for a session JWT
	JWTSecret   string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type ProviderConfig struct {
	Token           string        `yaml:"token"`
	BaseURL         string        `yaml:"base_url"`
	WebhookBaseURL  string        `yaml:"webhook_base_url"` // public base for callback URLs
	WebhookToken    string        `yaml:"webhook_token"`    // verification token in the query string
	MaxAttempts     int           `yaml:"max_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DefaultVersion  string        `yaml:"default_version"`  // generation model version
	TrainerVersion  string        `yaml:"trainer_version"`  // fine-tune trainer version
	TrainDest       string        `yaml:"train_destination"` // owner/name the trained model lands on
}

type StorageConfig struct {
	Bucket        string `yaml:"bucket"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type VisionConfig struct {
	OpenAIKey    string  `yaml:"openai_key"`
	OpenAIModel  string  `yaml:"openai_model"`
	GeminiKey    string  `yaml:"gemini_key"`
	GeminiModel  string  `yaml:"gemini_model"`
	MinScore     float64 `yaml:"min_score"` // evaluation acceptance threshold
	AllowOverride bool   `yaml:"allow_override"`
}

type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

type WorkerConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	Vision   VisionConfig   `yaml:"vision"`
	Notify   NotifyConfig   `yaml:"notify"`
	Worker   WorkerConfig   `yaml:"worker"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.replicate.com/v1"
	}
	if cfg.Provider.MaxAttempts <= 0 {
		cfg.Provider.MaxAttempts = 2
	}
	if cfg.Provider.PollInterval <= 0 {
		cfg.Provider.PollInterval = 15 * time.Second
	}
	if cfg.Provider.PollMaxInterval <= 0 {
		cfg.Provider.PollMaxInterval = 2 * time.Minute
	}
	if cfg.Provider.RequestTimeout <= 0 {
		cfg.Provider.RequestTimeout = 30 * time.Second
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Vision.OpenAIModel == "" {
		cfg.Vision.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.Vision.GeminiModel == "" {
		cfg.Vision.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.Vision.MinScore <= 0 {
		cfg.Vision.MinScore = 60
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 8
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Provider.Token == "" {
		return nil, errors.New("provider.token is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
