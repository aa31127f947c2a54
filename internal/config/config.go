package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Download DownloadConfig `yaml:"download"`
	Pixiv    PixivConfig    `yaml:"pixiv"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" envconfig:"SERVER_PORT" default:"9848"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"1m"`
}

// StorageConfig holds filesystem storage configuration.
type StorageConfig struct {
	BasePath     string `yaml:"base_path" envconfig:"STORAGE_PATH" default:"/data/moegrabba"`
	MinFreeBytes uint64 `yaml:"min_free_bytes" envconfig:"STORAGE_MIN_FREE_BYTES" default:"1073741824"` // 1GB
	HistoryDB    string `yaml:"history_db" envconfig:"STORAGE_HISTORY_DB" default:"/data/moegrabba/history.db"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Count            int           `yaml:"count" envconfig:"WORKER_COUNT" default:"2"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"WORKER_POLL_INTERVAL" default:"2s"`
	MaxRetries       int           `yaml:"max_retries" envconfig:"WORKER_MAX_RETRIES" default:"3"`
	TranscodeWorkers int           `yaml:"transcode_workers" envconfig:"WORKER_TRANSCODE_WORKERS" default:"1"`
}

// DownloadConfig holds media transfer configuration.
type DownloadConfig struct {
	Timeout       time.Duration `yaml:"timeout" envconfig:"DOWNLOAD_TIMEOUT" default:"30s"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"DOWNLOAD_READ_TIMEOUT" default:"60s"`
	RetryDelay    time.Duration `yaml:"retry_delay" envconfig:"DOWNLOAD_RETRY_DELAY" default:"2s"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" envconfig:"DOWNLOAD_MAX_RETRY_DELAY" default:"30s"`
	UserAgent     string        `yaml:"user_agent" envconfig:"DOWNLOAD_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"`
	DefaultTier   string        `yaml:"default_tier" envconfig:"DOWNLOAD_DEFAULT_TIER" default:"auto"`
}

// PixivConfig holds Pixiv site configuration.
type PixivConfig struct {
	BaseURL    string        `yaml:"base_url" envconfig:"PIXIV_BASE_URL" default:"https://www.pixiv.net"`
	Cookie     string        `yaml:"cookie" envconfig:"PIXIV_COOKIE"`
	ImageProxy string        `yaml:"image_proxy" envconfig:"PIXIV_IMAGE_PROXY"` // replaces https://i.pximg.net when set
	Timeout    time.Duration `yaml:"timeout" envconfig:"PIXIV_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // json, text or empty for auto
}

// Load reads configuration from the environment and an optional YAML file.
// Defaults and environment variables are applied first; values present in
// the file take precedence over both.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Storage.BasePath == "" {
		return fmt.Errorf("STORAGE_PATH is required")
	}
	if c.Storage.HistoryDB == "" {
		return fmt.Errorf("STORAGE_HISTORY_DB is required")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.Worker.TranscodeWorkers < 1 {
		return fmt.Errorf("WORKER_TRANSCODE_WORKERS must be at least 1")
	}
	if _, err := c.Download.Tier(); err != nil {
		return fmt.Errorf("DOWNLOAD_DEFAULT_TIER: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Tier returns the configured default download tier.
func (c *DownloadConfig) Tier() (domain.DownloadTier, error) {
	return domain.ParseTier(c.DefaultTier)
}
