package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full service configuration, read from a yaml file with
// env-var overrides.
type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local"`
	HTTPServer HTTPServer `yaml:"http-server"`
	Storage    Storage    `yaml:"storage"`
	Retry      Retry      `yaml:"retry"`
	Watchdog   Watchdog   `yaml:"watchdog"`
	Sources    []Source   `yaml:"sources"`
}

type HTTPServer struct {
	Address      string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env-default:"30s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env-default:"120s"`
}

type Storage struct {
	DownloadDir string `yaml:"download_dir" env:"DOWNLOAD_DIR" env-default:"downloads"`
	LogFile     string `yaml:"log_file" env:"LOG_FILE" env-default:""`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" env-default:"3"`
	BackoffBase time.Duration `yaml:"backoff_base" env-default:"500ms"`
	BackoffMax  time.Duration `yaml:"backoff_max" env-default:"30s"`
	// RateLimitPause is how long all of a session's workers back off
	// after a 429 before anyone retries.
	RateLimitPause time.Duration `yaml:"rate_limit_pause" env-default:"10s"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env-default:"5m"`
}

type Watchdog struct {
	Interval   time.Duration `yaml:"interval" env-default:"30s"`
	StuckAfter time.Duration `yaml:"stuck_after" env-default:"5m"`
}

// Source configures one adapter instance. Kind selects the implementation
// (portal, httpapi); Type is the source_type sessions are keyed by.
type Source struct {
	Type     string `yaml:"type"`
	Kind     string `yaml:"kind"`
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"SOURCE_PASSWORD"`
	APIKey   string `yaml:"api_key"`
	Workers  int    `yaml:"workers"`
}

// WorkerCount returns the pool size for sourceType, defaulting to 1.
func (c *Config) WorkerCount(sourceType string) int {
	for _, s := range c.Sources {
		if s.Type == sourceType && s.Workers > 0 {
			return s.Workers
		}
	}
	return 1
}

// Load reads the config file at path. A missing file is an error: running
// with no sources configured is never intended.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return &cfg, nil
}
