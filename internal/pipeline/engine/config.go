package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peptilab/peptiflow/internal/pipeline/cache"
	"github.com/peptilab/peptiflow/internal/pipeline/scheduler"
)

// Config is the process-level engine configuration. Zero values mean "use
// the default"; ApplyDefaults fills them in.
type Config struct {
	MaxWorkers        int     `json:"max_workers" yaml:"max_workers"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	QueueCapacity     int     `json:"queue_capacity" yaml:"queue_capacity"`
	StateDir          string  `json:"state_dir" yaml:"state_dir"`
	CacheDir          string  `json:"cache_dir" yaml:"cache_dir"`
	CacheTTLSeconds   int64   `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	WebhookURL        string  `json:"webhook_url" yaml:"webhook_url"`
}

func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

func (c *Config) ApplyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = scheduler.DefaultMaxWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = scheduler.DefaultRetryDelay.Seconds()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = scheduler.DefaultQueueCapacity
	}
	if c.StateDir == "" {
		c.StateDir = "workflow_states"
	}
	if c.CacheDir == "" {
		c.CacheDir = "data_cache"
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = int64(cache.DefaultTTL / time.Second)
	}
}

func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must not be negative, got %v", c.RetryDelaySeconds)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	return nil
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LoadConfigFile reads a YAML or JSON config, by extension. Unknown fields
// are rejected so typos fail loudly instead of silently using defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(data, &cfg)
	case ".yaml", ".yml":
		err = decodeYAMLStrict(data, &cfg)
	default:
		return Config{}, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays PEPTIFLOW_* environment variables onto the config. Set
// variables win over file values; malformed values are errors.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PEPTIFLOW_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PEPTIFLOW_MAX_WORKERS: %w", err)
		}
		c.MaxWorkers = n
	}
	if v := os.Getenv("PEPTIFLOW_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PEPTIFLOW_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv("PEPTIFLOW_RETRY_DELAY_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PEPTIFLOW_RETRY_DELAY_SECONDS: %w", err)
		}
		c.RetryDelaySeconds = f
	}
	if v := os.Getenv("PEPTIFLOW_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("PEPTIFLOW_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("PEPTIFLOW_CACHE_TTL_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PEPTIFLOW_CACHE_TTL_SECONDS: %w", err)
		}
		c.CacheTTLSeconds = n
	}
	return nil
}

func decodeJSONStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return fmt.Errorf("trailing content after document")
	}
	return nil
}

func decodeYAMLStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}
