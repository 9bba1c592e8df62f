package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the que coordination layer.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML configuration file (medium priority)
//  3. Environment variables (highest priority)
type Config struct {
	// Redis configuration (coordination store, queues, pub/sub)
	Redis RedisConfig `yaml:"redis"`

	// Database configuration (durable task log store)
	Database DatabaseConfig `yaml:"database"`

	// Queues lists the named worker queues this deployment serves.
	// The queue names are an external contract with the worker fleet.
	Queues []string `yaml:"queues"`

	// Tasks configuration (lifecycle knobs)
	Tasks TasksConfig `yaml:"tasks"`

	// Log configuration (task log store)
	Log LogConfig `yaml:"log"`

	// Backoff configuration for the bounded polling loops
	Backoff BackoffConfig `yaml:"backoff"`
}

// RedisConfig configures the shared Redis instance.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig configures the durable task log database.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// TasksConfig configures task lifecycle behavior.
type TasksConfig struct {
	// DefaultDatacenterID is the datacenter component used when a task id
	// carries none.
	DefaultDatacenterID int `yaml:"default_datacenter_id"`

	// RegistrationGrace bounds how long a worker waits for a freshly
	// accepted task to appear in the pending registry.
	RegistrationGrace time.Duration `yaml:"registration_grace"`

	// ParentWaitTimeout bounds how long a callback waits for its parent
	// task to reach a terminal state before proceeding anyway.
	ParentWaitTimeout time.Duration `yaml:"parent_wait_timeout"`

	// ResultTTL is the retention window of task results. Results older
	// than this report "not found" to pollers.
	ResultTTL time.Duration `yaml:"result_ttl"`

	// DefaultLockTimeout is applied to lock acquisitions that specify none.
	// Locks with no timeout at all are logged as anomalies.
	DefaultLockTimeout time.Duration `yaml:"default_lock_timeout"`
}

// LogConfig configures the task log store.
type LogConfig struct {
	// RecentLimit caps the per-(owner, datacenter) recent-history cache.
	RecentLimit int `yaml:"recent_limit"`

	// StaffOwnerID is the pseudo-owner whose recent list mirrors every
	// entry in a datacenter, giving staff a datacenter-wide view.
	StaffOwnerID int `yaml:"staff_owner_id"`
}

// BackoffConfig configures the sleep-based polling loops
// (await-registration, wait-for-lock-release, parent-state wait).
type BackoffConfig struct {
	// InitialDelay is the first poll interval. Default: 500ms.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the poll interval as it doubles. Default: 8s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Factor is the interval multiplier between polls. Default: 2.0.
	Factor float64 `yaml:"factor"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			Namespace: "que",
		},
		Queues: []string{"fast", "slow", "mgmt", "backup", "image"},
		Tasks: TasksConfig{
			DefaultDatacenterID: DefaultDatacenterID,
			RegistrationGrace:   30 * time.Second,
			ParentWaitTimeout:   30 * time.Second,
			ResultTTL:           7 * 24 * time.Hour,
			DefaultLockTimeout:  time.Hour,
		},
		Log: LogConfig{
			RecentLimit:  100,
			StaffOwnerID: 1,
		},
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Factor:       2.0,
		},
	}
}

// LoadConfig reads the YAML file at path (if path is non-empty) over the
// defaults and then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvironment applies environment variable overrides.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("QUE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("QUE_REDIS_NAMESPACE"); v != "" {
		c.Redis.Namespace = v
	}
	if v := os.Getenv("QUE_DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("QUE_DEFAULT_DC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tasks.DefaultDatacenterID = n
		}
	}
	if v := os.Getenv("QUE_REGISTRATION_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tasks.RegistrationGrace = d
		}
	}
	if v := os.Getenv("QUE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tasks.ResultTTL = d
		}
	}
	if v := os.Getenv("QUE_RECENT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Log.RecentLimit = n
		}
	}
	if v := os.Getenv("QUE_STAFF_OWNER_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Log.StaffOwnerID = n
		}
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url: %w", ErrMissingConfiguration)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("queues: %w", ErrMissingConfiguration)
	}
	if c.Log.RecentLimit <= 0 {
		return fmt.Errorf("log.recent_limit must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Backoff.Factor < 1.0 {
		return fmt.Errorf("backoff.factor must be >= 1.0: %w", ErrInvalidConfiguration)
	}
	if c.Tasks.RegistrationGrace <= 0 {
		return fmt.Errorf("tasks.registration_grace must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}
