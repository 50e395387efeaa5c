package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Session backends
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// Config is the full server configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Processor ProcessorConfig `yaml:"processor"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	NATS      NATSConfig      `yaml:"nats"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Polls     []PollConfig    `yaml:"polls"`
	// FetchAction is the name the built-in fetch action registers under. Empty disables it.
	FetchAction string `yaml:"fetch_action"`
}

type ServerConfig struct {
	HTTPPort string `yaml:"http_port"`
	GRPCPort string `yaml:"grpc_port"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type SessionConfig struct {
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
	KeyPrefix   string        `yaml:"key_prefix"`
	MemoryLimit int           `yaml:"memory_limit"`
	TTL         time.Duration `yaml:"ttl"`
}

type ProcessorConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type DispatchConfig struct {
	ItemDelay        time.Duration `yaml:"item_delay"`
	MaxDepth         int           `yaml:"max_depth"`
	MaxItems         int           `yaml:"max_items"`
	ProcessorTimeout time.Duration `yaml:"processor_timeout"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LedgerConfig struct {
	// MaxSteps bounds the in-process step ledger. Zero keeps every step.
	MaxSteps int `yaml:"max_steps"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	InputSubject  string `yaml:"input_subject"`
	OutputSubject string `yaml:"output_subject"`
	Queue         string `yaml:"queue"`
}

type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type PollConfig struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			HTTPPort: "8080",
			GRPCPort: "50051",
		},
		Store: StoreConfig{
			Driver:     StoreMemory,
			SQLitePath: "data/tasks.db",
		},
		Session: SessionConfig{
			Backend:     SessionMemory,
			KeyPrefix:   "dispatcher",
			MemoryLimit: 50,
		},
		Dispatch: DispatchConfig{
			ItemDelay:        5 * time.Second,
			MaxDepth:         8,
			MaxItems:         256,
			ProcessorTimeout: 2 * time.Minute,
			HandlerTimeout:   time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: time.Second,
			BatchSize:    10,
			TaskTimeout:  5 * time.Minute,
			StaleAfter:   10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			BackoffFactor:  2,
			RequestTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			MaxSteps: 10000,
		},
		NATS: NATSConfig{
			Queue: "dispatcher",
		},
		FetchAction: "fetch",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env files, then environment variables
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := LoadEnv(".env"); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnv loads the given env files when present. Existing process
// variables win over file values.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Server.HTTPPort = GetEnv("HTTP_PORT", cfg.Server.HTTPPort)
	cfg.Server.GRPCPort = GetEnv("GRPC_PORT", cfg.Server.GRPCPort)

	cfg.Store.DatabaseURL = GetEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.SQLitePath = GetEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.Driver = GetEnv("STORE_DRIVER", cfg.Store.Driver)
	if os.Getenv("STORE_DRIVER") == "" && os.Getenv("DATABASE_URL") != "" {
		cfg.Store.Driver = StorePostgres
	}

	cfg.Session.RedisURL = GetEnv("REDIS_URL", cfg.Session.RedisURL)
	cfg.Session.Backend = GetEnv("SESSION_BACKEND", cfg.Session.Backend)
	if os.Getenv("SESSION_BACKEND") == "" && os.Getenv("REDIS_URL") != "" {
		cfg.Session.Backend = SessionRedis
	}
	cfg.Session.MemoryLimit = GetEnvInt("MEMORY_LIMIT", cfg.Session.MemoryLimit)

	cfg.Processor.URL = GetEnv("PROCESSOR_URL", cfg.Processor.URL)

	cfg.Dispatch.ItemDelay = GetEnvDuration("ITEM_DELAY", cfg.Dispatch.ItemDelay)
	cfg.Dispatch.MaxDepth = GetEnvInt("MAX_DEPTH", cfg.Dispatch.MaxDepth)
	cfg.Dispatch.MaxItems = GetEnvInt("MAX_ITEMS", cfg.Dispatch.MaxItems)
	cfg.Dispatch.ProcessorTimeout = GetEnvDuration("PROCESSOR_TIMEOUT", cfg.Dispatch.ProcessorTimeout)
	cfg.Dispatch.HandlerTimeout = GetEnvDuration("HANDLER_TIMEOUT", cfg.Dispatch.HandlerTimeout)

	cfg.Scheduler.Enabled = GetEnvBool("SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.PollInterval = GetEnvDuration("SCHEDULER_POLL_INTERVAL", cfg.Scheduler.PollInterval)
	cfg.Scheduler.BatchSize = GetEnvInt("SCHEDULER_BATCH_SIZE", cfg.Scheduler.BatchSize)

	cfg.Retry.MaxRetries = GetEnvInt("HTTP_MAX_RETRIES", cfg.Retry.MaxRetries)

	cfg.Ledger.MaxSteps = GetEnvInt("LEDGER_MAX_STEPS", cfg.Ledger.MaxSteps)

	cfg.NATS.URL = GetEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.InputSubject = GetEnv("NATS_INPUT_SUBJECT", cfg.NATS.InputSubject)
	cfg.NATS.OutputSubject = GetEnv("NATS_OUTPUT_SUBJECT", cfg.NATS.OutputSubject)
}

// Validate reports configuration that cannot start a server
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Session.Backend {
	case SessionMemory:
	case SessionRedis:
		if c.Session.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}

	if c.Ledger.MaxSteps < 0 {
		errs = append(errs, errors.New("ledger.max_steps must not be negative"))
	}

	seen := map[string]bool{}
	for _, w := range c.Webhooks {
		if w.Name == "" || w.URL == "" {
			errs = append(errs, errors.New("webhooks need a name and url"))
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("duplicate handler name %q", w.Name))
		}
		seen[w.Name] = true
	}
	for _, p := range c.Polls {
		if p.Name == "" || p.URL == "" || p.Interval <= 0 {
			errs = append(errs, fmt.Errorf("poll %q needs a name, url and positive interval", p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate handler name %q", p.Name))
		}
		seen[p.Name] = true
	}
	return errors.Join(errs...)
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration gets a duration environment variable ("5s", "250ms") with a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
