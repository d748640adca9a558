package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the attachment sync daemon.
type Config struct {
	// Missive API access
	Missive MissiveConfig `yaml:"missive" json:"missive"`

	// Poller settings
	Poller PollerConfig `yaml:"poller" json:"poller"`

	// Worker settings
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Durable queue settings
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// Attachment storage settings
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Pre-download skip heuristics
	Skip SkipConfig `yaml:"skip" json:"skip"`

	// Download behavior
	Download DownloadConfig `yaml:"download" json:"download"`

	// API rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// MissiveConfig holds Missive API configuration.
type MissiveConfig struct {
	APIToken string `yaml:"api_token" json:"api_token"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	// ProcessAfter optionally bounds the first poll window, DD.MM.YYYY.
	ProcessAfter string `yaml:"process_after" json:"process_after"`
}

// PollerConfig holds polling loop configuration.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	// BackfillOverlap is subtracted from the checkpoint on every read to
	// tolerate clock skew and in-flight writes at the source.
	BackfillOverlap time.Duration `yaml:"backfill_overlap" json:"backfill_overlap"`
	// FirstRunLookback bounds the first poll window when no checkpoint exists.
	FirstRunLookback time.Duration `yaml:"first_run_lookback" json:"first_run_lookback"`
	CheckpointDir    string        `yaml:"checkpoint_dir" json:"checkpoint_dir"`
}

// WorkerConfig holds queue-consumer configuration.
type WorkerConfig struct {
	BatchSize   int           `yaml:"batch_size" json:"batch_size"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	IdleSleep   time.Duration `yaml:"idle_sleep" json:"idle_sleep"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
}

// QueueConfig selects and tunes the durable queue backend.
type QueueConfig struct {
	// Backend is "spool" (directory of event files) or "database" (sqlite rows).
	Backend  string `yaml:"backend" json:"backend"`
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`
	// DatabasePath holds both the database queue backend and the attachment
	// state store.
	DatabasePath string `yaml:"database_path" json:"database_path"`
	// RetryBackoff is the minimum age a failed entry must reach before it is
	// claimable again.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	// StaleClaimTimeout is the age past which a claimed entry is assumed
	// abandoned by a crashed worker and returned to pending.
	StaleClaimTimeout time.Duration `yaml:"stale_claim_timeout" json:"stale_claim_timeout"`
}

// StorageConfig holds the local attachment tree configuration.
type StorageConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
	SubjectMaxLen int    `yaml:"subject_max_len" json:"subject_max_len"`
	NameMaxLen    int    `yaml:"name_max_len" json:"name_max_len"`
}

// SkipConfig holds the pure pre-download classification thresholds.
type SkipConfig struct {
	// MinImageBytes: images smaller than this are treated as icons/logos.
	MinImageBytes int64 `yaml:"min_image_bytes" json:"min_image_bytes"`
	// MinImageDimension: images narrower or shorter than this are skipped.
	MinImageDimension int `yaml:"min_image_dimension" json:"min_image_dimension"`
}

// DownloadConfig holds download-specific configuration.
type DownloadConfig struct {
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	// URLExpiryBuffer: a signed URL expiring within this window is refreshed
	// before any download is attempted.
	URLExpiryBuffer time.Duration `yaml:"url_expiry_buffer" json:"url_expiry_buffer"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Missive: MissiveConfig{
			BaseURL: "https://public.missiveapp.com/v1",
		},
		Poller: PollerConfig{
			Interval:         60 * time.Second,
			BackfillOverlap:  5 * time.Minute,
			FirstRunLookback: 30 * 24 * time.Hour,
			CheckpointDir:    "./data/checkpoints",
		},
		Worker: WorkerConfig{
			BatchSize:   10,
			Concurrency: 1,
			IdleSleep:   5 * time.Second,
			MaxRetries:  3,
		},
		Queue: QueueConfig{
			Backend:           "spool",
			SpoolDir:          "./data/spool",
			DatabasePath:      "./data/attachsync.db",
			RetryBackoff:      5 * time.Minute,
			StaleClaimTimeout: 30 * time.Minute,
		},
		Storage: StorageConfig{
			BaseDirectory: "",
			SubjectMaxLen: 80,
			NameMaxLen:    100,
		},
		Skip: SkipConfig{
			MinImageBytes:     20 * 1024,
			MinImageDimension: 128,
		},
		Download: DownloadConfig{
			Timeout:         60 * time.Second,
			RetryAttempts:   3,
			URLExpiryBuffer: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv overrides configuration from environment variables.
func (c *Config) LoadFromEnv() error {
	if token := os.Getenv("MISSIVE_API_TOKEN"); token != "" {
		c.Missive.APIToken = token
	}
	if after := os.Getenv("MISSIVE_PROCESS_AFTER"); after != "" {
		c.Missive.ProcessAfter = after
	}
	if baseURL := os.Getenv("ATTACHSYNC_MISSIVE_BASE_URL"); baseURL != "" {
		c.Missive.BaseURL = baseURL
	}
	if storage := os.Getenv("ATTACHSYNC_STORAGE_DIR"); storage != "" {
		c.Storage.BaseDirectory = storage
	}
	if spool := os.Getenv("ATTACHSYNC_SPOOL_DIR"); spool != "" {
		c.Queue.SpoolDir = spool
	}
	if dbPath := os.Getenv("ATTACHSYNC_DATABASE_PATH"); dbPath != "" {
		c.Queue.DatabasePath = dbPath
	}
	if backend := os.Getenv("ATTACHSYNC_QUEUE_BACKEND"); backend != "" {
		c.Queue.Backend = backend
	}
	if level := os.Getenv("ATTACHSYNC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if v, ok := envDuration("ATTACHSYNC_POLL_INTERVAL"); ok {
		c.Poller.Interval = v
	}
	if v, ok := envDuration("ATTACHSYNC_RETRY_BACKOFF"); ok {
		c.Queue.RetryBackoff = v
	}
	if v, ok := envInt("ATTACHSYNC_BATCH_SIZE"); ok {
		c.Worker.BatchSize = v
	}
	if v, ok := envInt("ATTACHSYNC_MAX_RETRIES"); ok {
		c.Worker.MaxRetries = v
	}
	if v, ok := envInt("ATTACHSYNC_WORKER_CONCURRENCY"); ok {
		c.Worker.Concurrency = v
	}
	if v, ok := envInt("ATTACHSYNC_REQUESTS_PER_MINUTE"); ok {
		c.RateLimit.RequestsPerMinute = v
	}

	return nil
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func envDuration(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	// Accept bare seconds for parity with the env files the daemon shipped
	// with before durations were introduced.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // no config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for a config file in standard locations.
func (c *Config) findConfigFile() string {
	locations := []string{
		".attachsync.yaml",
		".attachsync.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "attachsync", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "attachsync", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// Validate checks that the configuration can start the daemon. A failure
// here is fatal before any loop starts.
func (c *Config) Validate() error {
	var errs []error

	if c.Missive.APIToken == "" {
		errs = append(errs, errors.New("missive api token is required"))
	}
	if c.Missive.BaseURL == "" {
		errs = append(errs, errors.New("missive base url is required"))
	}

	if c.Storage.BaseDirectory == "" {
		errs = append(errs, errors.New("storage base directory is required"))
	} else if !filepath.IsAbs(c.Storage.BaseDirectory) {
		errs = append(errs, fmt.Errorf("storage base directory must be absolute: %s", c.Storage.BaseDirectory))
	}

	switch c.Queue.Backend {
	case "spool":
		if c.Queue.SpoolDir == "" {
			errs = append(errs, errors.New("spool directory is required for the spool backend"))
		}
	case "database":
		if c.Queue.DatabasePath == "" {
			errs = append(errs, errors.New("database path is required for the database backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend: %q", c.Queue.Backend))
	}
	if c.Queue.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required for the attachment state store"))
	}

	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Poller.BackfillOverlap < 0 {
		errs = append(errs, errors.New("backfill overlap cannot be negative"))
	}
	if c.Poller.FirstRunLookback <= 0 {
		errs = append(errs, errors.New("first-run lookback must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker concurrency must be positive"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}
	if c.Queue.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry backoff must be positive"))
	}
	if c.Queue.StaleClaimTimeout <= 0 {
		errs = append(errs, errors.New("stale claim timeout must be positive"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.Storage.SubjectMaxLen <= 0 || c.Storage.NameMaxLen <= 0 {
		errs = append(errs, errors.New("subject and name length caps must be positive"))
	}

	if c.Missive.ProcessAfter != "" {
		if _, err := ParseProcessAfter(c.Missive.ProcessAfter); err != nil {
			errs = append(errs, err)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseProcessAfter parses the DD.MM.YYYY first-run override.
func ParseProcessAfter(value string) (time.Time, error) {
	t, err := time.ParseInLocation("02.01.2006", value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid process_after date %q (want DD.MM.YYYY): %w", value, err)
	}
	return t, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load loads configuration from all sources with proper precedence:
// environment variables > .env file > config file > defaults.
func Load(configPath string) (*Config, error) {
	// .env files feed the environment layer; missing files are fine.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".attachsync.env"))

	cfg := DefaultConfig()

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return cfg, nil
}
