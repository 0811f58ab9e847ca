// Package config provides configuration management for telecrawl.
// It defines configuration structures and default values for ingestion parameters.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/masahif/telecrawl/internal/extract"
)

// Source names
const (
	SourceMTProto = "mtproto"
	SourcePreview = "preview"
)

// Raw store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// BackoffConfig controls per-channel pacing of remote calls
type BackoffConfig struct {
	Initial        time.Duration `mapstructure:"initial" yaml:"initial"`                 // Interval before any feedback
	Floor          time.Duration `mapstructure:"floor" yaml:"floor"`                     // Success never shrinks below this
	Ceiling        time.Duration `mapstructure:"ceiling" yaml:"ceiling"`                 // Growth never exceeds this
	ThrottleGrowth float64       `mapstructure:"throttle_growth" yaml:"throttle_growth"` // Multiplier on Throttled
	FailureGrowth  float64       `mapstructure:"failure_growth" yaml:"failure_growth"`   // Multiplier on transient failure
	SuccessShrink  float64       `mapstructure:"success_shrink" yaml:"success_shrink"`   // Multiplier on Success
}

// TelegramConfig holds MTProto client credentials
type TelegramConfig struct {
	APIID       int    `mapstructure:"api_id" yaml:"api_id"`             // Application id from my.telegram.org
	APIHash     string `mapstructure:"api_hash" yaml:"-"`                // Application hash, never printed
	Phone       string `mapstructure:"phone" yaml:"phone"`               // Account phone number for first login
	Password    string `mapstructure:"password" yaml:"-"`                // 2FA password, never printed
	SessionPath string `mapstructure:"session_path" yaml:"session_path"` // File the MTProto session is persisted to
}

// PreviewConfig holds settings for the public web preview source
type PreviewConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`             // Usually https://t.me
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`         // HTTP User-Agent header
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`               // HTTP request timeout
	RespectRobots bool          `mapstructure:"respect_robots" yaml:"respect_robots"` // Whether to respect robots.txt
}

// S3Config configures the optional media mirror
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// Enabled reports whether the mirror is configured
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// MediaConfig controls media downloads
type MediaConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`         // Download media at all
	Dir        string        `mapstructure:"dir" yaml:"dir"`                 // Root directory, one subdirectory per channel
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"` // Attempts after the first for transient errors
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"` // First retry delay, doubled each attempt
	S3         S3Config      `mapstructure:"s3" yaml:"s3"`                   // Optional object store mirror
}

// RawStoreConfig selects the relational raw store
type RawStoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path" yaml:"path"`     // SQLite database file
	DSN    string `mapstructure:"dsn" yaml:"-"`         // PostgreSQL connection string
}

// LogConfig controls logging output
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	File       string `mapstructure:"file" yaml:"file"`               // Log file, rotated daily and by size; empty disables
	MaxSizeMB  int64  `mapstructure:"max_size_mb" yaml:"max_size_mb"` // Rotate when the file exceeds this size
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // Rotated files to keep per day
	Console    bool   `mapstructure:"console" yaml:"console"`         // Also log to stdout
}

// MetricsConfig controls the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"` // Written at the end of every run; empty disables
}

// Config holds the full ingestion configuration
type Config struct {
	// Channels and source
	Channels []string `mapstructure:"channels" yaml:"channels"` // "@username", "username" or numeric id
	Source   string   `mapstructure:"source" yaml:"source"`     // mtproto or preview

	// Crawl parameters
	Concurrency           int           `mapstructure:"concurrency" yaml:"concurrency"`                           // Channels crawled at once
	PageSize              int           `mapstructure:"page_size" yaml:"page_size"`                               // Messages per history request
	MaxMessagesPerChannel int           `mapstructure:"max_messages_per_channel" yaml:"max_messages_per_channel"` // Per run cap, 0=unlimited
	Backfill              int           `mapstructure:"backfill" yaml:"backfill"`                                 // Messages to fetch on a channel's first crawl, 0=entire history
	MaxPageRetries        int           `mapstructure:"max_page_retries" yaml:"max_page_retries"`                 // Attempts per page before the channel fails
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold" yaml:"failure_rate_threshold"`     // Share of failed messages that fails the channel
	ChannelDelay          time.Duration `mapstructure:"channel_delay" yaml:"channel_delay"`                       // Pause before starting each further channel
	Backoff               BackoffConfig `mapstructure:"backoff" yaml:"backoff"`

	// Sources
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Preview  PreviewConfig  `mapstructure:"preview" yaml:"preview"`

	// Storage
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`   // Partitioned raw files and run summaries
	StateDir string         `mapstructure:"state_dir" yaml:"state_dir"` // Cursor store
	RawStore RawStoreConfig `mapstructure:"raw_store" yaml:"raw_store"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`

	// Extraction rules
	Extraction extract.Rules `mapstructure:"extraction" yaml:"extraction"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultChannels are crawled when no channel is configured explicitly
var DefaultChannels = []string{"@cheMed123", "@lobelia4cosmetics", "@tikvahpharma"}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Channels:              append([]string(nil), DefaultChannels...),
		Source:                SourceMTProto,
		Concurrency:           2,
		PageSize:              100,
		MaxMessagesPerChannel: 200,
		Backfill:              200,
		MaxPageRetries:        5,
		FailureRateThreshold:  0.5,
		ChannelDelay:          3 * time.Second,
		Backoff: BackoffConfig{
			Initial:        1 * time.Second,
			Floor:          500 * time.Millisecond,
			Ceiling:        5 * time.Minute,
			ThrottleGrowth: 2.0,
			FailureGrowth:  1.5,
			SuccessShrink:  0.9,
		},
		Telegram: TelegramConfig{
			SessionPath: "./state/telegram.session",
		},
		Preview: PreviewConfig{
			BaseURL:       "https://t.me",
			UserAgent:     "telecrawl/1.0",
			Timeout:       30 * time.Second,
			RespectRobots: true,
		},
		DataDir:  "./data",
		StateDir: "./state",
		RawStore: RawStoreConfig{
			Driver: DriverSQLite,
			Path:   "./data/raw.db",
		},
		Media: MediaConfig{
			Enabled:    true,
			Dir:        "./data/raw/images",
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		Extraction: extract.DefaultRules(),
		Log: LogConfig{
			Level:      "info",
			File:       "./logs/telecrawl.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Validate checks if the configuration is valid. It does not check
// credentials; see ValidateCredentials.
func (c *Config) Validate() error {
	if len(c.NormalizedChannels()) == 0 {
		return ErrNoChannels
	}

	if c.Source != SourceMTProto && c.Source != SourcePreview {
		return fmt.Errorf("%w: %q", ErrInvalidSource, c.Source)
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.PageSize <= 0 || c.PageSize > 100 {
		return ErrInvalidPageSize
	}

	if c.MaxMessagesPerChannel < 0 || c.Backfill < 0 {
		return ErrInvalidLimit
	}

	if c.MaxPageRetries <= 0 {
		return ErrInvalidRetries
	}

	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return ErrInvalidFailureRate
	}

	if err := c.Backoff.Validate(); err != nil {
		return err
	}

	if c.DataDir == "" {
		return ErrEmptyDataDir
	}

	if c.StateDir == "" {
		return ErrEmptyStateDir
	}

	switch c.RawStore.Driver {
	case DriverSQLite:
		if c.RawStore.Path == "" {
			return ErrEmptyDatabasePath
		}
	case DriverPostgres:
		if c.RawStore.DSN == "" {
			return ErrEmptyDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.RawStore.Driver)
	}

	if c.Media.Enabled && c.Media.Dir == "" {
		return ErrEmptyMediaDir
	}

	if c.Source == SourcePreview && c.Preview.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if _, err := extract.Compile(c.Extraction); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}

	return nil
}

// ValidateCredentials checks that the selected source can authenticate
func (c *Config) ValidateCredentials() error {
	if c.Source != SourceMTProto {
		return nil
	}
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return ErrMissingCredentials
	}
	if c.Telegram.SessionPath == "" {
		return ErrEmptySessionPath
	}
	return nil
}

// Validate checks the backoff parameters
func (b BackoffConfig) Validate() error {
	if b.Floor <= 0 || b.Ceiling < b.Floor || b.Initial <= 0 {
		return ErrInvalidBackoff
	}
	if b.ThrottleGrowth <= 1 || b.FailureGrowth < 1 || b.SuccessShrink <= 0 || b.SuccessShrink > 1 {
		return ErrInvalidBackoff
	}
	return nil
}

// NormalizedChannels returns the configured channels trimmed and
// deduplicated (case-insensitively), keeping the first spelling.
func (c *Config) NormalizedChannels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ch := range c.Channels {
		ch = strings.TrimSpace(ch)
		key := strings.ToLower(strings.TrimPrefix(ch, "@"))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ch)
	}
	return out
}

// LoadCredentialsFromEnv fills Telegram credentials from the variable names
// used by older deployments when they are not set otherwise.
func (c *Config) LoadCredentialsFromEnv() {
	if c.Telegram.APIID == 0 {
		for _, name := range []string{"TG_API_ID", "Tg_API_ID"} {
			if v := os.Getenv(name); v != "" {
				var id int
				if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &id); err == nil {
					c.Telegram.APIID = id
					break
				}
			}
		}
	}
	if c.Telegram.APIHash == "" {
		for _, name := range []string{"TG_API_HASH", "Tg_API_HASH"} {
			if v := os.Getenv(name); v != "" {
				c.Telegram.APIHash = strings.TrimSpace(v)
				break
			}
		}
	}
	if c.Telegram.Phone == "" {
		c.Telegram.Phone = os.Getenv("TG_PHONE")
	}
}
