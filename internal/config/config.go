// Package config loads and validates robustfetch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ROBUSTFETCH_FETCHER_CACHE_DIR.
const EnvPrefix = "ROBUSTFETCH"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Mirrors   MirrorsConfig   `mapstructure:"mirrors"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Converter ConverterConfig `mapstructure:"converter"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// LoggingConfig selects the zap flavour and threshold.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name such as debug, info or warn.
	Level string `mapstructure:"level"`
}

// FetcherConfig governs the engine cascade and rate gate.
type FetcherConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
	// OutputDir is where API-initiated downloads land.
	OutputDir      string   `mapstructure:"output_dir"`
	RateLimitDelay float64  `mapstructure:"rate_limit_delay"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	NotFoundPolicy string   `mapstructure:"not_found_policy"`
	Engines        []string `mapstructure:"engines"`
	UserAgents     []string `mapstructure:"user_agents"`
	CurlPath       string   `mapstructure:"curl_path"`
	WgetPath       string   `mapstructure:"wget_path"`
	MaxBodyBytes   int      `mapstructure:"max_body_bytes"`
	// ChallengeThreshold is the HTML size under which script-heavy pages count as challenges.
	DetectChallenges   bool `mapstructure:"detect_challenges"`
	ChallengeThreshold int  `mapstructure:"challenge_threshold"`
}

// MirrorsConfig controls the mirror table.
type MirrorsConfig struct {
	Enabled     bool                `mapstructure:"enabled"`
	UseDefaults bool                `mapstructure:"use_defaults"`
	Extra       map[string][]string `mapstructure:"extra"`
}

// ArchiveConfig controls the Wayback fallback.
type ArchiveConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	Endpoint               string `mapstructure:"endpoint"`
	LookupTimeoutSeconds   int    `mapstructure:"lookup_timeout_seconds"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds"`
}

// ConverterConfig controls HTML to PDF conversion.
type ConverterConfig struct {
	Engine          string `mapstructure:"engine"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	WkhtmltopdfPath string `mapstructure:"wkhtmltopdf_path"`
	WeasyprintPath  string `mapstructure:"weasyprint_path"`
	ChromiumPath    string `mapstructure:"chromium_path"`
	MaxParallel     int    `mapstructure:"max_parallel"`
}

// StorageConfig selects where artifact copies go.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig selects where fetch records go.
type DatabaseConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds completion event settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	Workers                int `mapstructure:"workers"`
	Backlog                int `mapstructure:"backlog"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// TracingConfig controls OpenTelemetry spans. Finished spans are logged at debug level.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

var (
	engineNames    = []string{"session", "curl", "wget"}
	converterNames = []string{"auto", "wkhtmltopdf", "chromium", "weasyprint"}
)

// Load builds a Config from a file plus environment overrides. An empty path
// searches the standard locations.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := discover(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// discover reads robustfetch.yaml from the working directory, the user's
// config directory or /etc. A missing file is not an error.
func discover(v *viper.Viper) error {
	v.SetConfigName("robustfetch")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.robustfetch")
	v.AddConfigPath("/etc/robustfetch/")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetcher.cache_dir", ".web_cache")
	v.SetDefault("fetcher.output_dir", "downloads")
	v.SetDefault("fetcher.rate_limit_delay", 1.5)
	v.SetDefault("fetcher.timeout_seconds", 60)
	v.SetDefault("fetcher.not_found_policy", "skip_engines")
	v.SetDefault("fetcher.engines", engineNames)
	v.SetDefault("fetcher.max_body_bytes", 0)
	v.SetDefault("fetcher.detect_challenges", true)
	v.SetDefault("fetcher.challenge_threshold", 16*1024)
	v.SetDefault("mirrors.enabled", true)
	v.SetDefault("mirrors.use_defaults", true)
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.endpoint", "https://archive.org/wayback/available")
	v.SetDefault("archive.lookup_timeout_seconds", 30)
	v.SetDefault("archive.download_timeout_seconds", 90)
	v.SetDefault("converter.engine", "auto")
	v.SetDefault("converter.timeout_seconds", 120)
	v.SetDefault("converter.max_parallel", 1)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("storage.prefix", "fetches")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.table", "fetches")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "fetch-results")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.workers", 2)
	v.SetDefault("server.backlog", 64)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "robustfetch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Fetcher.CacheDir) == "" {
		return fmt.Errorf("fetcher.cache_dir is required")
	}
	if c.Fetcher.RateLimitDelay < 0 {
		return fmt.Errorf("fetcher.rate_limit_delay must be >= 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	switch c.Fetcher.NotFoundPolicy {
	case "skip_engines", "abandon_url":
	default:
		return fmt.Errorf("fetcher.not_found_policy must be skip_engines or abandon_url, got %q", c.Fetcher.NotFoundPolicy)
	}
	if len(c.Fetcher.Engines) == 0 {
		return fmt.Errorf("fetcher.engines must name at least one engine")
	}
	for _, e := range c.Fetcher.Engines {
		if !slices.Contains(engineNames, e) {
			return fmt.Errorf("fetcher.engines: unknown engine %q", e)
		}
	}
	if c.Fetcher.MaxBodyBytes < 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be >= 0")
	}
	if !slices.Contains(converterNames, c.Converter.Engine) {
		return fmt.Errorf("converter.engine: unknown engine %q", c.Converter.Engine)
	}
	if c.Converter.TimeoutSeconds <= 0 {
		return fmt.Errorf("converter.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be memory or postgres, got %q", c.Database.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic are required when pubsub is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// RateLimitDelay is the per-domain interval as a duration.
func (c Config) RateLimitDelay() time.Duration {
	return time.Duration(c.Fetcher.RateLimitDelay * float64(time.Second))
}

// FetchTimeout bounds each direct or mirror attempt.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// ArchiveDownloadTimeout bounds each snapshot download attempt.
func (c Config) ArchiveDownloadTimeout() time.Duration {
	return time.Duration(c.Archive.DownloadTimeoutSeconds) * time.Second
}

// ArchiveLookupTimeout bounds the availability query.
func (c Config) ArchiveLookupTimeout() time.Duration {
	return time.Duration(c.Archive.LookupTimeoutSeconds) * time.Second
}

// ConvertTimeout bounds a single conversion.
func (c Config) ConvertTimeout() time.Duration {
	return time.Duration(c.Converter.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// EngineEnabled reports whether the named engine is part of the cascade.
func (c Config) EngineEnabled(name string) bool {
	return slices.Contains(c.Fetcher.Engines, name)
}
