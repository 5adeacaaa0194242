// Package config loads the service settings from environment variables and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Cache backends.
const (
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
	BackendNone      = "none"
)

// Bucket providers.
const (
	ProviderS3  = "s3"
	ProviderGCS = "gcs"
)

// Log configures the root logger.
type Log struct {
	Level      string `mapstructure:"log_level"`
	Format     string `mapstructure:"log_format"`
	Verbose    bool   `mapstructure:"log_verbose"`
	File       string `mapstructure:"log_file"`
	MaxSizeMB  int    `mapstructure:"log_max_size"`
	MaxBackups int    `mapstructure:"log_max_backups"`
	Compress   bool   `mapstructure:"log_compress"`
}

// Cache configures the key/value store and the cache-aside engine.
type Cache struct {
	Backend             string        `mapstructure:"cache_backend"`
	RedisURL            string        `mapstructure:"redis_url"`
	RedisToken          string        `mapstructure:"redis_token"`
	Prefix              string        `mapstructure:"cache_prefix"`
	Codec               string        `mapstructure:"cache_codec"`
	DefaultTTL          time.Duration `mapstructure:"cache_default_ttl"`
	SlowThreshold       time.Duration `mapstructure:"cache_slow_threshold"`
	Coalesce            bool          `mapstructure:"cache_coalesce"`
	FirestoreProject    string        `mapstructure:"firestore_project"`
	FirestoreCollection string        `mapstructure:"firestore_collection"`
}

// Bucket configures the object store holding dependency trees.
type Bucket struct {
	Provider string `mapstructure:"bucket_provider"`
	Name     string `mapstructure:"bucket_name"`
	Prefix   string `mapstructure:"bucket_prefix"`
}

// Upstream configures the registry and GitHub clients.
type Upstream struct {
	RegistryURL  string        `mapstructure:"registry_url"`
	GitHubAPIURL string        `mapstructure:"github_api_url"`
	GitHubToken  string        `mapstructure:"github_token"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// Resolver configures the dependency tree resolver.
type Resolver struct {
	// Command is the program and leading arguments; empty means this binary's
	// own "tree" subcommand.
	Command   []string      `mapstructure:"resolver_command"`
	Timeout   time.Duration `mapstructure:"resolver_timeout"`
	MaxOutput ByteSize      `mapstructure:"resolver_max_output"`
}

// Config is the full service configuration.
type Config struct {
	HTTPPort        string        `mapstructure:"http_port"`
	StaticDir       string        `mapstructure:"static_dir"`
	QueryTTL        time.Duration `mapstructure:"query_ttl"`
	WarmConcurrency int           `mapstructure:"warm_concurrency"`

	Log      Log      `mapstructure:",squash"`
	Cache    Cache    `mapstructure:",squash"`
	Bucket   Bucket   `mapstructure:",squash"`
	Upstream Upstream `mapstructure:",squash"`
	Resolver Resolver `mapstructure:",squash"`
}

// FieldError names the setting that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ByteSize is a size in bytes that also accepts KiB/MiB/GiB suffixes.
type ByteSize int64

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", ":8080")
	v.SetDefault("static_dir", "")
	v.SetDefault("query_ttl", "24h")
	v.SetDefault("warm_concurrency", 4)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_verbose", false)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)

	v.SetDefault("cache_backend", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_token", "")
	v.SetDefault("cache_prefix", "")
	v.SetDefault("cache_codec", "json")
	v.SetDefault("cache_default_ttl", "3h")
	v.SetDefault("cache_slow_threshold", "100ms")
	v.SetDefault("cache_coalesce", false)
	v.SetDefault("firestore_project", "")
	v.SetDefault("firestore_collection", "gotdiff-cache")

	v.SetDefault("bucket_provider", ProviderS3)
	v.SetDefault("bucket_name", "")
	v.SetDefault("bucket_prefix", "")

	v.SetDefault("registry_url", "https://registry.npmjs.org")
	v.SetDefault("github_api_url", "https://api.github.com")
	v.SetDefault("github_token", "")
	v.SetDefault("http_timeout", "10s")

	v.SetDefault("resolver_command", "")
	v.SetDefault("resolver_timeout", "30s")
	v.SetDefault("resolver_max_output", "16MiB")
}

// Load reads the configuration from the environment and, when path is not
// empty, from that config file. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		byteSizeDecodeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		if c.Cache.RedisURL != "" {
			c.Cache.Backend = BackendRedis
		} else {
			c.Cache.Backend = BackendNone
		}
	}
	c.Bucket.Provider = strings.ToLower(strings.TrimSpace(c.Bucket.Provider))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Verbose {
		c.Log.Level = "debug"
	}
	if c.HTTPPort != "" && !strings.Contains(c.HTTPPort, ":") {
		c.HTTPPort = ":" + c.HTTPPort
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, FieldError{Field: "REDIS_URL", Reason: "required by the redis cache backend"})
		}
	case BackendFirestore:
		if c.Cache.FirestoreProject == "" {
			errs = append(errs, FieldError{Field: "FIRESTORE_PROJECT", Reason: "required by the firestore cache backend"})
		}
	case BackendMemory, BackendNone:
	default:
		errs = append(errs, FieldError{Field: "CACHE_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.Cache.Backend)})
	}
	switch c.Cache.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, FieldError{Field: "CACHE_CODEC", Reason: fmt.Sprintf("unknown codec %q", c.Cache.Codec)})
	}
	if c.Bucket.Name != "" && c.Bucket.Provider != ProviderS3 && c.Bucket.Provider != ProviderGCS {
		errs = append(errs, FieldError{Field: "BUCKET_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.Bucket.Provider)})
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, FieldError{Field: "LOG_FORMAT", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)})
	}
	if c.QueryTTL <= 0 {
		errs = append(errs, FieldError{Field: "QUERY_TTL", Reason: "must be positive"})
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "RESOLVER_TIMEOUT", Reason: "must be positive"})
	}
	if c.Resolver.MaxOutput <= 0 {
		errs = append(errs, FieldError{Field: "RESOLVER_MAX_OUTPUT", Reason: "must be positive"})
	}
	return errors.Join(errs...)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(ByteSize(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return nil, fmt.Errorf("unsupported size type %T", data)
		}
	}
}

// ParseByteSize parses "1048576", "512KiB", "16MiB" or "1GiB".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"B", 1},
	}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n * mult), nil
}
