package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "CONFORMOOR"

	// DefaultWorkers is the default number of concurrent executor slots.
	DefaultWorkers = 10

	// DefaultTimeoutMS is the default per-test timeout in milliseconds.
	DefaultTimeoutMS = 5000

	// DefaultPort is the default status/dashboard listen port.
	DefaultPort = 3000

	// DefaultCatalogPath is the default location of the test catalog.
	DefaultCatalogPath = "test/test262_files.txt"

	// DefaultDashboardPath is the default location of the dashboard page.
	DefaultDashboardPath = "test/test262_dashboard.html"

	// DefaultSQLitePath is the default SQLite results database.
	DefaultSQLitePath = "test/test262_results.db"

	// DefaultReconcileInterval is how often the catalog is diffed against the
	// results store.
	DefaultReconcileInterval = 30 * time.Second

	// DefaultOperationTimeout bounds every results store call.
	DefaultOperationTimeout = 5 * time.Second
)

// legacyEnv maps config keys to the plain environment variable names the
// runner has always honoured, in addition to the prefixed form.
var legacyEnv = map[string]string{
	"scheduler.workers":   "WORKERS",
	"executor.timeout_ms": "TEST_TIMEOUT_MS",
	"server.port":         "PORT",
}

// Config is the root configuration for conformoor.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog" mapstructure:"catalog"`
	Executor  ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
}

// CatalogConfig locates the test catalog and controls grouping.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`

	// GroupAnchor is the consecutive pair of path segments after which the
	// group key starts.
	GroupAnchor   []string `yaml:"group_anchor" mapstructure:"group_anchor"`
	GroupDepth    int      `yaml:"group_depth" mapstructure:"group_depth"`
	GroupFallback string   `yaml:"group_fallback" mapstructure:"group_fallback"`
}

// ExecutorConfig describes how a single test is launched.
type ExecutorConfig struct {
	Binary      string   `yaml:"binary" mapstructure:"binary"`
	Args        []string `yaml:"args" mapstructure:"args"`
	ProjectRoot string   `yaml:"project_root" mapstructure:"project_root"`
	TimeoutMS   int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

// Timeout returns the per-test timeout as a duration.
func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// SchedulerConfig controls the worker pool.
type SchedulerConfig struct {
	Workers           int           `yaml:"workers" mapstructure:"workers"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
}

// ServerConfig contains status/dashboard HTTP server settings.
type ServerConfig struct {
	Host          string          `yaml:"host" mapstructure:"host"`
	Port          int             `yaml:"port" mapstructure:"port"`
	DashboardPath string          `yaml:"dashboard_path" mapstructure:"dashboard_path"`
	GroupStats    bool            `yaml:"group_stats" mapstructure:"group_stats"`
	CORSOrigins   []string        `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Listen returns the host:port address the server binds to.
func (s ServerConfig) Listen() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig configures per-IP rate limiting of status polls.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains results store connection settings.
type DatabaseConfig struct {
	Driver           string               `yaml:"driver" mapstructure:"driver"`
	SQLite           SQLiteDatabaseConfig `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres         PostgresConfig       `yaml:"postgres" mapstructure:"postgres"`
	OperationTimeout time.Duration        `yaml:"operation_timeout" mapstructure:"operation_timeout"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// DSN returns the libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// ExportConfig configures the summary/badge export.
type ExportConfig struct {
	Dir string   `yaml:"dir" mapstructure:"dir"`
	S3  S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config contains settings for uploading exported artifacts.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// setDefaults registers a default for every key so that environment
// overrides are visible through AllSettings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.path", DefaultCatalogPath)
	v.SetDefault("catalog.group_anchor", []string{"test262", "test"})
	v.SetDefault("catalog.group_depth", 2)
	v.SetDefault("catalog.group_fallback", "other")

	v.SetDefault("executor.binary", "moon")
	v.SetDefault("executor.args", []string{"run", "main", "--", "test262"})
	v.SetDefault("executor.project_root", ".")
	v.SetDefault("executor.timeout_ms", DefaultTimeoutMS)

	v.SetDefault("scheduler.workers", DefaultWorkers)
	v.SetDefault("scheduler.reconcile_interval", DefaultReconcileInterval)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.dashboard_path", DefaultDashboardPath)
	v.SetDefault("server.group_stats", true)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "conformoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.operation_timeout", DefaultOperationTimeout)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("export.dir", "./report")
	v.SetDefault("export.s3.enabled", false)
	v.SetDefault("export.s3.endpoint_url", "")
	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.prefix", "")
	v.SetDefault("export.s3.access_key_id", "")
	v.SetDefault("export.s3.secret_access_key", "")
	v.SetDefault("export.s3.force_path_style", false)
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	if len(c.Catalog.GroupAnchor) != 2 {
		return fmt.Errorf("catalog.group_anchor must have exactly 2 segments, got %d",
			len(c.Catalog.GroupAnchor))
	}

	if c.Catalog.GroupDepth < 1 {
		return fmt.Errorf("catalog.group_depth must be at least 1")
	}

	if c.Executor.Binary == "" {
		return fmt.Errorf("executor.binary is required")
	}

	if c.Executor.TimeoutMS <= 0 {
		return fmt.Errorf("executor.timeout_ms must be positive, got %d", c.Executor.TimeoutMS)
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}

	if c.Scheduler.ReconcileInterval <= 0 {
		return fmt.Errorf("scheduler.reconcile_interval must be positive")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.OperationTimeout <= 0 {
		return fmt.Errorf("database.operation_timeout must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	if c.Export.S3.Enabled && c.Export.S3.Bucket == "" {
		return fmt.Errorf("export.s3.bucket is required when s3 export is enabled")
	}

	return nil
}

// maskedSecret replaces credentials in dumped configuration.
const maskedSecret = "********"

// Dump renders the effective configuration as YAML with credentials masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c

	if masked.Database.Postgres.Password != "" {
		masked.Database.Postgres.Password = maskedSecret
	}

	if masked.Export.S3.SecretAccessKey != "" {
		masked.Export.S3.SecretAccessKey = maskedSecret
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}

	return out, nil
}
