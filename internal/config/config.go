package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
	DefaultCacheDSN          = "hostdata.db"
)

// Storage drivers
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// FilterConfig names a registered response filter and its options.
type FilterConfig struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options"`
}

// MCPServerConfig holds configuration for a single MCP server
type MCPServerConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Token      string `yaml:"-"`           // From Env
	AuthHeader string `yaml:"auth_header"` // Header name to use for token, e.g. "Bitbucket-Token"
	// Tools overrides tool names per operation, e.g. {"get_diff": "bb_diff"}.
	Tools           map[string]string `yaml:"tools"`
	ResponseFilters []FilterConfig    `yaml:"response_filters"`
}

// Enabled reports whether the server has an endpoint.
func (s MCPServerConfig) Enabled() bool {
	return s.Endpoint != ""
}

// ToolName resolves the tool called for op on the server named host.
func (s MCPServerConfig) ToolName(host, op string) string {
	if name, ok := s.Tools[op]; ok && name != "" {
		return name
	}
	return host + "_" + op
}

// Config holds the configuration for the host data cache daemon
type Config struct {
	Log struct {
		Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format   string `yaml:"format"` // text, json
		Output   string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size"`    // Megabytes
			MaxBackups int  `yaml:"max_backups"` // Number of old files to keep
			MaxAge     int  `yaml:"max_age"`     // Days to keep
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port             int           `yaml:"port"`
		ConcurrencyLimit int           `yaml:"concurrency_limit"` // Webhook refresh workers
		QueueSize        int           `yaml:"queue_size"`        // Pending webhook refreshes
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxBodySize      int64         `yaml:"max_body_size"`
		WebhookSecret    string        `yaml:"-"` // From Env
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`

	Cache CacheConfig `yaml:"cache"`

	MCP struct {
		Timeout time.Duration `yaml:"timeout"`
		Retry   struct {
			Attempts   int           `yaml:"attempts"`
			Backoff    time.Duration `yaml:"backoff"`
			MaxBackoff time.Duration `yaml:"max_backoff"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenDuration     time.Duration `yaml:"open_duration"`
		} `yaml:"circuit_breaker"`
		Bitbucket MCPServerConfig `yaml:"bitbucket"`
		GitHub    MCPServerConfig `yaml:"github"`
	} `yaml:"mcp"`

	Webhook WebhookConfig `yaml:"webhook"`

	Warmup struct {
		Hosts []string `yaml:"hosts"` // Hosts whose repository lists are fetched at startup
	} `yaml:"warmup"`
}

// StorageConfig holds configuration for the durable collections
type StorageConfig struct {
	Driver       string        `yaml:"driver"`         // sqlite, memory
	DSN          string        `yaml:"dsn"`            // Connection string
	MaxPageCount int64         `yaml:"max_page_count"` // Storage quota in pages, 0 for unlimited
	Timeout      time.Duration `yaml:"timeout"`        // Timeout for opening storage (default: 5s)
}

// CacheConfig holds configuration for record lifetime and scope tracking
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // Minimum gap between opportunistic sweeps
	ScopeCapacity int           `yaml:"scope_capacity"` // Tracked scopes per record kind
	PollInterval  time.Duration `yaml:"poll_interval"`  // Refetch interval while builds are pending
	Staged        bool          `yaml:"staged"`         // Hydrate bundles in critical and deferred stages
}

// WebhookConfig holds configuration for webhook driven refreshes
type WebhookConfig struct {
	Host    string        `yaml:"host"`    // Host whose bundles the webhook refreshes (default: bitbucket)
	Timeout time.Duration `yaml:"timeout"` // Timeout per refresh (default: 2m)
}

// MCPServers returns the configured servers by host name.
func (c *Config) MCPServers() map[string]MCPServerConfig {
	servers := make(map[string]MCPServerConfig, 2)
	if c.MCP.Bitbucket.Enabled() {
		servers[MCPServerBitbucket] = c.MCP.Bitbucket
	}
	if c.MCP.GitHub.Enabled() {
		servers[MCPServerGitHub] = c.MCP.GitHub
	}
	return servers
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}

	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 10
	cfg.Log.Rotation.MaxAge = 7
	cfg.Log.Rotation.Compress = true

	cfg.Server.Port = 8080
	cfg.Server.ConcurrencyLimit = 4
	cfg.Server.QueueSize = 100
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize

	cfg.Storage.Driver = StorageSQLite
	cfg.Storage.DSN = DefaultCacheDSN
	cfg.Storage.Timeout = 5 * time.Second

	cfg.Cache.TTL = 24 * time.Hour
	cfg.Cache.SweepInterval = 60 * time.Second
	cfg.Cache.ScopeCapacity = 100
	cfg.Cache.PollInterval = 10 * time.Second
	cfg.Cache.Staged = true

	cfg.MCP.Timeout = 60 * time.Second
	cfg.MCP.Retry.Attempts = 2
	cfg.MCP.Retry.Backoff = 1 * time.Second
	cfg.MCP.Retry.MaxBackoff = 30 * time.Second
	cfg.MCP.CircuitBreaker.FailureThreshold = 3
	cfg.MCP.CircuitBreaker.OpenDuration = 30 * time.Second

	cfg.Webhook.Host = MCPServerBitbucket
	cfg.Webhook.Timeout = 2 * time.Minute

	return cfg
}

// LoadConfig loads configuration from YAML file and supplements with environment variables
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", configPath, err)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	// Always supplement/override with environment variables for secrets and critical items
	cfg.Server.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.Server.WebhookSecret)
	cfg.MCP.Bitbucket.Token = getEnv("BITBUCKET_MCP_TOKEN", cfg.MCP.Bitbucket.Token)
	cfg.MCP.GitHub.Token = getEnv("GITHUB_MCP_TOKEN", cfg.MCP.GitHub.Token)
	cfg.Storage.DSN = getEnv("CACHE_DSN", cfg.Storage.DSN)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := getEnv("LOG_OUTPUT", ""); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}
	if envLogMaxSize := getEnvInt("LOG_MAX_SIZE", 0); envLogMaxSize != 0 {
		cfg.Log.Rotation.MaxSize = envLogMaxSize
	}
	if envLogMaxBackups := getEnvInt("LOG_MAX_BACKUPS", 0); envLogMaxBackups != 0 {
		cfg.Log.Rotation.MaxBackups = envLogMaxBackups
	}
	if envLogMaxAge := getEnvInt("LOG_MAX_AGE", 0); envLogMaxAge != 0 {
		cfg.Log.Rotation.MaxAge = envLogMaxAge
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Sprintf("invalid concurrency limit: %d", c.Server.ConcurrencyLimit))
	}

	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage dsn is required for sqlite")
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver: %q", c.Storage.Driver))
	}
	if c.Storage.MaxPageCount < 0 {
		errs = append(errs, "storage max_page_count must not be negative")
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache ttl must be positive")
	}
	if c.Cache.ScopeCapacity < 1 {
		errs = append(errs, fmt.Sprintf("invalid scope capacity: %d", c.Cache.ScopeCapacity))
	}

	servers := c.MCPServers()
	if len(servers) == 0 {
		errs = append(errs, "at least one MCP endpoint must be configured")
	}
	if _, ok := servers[c.Webhook.Host]; c.Webhook.Host != "" && !ok {
		errs = append(errs, fmt.Sprintf("webhook host %q has no MCP endpoint", c.Webhook.Host))
	}
	for _, host := range c.Warmup.Hosts {
		if _, ok := servers[host]; !ok {
			errs = append(errs, fmt.Sprintf("warmup host %q has no MCP endpoint", host))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
