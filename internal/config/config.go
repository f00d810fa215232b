// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TRACER_DATABASE_URL.
const EnvPrefix = "TRACER"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Graph() GraphConfig
	Cache() CacheConfig
	Engine() EngineConfig
	Retry() RetryConfig
	Network() NetworkConfig
	Providers() map[string]ProviderConfig
	Relationships() RelationshipsConfig
	Normalize() NormalizeConfig

	// Engine Setters
	SetEngineConcurrency(int)

	// Graph Setters
	SetGraphBackend(string)

	// Cache Setters
	SetCacheBackend(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg        LoggerConfig              `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg      DatabaseConfig            `mapstructure:"database" yaml:"database"`
	GraphCfg         GraphConfig               `mapstructure:"graph" yaml:"graph"`
	CacheCfg         CacheConfig               `mapstructure:"cache" yaml:"cache"`
	EngineCfg        EngineConfig              `mapstructure:"engine" yaml:"engine"`
	RetryCfg         RetryConfig               `mapstructure:"retry" yaml:"retry"`
	NetworkCfg       NetworkConfig             `mapstructure:"network" yaml:"network"`
	ProvidersCfg     map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	RelationshipsCfg RelationshipsConfig       `mapstructure:"relationships" yaml:"relationships"`
	NormalizeCfg     NormalizeConfig           `mapstructure:"normalize" yaml:"normalize"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig                 { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig             { return c.DatabaseCfg }
func (c *Config) Graph() GraphConfig                   { return c.GraphCfg }
func (c *Config) Cache() CacheConfig                   { return c.CacheCfg }
func (c *Config) Engine() EngineConfig                 { return c.EngineCfg }
func (c *Config) Retry() RetryConfig                   { return c.RetryCfg }
func (c *Config) Network() NetworkConfig               { return c.NetworkCfg }
func (c *Config) Relationships() RelationshipsConfig   { return c.RelationshipsCfg }
func (c *Config) Normalize() NormalizeConfig           { return c.NormalizeCfg }
func (c *Config) Providers() map[string]ProviderConfig { return c.ProvidersCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineConcurrency(n int) { c.EngineCfg.Concurrency = n }
func (c *Config) SetGraphBackend(b string)   { c.GraphCfg.Backend = b }
func (c *Config) SetCacheBackend(b string)   { c.CacheCfg.Backend = b }

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig points at the relational entity store.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Graph backends.
const (
	GraphBackendNeo4j  = "neo4j"
	GraphBackendMemory = "memory"
)

type GraphConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	URI            string        `mapstructure:"uri" yaml:"uri"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Database       string        `mapstructure:"database" yaml:"database"`
	MaxPoolSize    int           `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

type CacheConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
	Shards          int           `mapstructure:"shards" yaml:"shards"`
	Redis           RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// EngineConfig controls batch execution.
type EngineConfig struct {
	// Concurrency bounds the enrichments running at once within one batch.
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// RetryConfig is the backoff schedule shared by every provider adapter.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// NetworkConfig tunes the outbound HTTP client used by adapters.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	Proxy           ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// ProviderConfig configures one enrichment adapter.
type ProviderConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Quota       int           `mapstructure:"quota" yaml:"quota"`
	Window      string        `mapstructure:"window" yaml:"window"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

// RelationshipsConfig toggles detection rules by relationship kind.
type RelationshipsConfig struct {
	History bool            `mapstructure:"history" yaml:"history"`
	Rules   map[string]bool `mapstructure:"rules" yaml:"rules"`
}

type NormalizeConfig struct {
	DefaultRegion string `mapstructure:"default_region" yaml:"default_region"`
}

// NewDefaultConfig returns a configuration populated only from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "tracer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "10s")

	// -- Graph --
	v.SetDefault("graph.backend", GraphBackendMemory)
	v.SetDefault("graph.uri", "neo4j://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.password", "") // Should be set via env var
	v.SetDefault("graph.database", "")
	v.SetDefault("graph.max_pool_size", 50)
	v.SetDefault("graph.acquire_timeout", "30s")

	// -- Cache --
	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.janitor_interval", "1m")
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	// -- Engine --
	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.cache_ttl", "24h")
	v.SetDefault("engine.batch_timeout", "5m")

	// -- Retry --
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "5s")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.user_agent", "osint-tracer/1.0")
	v.SetDefault("network.max_body_bytes", 4<<20)
	v.SetDefault("network.proxy.enabled", false)

	// -- Providers --
	// Adapters that need no credentials are on by default.
	setProviderDefaults(v, "phonemeta", true, "", 0, "", 0)
	setProviderDefaults(v, "carrierlookup", false, "http://apilayer.net/api", 100, "month", 0)
	setProviderDefaults(v, "phonerisk", false, "https://www.ipqualityscore.com/api/json", 1000, "month", 0)
	setProviderDefaults(v, "dns", true, "", 0, "", 0)
	setProviderDefaults(v, "rdap", true, "https://rdap.org", 0, "", time.Second)
	setProviderDefaults(v, "ipgeo", true, "https://ipinfo.io", 50000, "month", 0)
	setProviderDefaults(v, "webfingerprint", true, "", 0, "", 0)
	setProviderDefaults(v, "explorer", true, "https://api.blockchair.com", 1440, "day", 2*time.Second)
	setProviderDefaults(v, "messenger", false, "", 60, "minute", 0)
	setProviderDefaults(v, "abusefeed", false, "", 1000, "day", 0)

	// -- Relationships --
	v.SetDefault("relationships.history", true)
	v.SetDefault("relationships.rules", map[string]bool{})

	// -- Normalize --
	v.SetDefault("normalize.default_region", "US")
}

func setProviderDefaults(v *viper.Viper, name string, enabled bool, baseURL string, quota int, window string, minInterval time.Duration) {
	prefix := "providers." + name + "."
	v.SetDefault(prefix+"enabled", enabled)
	v.SetDefault(prefix+"base_url", baseURL)
	v.SetDefault(prefix+"api_key", "")
	v.SetDefault(prefix+"timeout", "10s")
	v.SetDefault(prefix+"quota", quota)
	v.SetDefault(prefix+"window", window)
	v.SetDefault(prefix+"min_interval", minInterval)
}

// ConfigureViper wires file lookup and environment overrides. An explicit
// cfgFile wins; otherwise tracer.yaml is searched in the working directory
// and then in the user's home directory.
func ConfigureViper(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("tracer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
			v.AddConfigPath(home + "/.config/tracer")
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("graph.password", EnvPrefix+"_GRAPH_PASSWORD", "NEO4J_PASSWORD")
	_ = v.BindEnv("cache.redis.password", EnvPrefix+"_CACHE_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Provider keys live under a dynamic map, which AutomaticEnv does not reach.
	for name, p := range cfg.ProvidersCfg {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(ProviderKeyEnv(name))
			cfg.ProvidersCfg[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ProviderKeyEnv names the environment variable holding a provider's API key.
func ProviderKeyEnv(name string) string {
	return EnvPrefix + "_PROVIDERS_" + strings.ToUpper(name) + "_API_KEY"
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.EngineCfg.CacheTTL < 0 {
		return fmt.Errorf("engine.cache_ttl must not be negative")
	}
	if c.RetryCfg.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.RetryCfg.Multiplier != 0 && c.RetryCfg.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	switch c.GraphCfg.Backend {
	case GraphBackendMemory:
	case GraphBackendNeo4j:
		if c.GraphCfg.URI == "" {
			return fmt.Errorf("graph.uri is required for the neo4j backend")
		}
	default:
		return fmt.Errorf("graph.backend must be one of neo4j, memory; got %q", c.GraphCfg.Backend)
	}
	switch c.CacheCfg.Backend {
	case CacheBackendMemory, CacheBackendNone:
	case CacheBackendRedis:
		if c.CacheCfg.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of memory, redis, none; got %q", c.CacheCfg.Backend)
	}
	if c.NormalizeCfg.DefaultRegion != "" && len(c.NormalizeCfg.DefaultRegion) != 2 {
		return fmt.Errorf("normalize.default_region must be a two-letter region code")
	}
	for _, name := range c.ProviderNames() {
		if err := c.ProvidersCfg[name].Validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}
	return nil
}

// ProviderNames returns the configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.ProvidersCfg))
	for name := range c.ProvidersCfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks one provider's settings.
func (p ProviderConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Quota < 0 {
		return fmt.Errorf("quota must not be negative")
	}
	if p.Quota > 0 {
		switch p.Window {
		case "minute", "hour", "day", "month":
		default:
			return fmt.Errorf("window must be one of minute, hour, day, month when a quota is set")
		}
	}
	if p.Timeout < 0 || p.MinInterval < 0 {
		return fmt.Errorf("timeout and min_interval must not be negative")
	}
	return nil
}
