package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/highlight"
	"github.com/zhishengyuan/searchgram-index/indexer"
	"github.com/zhishengyuan/searchgram-index/jwt"
)

// EnvPrefix prefixes every environment override, e.g. SEARCHGRAM_INDEX_ENGINE
const EnvPrefix = "SEARCHGRAM"

// Config holds all configuration for the index service
type Config struct {
	Server        ServerConfig        `mapstructure:"server" json:"server"`
	Index         IndexConfig         `mapstructure:"index" json:"index"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch" json:"elasticsearch"`
	Highlight     HighlightConfig     `mapstructure:"highlight" json:"highlight"`
	Auth          AuthConfig          `mapstructure:"auth" json:"auth"`
	Logging       LoggingConfig       `mapstructure:"logging" json:"logging"`
	Cache         CacheConfig         `mapstructure:"cache" json:"cache"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

// IndexConfig selects the engine and where the index lives
type IndexConfig struct {
	Engine      string `mapstructure:"engine" json:"engine"` // bleve, sqlite or elasticsearch
	Location    string `mapstructure:"location" json:"location"`
	Name        string `mapstructure:"name" json:"name"`
	Analyzer    string `mapstructure:"analyzer" json:"analyzer"` // unicode, cjk or kagome
	FromScratch bool   `mapstructure:"from_scratch" json:"from_scratch"`
}

// ElasticsearchConfig holds Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	Shards   int    `mapstructure:"shards" json:"shards"`
	Replicas int    `mapstructure:"replicas" json:"replicas"`
}

// HighlightConfig holds snippet markup configuration
type HighlightConfig struct {
	Before       string `mapstructure:"before" json:"before"`
	After        string `mapstructure:"after" json:"after"`
	FragmentSize int    `mapstructure:"fragment_size" json:"fragment_size"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// API key auth
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	APIKey  string `mapstructure:"api_key" json:"api_key"`

	// JWT auth
	UseJWT           bool        `mapstructure:"use_jwt" json:"use_jwt"`
	Issuer           string      `mapstructure:"issuer" json:"issuer"`
	Audience         string      `mapstructure:"audience" json:"audience"`
	AllowedIssuers   []string    `mapstructure:"allowed_issuers" json:"allowed_issuers"`
	PublicKeyPath    string      `mapstructure:"public_key_path" json:"public_key_path"`
	PrivateKeyPath   string      `mapstructure:"private_key_path" json:"private_key_path"`
	PublicKeyInline  interface{} `mapstructure:"public_key_inline" json:"public_key_inline"`
	PrivateKeyInline interface{} `mapstructure:"private_key_inline" json:"private_key_inline"`
	TokenTTL         int         `mapstructure:"token_ttl" json:"token_ttl"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // json or text
}

// CacheConfig holds search result caching configuration
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
	Size    int           `mapstructure:"size" json:"size"`
	TTL     time.Duration `mapstructure:"ttl" json:"ttl"`
}

// Path returns the config file named by CONFIG_PATH, or config.yaml
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		// Detect file type based on extension
		if strings.HasSuffix(configPath, ".json") {
			v.SetConfigType("json")
		} else if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
			v.SetConfigType("yaml")
		}

		if err := v.ReadInConfig(); err != nil {
			log.WithError(err).Warn("Failed to read config file, using defaults")
		} else {
			log.WithField("file", configPath).Info("Loaded configuration file")
		}
	}

	// Environment variables override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configureLogging(&cfg.Logging)

	log.WithFields(log.Fields{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"engine":   cfg.Index.Engine,
		"analyzer": cfg.Index.Analyzer,
	}).Info("Configuration loaded")

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Index defaults
	v.SetDefault("index.engine", engines.TypeBleve)
	v.SetDefault("index.location", "data")
	v.SetDefault("index.name", "messages")
	v.SetDefault("index.analyzer", analysis.Default)
	v.SetDefault("index.from_scratch", false)

	// Elasticsearch defaults
	v.SetDefault("elasticsearch.host", "http://elasticsearch:9200")
	v.SetDefault("elasticsearch.username", "elastic")
	v.SetDefault("elasticsearch.password", "changeme")
	v.SetDefault("elasticsearch.shards", 3)
	v.SetDefault("elasticsearch.replicas", 1)

	// Highlight defaults (Telegram HTML)
	v.SetDefault("highlight.before", "<b>")
	v.SetDefault("highlight.after", "</b>")
	v.SetDefault("highlight.fragment_size", 100)

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.use_jwt", false)
	v.SetDefault("auth.issuer", "searchgram-index")
	v.SetDefault("auth.audience", "searchgram-index")
	v.SetDefault("auth.public_key_path", "keys/public.key")
	v.SetDefault("auth.private_key_path", "keys/private.key")
	v.SetDefault("auth.token_ttl", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 300*time.Second)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate index config
	validEngines := map[string]bool{
		engines.TypeBleve:         true,
		engines.TypeSQLite:        true,
		engines.TypeElasticsearch: true,
	}
	if !validEngines[c.Index.Engine] {
		return fmt.Errorf("invalid search engine type: %s", c.Index.Engine)
	}
	if c.Index.Name == "" {
		return fmt.Errorf("index name is required")
	}
	if engines.Local(c.Index.Engine) && c.Index.Location == "" {
		return fmt.Errorf("index location is required for %s", c.Index.Engine)
	}
	if !slices.Contains(analysis.Names(), c.Index.Analyzer) {
		return fmt.Errorf("invalid analyzer: %s", c.Index.Analyzer)
	}

	// Validate Elasticsearch config if selected
	if c.Index.Engine == engines.TypeElasticsearch && c.Elasticsearch.Host == "" {
		return fmt.Errorf("elasticsearch host is required")
	}

	if c.Highlight.FragmentSize < 0 {
		return fmt.Errorf("invalid highlight fragment size: %d", c.Highlight.FragmentSize)
	}

	// Validate auth config
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("API key is required when auth is enabled")
	}

	// Validate JWT config
	if c.Auth.UseJWT {
		if c.Auth.Issuer == "" {
			return fmt.Errorf("JWT issuer is required when JWT auth is enabled")
		}
		if c.Auth.Audience == "" {
			return fmt.Errorf("JWT audience is required when JWT auth is enabled")
		}
		// Either path-based OR inline keys are acceptable
		if c.Auth.PublicKeyPath == "" && c.Auth.PublicKeyInline == nil {
			return fmt.Errorf("JWT public key (path or inline) is required when JWT auth is enabled")
		}
	}

	if c.Cache.Enabled && c.Cache.Size < 1 {
		return fmt.Errorf("invalid cache size: %d", c.Cache.Size)
	}

	return nil
}

// IndexerOptions converts the configuration into indexer options
func (c *Config) IndexerOptions() indexer.Options {
	return indexer.Options{
		Engine:      c.Index.Engine,
		Location:    c.Index.Location,
		Name:        c.Index.Name,
		Analyzer:    c.Index.Analyzer,
		FromScratch: c.Index.FromScratch,
		Elasticsearch: engines.ElasticsearchConfig{
			Host:     c.Elasticsearch.Host,
			Username: c.Elasticsearch.Username,
			Password: c.Elasticsearch.Password,
			Shards:   c.Elasticsearch.Shards,
			Replicas: c.Elasticsearch.Replicas,
		},
		Highlight: highlight.Options{
			Before:       c.Highlight.Before,
			After:        c.Highlight.After,
			FragmentSize: c.Highlight.FragmentSize,
		},
		Cache: indexer.CacheOptions{
			Enabled: c.Cache.Enabled,
			Size:    c.Cache.Size,
			TTL:     c.Cache.TTL,
		},
	}
}

// JWTConfig converts the auth section into JWT settings
func (c *Config) JWTConfig() jwt.Config {
	return jwt.Config{
		Issuer:           c.Auth.Issuer,
		Audience:         c.Auth.Audience,
		PublicKeyPath:    c.Auth.PublicKeyPath,
		PrivateKeyPath:   c.Auth.PrivateKeyPath,
		PublicKeyInline:  c.Auth.PublicKeyInline,
		PrivateKeyInline: c.Auth.PrivateKeyInline,
		TokenTTL:         c.Auth.TokenTTL,
	}
}

// configureLogging configures the logging system
func configureLogging(cfg *LoggingConfig) {
	// Set log level
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn("Invalid log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	// Set log format
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
}
