// Package config loads and validates Muninn service configuration.
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Defaults (Default())
//  2. An optional YAML file (Load(path))
//  3. MUNINN_* environment variables (applyEnv)
//
// The resulting Config is an immutable value passed to constructors; nothing
// in the service reads configuration from process-global state after startup.
//
// Environment Variables:
//
//   - MUNINN_DATABASE_URL            Postgres DSN
//   - MUNINN_DATABASE_POOL_SIZE      connection pool size (default 5)
//   - MUNINN_EMBEDDING_PROVIDER      "openai" (OpenAI-compatible) endpoint family
//   - MUNINN_EMBEDDING_API_URL       e.g. http://localhost:11434
//   - MUNINN_EMBEDDING_MODEL         e.g. mxbai-embed-large
//   - MUNINN_EMBEDDING_DIMENSIONS    vector dimension (1..2000)
//   - MUNINN_TAG_PROVIDER            tag-extraction provider name
//   - MUNINN_TAG_MODEL               tag-extraction model
//   - MUNINN_JOB_BACKEND             auto|inline|pool|redis|postgres
//   - MUNINN_REDIS_URL               redis DSN for the redis job backend
//   - MUNINN_ROBOT / MUNINN_GROUP    robot identity and sync group
//   - MUNINN_WORKING_MEMORY_TOKENS   working-memory budget (default 128000)
//   - MUNINN_CHUNK_SIZE / MUNINN_CHUNK_OVERLAP
//   - MUNINN_WEEK_START              sunday|monday
//   - MUNINN_TELEMETRY_ENABLED      true|false
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/muninn/pkg/memerr"
)

// Config holds all Muninn configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Tagging   TaggingConfig   `yaml:"tagging"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Memory    MemoryConfig    `yaml:"memory"`
	Search    SearchConfig    `yaml:"search"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	// URL is the Postgres DSN.
	URL string `yaml:"url"`
	// PoolSize bounds the connection pool.
	PoolSize int `yaml:"pool_size"`
	// AcquireTimeout bounds waiting for a pooled connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// QueryTimeout is the per-query deadline for search paths.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// ConnectTimeout bounds establishing new connections.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // openai-compatible endpoint family
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	// ChunkSize / ChunkOverlap control splitting of oversize inputs
	// before embedding (character counts).
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// TaggingConfig holds tag-extraction provider settings.
type TaggingConfig struct {
	Provider string        `yaml:"provider"`
	APIURL   string        `yaml:"api_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// JobsConfig selects and tunes the async enrichment backend.
type JobsConfig struct {
	// Backend is auto|inline|pool|redis|postgres.
	Backend string `yaml:"backend"`
	// PoolWorkers bounds the thread-pool backend.
	PoolWorkers int `yaml:"pool_workers"`
	// RedisURL is the broker DSN for the redis backend.
	RedisURL string `yaml:"redis_url"`
}

// MemoryConfig holds robot identity and working-memory settings.
type MemoryConfig struct {
	// RobotName identifies this instance; empty means the hostname.
	RobotName string `yaml:"robot_name"`
	// GroupName, when set, joins this robot to a sync group.
	GroupName string `yaml:"group_name"`
	// MaxTokens is the default working-memory budget per robot.
	MaxTokens int `yaml:"max_tokens"`
	// TokenEncoding names the tiktoken encoding used for counting.
	TokenEncoding string `yaml:"token_encoding"`
	// ReconcileInterval is the group channel reconciliation tick.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// SearchConfig holds retrieval-engine settings.
type SearchConfig struct {
	// WeekStart is "sunday" or "monday", used by timeframe parsing.
	WeekStart string `yaml:"week_start"`
	// TimeZone is the IANA zone for civil-day expansion ("" = local).
	TimeZone string `yaml:"time_zone"`
	// TagBoostAlpha scales the hybrid tag boost.
	TagBoostAlpha float64 `yaml:"tag_boost_alpha"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	HTTPPort int    `yaml:"http_port"`
	Address  string `yaml:"address"`
}

// TelemetryConfig toggles the metrics endpoint.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the baseline configuration before file and env layering.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			URL:            "postgres://localhost:5432/muninn?sslmode=disable",
			PoolSize:       5,
			AcquireTimeout: 5 * time.Second,
			QueryTimeout:   5 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:     "openai",
			APIURL:       "http://localhost:11434",
			APIKey:       "not-needed", // llama.cpp/Ollama don't validate
			Model:        "mxbai-embed-large",
			Dimensions:   1024,
			Timeout:      120 * time.Second,
			ChunkSize:    512,
			ChunkOverlap: 50,
		},
		Tagging: TaggingConfig{
			Provider: "openai",
			APIURL:   "http://localhost:11434",
			Model:    "llama3.1",
			Timeout:  180 * time.Second,
		},
		Jobs: JobsConfig{
			Backend:     "auto",
			PoolWorkers: 4,
		},
		Memory: MemoryConfig{
			MaxTokens:         128000,
			TokenEncoding:     "cl100k_base",
			ReconcileInterval: 30 * time.Second,
		},
		Search: SearchConfig{
			WeekStart:     "monday",
			TagBoostAlpha: 0.3,
		},
		Server: ServerConfig{
			HTTPPort: 7777,
			Address:  "0.0.0.0",
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// Load resolves configuration from defaults, the optional YAML file at path
// (ignored when path is empty), and MUNINN_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, memerr.E(memerr.Config, "read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, memerr.E(memerr.Config, "parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "MUNINN_DATABASE_URL")
	setInt(&c.Database.PoolSize, "MUNINN_DATABASE_POOL_SIZE")
	setDuration(&c.Database.QueryTimeout, "MUNINN_DATABASE_QUERY_TIMEOUT")

	setString(&c.Embedding.Provider, "MUNINN_EMBEDDING_PROVIDER")
	setString(&c.Embedding.APIURL, "MUNINN_EMBEDDING_API_URL")
	setString(&c.Embedding.APIKey, "MUNINN_EMBEDDING_API_KEY")
	setString(&c.Embedding.Model, "MUNINN_EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimensions, "MUNINN_EMBEDDING_DIMENSIONS")
	setInt(&c.Embedding.ChunkSize, "MUNINN_CHUNK_SIZE")
	setInt(&c.Embedding.ChunkOverlap, "MUNINN_CHUNK_OVERLAP")

	setString(&c.Tagging.Provider, "MUNINN_TAG_PROVIDER")
	setString(&c.Tagging.APIURL, "MUNINN_TAG_API_URL")
	setString(&c.Tagging.APIKey, "MUNINN_TAG_API_KEY")
	setString(&c.Tagging.Model, "MUNINN_TAG_MODEL")

	setString(&c.Jobs.Backend, "MUNINN_JOB_BACKEND")
	setInt(&c.Jobs.PoolWorkers, "MUNINN_JOB_POOL_WORKERS")
	setString(&c.Jobs.RedisURL, "MUNINN_REDIS_URL")

	setString(&c.Memory.RobotName, "MUNINN_ROBOT")
	setString(&c.Memory.GroupName, "MUNINN_GROUP")
	setInt(&c.Memory.MaxTokens, "MUNINN_WORKING_MEMORY_TOKENS")
	setString(&c.Memory.TokenEncoding, "MUNINN_TOKEN_ENCODING")
	setDuration(&c.Memory.ReconcileInterval, "MUNINN_RECONCILE_INTERVAL")

	setString(&c.Search.WeekStart, "MUNINN_WEEK_START")
	setString(&c.Search.TimeZone, "MUNINN_TIME_ZONE")

	setInt(&c.Server.HTTPPort, "MUNINN_HTTP_PORT")
	setString(&c.Server.Address, "MUNINN_HTTP_ADDRESS")

	setBool(&c.Telemetry.Enabled, "MUNINN_TELEMETRY_ENABLED")
}

// Validate checks structural constraints. Called by Load; safe to call again
// after programmatic mutation in tests.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return memerr.Ef(memerr.Config, "database.url must not be empty")
	}
	if c.Database.PoolSize < 1 {
		return memerr.Ef(memerr.Config, "database.pool_size must be >= 1, got %d", c.Database.PoolSize)
	}
	if c.Embedding.Dimensions < 1 || c.Embedding.Dimensions > 2000 {
		return memerr.Ef(memerr.Config, "embedding.dimensions must be in [1, 2000], got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.ChunkOverlap >= c.Embedding.ChunkSize {
		return memerr.Ef(memerr.Config, "embedding.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Embedding.ChunkOverlap, c.Embedding.ChunkSize)
	}
	switch strings.ToLower(c.Search.WeekStart) {
	case "sunday", "monday":
	default:
		return memerr.Ef(memerr.Config, "search.week_start must be sunday or monday, got %q", c.Search.WeekStart)
	}
	switch c.Jobs.Backend {
	case "auto", "inline", "pool", "redis", "postgres":
	default:
		return memerr.Ef(memerr.Config, "jobs.backend must be auto|inline|pool|redis|postgres, got %q", c.Jobs.Backend)
	}
	if c.Memory.MaxTokens < 1 {
		return memerr.Ef(memerr.Config, "memory.max_tokens must be >= 1, got %d", c.Memory.MaxTokens)
	}
	if c.Search.TimeZone != "" {
		if _, err := time.LoadLocation(c.Search.TimeZone); err != nil {
			return memerr.E(memerr.Config, fmt.Sprintf("search.time_zone %q", c.Search.TimeZone), err)
		}
	}
	return nil
}

// Location resolves the configured time zone, defaulting to the local zone.
func (c *Config) Location() *time.Location {
	if c.Search.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Search.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// WeekStartDay returns the configured week start as a time.Weekday.
func (c *Config) WeekStartDay() time.Weekday {
	if strings.EqualFold(c.Search.WeekStart, "sunday") {
		return time.Sunday
	}
	return time.Monday
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
