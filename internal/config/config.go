// Package config loads service settings from a YAML file and RESEARCH_*
// environment variables, and reloads the hot-swappable subset on change.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/insightengine/orchestrator/internal/agents"
	"github.com/insightengine/orchestrator/internal/db"
	"github.com/insightengine/orchestrator/internal/orchestrator"
	"github.com/insightengine/orchestrator/internal/sources"
	"github.com/insightengine/orchestrator/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. RESEARCH_SERVER_ADDR.
const EnvPrefix = "RESEARCH"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SourcesConfig struct {
	Search sources.SearchConfig `mapstructure:"search"`
	// RateLimit is outgoing search/fetch requests per second.
	RateLimit    float64       `mapstructure:"rate_limit"`
	MaxPageChars int           `mapstructure:"max_page_chars"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	agents.OpenAIConfig `mapstructure:",squash"`
	Timeout             time.Duration `mapstructure:"timeout"`
	// PromptsFile replaces the built-in prompt templates.
	PromptsFile string `mapstructure:"prompts_file"`
}

type RenderConfig struct {
	Dir         string `mapstructure:"dir"`
	UploadURL   string `mapstructure:"upload_url"`
	PublicURL   string `mapstructure:"public_url"`
	UploadToken string `mapstructure:"upload_token"`
}

type AuthConfig struct {
	// JWTSecret enables bearer authentication when set.
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type NotifyConfig struct {
	RedisStream       string `mapstructure:"redis_stream"`
	RedisStreamMaxLen int64  `mapstructure:"redis_stream_max_len"`
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Logging  LoggingConfig       `mapstructure:"logging"`
	Store    StoreConfig         `mapstructure:"store"`
	Redis    RedisConfig         `mapstructure:"redis"`
	Database db.Config           `mapstructure:"database"`
	LLM      LLMConfig           `mapstructure:"llm"`
	Sources  SourcesConfig       `mapstructure:"sources"`
	Render   RenderConfig        `mapstructure:"render"`
	Auth     AuthConfig          `mapstructure:"auth"`
	Notify   NotifyConfig        `mapstructure:"notify"`
	Tracing  tracing.Config      `mapstructure:"tracing"`
	Pipeline orchestrator.Config `mapstructure:"pipeline"`
}

// setDefaults registers every key so environment overrides resolve even
// without a config file.
func setDefaults(v *viper.Viper) {
	p := orchestrator.DefaultConfig()

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "research")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "research")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 2)
	v.SetDefault("database.max_lifetime", 30*time.Minute)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.prompts_file", "")
	v.SetDefault("sources.search.provider", sources.ProviderDuckDuckGo)
	v.SetDefault("sources.search.api_key", "")
	v.SetDefault("sources.search.endpoint", "")
	v.SetDefault("sources.rate_limit", 1.0)
	v.SetDefault("sources.max_page_chars", sources.MaxPageText)
	v.SetDefault("sources.timeout", 15*time.Second)
	v.SetDefault("render.dir", "reports")
	v.SetDefault("render.upload_url", "")
	v.SetDefault("render.public_url", "")
	v.SetDefault("render.upload_token", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("notify.redis_stream", "")
	v.SetDefault("notify.redis_stream_max_len", 10000)
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.nats_subject_prefix", "research")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("pipeline.sources_per_section", p.SourcesPerSection)
	v.SetDefault("pipeline.max_revisions", p.MaxRevisions)
	v.SetDefault("pipeline.approval_timeout", p.ApprovalTimeout)
	v.SetDefault("pipeline.approval_poll_interval", p.ApprovalPollInterval)
	v.SetDefault("pipeline.replan_on_reject", p.ReplanOnReject)
	v.SetDefault("pipeline.max_replans", p.MaxReplans)
	v.SetDefault("pipeline.section_delay", p.SectionDelay)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names for secrets.
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("sources.search.api_key", EnvPrefix+"_SOURCES_SEARCH_API_KEY", "SEARCH_API_KEY")

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the configuration once. An empty path falls back to
// CONFIG_PATH, then to defaults and environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQL:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of memory, redis, sql (got %q)", c.Store.Backend))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console (got %q)", c.Logging.Format))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Render.Dir == "" {
		errs = append(errs, errors.New("render.dir is required"))
	}
	if c.Sources.RateLimit < 0 {
		errs = append(errs, errors.New("sources.rate_limit must not be negative"))
	}
	if c.Render.UploadURL != "" && c.Render.PublicURL == "" {
		errs = append(errs, errors.New("render.public_url is required with render.upload_url"))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis || c.Notify.RedisStream != ""
}
