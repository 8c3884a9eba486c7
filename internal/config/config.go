package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Providers  []ProviderConfig `yaml:"providers" mapstructure:"providers" validate:"dive"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the entity store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres memory"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required_unless=Driver memory"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// ResolveConfig tunes the resolution orchestrator.
type ResolveConfig struct {
	Workers            int    `yaml:"workers" mapstructure:"workers" validate:"min=1"`
	AutoMergeThreshold int    `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold" validate:"min=0,max=100"`
	DefaultCountry     string `yaml:"default_country" mapstructure:"default_country" validate:"len=2"`
	LockTTLSecs        int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs" validate:"min=1"`
}

// RetryConfig configures retries of provider calls and store writes.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gtefield=InitialBackoffMs"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// InitialBackoff returns the first retry delay.
func (c RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the delay cap.
func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"min=1"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"min=1"`
}

// ProviderConfig declares one enrichment provider. Its trust tier is
// configuration, never inferred from responses.
type ProviderConfig struct {
	Name        string  `yaml:"name" mapstructure:"name" validate:"required"`
	Kind        string  `yaml:"kind" mapstructure:"kind" validate:"oneof=http salesforce"`
	Tier        string  `yaml:"tier" mapstructure:"tier" validate:"oneof=first_party_verified provider_verified provider_unverified inferred"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url" validate:"required_if=Kind http,omitempty,url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Path        string  `yaml:"path" mapstructure:"path"`
	RPS         float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=0"`
}

// Timeout returns the per-attempt timeout, zero when unset.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// SalesforceConfig holds Salesforce JWT bearer credentials.
type SalesforceConfig struct {
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
	Username string `yaml:"username" mapstructure:"username"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
}

// AnthropicConfig holds Anthropic API settings for free-text extraction.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// NotionConfig holds the Notion token and the review queue database.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// KafkaConfig configures outcome event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic" validate:"required_with=Brokers"`
}

// RedisConfig configures the distributed entity lock. An empty address
// keeps locking in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
}

// MonitoringConfig configures run alerts. Alerts are only logged when no
// webhook is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	ReviewRateThreshold  float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold" validate:"gte=0,lte=1"`
	// MinObservations is the run size below which rate alerts stay quiet.
	MinObservations int `yaml:"min_observations" mapstructure:"min_observations" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// envOnlyKeys lists the leaf keys that have no default, mostly secrets
// and endpoints that are usually supplied through RESOLVER_* variables.
var envOnlyKeys = []string{
	"store.max_conns",
	"store.min_conns",
	"salesforce.username",
	"salesforce.client_id",
	"salesforce.key_path",
	"anthropic.key",
	"notion.token",
	"notion.review_db",
	"kafka.brokers",
	"redis.addr",
	"redis.password",
	"redis.db",
	"monitoring.webhook_url",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "resolver.db")
	v.SetDefault("resolve.workers", 5)
	v.SetDefault("resolve.auto_merge_threshold", 80)
	v.SetDefault("resolve.default_country", "US")
	v.SetDefault("resolve.lock_ttl_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("kafka.topic", "entity-resolution")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.review_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_observations", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Keys without defaults are invisible to AutomaticEnv until bound.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(describe(err), "config: validate")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return eris.Errorf("config: validate: provider %q is declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// describe flattens validator errors into one readable message.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return eris.New(strings.Join(msgs, "; "))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
