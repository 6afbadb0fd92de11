package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	LinkedIn  LinkedInConfig  `yaml:"linkedin" mapstructure:"linkedin"`
	Webhook   WebhookConfig   `yaml:"webhook" mapstructure:"webhook"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the LLM credentials and model choices.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Model        string `yaml:"model" mapstructure:"model"`
	MessageModel string `yaml:"message_model" mapstructure:"message_model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// LinkedInConfig configures the profile provider and its account pool.
type LinkedInConfig struct {
	BaseURL      string                  `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string                  `yaml:"api_key" mapstructure:"api_key"`
	Accounts     []model.ExternalAccount `yaml:"accounts" mapstructure:"accounts"`
	AccountsFile string                  `yaml:"accounts_file" mapstructure:"accounts_file"`
	MinDelayMs   int                     `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMs   int                     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	GlobalRPS    float64                 `yaml:"global_rps" mapstructure:"global_rps"`
	TimeoutSecs  int                     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WebhookConfig configures the lead.created notification sink.
type WebhookConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// PipelineConfig controls workers, retries and message generation.
type PipelineConfig struct {
	Workers            int `yaml:"workers" mapstructure:"workers"`
	QueueSize          int `yaml:"queue_size" mapstructure:"queue_size"`
	MaxRetries         int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseSecs      int `yaml:"retry_base_secs" mapstructure:"retry_base_secs"`
	RetryMaxSecs       int `yaml:"retry_max_secs" mapstructure:"retry_max_secs"`
	RescanIntervalSecs int `yaml:"rescan_interval_secs" mapstructure:"rescan_interval_secs"`
	RescanLimit        int `yaml:"rescan_limit" mapstructure:"rescan_limit"`
	MessageAttempts    int `yaml:"message_attempts" mapstructure:"message_attempts"`
	// Language is the BCP 47 tag used to case the fallback greeting.
	Language string `yaml:"language" mapstructure:"language"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional) and LEADS_ env vars.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.message_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("linkedin.base_url", "https://api.linkedin-data.example/v1")
	v.SetDefault("linkedin.api_key", "")
	v.SetDefault("linkedin.accounts_file", "")
	v.SetDefault("linkedin.min_delay_ms", 2000)
	v.SetDefault("linkedin.max_delay_ms", 8000)
	v.SetDefault("linkedin.global_rps", 0)
	v.SetDefault("linkedin.timeout_secs", 30)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.max_retries", 5)
	v.SetDefault("pipeline.retry_base_secs", 60)
	v.SetDefault("pipeline.retry_max_secs", 3600)
	v.SetDefault("pipeline.rescan_interval_secs", 30)
	v.SetDefault("pipeline.rescan_limit", 100)
	v.SetDefault("pipeline.message_attempts", 3)
	v.SetDefault("pipeline.language", "fr")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	if cfg.LinkedIn.AccountsFile != "" {
		accounts, err := LoadAccounts(cfg.LinkedIn.AccountsFile)
		if err != nil {
			return nil, err
		}
		cfg.LinkedIn.Accounts = append(cfg.LinkedIn.Accounts, accounts...)
	}

	return &cfg, nil
}

// Validation modes, one per command family.
const (
	ModeStore    = "store"
	ModePipeline = "pipeline"
	ModeServe    = "serve"
)

// Validate checks that the keys needed by mode are present.
func (c *Config) Validate(mode string) error {
	var missing []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if mode == ModePipeline || mode == ModeServe {
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
		if len(c.AccountIDs()) == 0 {
			missing = append(missing, "linkedin.accounts")
		}
		if c.Pipeline.Workers <= 0 {
			missing = append(missing, "pipeline.workers")
		}
	}
	if mode == ModeServe && c.Server.Port <= 0 {
		missing = append(missing, "server.port")
	}
	if c.LinkedIn.MaxDelayMs < c.LinkedIn.MinDelayMs {
		return eris.New("config: linkedin.max_delay_ms must be >= linkedin.min_delay_ms")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AccountIDs returns the configured account ids in pool order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.LinkedIn.Accounts))
	for _, a := range c.LinkedIn.Accounts {
		if a.ID != "" {
			ids = append(ids, a.ID)
		}
	}
	return ids
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
