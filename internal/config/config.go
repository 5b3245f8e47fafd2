package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Intent    IntentConfig    `yaml:"intent" mapstructure:"intent"`
	Ollama    OllamaConfig    `yaml:"ollama" mapstructure:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Matcher   MatcherConfig   `yaml:"matcher" mapstructure:"matcher"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Detector  DetectorConfig  `yaml:"detector" mapstructure:"detector"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the serve mode HTTP and MCP surfaces.
type ServerConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	MCPTransport string `yaml:"mcp_transport" mapstructure:"mcp_transport"` // "stdio" or "http"
}

// IntentConfig selects and tunes the intent classifier backend.
type IntentConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"` // "ollama" or "anthropic"
	Model       string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRequest  int     `yaml:"max_request_chars" mapstructure:"max_request_chars"`
	MinConf     float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// OllamaConfig holds the local model endpoint settings.
type OllamaConfig struct {
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	EmbedModel string `yaml:"embed_model" mapstructure:"embed_model"`
}

// AnthropicConfig holds Anthropic API settings for the cloud intent backend.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// MatcherConfig tunes pattern matching and learning.
type MatcherConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	SuccessFloor        float64 `yaml:"success_floor" mapstructure:"success_floor"`
	EMAAlpha            float64 `yaml:"ema_alpha" mapstructure:"ema_alpha"`
	RecencyHalfLifeDays int     `yaml:"recency_half_life_days" mapstructure:"recency_half_life_days"`
}

// SchedulerConfig tunes job scheduling and execution.
type SchedulerConfig struct {
	MaxWorkers        int     `yaml:"max_workers" mapstructure:"max_workers"`
	QueueSize         int     `yaml:"queue_size" mapstructure:"queue_size"`
	TimeoutFactor     float64 `yaml:"timeout_factor" mapstructure:"timeout_factor"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	ToolRatePerSecond float64 `yaml:"tool_rate_per_second" mapstructure:"tool_rate_per_second"`
}

// DetectorConfig tunes structural schema detection.
type DetectorConfig struct {
	ConsistencyThreshold float64 `yaml:"consistency_threshold" mapstructure:"consistency_threshold"`
	MinRepeat            int     `yaml:"min_repeat" mapstructure:"min_repeat"`
	MaxFallbacks         int     `yaml:"max_fallbacks" mapstructure:"max_fallbacks"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	IdleTTLMinutes int `yaml:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
}

// RetentionConfig configures the maintenance purge window.
type RetentionConfig struct {
	WindowDays int `yaml:"window_days" mapstructure:"window_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mcp_transport", "stdio")
	v.SetDefault("intent.provider", "ollama")
	v.SetDefault("intent.model", "phi3.5")
	v.SetDefault("intent.timeout_secs", 10)
	v.SetDefault("intent.max_request_chars", 4000)
	v.SetDefault("intent.min_confidence", 0.2)
	v.SetDefault("ollama.endpoint", "http://localhost:11434")
	v.SetDefault("ollama.embed_model", "nomic-embed-text")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("matcher.similarity_threshold", 0.78)
	v.SetDefault("matcher.success_floor", 0.4)
	v.SetDefault("matcher.ema_alpha", 0.3)
	v.SetDefault("matcher.recency_half_life_days", 30)
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.timeout_factor", 2.0)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.tool_rate_per_second", 5.0)
	v.SetDefault("detector.consistency_threshold", 0.7)
	v.SetDefault("detector.min_repeat", 2)
	v.SetDefault("detector.max_fallbacks", 3)
	v.SetDefault("session.idle_ttl_minutes", 120)
	v.SetDefault("retention.window_days", 30)

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

// Validate checks that the settings a run mode requires are present.
// Missing required settings are a fatal startup error, not a degraded mode.
func (c *Config) Validate(mode string) error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}

	switch mode {
	case "serve", "worker", "strategy-test":
		if c.Intent.Provider == "anthropic" {
			if c.Anthropic.Key == "" {
				return eris.New("config: anthropic.key is required for intent.provider=anthropic")
			}
		} else if c.Ollama.Endpoint == "" {
			return eris.New("config: ollama.endpoint is required")
		}
	case "setup-models":
		if c.Ollama.Endpoint == "" {
			return eris.New("config: ollama.endpoint is required")
		}
	case "maintenance":
		// Store settings only, already checked above.
	default:
		return eris.Errorf("config: unknown run mode %q", mode)
	}

	return nil
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
