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
	Stream     StreamConfig     `yaml:"stream" mapstructure:"stream"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Attention  AttentionConfig  `yaml:"attention" mapstructure:"attention"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Serve      ServeConfig      `yaml:"serve" mapstructure:"serve"`
	Simulator  SimulatorConfig  `yaml:"simulator" mapstructure:"simulator"`
	Capture    CaptureConfig    `yaml:"capture" mapstructure:"capture"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StreamConfig configures the detection stream subscription.
type StreamConfig struct {
	URL                  string `yaml:"url" mapstructure:"url"`
	Token                string `yaml:"token" mapstructure:"token"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	BackoffStepSecs      int    `yaml:"backoff_step_secs" mapstructure:"backoff_step_secs"`
	PingIntervalSecs     int    `yaml:"ping_interval_secs" mapstructure:"ping_interval_secs"`
	ReadLimitBytes       int64  `yaml:"read_limit_bytes" mapstructure:"read_limit_bytes"`
}

// APIConfig configures the PlateVision backend API client.
type APIConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Token         string  `yaml:"token" mapstructure:"token"`
	StaticBaseURL string  `yaml:"static_base_url" mapstructure:"static_base_url"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AttentionConfig configures the review attention policy.
type AttentionConfig struct {
	AllowedCapabilities []string `yaml:"allowed_capabilities" mapstructure:"allowed_capabilities"`
	NoWasteCategory     string   `yaml:"no_waste_category" mapstructure:"no_waste_category"`
	NoWasteDismissMs    int      `yaml:"no_waste_dismiss_ms" mapstructure:"no_waste_dismiss_ms"`
	DismissMs           int      `yaml:"dismiss_ms" mapstructure:"dismiss_ms"`
}

// ResolverConfig configures asset loading behavior.
type ResolverConfig struct {
	LoadRetries      int `yaml:"load_retries" mapstructure:"load_retries"`
	LoadRetryDelayMs int `yaml:"load_retry_delay_ms" mapstructure:"load_retry_delay_ms"`
}

// MonitoringConfig configures health checks and webhook alerting.
type MonitoringConfig struct {
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	AlertAfterFailures int    `yaml:"alert_after_failures" mapstructure:"alert_after_failures"`
	CheckIntervalSecs  int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleAfterSecs     int    `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// ServeConfig configures the status/inspection server.
type ServeConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// SimulatorConfig configures the development stream server.
type SimulatorConfig struct {
	Port        int     `yaml:"port" mapstructure:"port"`
	Scenario    string  `yaml:"scenario" mapstructure:"scenario"`
	FailureRate float64 `yaml:"failure_rate" mapstructure:"failure_rate"`
}

// CaptureConfig configures stream journaling.
type CaptureConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
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
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.backoff_step_secs", 5)
	v.SetDefault("stream.ping_interval_secs", 54)
	v.SetDefault("stream.read_limit_bytes", 1<<20)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("attention.allowed_capabilities", []string{"review:detections"})
	v.SetDefault("attention.no_waste_category", "no_waste")
	v.SetDefault("attention.no_waste_dismiss_ms", 1000)
	v.SetDefault("attention.dismiss_ms", 10000)
	v.SetDefault("resolver.load_retries", 2)
	v.SetDefault("resolver.load_retry_delay_ms", 1000)
	v.SetDefault("monitoring.alert_after_failures", 3)
	v.SetDefault("monitoring.check_interval_secs", 30)
	v.SetDefault("monitoring.stale_after_secs", 300)
	v.SetDefault("serve.port", 8787)
	v.SetDefault("simulator.port", 8081)
	v.SetDefault("simulator.failure_rate", 0.0)
	v.SetDefault("capture.path", "capture.db")
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

	return &cfg, nil
}

// Validate checks the fields the given command mode depends on. Problems
// are accumulated so one run reports everything wrong at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "watch":
		if c.Stream.URL == "" {
			problems = append(problems, "stream.url is required")
		}
	case "serve":
		if c.Stream.URL == "" {
			problems = append(problems, "stream.url is required")
		}
		if c.Serve.Port <= 0 || c.Serve.Port > 65535 {
			problems = append(problems, "serve.port must be between 1 and 65535")
		}
	case "simulate":
		if c.Simulator.Port <= 0 || c.Simulator.Port > 65535 {
			problems = append(problems, "simulator.port must be between 1 and 65535")
		}
		if c.Simulator.FailureRate < 0 || c.Simulator.FailureRate > 1 {
			problems = append(problems, "simulator.failure_rate must be between 0 and 1")
		}
	case "capture":
		if c.Stream.URL == "" {
			problems = append(problems, "stream.url is required")
		}
		if c.Capture.Path == "" {
			problems = append(problems, "capture.path is required")
		}
	case "resolve":
		if c.API.BaseURL == "" {
			problems = append(problems, "api.base_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Stream.MaxReconnectAttempts < 0 {
		problems = append(problems, "stream.max_reconnect_attempts must be >= 0")
	}
	if c.Stream.BackoffStepSecs < 0 {
		problems = append(problems, "stream.backoff_step_secs must be >= 0")
	}
	if c.Attention.NoWasteDismissMs < 0 || c.Attention.DismissMs < 0 {
		problems = append(problems, "attention dismiss delays must be >= 0")
	}
	if c.Resolver.LoadRetries < 0 {
		problems = append(problems, "resolver.load_retries must be >= 0")
	}
	if c.API.RateLimit < 0 {
		problems = append(problems, "api.rate_limit must be >= 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
