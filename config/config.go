package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	AI        AIConfig        `mapstructure:"ai"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// MongoConfig selects the durable store. An empty URI runs the monitor on
// the in-memory store.
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	LossEscalate  float64       `mapstructure:"loss_escalate_pct"`
	ApprovalsBase string        `mapstructure:"approvals_base_url"`
}

type PriceFeedConfig struct {
	QuoteBaseURL   string        `mapstructure:"quote_base_url"`
	QuoteAPIKey    string        `mapstructure:"quote_api_key"`
	CryptoExchange string        `mapstructure:"crypto_exchange"`
	BinanceBaseURL string        `mapstructure:"binance_base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// AgentConfig holds the policy defaults applied to agents that do not
// carry their own values.
type AgentConfig struct {
	RiskThreshold   float64       `mapstructure:"risk_threshold"`
	MaxLossPercent  float64       `mapstructure:"max_loss_percent"`
	EmailBeforeSell bool          `mapstructure:"email_before_sell"`
	WaitTimeMinutes int           `mapstructure:"wait_time_minutes"`
	ExecutionMode   string        `mapstructure:"execution_mode"`
	AlertCooldown   time.Duration `mapstructure:"alert_cooldown"`
}

type NotifierConfig struct {
	WebhookURL       string        `mapstructure:"webhook_url"`
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	TelegramChatID   string        `mapstructure:"telegram_chat_id"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Currency         string        `mapstructure:"currency"`
}

type AIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from an optional YAML file, the process
// environment and a local .env file. Environment wins over the file.
func Load(path string, envOnly bool) (Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keep the historical variable names working.
	_ = v.BindEnv("mongo.uri", "MONITOR_MONGO_URI", "MONGODB_URI")
	_ = v.BindEnv("mongo.database", "MONITOR_MONGO_DATABASE", "DATABASE_NAME")
	_ = v.BindEnv("server.port", "MONITOR_SERVER_PORT", "PORT")
	_ = v.BindEnv("auth.jwt_secret", "MONITOR_AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("price_feed.quote_api_key", "MONITOR_PRICE_FEED_QUOTE_API_KEY", "FINNHUB_API_KEY")

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "asset-monitor")
	v.SetDefault("mongo.connect_timeout", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "10s")
	v.SetDefault("monitor.store_timeout", "5s")
	v.SetDefault("monitor.loss_escalate_pct", 15.0)
	v.SetDefault("monitor.approvals_base_url", "http://localhost:8080/api/executions")
	v.SetDefault("price_feed.quote_base_url", "https://finnhub.io/api/v1")
	v.SetDefault("price_feed.crypto_exchange", "BINANCE")
	v.SetDefault("price_feed.binance_base_url", "https://api.binance.com")
	v.SetDefault("price_feed.timeout", "5s")
	v.SetDefault("price_feed.max_concurrency", 16)
	v.SetDefault("agent.risk_threshold", 75.0)
	v.SetDefault("agent.max_loss_percent", 20.0)
	v.SetDefault("agent.email_before_sell", false)
	v.SetDefault("agent.wait_time_minutes", 0)
	v.SetDefault("agent.execution_mode", "notify")
	v.SetDefault("agent.alert_cooldown", "30m")
	v.SetDefault("notifier.timeout", "10s")
	v.SetDefault("notifier.currency", "USD")
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.timeout", "8s")

	if !envOnly && path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
