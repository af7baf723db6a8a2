package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Retry     RetryConfig               `mapstructure:"retry"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Relay     RelayConfig               `mapstructure:"relay"`
	Chart     ChartConfig               `mapstructure:"chart"`
	News      NewsConfig                `mapstructure:"news"`
	Secrets   SecretsConfig             `mapstructure:"secrets"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// EngineConfig governs the poll/scan cadence and the rolling window.
type EngineConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	WindowSize      int           `mapstructure:"window_size"`
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	PollRetryDelay  time.Duration `mapstructure:"poll_retry_delay"`
	NumsPrecision   int32         `mapstructure:"nums_precision"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AlignPolls      bool          `mapstructure:"align_polls"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExchangeConfig holds per-exchange connectivity and the crossing threshold.
type ExchangeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PercentDifference float64       `mapstructure:"percent_difference"`
	Quote             string        `mapstructure:"quote"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig selects and parameterises the persistence backend.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dir             string        `mapstructure:"dir"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig captures Redis connectivity.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RetryConfig bounds every persistence retry loop.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinBackoff  time.Duration `mapstructure:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// AlertingConfig defines message rendering and primary routing.
type AlertingConfig struct {
	TemplatePath     string         `mapstructure:"template_path"`
	DeliveryAttempts int            `mapstructure:"delivery_attempts"`
	StartupMessage   bool           `mapstructure:"startup_message"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Driver         string        `mapstructure:"driver"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatIDs        []string      `mapstructure:"chat_ids"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RelayConfig configures the secondary, throttled audience.
type RelayConfig struct {
	CooldownHours float64        `mapstructure:"cooldown_hours"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// ChartConfig tunes the alert chart.
type ChartConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeframe string        `mapstructure:"timeframe"`
	Lookback  time.Duration `mapstructure:"lookback"`
	Width     int           `mapstructure:"width"`
	Height    int           `mapstructure:"height"`
}

// NewsConfig enables the CryptoPanic news flag.
type NewsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Token          string        `mapstructure:"token"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SecretsConfig controls resolution of ssm: references.
type SecretsConfig struct {
	AWSRegion string `mapstructure:"aws_region"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyAliases(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("engine.poll_interval", "60s")
	v.SetDefault("engine.scan_interval", "20s")
	v.SetDefault("engine.window_size", 10)
	v.SetDefault("engine.max_poll_failures", 10)
	v.SetDefault("engine.poll_retry_delay", "1s")
	v.SetDefault("engine.nums_precision", 2)
	v.SetDefault("engine.startup_delay", "0s")
	v.SetDefault("engine.align_polls", true)
	v.SetDefault("engine.advisory_lock_key", int64(0x70776174))

	v.SetDefault("exchanges", map[string]any{
		"binance": map[string]any{
			"enabled":            true,
			"percent_difference": 3.0,
			"quote":              "USDT",
			"base_url":           "https://api.binance.com",
			"request_timeout":    "10s",
		},
		"bybit": map[string]any{
			"enabled":            false,
			"percent_difference": 3.0,
			"quote":              "USDT",
			"base_url":           "https://api.bybit.com",
			"request_timeout":    "10s",
		},
		"kucoin": map[string]any{
			"enabled":            false,
			"percent_difference": 3.0,
			"quote":              "USDT",
			"base_url":           "https://api-futures.kucoin.com",
			"request_timeout":    "10s",
		},
	})

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "temp")
	v.SetDefault("storage.sqlite_path", "temp/pricewatch.db")
	v.SetDefault("storage.max_open_conns", 5)
	v.SetDefault("storage.max_idle_conns", 1)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "pricewatch")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.min_backoff", "200ms")
	v.SetDefault("retry.max_backoff", "5s")

	v.SetDefault("alerting.delivery_attempts", 5)
	v.SetDefault("alerting.startup_message", true)
	v.SetDefault("alerting.telegram.driver", "http")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "15s")

	v.SetDefault("relay.cooldown_hours", 1.0)
	v.SetDefault("relay.poll_interval", "1s")
	v.SetDefault("relay.telegram.driver", "http")
	v.SetDefault("relay.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("relay.telegram.request_timeout", "15s")

	v.SetDefault("chart.enabled", true)
	v.SetDefault("chart.timeframe", "5m")
	v.SetDefault("chart.lookback", "800m")
	v.SetDefault("chart.width", 1000)
	v.SetDefault("chart.height", 600)

	v.SetDefault("news.enabled", false)
	v.SetDefault("news.base_url", "https://cryptopanic.com/api/v1")
	v.SetDefault("news.request_timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applyAliases maps the flat option names of the legacy config file onto the structured keys.
func (c *Config) applyAliases(v *viper.Viper) {
	if v.IsSet("relay_cooldown_hours") {
		c.Relay.CooldownHours = v.GetFloat64("relay_cooldown_hours")
	}
	if v.IsSet("nums_precision") {
		c.Engine.NumsPrecision = v.GetInt32("nums_precision")
	}
	for name, ex := range c.Exchanges {
		if ex.Quote == "" {
			ex.Quote = "USDT"
		}
		c.Exchanges[name] = ex
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be greater than zero")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("engine.scan_interval must be greater than zero")
	}
	if c.Engine.WindowSize <= 0 {
		return fmt.Errorf("engine.window_size must be greater than zero")
	}
	if c.Engine.MaxPollFailures < 0 {
		return fmt.Errorf("engine.max_poll_failures cannot be negative")
	}
	if c.Engine.NumsPrecision < 0 || c.Engine.NumsPrecision > 18 {
		return fmt.Errorf("engine.nums_precision must be within [0, 18]")
	}
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.PercentDifference <= 0 {
			return fmt.Errorf("exchanges.%s.percent_difference must be greater than zero", name)
		}
	}
	switch c.Storage.Driver {
	case "file", "":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Alerting.DeliveryAttempts <= 0 {
		return fmt.Errorf("alerting.delivery_attempts must be greater than zero")
	}
	if c.Relay.CooldownHours < 0 {
		return fmt.Errorf("relay.cooldown_hours cannot be negative")
	}
	if err := validateTelegram("alerting.telegram", c.Alerting.Telegram); err != nil {
		return err
	}
	if err := validateTelegram("relay.telegram", c.Relay.Telegram); err != nil {
		return err
	}
	if c.News.Enabled && c.News.Token == "" {
		return fmt.Errorf("news.token 必须配置")
	}
	return nil
}

func validateTelegram(prefix string, tg TelegramConfig) error {
	switch tg.Driver {
	case "", "http", "botapi":
	default:
		return fmt.Errorf("%s.driver must be http or botapi", prefix)
	}
	if len(tg.ChatIDs) > 0 && tg.BotToken == "" {
		return fmt.Errorf("%s.bot_token 必须配置", prefix)
	}
	return nil
}

// EnabledExchanges returns the names of enabled exchanges in a stable order.
func (c *Config) EnabledExchanges() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RelayCooldown converts the configured hours into a duration.
func (c *Config) RelayCooldown() time.Duration {
	return time.Duration(c.Relay.CooldownHours * float64(time.Hour))
}
