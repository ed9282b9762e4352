package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8080
	DefaultBufSize          = 100
	DefaultStoreDriver      = "sqlite"
	DefaultDispatchSchedule = "0 */5 * * * *"
	DefaultBroadcastDelayMs = 100
	DefaultLogLevel         = "info"
	DefaultTimezone         = "America/Bogota"
	DefaultServiceName      = "medellinbot"
	DefaultNATSPrefix       = "medellinbot.events"
	DefaultAdminRateLimit   = 100
	DefaultAdminRateWindow  = "1m"

	ModePolling = "polling"
	ModeWebhook = "webhook"
)

type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Gateway    GatewayConfig    `json:"gateway"`
	Store      StoreConfig      `json:"store"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Catalog    CatalogConfig    `json:"catalog"`
	Log        LogConfig        `json:"log"`
	Tracing    TracingConfig    `json:"tracing"`
	NATS       NATSConfig       `json:"nats"`
	Admin      AdminConfig      `json:"admin"`
	Timezone   string           `json:"timezone"`
}

type TelegramConfig struct {
	Token      string   `json:"token"`
	Mode       string   `json:"mode"` // "polling" (default) or "webhook"
	WebhookURL string   `json:"webhookUrl,omitempty"`
	AllowFrom  []string `json:"allowFrom"`
	Proxy      string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn"`
}

type DispatcherConfig struct {
	Enabled          bool   `json:"enabled"`
	Schedule         string `json:"schedule"`
	BroadcastDelayMs int    `json:"broadcastDelayMs"`
}

type CatalogConfig struct {
	Dir string `json:"dir,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
}

type AdminConfig struct {
	Enabled        bool     `json:"enabled"`
	RateLimit      int      `json:"rateLimit"`
	RateWindow     string   `json:"rateWindow"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Mode: ModePolling},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			DSN:    filepath.Join(ConfigDir(), "data", "medellinbot.db"),
		},
		Dispatcher: DispatcherConfig{
			Enabled:          true,
			Schedule:         DefaultDispatchSchedule,
			BroadcastDelayMs: DefaultBroadcastDelayMs,
		},
		Catalog: CatalogConfig{Dir: filepath.Join(ConfigDir(), "catalog")},
		Log:     LogConfig{Level: DefaultLogLevel},
		Tracing: TracingConfig{ServiceName: DefaultServiceName},
		NATS:    NATSConfig{SubjectPrefix: DefaultNATSPrefix},
		Admin: AdminConfig{
			Enabled:    true,
			RateLimit:  DefaultAdminRateLimit,
			RateWindow: DefaultAdminRateWindow,
		},
		Timezone: DefaultTimezone,
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".medellinbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variable overrides
func applyEnv(cfg *Config) {
	if token := os.Getenv("MEDELLINBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if mode := os.Getenv("MEDELLINBOT_TELEGRAM_MODE"); mode != "" {
		cfg.Telegram.Mode = mode
	}
	if url := os.Getenv("MEDELLINBOT_WEBHOOK_URL"); url != "" {
		cfg.Telegram.WebhookURL = url
	}
	if proxy := os.Getenv("MEDELLINBOT_TELEGRAM_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}
	if port := os.Getenv("MEDELLINBOT_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if driver := os.Getenv("MEDELLINBOT_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("MEDELLINBOT_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && os.Getenv("MEDELLINBOT_STORE_DSN") == "" {
		cfg.Store.DSN = dsn
		if os.Getenv("MEDELLINBOT_STORE_DRIVER") == "" {
			cfg.Store.Driver = "postgres"
		}
	}
	if enabled := os.Getenv("MEDELLINBOT_DISPATCHER_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Dispatcher.Enabled = parsed
		}
	}
	if schedule := os.Getenv("MEDELLINBOT_DISPATCHER_SCHEDULE"); schedule != "" {
		cfg.Dispatcher.Schedule = schedule
	}
	if dir := os.Getenv("MEDELLINBOT_CATALOG_DIR"); dir != "" {
		cfg.Catalog.Dir = dir
	}
	if level := os.Getenv("MEDELLINBOT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Enabled = true
	}
	if url := os.Getenv("MEDELLINBOT_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if tz := os.Getenv("MEDELLINBOT_TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = ModePolling
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == DefaultStoreDriver {
		cfg.Store.DSN = def.Store.DSN
	}
	if cfg.Dispatcher.Schedule == "" {
		cfg.Dispatcher.Schedule = DefaultDispatchSchedule
	}
	if cfg.Dispatcher.BroadcastDelayMs < 0 {
		cfg.Dispatcher.BroadcastDelayMs = 0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = DefaultNATSPrefix
	}
	if cfg.Admin.RateLimit <= 0 {
		cfg.Admin.RateLimit = DefaultAdminRateLimit
	}
	if cfg.Admin.RateWindow == "" {
		cfg.Admin.RateWindow = DefaultAdminRateWindow
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Telegram.Mode {
	case ModePolling, ModeWebhook:
	default:
		return fmt.Errorf("invalid telegram mode %q", c.Telegram.Mode)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if _, err := time.ParseDuration(c.Admin.RateWindow); err != nil {
		return fmt.Errorf("invalid admin rateWindow %q: %w", c.Admin.RateWindow, err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) BroadcastDelay() time.Duration {
	return time.Duration(c.Dispatcher.BroadcastDelayMs) * time.Millisecond
}

func (c *Config) AdminRateWindow() time.Duration {
	d, err := time.ParseDuration(c.Admin.RateWindow)
	if err != nil {
		return time.Minute
	}
	return d
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(ConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
