package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "omnidesk"
	DefaultPGSSLMode        = "disable"
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultPollInterval     = "1s"
	DefaultMaxPollAttempts  = 30
	DefaultRunTimeout       = "45s"
	DefaultUsageWindow      = "48h"
	DefaultUsageStore       = "postgres"
	DefaultMediaRoot        = "data/media"
	DefaultMaxUploadBytes   = 10 << 20
	DefaultOperatorMaxBytes = 20 << 20
	DefaultCacheTTL         = "5m"
	DefaultAMQPExchange     = "omnidesk"
	DefaultOutboundKey      = "outbound.api"
	DefaultCRMKey           = "crm.action"
	DefaultSelfTestSchedule = "@every 15m"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	OpenAI   OpenAIConfig   `toml:"openai"`
	Usage    UsageConfig    `toml:"usage"`
	Media    MediaConfig    `toml:"media"`
	AMQP     AMQPConfig     `toml:"amqp"`
	SelfTest SelfTestConfig `toml:"selftest"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicBaseURL is used to build absolute media links. Empty keeps links
	// relative, which the reply path treats as non-public.
	PublicBaseURL string `toml:"public_base_url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// URL returns the connection string, preferring an explicit DSN.
func (c PostgresConfig) URL() string {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type RedisConfig struct {
	URL      string `toml:"url"`
	CacheTTL string `toml:"cache_ttl"`
}

func (c RedisConfig) TTL() time.Duration {
	return parseDuration(c.CacheTTL, DefaultCacheTTL)
}

type OpenAIConfig struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	DefaultModel    string `toml:"default_model"`
	PollInterval    string `toml:"poll_interval"`
	MaxPollAttempts int    `toml:"max_poll_attempts"`
	RunTimeout      string `toml:"run_timeout"`
}

func (c OpenAIConfig) Interval() time.Duration {
	return parseDuration(c.PollInterval, DefaultPollInterval)
}

func (c OpenAIConfig) Timeout() time.Duration {
	return parseDuration(c.RunTimeout, DefaultRunTimeout)
}

type UsageConfig struct {
	Window string `toml:"window"`
	Store  string `toml:"store"`
}

func (c UsageConfig) WindowDuration() time.Duration {
	return parseDuration(c.Window, DefaultUsageWindow)
}

type MediaConfig struct {
	DataRoot               string `toml:"data_root"`
	MaxUploadBytes         int64  `toml:"max_upload_bytes"`
	OperatorMaxUploadBytes int64  `toml:"operator_max_upload_bytes"`
}

type AMQPConfig struct {
	URL                string `toml:"url"`
	Exchange           string `toml:"exchange"`
	OutboundRoutingKey string `toml:"outbound_routing_key"`
	CRMRoutingKey      string `toml:"crm_routing_key"`
	RetryAttempts      int    `toml:"retry_attempts"`
}

type SelfTestConfig struct {
	Schedule string `toml:"schedule"`
	Disabled bool   `toml:"disabled"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			CacheTTL: DefaultCacheTTL,
		},
		OpenAI: OpenAIConfig{
			DefaultModel:    DefaultOpenAIModel,
			PollInterval:    DefaultPollInterval,
			MaxPollAttempts: DefaultMaxPollAttempts,
			RunTimeout:      DefaultRunTimeout,
		},
		Usage: UsageConfig{
			Window: DefaultUsageWindow,
			Store:  DefaultUsageStore,
		},
		Media: MediaConfig{
			DataRoot:               DefaultMediaRoot,
			MaxUploadBytes:         DefaultMaxUploadBytes,
			OperatorMaxUploadBytes: DefaultOperatorMaxBytes,
		},
		AMQP: AMQPConfig{
			Exchange:           DefaultAMQPExchange,
			OutboundRoutingKey: DefaultOutboundKey,
			CRMRoutingKey:      DefaultCRMKey,
			RetryAttempts:      5,
		},
		SelfTest: SelfTestConfig{
			Schedule: DefaultSelfTestSchedule,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv lets deployment secrets override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
