package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultChatModel     = "ERNIE-Bot"
	DefaultHistoryRound  = 10
	DefaultQianfanURL    = "https://aip.baidubce.com"
	DefaultTimeoutSecs   = 60
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "qianfanbot"
	DefaultPGSSLMode     = "disable"
	DefaultSQLitePath    = "data/qianfanbot.db"
	DefaultRedisKey      = "qianfanbot:access_token"
	MaxSystemPromptRunes = 1024
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Remote providers.
const (
	ProviderQianfan = "qianfan"
	ProviderOpenAI  = "openai"
)

type Config struct {
	Log      LogConfig      `toml:"log" yaml:"log"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
	Qianfan  QianfanConfig  `toml:"qianfan" yaml:"qianfan"`
	Features FeatureConfig  `toml:"features" yaml:"features"`
	Store    StoreConfig    `toml:"store" yaml:"store"`
	Postgres PostgresConfig `toml:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite" yaml:"sqlite"`
	Redis    RedisConfig    `toml:"redis" yaml:"redis"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `toml:"discord" yaml:"discord"`
	Feishu   FeishuConfig   `toml:"feishu" yaml:"feishu"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in"`
}

// QianfanConfig holds the remote model credentials and sampling parameters.
type QianfanConfig struct {
	Provider       string   `toml:"provider" yaml:"provider" validate:"oneof=qianfan openai"`
	APIKey         string   `toml:"api_key" yaml:"api_key"`
	SecretKey      string   `toml:"secret_key" yaml:"secret_key"`
	BaseURL        string   `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	ChatModel      string   `toml:"chat_model" yaml:"chat_model"`
	System         string   `toml:"system" yaml:"system"`
	Temperature    *float64 `toml:"temperature" yaml:"temperature" validate:"omitempty,gt=0,lte=1"`
	TopP           *float64 `toml:"top_p" yaml:"top_p" validate:"omitempty,gte=0,lte=1"`
	PenaltyScore   *float64 `toml:"penalty_score" yaml:"penalty_score" validate:"omitempty,gte=1,lte=2"`
	TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// FeatureConfig toggles user-facing behaviour.
type FeatureConfig struct {
	OpenHistory      bool `toml:"open_history" yaml:"open_history"`
	HistoryRound     int  `toml:"history_round" yaml:"history_round" validate:"gte=0"`
	OpenImagine      bool `toml:"open_imagine" yaml:"open_imagine"`
	OpenPrivate      bool `toml:"open_private" yaml:"open_private"`
	OpenModelDisplay bool `toml:"open_model_display" yaml:"open_model_display"`
}

type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver" validate:"oneof=memory postgres sqlite"`
}

type PostgresConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Database string `toml:"database" yaml:"database"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
}

// DSN renders a libpq style connection URL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type SQLiteConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// RedisConfig enables the shared access-token cache when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Key      string `toml:"key" yaml:"key"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token" yaml:"bot_token"`
}

type DiscordConfig struct {
	BotToken string `toml:"bot_token" yaml:"bot_token"`
}

type FeishuConfig struct {
	AppID             string `toml:"app_id" yaml:"app_id"`
	AppSecret         string `toml:"app_secret" yaml:"app_secret"`
	VerificationToken string `toml:"verification_token" yaml:"verification_token"`
	EncryptKey        string `toml:"encrypt_key" yaml:"encrypt_key"`
	BaseURL           string `toml:"base_url" yaml:"base_url"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
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
		Qianfan: QianfanConfig{
			Provider:       ProviderQianfan,
			BaseURL:        DefaultQianfanURL,
			ChatModel:      DefaultChatModel,
			TimeoutSeconds: DefaultTimeoutSecs,
		},
		Features: FeatureConfig{
			OpenHistory:  true,
			HistoryRound: DefaultHistoryRound,
			OpenImagine:  true,
			OpenPrivate:  true,
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		SQLite: SQLiteConfig{
			Path: DefaultSQLitePath,
		},
		Redis: RedisConfig{
			Key: DefaultRedisKey,
		},
	}
}

// Load reads the config file at path on top of Default. A missing file yields
// the defaults. Files ending in .yaml or .yml are decoded as YAML, anything
// else as TOML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"QIANFAN_API_KEY", &cfg.Qianfan.APIKey},
		{"QIANFAN_SECRET_KEY", &cfg.Qianfan.SecretKey},
		{"TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken},
		{"DISCORD_BOT_TOKEN", &cfg.Discord.BotToken},
		{"FEISHU_APP_SECRET", &cfg.Feishu.AppSecret},
		{"JWT_SECRET", &cfg.Auth.JWTSecret},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the rules that span several fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Qianfan.Temperature != nil && c.Qianfan.TopP != nil {
		return errors.New("invalid config: qianfan.temperature and qianfan.top_p are mutually exclusive")
	}
	if n := utf8.RuneCountInString(c.Qianfan.System); n > MaxSystemPromptRunes {
		return fmt.Errorf("invalid config: qianfan.system has %d characters, max %d", n, MaxSystemPromptRunes)
	}
	if c.Qianfan.Provider == ProviderQianfan && !KnownChatModel(c.Qianfan.ChatModel) {
		return fmt.Errorf("invalid config: unknown qianfan.chat_model %q", c.Qianfan.ChatModel)
	}
	return nil
}

// ChatModels lists the selectable chat models.
var ChatModels = []string{
	"ERNIE-Bot-4",
	"ERNIE-Bot",
	"ERNIE-Bot-turbo",
	"BLOOMZ-7B",
	"Qianfan-BLOOMZ-7B-compressed",
	"Llama-2-7b-chat",
	"Llama-2-13b-chat",
	"Llama-2-70b-chat",
	"Qianfan-Chinese-Llama-2-7B",
	"ChatGLM2-6B-32K",
	"AquilaChat-7B",
}

func KnownChatModel(name string) bool {
	for _, m := range ChatModels {
		if m == name {
			return true
		}
	}
	return false
}
