package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DatabasePostgres = "postgres"
	DatabaseBuntDB   = "buntdb"

	// DefaultBuntDSN is shared by the server and the token command.
	DefaultBuntDSN = "collab.db"
)

type Config struct {
	ServerAddr     string         `mapstructure:"addr"`
	Database       DatabaseConfig `mapstructure:"database"`
	SigningSecret  string         `mapstructure:"signing_key"`
	SigningKey     []byte         `mapstructure:"-"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	Session        SessionConfig  `mapstructure:"session"`
	Chat           ChatConfig     `mapstructure:"chat"`
	RoomCache      CacheConfig    `mapstructure:"room_cache"`
	Call           CallConfig     `mapstructure:"call"`
	Log            LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ChatConfig struct {
	HistorySize  int           `mapstructure:"history_size"`
	CacheSize    int           `mapstructure:"cache_size"`
	PageSize     int           `mapstructure:"page_size"`
	CacheGrace   time.Duration `mapstructure:"cache_grace"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type CallConfig struct {
	RestrictForceMute bool `mapstructure:"restrict_force_mute"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("database.type", DatabaseBuntDB)
	v.SetDefault("database.dsn", DefaultBuntDSN)
	v.SetDefault("signing_key", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("chat.history_size", 50)
	v.SetDefault("chat.cache_size", 100)
	v.SetDefault("chat.page_size", 20)
	v.SetDefault("chat.cache_grace", 30*time.Minute)
	v.SetDefault("chat.store_timeout", 5*time.Second)
	v.SetDefault("room_cache.size", 1024)
	v.SetDefault("room_cache.ttl", time.Minute)
	v.SetDefault("call.restrict_force_mute", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
}

// BindFlags registers the command line flags and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("addr", "localhost:8000", "server address")
	fs.String("database-type", DatabaseBuntDB, "chat store: postgres or buntdb")
	fs.String("database-dsn", DefaultBuntDSN, "postgres connection string or buntdb file path (\":memory:\" is per process)")
	fs.String("signing-key", "", "base64 encoded credential signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins")
	fs.String("log-level", "info", "log level")

	binds := map[string]string{
		"addr":            "addr",
		"database.type":   "database-type",
		"database.dsn":    "database-dsn",
		"signing_key":     "signing-key",
		"allowed_origins": "allowed-origins",
		"log.level":       "log-level",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}

	return nil
}

// Load reads configuration from v, which may already carry bound flags,
// a config file and COLLAB_ environment variables.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("collab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Database.Type {
	case DatabasePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case DatabaseBuntDB:
		if c.Database.DSN == "" {
			c.Database.DSN = DefaultBuntDSN
		}
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.Chat.HistorySize <= 0 || c.Chat.CacheSize <= 0 || c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat sizes must be positive")
	}
	if c.Chat.CacheSize < c.Chat.HistorySize {
		return fmt.Errorf("chat cache size %d is smaller than history size %d", c.Chat.CacheSize, c.Chat.HistorySize)
	}
	if c.RoomCache.Size <= 0 {
		return fmt.Errorf("room cache size must be positive")
	}

	return nil
}
