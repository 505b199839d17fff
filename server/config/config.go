// Package config loads server settings from the environment and command-line
// flags. Flags win over environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	Addr            string        `env:"TASKCHAT_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"TASKCHAT_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"TASKCHAT_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"TASKCHAT_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"TASKCHAT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TASKCHAT_LOG_FORMAT" envDefault:"text"`

	StoreDriver string `env:"TASKCHAT_STORE" envDefault:"memory"`
	SQLitePath  string `env:"TASKCHAT_SQLITE_PATH" envDefault:"taskchat.db"`

	RedisAddr     string `env:"TASKCHAT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"TASKCHAT_REDIS_PASSWORD"`
	RedisDB       int    `env:"TASKCHAT_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"TASKCHAT_REDIS_PREFIX" envDefault:"taskchat:"`

	MaxContentLength int `env:"TASKCHAT_MAX_CONTENT" envDefault:"4000"`
	SendQueueSize    int `env:"TASKCHAT_SEND_QUEUE" envDefault:"64"`
}

// Load parses the environment, then applies any flags present in args.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("taskchat", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "message store: memory, sqlite or redis")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.IntVar(&cfg.MaxContentLength, "max-content", cfg.MaxContentLength, "maximum message length in characters")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q", c.StoreDriver)
	}
	if c.StoreDriver == StoreSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("sqlite store needs a path")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("max content must be positive, got %d", c.MaxContentLength)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue must be positive, got %d", c.SendQueueSize)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger described by the config.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
