// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	BackplaneRedis  = "redis"
	BackplaneMemory = "memory"
)

type Config struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	DatabasePath string        `env:"DATABASE_PATH" envDefault:"trustlink.db"`
	AppSecret    string        `env:"APP_SECRET,required,notEmpty"`
	TokenTTL     time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	Backplane             string        `env:"BACKPLANE" envDefault:"memory"`
	RedisURL              string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisSubscribeTimeout time.Duration `env:"REDIS_SUBSCRIBE_TIMEOUT" envDefault:"5s"`
	RedisHealthCheck      time.Duration `env:"REDIS_HEALTH_CHECK" envDefault:"30s"`
	NodeID                string        `env:"NODE_ID"`

	SendQueueSize      int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	SlowConsumerPolicy string        `env:"SLOW_CONSUMER_POLICY" envDefault:"drop_oldest"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PersistTimeout     time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	InboundRate  float64 `env:"INBOUND_RATE" envDefault:"5"`
	InboundBurst int     `env:"INBOUND_BURST" envDefault:"20"`
	HTTPRate     float64 `env:"HTTP_RATE" envDefault:"30"`
	HTTPBurst    int     `env:"HTTP_BURST" envDefault:"50"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	AutoReply bool `env:"AUTO_REPLY" envDefault:"true"`
	SeedDemo  bool `env:"SEED_DEMO" envDefault:"false"`
}

// Load parses and validates the environment. A missing NODE_ID gets a
// random one.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backplane {
	case BackplaneRedis, BackplaneMemory:
	default:
		errs = append(errs, fmt.Errorf("BACKPLANE must be %q or %q, got %q", BackplaneRedis, BackplaneMemory, c.Backplane))
	}
	switch c.SlowConsumerPolicy {
	case "drop_oldest", "disconnect":
	default:
		errs = append(errs, fmt.Errorf("SLOW_CONSUMER_POLICY must be drop_oldest or disconnect, got %q", c.SlowConsumerPolicy))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("SEND_QUEUE_SIZE must be positive"))
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		errs = append(errs, errors.New("INBOUND_RATE and INBOUND_BURST must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("node_id", c.NodeID)
}
