// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for every field of Config.
const Prefix = "COLLABTEXT"

// Port bounds accepted by the host UI.
const (
	MinPort = 1024
	MaxPort = 49151
)

// Malformed relative payload policies.
const (
	PolicyDrop   = "drop"
	PolicyResync = "resync"
)

// Config validation errors
var (
	ErrInvalidPort            = errors.New("port must be between 1024 and 49151")
	ErrInvalidMaxFrameSize    = errors.New("max_frame_size must be at least 64")
	ErrInvalidSendQueueSize   = errors.New("send_queue_size must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown_timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write_timeout must be positive")
	ErrInvalidPolicy          = errors.New("malformed_policy must be 'drop' or 'resync'")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
)

type Config struct {
	ListenHost       string        `envconfig:"LISTEN_HOST" default:"0.0.0.0"`
	Port             int           `envconfig:"PORT" default:"6969"`
	MaxFrameSize     int           `envconfig:"MAX_FRAME_SIZE" default:"4096"`
	SendQueueSize    int           `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	MalformedPolicy  string        `envconfig:"MALFORMED_POLICY" default:"drop"`

	LogFormat      string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	StorePath    string `envconfig:"STORE_PATH" default:"collabtext.db"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"collabtext"`
	MDNSService  string `envconfig:"MDNS_SERVICE" default:"_collabtext._tcp"`
}

// Load reads the optional dotenv files, then the environment, and validates
// the result. A missing dotenv file is not an error.
func Load(dotenvFiles ...string) (Config, error) {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func Validate(cfg *Config) error {
	if cfg.Port < MinPort || cfg.Port > MaxPort {
		return ErrInvalidPort
	}
	if cfg.MaxFrameSize < 64 {
		return ErrInvalidMaxFrameSize
	}
	if cfg.SendQueueSize <= 0 {
		return ErrInvalidSendQueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}
	if cfg.WriteTimeout <= 0 {
		return ErrInvalidWriteTimeout
	}
	if cfg.MalformedPolicy != PolicyDrop && cfg.MalformedPolicy != PolicyResync {
		return ErrInvalidPolicy
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// Default returns a Config with default values
func Default() Config {
	return Config{
		ListenHost:       "0.0.0.0",
		Port:             6969,
		MaxFrameSize:     4096,
		SendQueueSize:    256,
		ShutdownTimeout:  5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MalformedPolicy:  PolicyDrop,
		LogFormat:        "console",
		LogLevel:         "info",
		MetricsEnabled:   true,
		StorePath:        "collabtext.db",
		RedisChannel:     "collabtext",
		MDNSService:      "_collabtext._tcp",
	}
}
