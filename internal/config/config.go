// Package config loads termgate settings from flags, TERMGATE_* environment
// variables and an optional config.yaml, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"termgate/internal/frame"
)

const EnvPrefix = "TERMGATE"

type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Elevation ElevationConfig `mapstructure:"elevation"`
	Log       LogConfig       `mapstructure:"log"`
}

type GatewayConfig struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`
}

// AuthConfig holds the access token. Break-glass tokens have no key here and
// are never persisted.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

type TerminalConfig struct {
	Mode             string        `mapstructure:"mode"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int           `mapstructure:"max_message_size"`
}

type ElevationConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	EndTimeout time.Duration `mapstructure:"end_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("gateway.ws_url", "ws://127.0.0.1:8080/api/terminal/ws")
	v.SetDefault("gateway.api_url", "http://127.0.0.1:8080")
	v.SetDefault("auth.token", "")
	v.SetDefault("terminal.mode", string(frame.ModeRestricted))
	v.SetDefault("terminal.handshake_timeout", 10*time.Second)
	v.SetDefault("terminal.max_message_size", 4096)
	v.SetDefault("elevation.default_ttl", 600*time.Second)
	v.SetDefault("elevation.end_timeout", 3*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configFile, or searches the default locations when it is empty.
// A missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.termgate")
		v.AddConfigPath("/etc/termgate/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Gateway.WSURL == "" {
		return errors.New("gateway.ws_url is required")
	}
	if !frame.Mode(c.Terminal.Mode).Valid() {
		return fmt.Errorf("terminal.mode must be %q or %q, got %q", frame.ModeRestricted, frame.ModeFull, c.Terminal.Mode)
	}
	if c.Terminal.MaxMessageSize <= 0 {
		return errors.New("terminal.max_message_size must be positive")
	}
	return nil
}

// NewLogger builds a logger writing to w. Format is "console" or "json".
func NewLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
}
