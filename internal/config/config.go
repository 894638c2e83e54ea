// Package config loads runtime settings for the chat server from defaults,
// an optional config file, a .env file, and CHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig covers listeners and per-connection I/O limits.
type ServerConfig struct {
	TCPAddr         string        `mapstructure:"tcp_addr"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxMessageSize  int           `mapstructure:"max_message_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChatConfig covers session behaviour.
type ChatConfig struct {
	EvictionGrace time.Duration `mapstructure:"eviction_grace"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	defaultTCPAddr         = "0.0.0.0:9999"
	defaultHTTPAddr        = ":8080"
	defaultMaxMessageSize  = 4096
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultEvictionGrace   = 300 * time.Millisecond
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			TCPAddr:         defaultTCPAddr,
			HTTPAddr:        defaultHTTPAddr,
			AllowedOrigins:  []string{"http://localhost:8080"},
			MaxMessageSize:  defaultMaxMessageSize,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Chat: ChatConfig{EvictionGrace: defaultEvictionGrace},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration. A missing .env or config file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	def := Default()

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	v.SetDefault("server.tcp_addr", def.Server.TCPAddr)
	v.SetDefault("server.http_addr", def.Server.HTTPAddr)
	v.SetDefault("server.allowed_origins", def.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", def.Server.MaxMessageSize)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("chat.eviction_grace", def.Chat.EvictionGrace)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// SERVER_HOST/SERVER_PORT are honoured unless the address is set explicitly.
	if _, explicit := os.LookupEnv("CHAT_SERVER_TCP_ADDR"); !explicit && !v.InConfig("server.tcp_addr") {
		if addr, ok := hostPortFromEnv(); ok {
			cfg.Server.TCPAddr = addr
		}
	}

	return cfg.Sanitize(), nil
}

func hostPortFromEnv() (string, bool) {
	host, hostSet := os.LookupEnv("SERVER_HOST")
	port, portSet := os.LookupEnv("SERVER_PORT")
	if !hostSet && !portSet {
		return "", false
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "9999"
	}
	return net.JoinHostPort(host, port), true
}

// Sanitize replaces invalid values with defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if strings.TrimSpace(c.Server.TCPAddr) == "" {
		c.Server.TCPAddr = def.Server.TCPAddr
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout < 0 {
		c.Server.IdleTimeout = 0
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	c.Server.AllowedOrigins = splitOrigins(c.Server.AllowedOrigins)

	if c.Chat.EvictionGrace < 0 {
		c.Chat.EvictionGrace = 0
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		c.Log.Level = def.Log.Level
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "text" && c.Log.Format != "json" {
		c.Log.Format = def.Log.Format
	}
	return c
}

// splitOrigins accepts both list values and a single comma-separated entry.
func splitOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
