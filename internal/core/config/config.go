package config

import (
	"github.com/vietddude/relay/internal/export/session"
	"github.com/vietddude/relay/internal/infra/api"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
	"github.com/vietddude/relay/internal/infra/transport"
	"github.com/vietddude/relay/internal/messaging/channel"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Logging   LoggingConfig         `yaml:"logging"`
	Transport string                `yaml:"transport"` // memory, redis
	Redis     transport.RedisConfig `yaml:"redis"`
	Channel   channel.Config        `yaml:"channel"`
	API       api.Config            `yaml:"api"`
	Export    session.Config        `yaml:"export"`
	Database  postgres.Config       `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
