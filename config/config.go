package config

import (
	"fmt"
	"time"

	"github.com/aubus-app/aubus-server/pkg/configparser"
	"github.com/aubus-app/aubus-server/pkg/logger"
)

// Config contains all configuration variables of the application
type (
	Config struct {
		LogLevel string `env:"LOG_LEVEL" default:"INFO"`

		Server    ServerConfig
		WebSocket WebSocketConfig
		Metrics   MetricsConfig
		Storage   StorageConfig
		Database  DatabaseConfig
		RabbitMQ  RabbitMQConfig
		Auth      AuthConfig
		Matching  MatchingConfig
		Geocode   GeocodeConfig
	}

	ServerConfig struct {
		Host         string        `env:"SERVER_HOST" default:"0.0.0.0"`
		Port         string        `env:"SERVER_PORT" default:"9090"`
		IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"5m"`
		WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"10s"`
	}

	WebSocketConfig struct {
		Enabled bool   `env:"WEBSOCKET_ENABLED" default:"true"`
		Host    string `env:"WEBSOCKET_HOST" default:"0.0.0.0"`
		Port    string `env:"WEBSOCKET_PORT" default:"8080"`
		Path    string `env:"WEBSOCKET_PATH" default:"/ws"`
	}

	MetricsConfig struct {
		Enabled bool   `env:"METRICS_ENABLED" default:"true"`
		Port    string `env:"METRICS_PORT" default:"2112"`
	}

	// StorageConfig selects the persistence gateway backend. "memory" runs
	// without a database, for local development and tests.
	StorageConfig struct {
		Backend string `env:"STORAGE_BACKEND" default:"postgres"`
	}

	DatabaseConfig struct {
		Host     string `env:"DATABASE_HOST" default:"localhost"`
		Port     string `env:"DATABASE_PORT" default:"5432"`
		User     string `env:"DATABASE_USER" default:"aubus_user"`
		Password string `env:"DATABASE_PASSWORD" default:"aubus_pass"`
		Database string `env:"DATABASE_DATABASE" default:"aubus_db"`
	}

	RabbitMQConfig struct {
		Enabled  bool   `env:"RABBITMQ_ENABLED" default:"false"`
		Host     string `env:"RABBITMQ_HOST" default:"localhost"`
		Port     string `env:"RABBITMQ_PORT" default:"5672"`
		User     string `env:"RABBITMQ_USER" default:"guest"`
		Password string `env:"RABBITMQ_PASSWORD" default:"guest"`
	}

	AuthConfig struct {
		SessionTokenTTL time.Duration `env:"AUTH_SESSION_TOKEN_TTL" default:"24h"`
		JWTSecret       string        `env:"AUTH_JWT_SECRET" default:"supersecretkey"`
	}

	MatchingConfig struct {
		OfferTTL      time.Duration `env:"MATCHING_OFFER_TTL" default:"30s"`
		RequestTTL    time.Duration `env:"MATCHING_REQUEST_TTL" default:"5m"`
		SweepInterval time.Duration `env:"MATCHING_SWEEP_INTERVAL" default:"5s"`
	}

	// GeocodeConfig enables LocationIQ reverse geocoding of ride endpoints.
	GeocodeConfig struct {
		Enabled bool   `env:"GEOCODE_ENABLED" default:"false"`
		APIKey  string `env:"GEOCODE_API_KEY" default:""`
	}
)

func (c ServerConfig) Addr() string    { return c.Host + ":" + c.Port }
func (c WebSocketConfig) Addr() string { return c.Host + ":" + c.Port }
func (c MetricsConfig) Addr() string   { return ":" + c.Port }

func (c DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func (c RabbitMQConfig) GetDSN() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		c.User,
		c.Password,
		c.Host,
		c.Port,
	)
}

func NewConfig(filepath string) (*Config, error) {
	cfg := &Config{}

	// Loading enviromental variables and parsing to config struct.
	if err := configparser.LoadAndParseYaml(filepath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load and parse config: %w", err)
	}

	if !logger.ValidateLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	return cfg, nil
}
