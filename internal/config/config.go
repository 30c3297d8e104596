package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppHost  string `env:"APP_HOST" envDefault:"0.0.0.0"`
	HTTPPort string `env:"APP_PORT" envDefault:"8098"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// JWTSecret — общий HS256-секрет для проверки bearer-токенов (токены выпускает внешний сервис).
	JWTSecret string `env:"JWT_SECRET"`
	// UploadDir/PublicURL — куда upload-эндпоинт складывает файлы и с каким префиксом отдаёт URL.
	UploadDir string `env:"UPLOAD_DIR" envDefault:"uploads"`
	PublicURL string `env:"PUBLIC_URL"`

	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicSession string   `env:"KAFKA_TOPIC_SESSION" envDefault:"support.sessions"`

	AllowAnonymousWS bool `env:"WS_ALLOW_ANONYMOUS" envDefault:"true"`

	DB struct {
		Host     string `env:"HOST" envDefault:"localhost"`
		Port     string `env:"PORT" envDefault:"5432"`
		User     string `env:"USER" envDefault:"postgres"`
		Password string `env:"PASSWORD" envDefault:"postgres"`
		Database string `env:"DATABASE" envDefault:"support_session"`
		SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	} `envPrefix:"DB_"`

	Client Client
}

// Client — настройки терминального клиента и движка сессий.
type Client struct {
	ServerURL         string        `env:"SERVER_URL" envDefault:"http://localhost:8098"`
	WSURL             string        `env:"WS_URL"`
	Token             string        `env:"SUPPORT_TOKEN"`
	AllowDegraded     bool          `env:"ALLOW_DEGRADED" envDefault:"true"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" envDefault:"3s"`
	TypingIdle        time.Duration `env:"TYPING_IDLE" envDefault:"1s"`
	WarnAfter         time.Duration `env:"WATCHDOG_WARN_AFTER" envDefault:"8m"`
	CloseAfter        time.Duration `env:"WATCHDOG_CLOSE_AFTER" envDefault:"10m"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	DraftPath         string        `env:"DRAFT_PATH" envDefault:".support-drafts.db"`
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Client.WSURL == "" {
		cfg.Client.WSURL = websocketURL(cfg.Client.ServerURL)
	}
	if cfg.PublicURL == "" {
		host := cfg.AppHost
		if host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.PublicURL = "http://" + host + ":" + cfg.HTTPPort
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: DB_HOST and DB_DATABASE are required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.AppEnv == "production" && c.JWTSecret == "" {
		return errors.New("config: in production JWT_SECRET is required")
	}
	return nil
}

// ValidateClient проверяет только настройки, нужные чат-клиенту.
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return errors.New("config: SERVER_URL is required")
	}
	if c.Client.WarnAfter <= 0 || c.Client.CloseAfter <= c.Client.WarnAfter {
		return errors.New("config: WATCHDOG_CLOSE_AFTER must be greater than WATCHDOG_WARN_AFTER")
	}
	if c.Client.ReconnectInterval <= 0 {
		return errors.New("config: RECONNECT_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

// websocketURL выводит ws(s)://host/ws из базового URL хранилища.
func websocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
