package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Feed     FeedConfig     `yaml:"feed"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins 允许跨域与 WebSocket 握手的来源，空表示只允许同源
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig 持久化网关配置
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3 | postgres | pgx
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL 仅用于 CLI 签发开发令牌
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type GatewayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	OutboxCapacity int           `yaml:"outbox_capacity"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

type FeedConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// RelayConfig 多实例部署时的跨实例扇出
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default 返回可直接本地运行的配置（sqlite 文件库）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "postpulse.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			TxTimeout:       5 * time.Second,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Gateway: GatewayConfig{
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			OutboxCapacity: 256,
			MaxMessageSize: 4096,
		},
		Feed:    FeedConfig{DefaultLimit: 20, MaxLimit: 100},
		Relay:   RelayConfig{Addr: "localhost:6379", Channel: "postpulse:events"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadEnv 加载本地 .env 文件（存在才加载），返回成功加载的文件列表。
func LoadEnv(files ...string) []string {
	if len(files) == 0 {
		files = []string{".env", ".env.dev"}
	}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 从环境变量覆盖敏感信息与部署相关项
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Relay.Addr = v
		c.Relay.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Relay.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (set DATABASE_URL env var or config)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (set JWT_SECRET env var or config)")
	}
	if c.Feed.DefaultLimit <= 0 || c.Feed.MaxLimit <= 0 || c.Feed.DefaultLimit > c.Feed.MaxLimit {
		return fmt.Errorf("invalid feed limits: default=%d max=%d", c.Feed.DefaultLimit, c.Feed.MaxLimit)
	}
	if c.Gateway.OutboxCapacity <= 0 {
		return fmt.Errorf("gateway outbox capacity must be positive")
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		return fmt.Errorf("relay addr is required when relay is enabled")
	}
	return nil
}

// Addr 返回监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
