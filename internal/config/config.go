package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Processors ProcessorsConfig `yaml:"processors"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

type ServerConfig struct {
	Port                    int           `yaml:"port"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

type DatabaseConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	Name                  string        `yaml:"name"`
	SSLMode               string        `yaml:"sslmode"`
	MaxConnections        int           `yaml:"max_connections"`
	ConnectionMaxLifetime time.Duration `yaml:"connection_max_lifetime"`
}

// DSN builds the pgxpool connection string from the discrete fields above.
func (d DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
	if d.MaxConnections > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", d.MaxConnections)
	}
	if d.ConnectionMaxLifetime > 0 {
		dsn += fmt.Sprintf("&pool_max_conn_lifetime=%s", d.ConnectionMaxLifetime)
	}
	return dsn
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProcessorsConfig names the two external processor endpoints.
type ProcessorsConfig struct {
	DefaultURL  string `yaml:"default_url"`
	FallbackURL string `yaml:"fallback_url"`
}

// DispatchConfig tunes the Dispatch Engine's timeouts and drain batching.
type DispatchConfig struct {
	IntakeTimeout     time.Duration `yaml:"intake_timeout"`
	DrainBatchTimeout time.Duration `yaml:"drain_batch_timeout"`
	DrainBatchSize    int           `yaml:"drain_batch_size"`
	DrainIdleDelay    time.Duration `yaml:"drain_idle_delay"`
}

// HealthConfig tunes the Health Monitor's probe cadence.
type HealthConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from config.yaml (if present) and layers
// environment variable overrides on top, applying defaults for anything
// left unset.
func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile("config.yaml")
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config.yaml: %w", err)
		}
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:        "payment-broker",
			Version:     "1.0.0",
			Environment: "production",
		},
		Server: ServerConfig{
			Port:                    3000,
			ReadTimeout:             5 * time.Second,
			WriteTimeout:            5 * time.Second,
			GracefulShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "payments",
			Password:       "payments",
			Name:           "payments",
			SSLMode:        "disable",
			MaxConnections: 30,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Processors: ProcessorsConfig{
			DefaultURL:  "http://payment-processor-default:8080",
			FallbackURL: "http://payment-processor-fallback:8080",
		},
		Dispatch: DispatchConfig{
			IntakeTimeout:     500 * time.Millisecond,
			DrainBatchTimeout: 8 * time.Second,
			DrainBatchSize:    20,
			DrainIdleDelay:    100 * time.Millisecond,
		},
		Health: HealthConfig{
			TickInterval: 3 * time.Second,
			ProbeTimeout: 4 * time.Second,
			LeaseTTL:     4 * time.Second,
			CacheTTL:     15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Database.Name = name
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if url := os.Getenv("PROCESSOR_DEFAULT_URL"); url != "" {
		cfg.Processors.DefaultURL = url
	}
	if url := os.Getenv("PROCESSOR_FALLBACK_URL"); url != "" {
		cfg.Processors.FallbackURL = url
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}
