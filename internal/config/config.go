package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Env            string        `mapstructure:"env"`
	FrontendURL    string        `mapstructure:"frontend_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // "postgres" or "sqlite"
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	URL            string        `mapstructure:"url"` // empty disables pub/sub, locks, rate limits and the decision queue
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ClientName     string        `mapstructure:"client_name"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type SweeperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	GraceWindow     time.Duration `mapstructure:"grace_window"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

type TrackingConfig struct {
	Timezone         string `mapstructure:"timezone"`
	ManualAnchor     string `mapstructure:"manual_anchor"` // HH:MM on the request's day
	ProjectCacheSize int    `mapstructure:"project_cache_size"`
}

type RateLimitConfig struct {
	HeartbeatPerMinute int `mapstructure:"heartbeat_per_minute"`
}

type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Count   int  `mapstructure:"count"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads defaults, then the optional config file, then .env and
// WORKTRACK_* environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.frontend_url", "http://localhost:5173")
	v.SetDefault("server.request_timeout", "10s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "./worktrack.db")
	v.SetDefault("database.max_conns", 20)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.connect_timeout", "5s")
	v.SetDefault("redis.client_name", "worktrack")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "3m")
	v.SetDefault("sweeper.grace_window", "2m")
	v.SetDefault("sweeper.liveness_timeout", "10m")

	v.SetDefault("tracking.timezone", "Local")
	v.SetDefault("tracking.manual_anchor", "09:00")
	v.SetDefault("tracking.project_cache_size", 512)

	v.SetDefault("ratelimit.heartbeat_per_minute", 30)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.count", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if cfg.Sweeper.Interval <= 0 || cfg.Sweeper.GraceWindow < 0 || cfg.Sweeper.LivenessTimeout <= 0 {
		return fmt.Errorf("sweeper durations must be positive")
	}

	if cfg.Redis.URL != "" && cfg.Redis.ConnectTimeout <= 0 {
		return fmt.Errorf("redis.connect_timeout must be positive")
	}

	if _, err := cfg.Location(); err != nil {
		return err
	}
	if _, err := time.Parse("15:04", cfg.Tracking.ManualAnchor); err != nil {
		return fmt.Errorf("invalid tracking.manual_anchor %q: want HH:MM", cfg.Tracking.ManualAnchor)
	}

	if cfg.RateLimit.HeartbeatPerMinute <= 0 {
		return fmt.Errorf("ratelimit.heartbeat_per_minute must be positive")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}

	return nil
}

// Location resolves the timezone that day keys are computed in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Tracking.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking.timezone %q: %w", c.Tracking.Timezone, err)
	}
	return loc, nil
}
