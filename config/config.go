/*
Package config loads the server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. YAML file (-config or COMMISSION_CONFIG)
  3. Environment variables (COMMISSION_*), after loading .env if present
  4. Command-line flags (applied by the caller through Override)

EXAMPLE YAML:
  server:
    port: 8080
    cors_origins: ["http://localhost:5173"]
  database:
    path: ./data/commissions.db
  log:
    level: info
    file: ./logs/commission.log
  scheduler:
    enabled: true
    interval: 1h
  rate_limit:
    rps: 20
    burst: 40
  redis:
    addr: localhost:6379
  rules:
    seed_file: ./rules.yaml
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Rules     RulesConfig     `yaml:"rules"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	Stdout     bool   `yaml:"stdout"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RedisConfig enables the distributed settlement lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type RulesConfig struct {
	SeedFile string `yaml:"seed_file"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Database:  DatabaseConfig{Path: "./data/commissions.db"},
		Log:       LogConfig{Level: "info", Stdout: true, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Redis:     RedisConfig{LockTTL: 10 * time.Second},
	}
}

// Load builds the configuration from defaults, an optional YAML file, .env
// and the environment. path may be empty.
func Load(path string) (Config, error) {
	cfg := Defaults()

	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("COMMISSION_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from COMMISSION_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("COMMISSION_PORT", &c.Server.Port)
	if v, ok := lookup("COMMISSION_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	str("COMMISSION_DB_PATH", &c.Database.Path)
	str("COMMISSION_LOG_LEVEL", &c.Log.Level)
	str("COMMISSION_LOG_FILE", &c.Log.File)
	boolean("COMMISSION_LOG_STDOUT", &c.Log.Stdout)
	boolean("COMMISSION_SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	duration("COMMISSION_SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	float("COMMISSION_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	integer("COMMISSION_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	str("COMMISSION_REDIS_ADDR", &c.Redis.Addr)
	str("COMMISSION_REDIS_PASSWORD", &c.Redis.Password)
	integer("COMMISSION_REDIS_DB", &c.Redis.DB)
	duration("COMMISSION_REDIS_LOCK_TTL", &c.Redis.LockTTL)
	str("COMMISSION_RULES_FILE", &c.Rules.SeedFile)

	return errors.Join(errs...)
}

// Flags carries command-line values. Zero fields leave the config untouched.
type Flags struct {
	Port   int
	DBPath string
}

// Override applies command-line flags on top of everything else.
func (c *Config) Override(f Flags) {
	if f.Port != 0 {
		c.Server.Port = f.Port
	}
	if f.DBPath != "" {
		c.Database.Path = f.DBPath
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if !c.Log.Stdout && c.Log.File == "" {
		errs = append(errs, errors.New("log needs stdout or a file"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive"))
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
