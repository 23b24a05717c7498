// Package config loads the chat core configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the file read when Load is given an empty path.
const ConfigPath = "config.yaml"

// Document backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Index modes.
const (
	IndexInline = "inline"
	IndexQueue  = "queue"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel string `yaml:"logLevel"`

	DocumentBackend string `yaml:"documentBackend"`
	DatabaseURL     string `yaml:"databaseURL"`
	PollInterval    string `yaml:"pollInterval"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisPrefix   string `yaml:"redisPrefix"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	AvatarURLTTL   string `yaml:"avatarURLTTL"`

	JWTSecret  string `yaml:"jwtSecret"`
	JWTIssuer  string `yaml:"jwtIssuer"`
	SessionTTL string `yaml:"sessionTTL"`

	LoginRateLimitPerMinute int `yaml:"loginRateLimitPerMinute"`

	IndexMode    string `yaml:"indexMode"`
	IndexWorkers int    `yaml:"indexWorkers"`
	IndexStream  string `yaml:"indexStream"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_DOCUMENT_BACKEND"); v != "" {
		cfg.DocumentBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if v := os.Getenv("CHAT_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_INDEX_MODE"); v != "" {
		cfg.IndexMode = v
	}
	if v := os.Getenv("CHAT_INDEX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IndexWorkers = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.DocumentBackend = strings.ToLower(strings.TrimSpace(cfg.DocumentBackend))
	if cfg.DocumentBackend == "" {
		cfg.DocumentBackend = BackendMemory
	}
	cfg.IndexMode = strings.ToLower(strings.TrimSpace(cfg.IndexMode))
	if cfg.IndexMode == "" {
		cfg.IndexMode = IndexInline
	}
	if cfg.IndexWorkers == 0 {
		cfg.IndexWorkers = 2
	}
	if cfg.IndexStream == "" {
		cfg.IndexStream = "directchat:index-jobs"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.DocumentBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for documentBackend=redis (set in config.yaml or REDIS_ADDR)")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for documentBackend=postgres (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown documentBackend %q", cfg.DocumentBackend)
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters (set in config.yaml or JWT_SECRET)")
	}
	switch cfg.IndexMode {
	case IndexInline:
	case IndexQueue:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for indexMode=queue")
		}
		if cfg.IndexWorkers < 0 {
			return errors.New("config: indexWorkers must be >= 0")
		}
	default:
		return fmt.Errorf("config: unknown indexMode %q", cfg.IndexMode)
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required with minioEndpoint")
	}
	for name, v := range map[string]string{
		"pollInterval": cfg.PollInterval,
		"avatarURLTTL": cfg.AvatarURLTTL,
		"sessionTTL":   cfg.SessionTTL,
	} {
		if _, err := parseDuration(v, 0); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParsePollInterval parses the Postgres listener poll interval.
func ParsePollInterval(s string) (time.Duration, error) {
	return parseDuration(s, 500*time.Millisecond)
}

// ParseAvatarURLTTL parses the lifetime of presigned avatar URLs.
func ParseAvatarURLTTL(s string) (time.Duration, error) {
	return parseDuration(s, 7*24*time.Hour)
}

// ParseSessionTTL parses the ID token lifetime.
func ParseSessionTTL(s string) (time.Duration, error) {
	return parseDuration(s, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
