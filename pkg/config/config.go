package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Document store drivers.
const (
	DocstorePostgres = "postgres"
	DocstoreMongo    = "mongo"
	DocstoreMemory   = "memory"
)

// Run lock drivers.
const (
	LockRedis  = "redis"
	LockMemory = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Docstore   DocstoreConfig
	Database   DatabaseConfig
	Mongo      MongoConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Allocation AllocationConfig
	Reconcile  ReconcileConfig
}

// DocstoreConfig selects the document store backend.
type DocstoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// MongoConfig configures the MongoDB document store.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the secret shared with the identity provider issuing access tokens.
type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AllocationConfig tunes allocation runs.
type AllocationConfig struct {
	DefaultCapacity int
	LockDriver      string
	LockTTL         time.Duration
	SummaryCacheTTL time.Duration
}

// ReconcileConfig sizes the reconciliation worker pool.
type ReconcileConfig struct {
	Workers    int
	Retries    int
	RetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Docstore = DocstoreConfig{Driver: strings.ToLower(v.GetString("DOCSTORE_DRIVER"))}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Mongo = MongoConfig{
		URI:            v.GetString("MONGO_URI"),
		Database:       v.GetString("MONGO_DATABASE"),
		ConnectTimeout: parseDuration(v.GetString("MONGO_CONNECT_TIMEOUT"), 10*time.Second),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	defaultCapacity := v.GetInt("ALLOCATION_DEFAULT_CAPACITY")
	if defaultCapacity <= 0 {
		defaultCapacity = 30
	}
	cfg.Allocation = AllocationConfig{
		DefaultCapacity: defaultCapacity,
		LockDriver:      strings.ToLower(v.GetString("ALLOCATION_LOCK_DRIVER")),
		LockTTL:         parseDuration(v.GetString("ALLOCATION_LOCK_TTL"), 5*time.Minute),
		SummaryCacheTTL: parseDuration(v.GetString("ALLOCATION_SUMMARY_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Reconcile = ReconcileConfig{
		Workers:    v.GetInt("RECONCILE_WORKERS"),
		Retries:    v.GetInt("RECONCILE_RETRIES"),
		RetryDelay: parseDuration(v.GetString("RECONCILE_RETRY_DELAY"), 5*time.Second),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DOCSTORE_DRIVER", DocstorePostgres)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "elective")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "elective")
	v.SetDefault("MONGO_CONNECT_TIMEOUT", "10s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ALLOCATION_DEFAULT_CAPACITY", 30)
	v.SetDefault("ALLOCATION_LOCK_DRIVER", LockRedis)
	v.SetDefault("ALLOCATION_LOCK_TTL", "5m")
	v.SetDefault("ALLOCATION_SUMMARY_CACHE_TTL", "10m")

	v.SetDefault("RECONCILE_WORKERS", 1)
	v.SetDefault("RECONCILE_RETRIES", 3)
	v.SetDefault("RECONCILE_RETRY_DELAY", "5s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
