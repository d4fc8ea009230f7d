package server

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/modwatch/scanmetrics/pkg/config"
	"github.com/modwatch/scanmetrics/pkg/rollup"
	"github.com/modwatch/scanmetrics/pkg/store"
	badgerstore "github.com/modwatch/scanmetrics/pkg/store/badger"
	"github.com/modwatch/scanmetrics/pkg/store/memory"
	redisstore "github.com/modwatch/scanmetrics/pkg/store/redis"
)

// Config holds server configuration.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DataDir       string
	KeyPrefix     string
	Stream        string
	StreamMaxLen  int64
	Port          string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() Config {
	cfg := Config{
		Backend:       getEnv("SCANMETRICS_BACKEND", config.DefaultBackend),
		RedisAddr:     getEnv("SCANMETRICS_REDIS_ADDR", config.DefaultRedisAddr),
		RedisPassword: os.Getenv("SCANMETRICS_REDIS_PASSWORD"),
		RedisDB:       int(getEnvInt64("SCANMETRICS_REDIS_DB", 0)),
		DataDir:       getEnv("SCANMETRICS_DATA_DIR", config.DefaultDataDir),
		KeyPrefix:     getEnv("SCANMETRICS_KEY_PREFIX", config.DefaultKeyPrefix),
		Stream:        os.Getenv("SCANMETRICS_STREAM"),
		StreamMaxLen:  getEnvInt64("SCANMETRICS_STREAM_MAXLEN", 0),
		Port:          getPort(),
	}
	if cfg.Stream == "" {
		cfg.Stream = cfg.KeyPrefix + ":events"
	}
	return cfg
}

// InitializeStore creates the configured storage backend.
func InitializeStore(cfg Config) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		log.Printf("Initializing Redis store at %s (db %d)...", cfg.RedisAddr, cfg.RedisDB)
		return redisstore.New(redisstore.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			StreamMaxLen: cfg.StreamMaxLen,
		})
	case "badger":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		log.Printf("Initializing BadgerDB store at %s...", cfg.DataDir)
		return badgerstore.New(badgerstore.Config{Path: cfg.DataDir})
	case "memory":
		log.Println("Initializing in-memory store (data is lost on restart)")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// InitializeEngine wires the rollup engine over the chosen store.
func InitializeEngine(st store.Store, cfg Config) *rollup.Engine {
	return rollup.New(st, rollup.Options{
		KeyPrefix: cfg.KeyPrefix,
		Stream:    cfg.Stream,
	})
}

// getEnv gets a string from an environment variable or returns the default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from an environment variable or returns the default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// getPort gets the server port from the PORT environment variable or returns the default.
func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return config.DefaultPort
}
