// Package config loads service settings from the environment (optionally
// via a .env file). Priority: ENV > .env > defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bank engine.
type Config struct {
	Port     string
	LogLevel string
	LogFile  string

	// Storage
	StoreBackend string // "memory" (default), "pebble", "postgres"
	PebblePath   string
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration

	// Oracle + settlement
	TickInterval       time.Duration
	OracleMaxStaleness time.Duration
	OracleSeed         int64

	CatalogPath string

	// API
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() *Config {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	backend := strings.ToLower(getEnv("STORE_BACKEND", ""))
	if backend == "" {
		backend = "memory"
		if os.Getenv("DATABASE_URL") != "" {
			backend = "postgres"
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
		StoreBackend:       backend,
		PebblePath:         getEnv("PEBBLE_PATH", "./data/bank"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CacheTTL:           time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second,
		TickInterval:       time.Duration(getEnvInt("TICK_INTERVAL_MS", 3000)) * time.Millisecond,
		OracleMaxStaleness: time.Duration(getEnvInt("ORACLE_MAX_STALENESS_MS", 15000)) * time.Millisecond,
		OracleSeed:         int64(getEnvInt("ORACLE_SEED", int(time.Now().UnixNano()%1_000_000_007))),
		CatalogPath:        os.Getenv("CATALOG_PATH"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
