// Package config loads binary configuration from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storefront configures cmd/storefront.
type Storefront struct {
	HTTPPort        string
	CartAPIURL      string
	RedisAddr       string
	RedisPassword   string
	GuestCartTTL    time.Duration
	JWTSecret       string
	RequestTimeout  time.Duration
	RemoteTimeout   time.Duration
	ShutdownTimeout time.Duration
	ToastTTL        time.Duration
	ClientIdleTTL   time.Duration
	LogLevel        string
	OTLPEndpoint    string
}

// CartAPI configures cmd/cartapi.
type CartAPI struct {
	HTTPPort        string
	MongoURI        string
	MongoDBName     string
	RedisAddr       string
	RedisPassword   string
	CatalogDBPath   string
	MigrationsPath  string
	KafkaBrokers    []string
	JWTSecret       string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	OTLPEndpoint    string
}

// loadDotEnv reads .env if present. A missing file is not an error.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadStorefront() *Storefront {
	loadDotEnv()
	return &Storefront{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		CartAPIURL:      getEnv("CART_API_URL", "http://localhost:8081"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		GuestCartTTL:    getDuration("GUEST_CART_TTL", 30*24*time.Hour),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
		RemoteTimeout:   getDuration("REMOTE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ToastTTL:        getDuration("TOAST_TTL", 3*time.Second),
		ClientIdleTTL:   getDuration("CLIENT_IDLE_TTL", 30*time.Minute),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func LoadCartAPI() *CartAPI {
	loadDotEnv()
	return &CartAPI{
		HTTPPort:        getEnv("HTTP_PORT", "8081"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:     getEnv("MONGO_DB_NAME", "cartdb"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		CatalogDBPath:   getEnv("CATALOG_DB_PATH", "catalog.db"),
		MigrationsPath:  getEnv("MIGRATIONS_PATH", ""),
		KafkaBrokers:    getList("KAFKA_BROKERS", nil),
		JWTSecret:       getEnv("JWT_SECRET", "change-me"),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// getList splits a comma separated variable, dropping empty entries.
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
