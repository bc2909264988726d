package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all region controller configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RPC       RPCConfig
	Intervals IntervalConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds process-level settings
type ServiceConfig struct {
	Name        string
	Port        int
	Role        string // "worker", "master" or "all" (all-in-one)
	Environment string

	// ImportServices enables the image-import workload in this process.
	ImportServices bool
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds the pub/sub fanout settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RPCConfig holds the rack-facing RPC endpoint settings
type RPCConfig struct {
	Port        int
	Secret      string // shared secret for the HMAC handshake
	CallTimeout time.Duration
}

// IntervalConfig holds periodic-task timings
type IntervalConfig struct {
	NotificationDrain time.Duration
	ListenerReconnect time.Duration
	DNSPublicationGC  time.Duration
	BootCacheRefresh  time.Duration
	PowerQuery        time.Duration
	StatusMonitor     time.Duration
	ActiveDiscovery   time.Duration
	ConfigRetry       time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:           serviceName,
			Port:           getEnvInt("PORT", 5240),
			Role:           getEnv("REGIOND_ROLE", "all"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			ImportServices: getEnvBool("IMPORT_SERVICES", true),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "regiond"),
			User:        getEnv("POSTGRES_USER", "regiond"),
			Password:    getEnv("POSTGRES_PASSWORD", "regiond"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RPC: RPCConfig{
			Port:        getEnvInt("RPC_PORT", 5250),
			Secret:      getEnv("RPC_SECRET", ""),
			CallTimeout: getEnvDuration("RPC_CALL_TIMEOUT", 30*time.Second),
		},
		Intervals: IntervalConfig{
			NotificationDrain: getEnvDuration("NOTIFICATION_DRAIN_INTERVAL", 500*time.Millisecond),
			ListenerReconnect: getEnvDuration("LISTENER_RECONNECT_INTERVAL", 3*time.Second),
			DNSPublicationGC:  getEnvDuration("DNS_PUBLICATION_GC_INTERVAL", 1*time.Hour),
			BootCacheRefresh:  getEnvDuration("BOOT_CACHE_REFRESH_INTERVAL", 1*time.Hour),
			PowerQuery:        getEnvDuration("POWER_QUERY_INTERVAL", 5*time.Minute),
			StatusMonitor:     getEnvDuration("STATUS_MONITOR_INTERVAL", 1*time.Minute),
			ActiveDiscovery:   getEnvDuration("ACTIVE_DISCOVERY_INTERVAL", 3*time.Hour),
			ConfigRetry:       getEnvDuration("CONFIG_RETRY_INTERVAL", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Service.Role {
	case "worker", "master", "all":
	default:
		return fmt.Errorf("invalid role: %q", c.Service.Role)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// ProcessID returns the host:pid identity of this region worker process
func (c *Config) ProcessID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
