package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/paritytech/substrate-analytics/pkg/config"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// Config carries every tunable for the service. It is built once in main and
// handed to each component at construction; nothing reads the environment
// after startup.
type Config struct {
	StoreURL string
	Port     string

	HeartbeatInterval     time.Duration
	ClientTimeout         time.Duration
	MaxPendingConnections int
	WSMaxPayload          int64

	NumThreads    int
	DBPoolSize    int
	DBBatchSize   int
	DBSaveLatency time.Duration

	PurgeInterval time.Duration
	LogExpiry     time.Duration

	CacheUpdateTimeout  time.Duration
	CacheUpdateInterval time.Duration
	CacheExpiry         time.Duration
	CacheTimeout        time.Duration
}

// Load reads the configuration from the environment. STORE_URL and PORT are
// required; everything else has a default.
func Load() (*Config, error) {
	storeURL := config.GetEnv("STORE_URL", "")
	if storeURL == "" {
		return nil, fmt.Errorf("STORE_URL is required")
	}
	port := config.GetEnv("PORT", "")
	if port == "" {
		return nil, fmt.Errorf("PORT is required")
	}

	numThreads := config.GetEnvInt("NUM_THREADS", 3*runtime.NumCPU())

	cfg := &Config{
		StoreURL: storeURL,
		Port:     port,

		HeartbeatInterval:     config.GetEnvSeconds("HEARTBEAT_INTERVAL", 5*time.Second),
		ClientTimeout:         config.GetEnvSeconds("CLIENT_TIMEOUT_S", 10*time.Second),
		MaxPendingConnections: config.GetEnvInt("MAX_PENDING_CONNECTIONS", 8192),
		WSMaxPayload:          int64(config.GetEnvInt("WS_MAX_PAYLOAD", 524288)),

		NumThreads:    numThreads,
		DBPoolSize:    config.GetEnvInt("DB_POOL_SIZE", numThreads),
		DBBatchSize:   config.GetEnvInt("DB_BATCH_SIZE", 1024),
		DBSaveLatency: config.GetEnvMillis("DB_SAVE_LATENCY_MS", 100*time.Millisecond),

		PurgeInterval: config.GetEnvSeconds("PURGE_INTERVAL_S", 600*time.Second),
		LogExpiry:     time.Duration(config.GetEnvInt("LOG_EXPIRY_H", 3)) * time.Hour,

		CacheUpdateTimeout:  config.GetEnvSeconds("CACHE_UPDATE_TIMEOUT_S", 15*time.Second),
		CacheUpdateInterval: config.GetEnvMillis("CACHE_UPDATE_INTERVAL_MS", time.Second),
		CacheExpiry:         config.GetEnvSeconds("CACHE_EXPIRY_S", 3600*time.Second),
		CacheTimeout:        config.GetEnvSeconds("CACHE_TIMEOUT_S", 3600*time.Second),
	}
	return cfg, nil
}

// LogStartup logs the effective configuration once at boot.
func (c *Config) LogStartup(logger logging.Logger) {
	logger.WithFields(logging.Fields{
		"heartbeat_interval":      c.HeartbeatInterval,
		"client_timeout":          c.ClientTimeout,
		"max_pending_connections": c.MaxPendingConnections,
		"ws_max_payload":          c.WSMaxPayload,
		"num_threads":             c.NumThreads,
		"db_pool_size":            c.DBPoolSize,
		"db_batch_size":           c.DBBatchSize,
		"db_save_latency":         c.DBSaveLatency,
		"purge_interval":          c.PurgeInterval,
		"log_expiry":              c.LogExpiry,
		"cache_update_timeout":    c.CacheUpdateTimeout,
		"cache_update_interval":   c.CacheUpdateInterval,
		"cache_expiry":            c.CacheExpiry,
		"cache_timeout":           c.CacheTimeout,
	}).Info("Configuration loaded")
}

// LogExpiryHours returns the retention horizon as whole hours for the purge
// statement.
func (c *Config) LogExpiryHours() int {
	return int(c.LogExpiry / time.Hour)
}
