// Package config loads HandReceipt's runtime configuration from the
// environment, following the same flat-struct-plus-getEnv idiom used
// throughout this module's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a HandReceipt authority node.
type Config struct {
	// Identity
	NodeID string

	// Server
	ListenAddr  string
	MetricsAddr string

	// Data directories
	DataDir      string
	ChainDataDir string
	QueueDataDir string
	KeyDataDir   string

	// Audit chain (C2)
	ChainBlockSize     int           // events per sealed block
	ChainSealInterval  time.Duration // max time pending events wait before a forced seal
	PoETEnabled        bool
	PoETTargetWait     time.Duration
	PoETFluctuation    float64

	// Offline queue (C4)
	QueueMaxSize    int
	QueueMaxRetries int
	QueueFlushTick  time.Duration

	// Mesh peer layer (C6)
	MeshMaxPeers          int
	MeshPeerTimeout       time.Duration
	MeshBroadcastInterval time.Duration
	MeshAuthTimeout       time.Duration
	MeshSeedPeersFile     string

	// Crypto custody (C1)
	KDFIterations int
	KDFSaltBytes  int

	// Postgres property directory (optional, C8; pkg/propertystore)
	DatabaseURL      string
	DatabaseRequired bool
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBConnMaxLifetime time.Duration

	// Firestore audit mirror (optional, C8)
	FirestoreEnabled        bool
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	// Ethereum anchor commitment (optional, C3 Blockchain verification method)
	EthAnchorEnabled bool

	LogLevel string
}

// Load reads configuration from environment variables, applying the
// same defaults a local/devnet deployment would want.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID: getEnv("NODE_ID", "handreceipt-node"),

		ListenAddr:  getEnv("LISTEN_ADDR", "127.0.0.1:7700"),
		MetricsAddr: getEnv("METRICS_ADDR", "127.0.0.1:9090"),

		DataDir:      getEnv("DATA_DIR", "./data"),
		ChainDataDir: getEnv("CHAIN_DATA_DIR", "./data/chain"),
		QueueDataDir: getEnv("QUEUE_DATA_DIR", "./data/queue"),
		KeyDataDir:   getEnv("KEY_DATA_DIR", "./data/keys"),

		ChainBlockSize:    getEnvInt("CHAIN_BLOCK_SIZE", 100),
		ChainSealInterval: getEnvDuration("CHAIN_SEAL_INTERVAL", 30*time.Second),
		PoETEnabled:       getEnvBool("POET_ENABLED", false),
		PoETTargetWait:    getEnvDuration("POET_TARGET_WAIT", 5*time.Second),
		PoETFluctuation:   getEnvFloat("POET_FLUCTUATION", 0.2),

		QueueMaxSize:    getEnvInt("QUEUE_MAX_SIZE", 10000),
		QueueMaxRetries: getEnvInt("QUEUE_MAX_RETRIES", 8),
		QueueFlushTick:  getEnvDuration("QUEUE_FLUSH_TICK", 1*time.Second),

		MeshMaxPeers:          getEnvInt("MESH_MAX_PEERS", 64),
		MeshPeerTimeout:       getEnvDuration("MESH_PEER_TIMEOUT", 2*time.Minute),
		MeshBroadcastInterval: getEnvDuration("MESH_BROADCAST_INTERVAL", 10*time.Second),
		MeshAuthTimeout:       getEnvDuration("MESH_AUTH_TIMEOUT", 10*time.Second),
		MeshSeedPeersFile:     getEnv("MESH_SEED_PEERS_FILE", ""),

		KDFIterations: getEnvInt("KDF_ITERATIONS", 200000),
		KDFSaltBytes:  getEnvInt("KDF_SALT_BYTES", 32),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DatabaseRequired:  getEnvBool("DATABASE_REQUIRED", false),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		FirestoreEnabled:        getEnvBool("FIRESTORE_ENABLED", false),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		EthAnchorEnabled: getEnvBool("ETH_ANCHOR_ENABLED", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that configuration required for the enabled optional
// subsystems is actually present.
func (c *Config) Validate() error {
	var errs []string

	if c.ChainBlockSize <= 0 {
		errs = append(errs, "CHAIN_BLOCK_SIZE must be positive")
	}
	if c.KDFIterations < 100000 {
		errs = append(errs, "KDF_ITERATIONS must be at least 100000")
	}
	if c.KDFSaltBytes < 16 {
		errs = append(errs, "KDF_SALT_BYTES must be at least 16")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required when DATABASE_REQUIRED is true")
	}
	if c.FirestoreEnabled && c.FirebaseProjectID == "" {
		errs = append(errs, "FIREBASE_PROJECT_ID is required when FIRESTORE_ENABLED is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
