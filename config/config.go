// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Chain parameters: fixed per network, must match the indexed chain
//   - Node settings: runtime configuration, can vary per deployment
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-deployment settings)
// =============================================================================

// Config holds runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Key-value storage
	Storage StorageConfig

	// Indexed chain data
	Indexer IndexerConfig

	// Cohort engine
	Engine EngineConfig

	// Cohort query API
	RPC RPCConfig

	// Prometheus endpoint
	Metrics MetricsConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	Rebuild bool
}

// StorageConfig selects and sizes the key-value backend.
type StorageConfig struct {
	Engine string            `conf:"storage.engine"` // badger or bolt
	Cache  datasize.ByteSize `conf:"storage.cache"`  // badger block cache
}

// IndexerConfig describes the raw chain data written by the ingest process.
type IndexerConfig struct {
	Prices bool `conf:"indexer.prices"` // blocks carry a price feed
}

// EngineConfig holds cohort engine settings. None of them change computed
// values, only how fast and how safely they are reached.
type EngineConfig struct {
	Checkpoint    uint64        `conf:"engine.checkpoint"`     // heights between checkpoints
	Workers       int           `conf:"engine.workers"`        // per-height worker goroutines
	RollbackDepth int           `conf:"engine.rollback_depth"` // checkpoints kept for rollback
	AddressCache  int           `conf:"engine.address_cache"`  // loaded-address cache entries, 0 = auto
	Poll          time.Duration `conf:"engine.poll"`           // interval between indexer polls
	Start         int64         // recompute from this height, -1 = resume (not persisted)
}

// RPCConfig holds the read-only query API settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-cohorts
//	macOS:   ~/Library/Application Support/KlingnetCohorts
//	Windows: %APPDATA%\KlingnetCohorts
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-cohorts"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetCohorts")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetCohorts")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetCohorts")
	default:
		return filepath.Join(home, ".klingnet-cohorts")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StorageDir returns the key-value database directory.
func (c *Config) StorageDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet-cohorts.conf")
}
