package config

import (
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
)

// DefaultCheckpoint is the default number of heights between checkpoints.
const DefaultCheckpoint = 10_000

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Engine: "badger",
			Cache:  256 * datasize.MB,
		},
		Indexer: IndexerConfig{
			Prices: true,
		},
		Engine: EngineConfig{
			Checkpoint:    DefaultCheckpoint,
			Workers:       runtime.NumCPU(),
			RollbackDepth: 3,
			AddressCache:  0,
			Poll:          10 * time.Second,
			Start:         -1,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1:9474",
			AllowedIPs: []string{"127.0.0.1"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Addr = "127.0.0.1:9475"
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

const (
	addressEntryBytes = 128
	minAddressCache   = 1 << 16
	maxAddressCache   = 1 << 24
)

// AddressCacheSize returns the configured address cache size, or one sized
// to a sixty-fourth of physical memory when unset.
func (e *EngineConfig) AddressCacheSize() int {
	if e.AddressCache > 0 {
		return e.AddressCache
	}
	n := memory.TotalMemory() / 64 / addressEntryBytes
	switch {
	case n < minAddressCache:
		return minAddressCache
	case n > maxAddressCache:
		return maxAddressCache
	}
	return int(n)
}
