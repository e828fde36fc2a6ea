package config

import (
	"fmt"
	"net"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	switch cfg.Storage.Engine {
	case "badger", "bolt":
	default:
		return fmt.Errorf("storage.engine must be badger or bolt")
	}
	if cfg.Engine.Checkpoint == 0 {
		return fmt.Errorf("engine.checkpoint must be positive")
	}
	if cfg.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if cfg.Engine.RollbackDepth < 1 {
		return fmt.Errorf("engine.rollback_depth must be at least 1")
	}
	if cfg.Engine.AddressCache < 0 {
		return fmt.Errorf("engine.address_cache must not be negative")
	}
	if cfg.Engine.Poll <= 0 {
		return fmt.Errorf("engine.poll must be positive")
	}
	if cfg.Engine.Start < -1 {
		return fmt.Errorf("start height must be -1 or a height")
	}
	if cfg.RPC.Enabled {
		if _, _, err := net.SplitHostPort(cfg.RPC.Addr); err != nil {
			return fmt.Errorf("rpc.addr: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}
