package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Storage
	case "storage.engine":
		cfg.Storage.Engine = strings.ToLower(value)
	case "storage.cache":
		return cfg.Storage.Cache.UnmarshalText([]byte(value))

	// Indexer
	case "indexer.prices":
		cfg.Indexer.Prices = parseBool(value)

	// Engine
	case "engine.checkpoint":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Engine.Checkpoint = n
	case "engine.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Engine.Workers = n
	case "engine.rollback_depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Engine.RollbackDepth = n
	case "engine.address_cache":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Engine.AddressCache = n
	case "engine.poll":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Engine.Poll = d

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	cfg := Default(network)
	content := `# Klingnet Cohorts Configuration
#
# Chain parameters (halving interval, historical exceptions) are fixed per
# network and cannot be changed here.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-cohorts)
# datadir = ~/.klingnet-cohorts

# ============================================================================
# Storage
# ============================================================================

# Backend: badger or bolt
storage.engine = ` + cfg.Storage.Engine + `

# Block cache for the badger backend (e.g. 256MB, 1GB)
storage.cache = ` + cfg.Storage.Cache.String() + `

# ============================================================================
# Indexer
# ============================================================================

# Whether indexed blocks carry prices. Without prices only supply,
# UTXO counts and coin age are computed.
indexer.prices = true

# ============================================================================
# Engine
# ============================================================================

# Heights between checkpoints
engine.checkpoint = ` + strconv.FormatUint(cfg.Engine.Checkpoint, 10) + `

# Worker goroutines per height (default: number of CPUs)
# engine.workers = 8

# Checkpoints kept for rollback after a reorg
engine.rollback_depth = ` + strconv.Itoa(cfg.Engine.RollbackDepth) + `

# Loaded-address cache entries (0 = sized from physical memory)
engine.address_cache = 0

# Interval between polls for newly indexed heights
engine.poll = ` + cfg.Engine.Poll.String() + `

# ============================================================================
# Query API
# ============================================================================

rpc.enabled = true
rpc.addr = ` + cfg.RPC.Addr + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.addr = ` + cfg.Metrics.Addr + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
