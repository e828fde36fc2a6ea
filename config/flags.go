package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Storage
	StorageEngine string
	StorageCache  string

	// Indexer
	Prices bool

	// Engine
	Checkpoint    uint64
	Workers       int
	RollbackDepth int
	AddressCache  int
	Poll          time.Duration
	Start         int64
	Rebuild       bool

	// RPC
	RPC        bool
	RPCAddr    string
	RPCAllowed string
	RPCCORS    string

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero overrides).
	SetRPC     bool
	SetMetrics bool
	SetLogJSON bool
	SetStart   bool
	SetPrices  bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingnet-cohortsd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Storage
	fs.StringVar(&f.StorageEngine, "storage-engine", "", "Storage backend (badger or bolt)")
	fs.StringVar(&f.StorageCache, "storage-cache", "", "Badger block cache size (e.g. 512MB)")

	// Indexer
	fs.BoolVar(&f.Prices, "prices", true, "Indexed blocks carry prices")

	// Engine
	fs.Uint64Var(&f.Checkpoint, "checkpoint", 0, "Heights between checkpoints")
	fs.IntVar(&f.Workers, "workers", 0, "Worker goroutines per height")
	fs.IntVar(&f.RollbackDepth, "rollback-depth", 0, "Checkpoints kept for rollback")
	fs.IntVar(&f.AddressCache, "address-cache", 0, "Loaded-address cache entries")
	fs.DurationVar(&f.Poll, "poll", 0, "Interval between indexer polls")
	fs.Int64Var(&f.Start, "start", -1, "Recompute from this height")
	fs.BoolVar(&f.Rebuild, "rebuild", false, "Discard computed data and recompute from height 0")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Serve the query API")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "Query API listen address")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for the query API (comma-separated)")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for the query API (comma-separated)")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetStart = isFlagSet(fs, "start")
	f.SetPrices = isFlagSet(fs, "prices")
	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) error {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Storage
	if f.StorageEngine != "" {
		cfg.Storage.Engine = strings.ToLower(f.StorageEngine)
	}
	if f.StorageCache != "" {
		if err := cfg.Storage.Cache.UnmarshalText([]byte(f.StorageCache)); err != nil {
			return fmt.Errorf("--storage-cache: %w", err)
		}
	}

	// Indexer
	if f.SetPrices {
		cfg.Indexer.Prices = f.Prices
	}

	// Engine
	if f.Checkpoint != 0 {
		cfg.Engine.Checkpoint = f.Checkpoint
	}
	if f.Workers != 0 {
		cfg.Engine.Workers = f.Workers
	}
	if f.RollbackDepth != 0 {
		cfg.Engine.RollbackDepth = f.RollbackDepth
	}
	if f.AddressCache != 0 {
		cfg.Engine.AddressCache = f.AddressCache
	}
	if f.Poll != 0 {
		cfg.Engine.Poll = f.Poll
	}
	if f.SetStart {
		cfg.Engine.Start = f.Start
	}
	if f.Rebuild {
		cfg.Rebuild = true
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
	return nil
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingnet Cohorts - stateful cohort ledger engine

Usage:
  klingnet-cohortsd [options]
  klingnet-cohortsd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --datadir       Data directory (default: ~/.klingnet-cohorts)
  --config, -c    Config file path (default: <datadir>/klingnet-cohorts.conf)

Storage Options:
  --storage-engine  Backend: badger (default) or bolt
  --storage-cache   Badger block cache size (default: 256MB)

Indexer Options:
  --prices          Indexed blocks carry prices (default: true, --prices=false to disable)

Engine Options:
  --checkpoint      Heights between checkpoints (default: 10000)
  --workers         Worker goroutines per height (default: number of CPUs)
  --rollback-depth  Checkpoints kept for rollback (default: 3)
  --address-cache   Loaded-address cache entries (default: sized from memory)
  --poll            Interval between indexer polls (default: 10s)
  --start           Recompute from this height
  --rebuild         Discard computed data and recompute from height 0

Query API Options:
  --rpc             Serve the query API (default: true, --rpc=false to disable)
  --rpc-addr        Listen address (default: 127.0.0.1:9474)
  --rpc-allowed     Allowed client IPs or CIDRs (default: 127.0.0.1)
  --rpc-cors        Allowed CORS origins

Metrics Options:
  --metrics         Serve Prometheus metrics
  --metrics-addr    Metrics listen address (default: 127.0.0.1:9464)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Resume from the last checkpoint
  klingnet-cohortsd

  # Recompute everything with metrics enabled
  klingnet-cohortsd --rebuild --metrics
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingnet-cohortsd version 0.1.0")
		os.Exit(0)
	}

	cfg, err := load(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

func load(flags *Flags) (*Config, error) {
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Flags have the highest precedence.
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.StorageDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
