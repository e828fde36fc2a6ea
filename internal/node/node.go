// Package node wires configuration, storage, the indexer store, the cohort
// engine and the query API into one service that can be embedded in any
// binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-cohorts/config"
	"github.com/Klingon-tech/klingnet-cohorts/internal/engine"
	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	klog "github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/rpc"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
)

// Key prefixes separating raw chain data from computed data in one store.
var (
	indexerPrefix  = []byte("idx/")
	computedPrefix = []byte("cmp/")
)

// Node is a fully-initialized cohort service.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db      storage.DB
	indexer *indexer.Store
	engine  *engine.Engine

	// Query API and metrics
	rpcServer     *rpc.Server
	metricsServer *rpc.Server

	// Lowest height replaced since the last run, engine.Resume if none.
	invalidMu   sync.Mutex
	invalidated uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, indexer, engine, query API) but does NOT start the
// compute loop. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingnet-cohorts.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Chain parameters ─────────────────────────────────────────
	params := config.Params(cfg.Network)

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("storage", cfg.Storage.Engine).
		Bool("prices", cfg.Indexer.Prices).
		Uint64("checkpoint", cfg.Engine.Checkpoint).
		Int("workers", cfg.Engine.Workers).
		Msg("Starting Klingnet Cohorts")

	// ── 3. Open storage ─────────────────────────────────────────────
	path := cfg.StorageDir()
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	// bolt keeps a single file inside the storage directory.
	if storage.Engine(cfg.Storage.Engine) == storage.EngineBolt {
		path = filepath.Join(path, "cohorts.bolt")
	}
	db, err := storage.Open(storage.Engine(cfg.Storage.Engine), path, storage.Options{
		CacheSize: uint64(cfg.Storage.Cache.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("Database opened")

	// ── 4. Indexer store ────────────────────────────────────────────
	idx, err := indexer.OpenStore(storage.NewPrefixDB(db, indexerPrefix), cfg.Indexer.Prices)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open indexer store: %w", err)
	}

	// ── 5. Cohort engine ────────────────────────────────────────────
	eng, err := engine.New(storage.NewPrefixDB(db, computedPrefix), idx, engine.Options{
		Params:        params,
		Checkpoint:    cfg.Engine.Checkpoint,
		Workers:       cfg.Engine.Workers,
		RollbackDepth: cfg.Engine.RollbackDepth,
		AddressCache:  cfg.Engine.AddressCacheSize(),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open engine: %w", err)
	}
	logger.Info().
		Uint64("indexed", idx.Height()).
		Uint64("committed", eng.Height()).
		Msg("Stores opened")

	// ── 6. Query API and metrics ────────────────────────────────────
	var rpcServer, metricsServer *rpc.Server
	sharedMetrics := cfg.Metrics.Enabled && cfg.RPC.Enabled && cfg.Metrics.Addr == cfg.RPC.Addr
	if cfg.RPC.Enabled {
		rpcServer = rpc.New(cfg.RPC.Addr, eng, sharedMetrics, cfg.RPC)
		if err := rpcServer.Start(); err != nil {
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", cfg.RPC.Addr, err)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}
	if cfg.Metrics.Enabled && !sharedMetrics {
		metricsServer = rpc.NewMetrics(cfg.Metrics.Addr)
		if err := metricsServer.Start(); err != nil {
			if rpcServer != nil {
				rpcServer.Stop()
			}
			db.Close()
			return nil, fmt.Errorf("start metrics at %s: %w", cfg.Metrics.Addr, err)
		}
		logger.Info().Str("addr", metricsServer.Addr()).Msg("Metrics server started")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		indexer:       idx,
		engine:        eng,
		rpcServer:     rpcServer,
		metricsServer: metricsServer,
		invalidated:   engine.Resume,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches the compute loop. The first run honors --rebuild and
// --start; later runs resume whenever the indexer moves.
func (n *Node) Start() error {
	first := startHeight(n.cfg)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runComputeLoop(first)
	}()

	n.logger.Info().
		Uint64("committed", n.engine.Height()).
		Uint64("indexed", n.indexer.Height()).
		Dur("poll", n.cfg.Engine.Poll).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.metricsServer != nil {
		n.metricsServer.Stop()
	}
	if n.indexer != nil {
		if err := n.indexer.Flush(); err != nil {
			n.logger.Error().Err(err).Msg("Indexer flush failed")
		}
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the number of committed heights.
func (n *Node) Height() uint64 {
	return n.engine.Height()
}

// Indexer returns the raw chain store for an in-process ingest. Appended
// blocks are picked up on the next poll.
func (n *Node) Indexer() *indexer.Store {
	return n.indexer
}

// Invalidate marks heights from h on as replaced, e.g. after the ingest
// truncated the indexer for a reorg that kept the height count. The next
// run recomputes them.
func (n *Node) Invalidate(h uint64) {
	n.invalidMu.Lock()
	n.invalidated = min(n.invalidated, h)
	n.invalidMu.Unlock()
}

func (n *Node) takeInvalidated() uint64 {
	n.invalidMu.Lock()
	defer n.invalidMu.Unlock()
	h := n.invalidated
	n.invalidated = engine.Resume
	return h
}

// startHeight maps the maintenance settings onto a requested height.
func startHeight(cfg *config.Config) uint64 {
	switch {
	case cfg.Rebuild:
		return 0
	case cfg.Engine.Start >= 0:
		return uint64(cfg.Engine.Start)
	default:
		return engine.Resume
	}
}

// ── Compute ─────────────────────────────────────────────────────────

func (n *Node) runComputeLoop(first uint64) {
	n.compute(first)

	ticker := time.NewTicker(n.cfg.Engine.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			requested := n.takeInvalidated()
			if requested == engine.Resume && n.indexer.Height() == n.engine.Height() {
				continue
			}
			n.compute(requested)
		}
	}
}

func (n *Node) compute(requested uint64) {
	from := n.engine.Height()
	start := time.Now()
	h, err := n.engine.Run(n.ctx, requested)
	switch {
	case errors.Is(err, context.Canceled):
		n.logger.Info().Uint64("committed", h).Msg("Compute interrupted")
		return
	case err != nil:
		n.logger.Error().Err(err).Uint64("committed", h).Msg("Compute run failed")
		// Retry the same request on the next poll.
		if requested != engine.Resume {
			n.Invalidate(requested)
		}
		return
	}
	if h != from || requested != engine.Resume {
		n.logger.Info().
			Uint64("from", from).
			Uint64("committed", h).
			Dur("elapsed", time.Since(start)).
			Msg("Caught up with indexer")
	}
}
