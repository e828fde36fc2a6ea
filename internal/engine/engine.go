// Package engine drives the cohort ledgers over the chain, one height at a
// time, with periodic checkpoints and consistent resumption.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-cohorts/config"
	"github.com/Klingon-tech/klingnet-cohorts/internal/chainstate"
	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/registry"
	"github.com/Klingon-tech/klingnet-cohorts/internal/rollup"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// Resume asks Run to continue from wherever the stores agree.
const Resume = math.MaxUint64

// schemaVersion is bumped whenever a change alters computed values.
const schemaVersion = 1

// progressEvery is the number of heights between Info progress lines.
const progressEvery = 1_000

// Options configures an Engine.
type Options struct {
	Params        *config.ChainParams
	Checkpoint    uint64 // heights between checkpoints
	Workers       int    // goroutines per parallel region
	RollbackDepth int    // checkpoints retained for rollback
	AddressCache  int    // loaded-address read cache entries
}

func (o *Options) setDefaults() {
	if o.Params == nil {
		o.Params = config.MainnetParams()
	}
	if o.Checkpoint == 0 {
		o.Checkpoint = config.DefaultCheckpoint
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.RollbackDepth <= 0 {
		o.RollbackDepth = vec.DefaultKeep
	}
}

// Engine owns every computed store. Run is the only writer; View gives
// readers a consistent picture between heights.
type Engine struct {
	mu sync.RWMutex

	db     storage.DB
	reader indexer.Reader
	opts   Options
	priced bool
	base   uint64
	logger zerolog.Logger

	chain    *chainstate.Store
	registry *registry.Registry
	cohorts  *cohort.Set
	totals   *totals
	rollup   *rollup.Layer

	blocks    []chainstate.BlockState // arena indexed by height
	maxTime   uint64
	committed uint64
	warm      bool // in-memory state matches the committed stores
}

// New opens every computed store in db. It does not read the chain until
// Run is called.
func New(db storage.DB, r indexer.Reader, opts Options) (*Engine, error) {
	opts.setDefaults()
	e := &Engine{
		db:     db,
		reader: r,
		opts:   opts,
		priced: r.HasPrices(),
		logger: log.Engine,
	}
	e.base = vec.Fingerprint(
		"cohort-engine",
		strconv.Itoa(schemaVersion),
		strconv.FormatUint(r.Version(), 10),
		opts.Params.Name,
		strconv.FormatBool(e.priced),
	)

	keep := vec.WithKeep(opts.RollbackDepth)
	var err error
	if e.chain, err = chainstate.Open(db, keep); err != nil {
		return nil, fmt.Errorf("open chain state: %w", err)
	}
	if e.registry, err = registry.Open(db, opts.AddressCache, keep); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if e.cohorts, err = cohort.OpenSet(db, e.priced, opts.RollbackDepth, opts.Workers); err != nil {
		return nil, fmt.Errorf("open cohorts: %w", err)
	}
	if e.totals, err = openTotals(db, opts.RollbackDepth); err != nil {
		return nil, fmt.Errorf("open totals: %w", err)
	}
	if e.rollup, err = rollup.Open(db, e.cohorts, opts.Workers); err != nil {
		return nil, fmt.Errorf("open rollup: %w", err)
	}
	e.committed = e.chain.Stamp().Height()
	committedHeight.Store(e.committed)
	return e, nil
}

// Run processes heights up to the reader's tip and returns the number of
// committed heights. requested caps the starting height; pass Resume to
// continue from the last checkpoint, or a lower height to recompute from
// there. Cancellation is only observed after a checkpoint.
func (e *Engine) Run(ctx context.Context, requested uint64) (uint64, error) {
	if err := e.validateVersions(); err != nil {
		return e.committed, err
	}
	starting, err := e.resolveStart(requested)
	if err != nil {
		return e.committed, err
	}
	tip := e.reader.Height()
	if starting < tip {
		e.logger.Info().
			Uint64("from", starting).
			Uint64("tip", tip).
			Msg("Replaying heights")
	}

	start := time.Now()
	for h := starting; h < tip; h++ {
		if err := e.processHeight(h); err != nil {
			return e.committed, fmt.Errorf("height %d: %w", h, err)
		}
		if (h+1)%progressEvery == 0 {
			e.logger.Info().
				Uint64("height", h).
				Dur("elapsed", time.Since(start)).
				Msg("Progress")
		}
		if (h+1)%e.opts.Checkpoint == 0 || h+1 == tip {
			if err := e.checkpoint(h); err != nil {
				return e.committed, err
			}
			if err := ctx.Err(); err != nil {
				return e.committed, err
			}
		}
	}

	if err := e.runRollup(ctx); err != nil {
		return e.committed, err
	}
	return e.committed, nil
}

// Height returns the number of committed heights.
func (e *Engine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.committed
}

// View runs fn with the cohort set while no height is being applied.
func (e *Engine) View(fn func(*cohort.Set) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.cohorts)
}

// Rollup returns the rollup layer.
func (e *Engine) Rollup() *rollup.Layer { return e.rollup }

// validateVersions resets any store computed from different inputs or code.
func (e *Engine) validateVersions() error {
	stale, err := e.chain.ValidateVersion(vec.Derive(e.base, chainstate.SeriesName, 1))
	if err != nil {
		return err
	}
	if reset, err := e.registry.ValidateVersion(e.base); err != nil {
		return err
	} else if reset {
		stale = true
	}
	if reset, err := e.totals.validate(e.base); err != nil {
		return err
	} else if reset {
		stale = true
	}
	for _, l := range e.cohorts.All() {
		reset, err := l.ValidateComputedVersions(e.base)
		if err != nil {
			return err
		}
		stale = stale || reset
	}
	if stale {
		e.logger.Warn().Msg("Computed data is out of date, affected stores were reset")
	}
	return nil
}

func (e *Engine) runRollup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.rollup.Compute(ctx, e.committed)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		return fmt.Errorf("rollup: %w", err)
	}
	return nil
}

// epoch returns the halving epoch of height h.
func (e *Engine) epoch(h uint64) uint64 {
	return e.opts.Params.Epoch(h)
}

// price returns the block price used for cost basis, zero without a feed.
func price(b chainstate.BlockState) types.Dollars {
	if !b.HasPrice {
		return 0
	}
	return b.Price
}
