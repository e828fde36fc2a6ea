package engine

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-cohorts/internal/chainstate"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// resolveStart finds the height every store agrees on, rolls them back to
// it and loads the in-memory state. The result may be below the candidate
// when the candidate is not a checkpoint. When the stores cannot agree it
// falls back to height 0.
func (e *Engine) resolveStart(requested uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	starting := min(
		requested,
		e.reader.Height(),
		e.chain.Len(),
		e.chain.Stamp().Height(),
		e.registry.Stamp().Height(),
		e.cohorts.MinHeightLen(),
		e.cohorts.Stamp().Height(),
		e.totals.minLen(),
		e.totals.stamp().Height(),
	)
	// Nothing changed since the last successful Run.
	if e.warm && starting == e.committed && uint64(len(e.blocks)) == starting {
		return starting, nil
	}
	if requested != Resume && starting != requested {
		e.logger.Debug().
			Uint64("requested", requested).
			Uint64("candidate", starting).
			Msg("Stores end below requested height")
	}

	if starting > 0 {
		reached, agreed, err := e.rollback(starting)
		if err != nil {
			return 0, err
		}
		switch {
		case agreed && reached > 0:
			if err := e.load(reached); err != nil {
				return 0, err
			}
			if reached != starting {
				e.logger.Info().
					Uint64("candidate", starting).
					Uint64("reached", reached).
					Msg("Resuming from earlier checkpoint")
			}
			e.committed = reached
			committedHeight.Store(reached)
			return reached, nil
		case !agreed:
			rebuilds.Inc()
			e.logger.Warn().
				Uint64("candidate", starting).
				Msg("No common checkpoint to roll back to, rebuilding from 0")
		}
	}

	if err := e.resetAll(); err != nil {
		return 0, err
	}
	e.committed = 0
	committedHeight.Store(0)
	return 0, nil
}

// rollback rolls every store back to the newest checkpoint at or below
// starting. It returns the stamp they all reached, or agreed false when the
// reached stamps differ or no store can go back far enough.
func (e *Engine) rollback(starting uint64) (uint64, bool, error) {
	target := types.Stamp(starting)

	chainReached, err := e.chain.RollbackBefore(target)
	if err != nil {
		return 0, false, fmt.Errorf("roll back chain state: %w", err)
	}
	regReached, regAgreed, err := e.registry.RollbackBefore(target)
	if err != nil {
		return 0, false, fmt.Errorf("roll back registry: %w", err)
	}
	totReached, totAgreed, err := e.totals.rollbackBefore(target)
	if err != nil {
		return 0, false, fmt.Errorf("roll back totals: %w", err)
	}
	common := chainReached
	if !regAgreed || !totAgreed || regReached != common || totReached != common || common > target {
		e.logger.Warn().
			Uint64("target", uint64(target)).
			Uint64("chain_state", uint64(chainReached)).
			Uint64("registry", uint64(regReached)).
			Uint64("totals", uint64(totReached)).
			Msg("Rollback did not converge")
		return 0, false, nil
	}
	if common == 0 {
		return 0, true, nil
	}

	for _, l := range e.cohorts.All() {
		reached, agreed, err := l.RollbackBefore(common)
		if err != nil {
			return 0, false, fmt.Errorf("roll back %s: %w", l.Name(), err)
		}
		if !agreed || reached != common {
			e.logger.Warn().
				Str("ledger", l.Name()).
				Uint64("reached", uint64(reached)).
				Uint64("common", uint64(common)).
				Msg("Ledger rollback did not converge")
			return 0, false, nil
		}
		if err := l.ImportState(common.Height()); err != nil {
			e.logger.Warn().Err(err).Str("ledger", l.Name()).Msg("Ledger import failed")
			return 0, false, nil
		}
	}
	if err := e.rollup.RollbackBefore(common); err != nil {
		return 0, false, fmt.Errorf("roll back rollup: %w", err)
	}
	return common.Height(), true, nil
}

// load rebuilds the in-memory chain arena and counters for starting.
func (e *Engine) load(starting uint64) error {
	e.chain.TruncateTo(starting)
	blocks, err := chainstate.Reconstruct(e.chain, e.reader, starting)
	if err != nil {
		return err
	}
	e.blocks = blocks
	e.maxTime = 0
	for _, b := range blocks {
		e.maxTime = max(e.maxTime, b.Timestamp)
	}
	return e.totals.importAt(starting)
}

func (e *Engine) resetAll() error {
	if err := e.chain.Reset(); err != nil {
		return err
	}
	if err := e.registry.Reset(); err != nil {
		return err
	}
	if err := e.totals.reset(); err != nil {
		return err
	}
	for _, l := range e.cohorts.All() {
		if err := l.Reset(); err != nil {
			return err
		}
	}
	if err := e.rollup.Reset(); err != nil {
		return err
	}
	e.blocks = e.blocks[:0]
	e.maxTime = 0
	return nil
}
