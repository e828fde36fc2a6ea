package engine

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-cohorts/internal/chainstate"
	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// processHeight applies one block to every in-memory store and pushes the
// resulting per-height values. Nothing is persisted until a checkpoint.
func (e *Engine) processHeight(h uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warm = false
	start := time.Now()

	if uint64(len(e.blocks)) != h {
		return fmt.Errorf("chain arena holds %d heights", len(e.blocks))
	}
	b, err := e.reader.Block(h)
	if err != nil {
		return err
	}
	ts := b.Timestamp
	current := types.Dollars(0)
	if b.HasPrice {
		current = b.Price
	}
	// Dates follow the running maximum so they never move backwards.
	e.maxTime = max(e.maxTime, ts)
	date := types.DateIndexOf(e.maxTime)
	e.cohorts.ResetFlows()

	var (
		moves []agingMove
		recv  *received
		spent *sent
		g     errgroup.Group
	)
	g.Go(func() (err error) {
		moves, err = e.tickTock(h, ts)
		return err
	})
	g.Go(func() (err error) {
		recv, err = e.classifyOutputs(h, b)
		return err
	})
	g.Go(func() (err error) {
		spent, err = e.classifyInputs(h, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := e.applyAging(moves); err != nil {
		return err
	}

	unspendable := recv.unspendable + b.UnclaimedRewards
	if dup, ok := e.opts.Params.DuplicateCoinbaseAt(h); ok && dup.Origin < h {
		// The overwritten coinbase leaves the UTXO set without an input.
		spent.origin(dup.Origin).AddSupply(types.NewSupply(dup.Value), dup.Type, dup.Value)
		unspendable += dup.Value
		e.logger.Info().
			Uint64("height", h).
			Uint64("origin", dup.Origin).
			Uint64("value", uint64(dup.Value)).
			Msg("Duplicate coinbase destroyed")
	}

	e.blocks = append(e.blocks, chainstate.BlockState{
		Timestamp: ts,
		Price:     b.Price,
		HasPrice:  b.HasPrice,
		Supply:    recv.tx.Total,
	})
	if err := e.chain.Set(h, recv.tx.Total); err != nil {
		return err
	}

	origins := spent.origins()
	for _, o := range origins {
		if err := e.blocks[o].Supply.Sub(spent.byOrigin[o].Total); err != nil {
			return fmt.Errorf("spend from height %d: %w", o, err)
		}
		if err := e.chain.Set(o, e.blocks[o].Supply); err != nil {
			return err
		}
	}

	e.cohorts.ReceiveUTXO(&recv.tx, e.epoch(h), current)
	for _, o := range origins {
		origin := e.blocks[o]
		age := cohort.AgeBetween(o, origin.Timestamp, h, ts)
		if err := e.cohorts.SendUTXO(spent.byOrigin[o], age, e.epoch(o), current, price(origin)); err != nil {
			return fmt.Errorf("send from height %d: %w", o, err)
		}
	}

	if err := e.applyAddresses(recv, spent, h, ts, current); err != nil {
		return err
	}
	e.totals.Unspendable += unspendable
	e.totals.OpReturn += recv.opReturn

	closePrice, err := e.closePrice(date, current)
	if err != nil {
		return err
	}
	err = e.cohorts.Parallel(func(l *cohort.Ledger) error {
		if err := l.ForcedPushAt(h); err != nil {
			return fmt.Errorf("%s: %w", l.Name(), err)
		}
		if err := l.ComputeThenForcePushUnrealized(h, current, date, closePrice); err != nil {
			return fmt.Errorf("%s: %w", l.Name(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.totals.push(h); err != nil {
		return err
	}

	blocksProcessed.Inc()
	blockDuration.UpdateDuration(start)
	return nil
}

// closePrice returns the day's closing price, or the block price when the
// feed has none for that day.
func (e *Engine) closePrice(date types.DateIndex, current types.Dollars) (types.Dollars, error) {
	if !e.priced {
		return 0, nil
	}
	p, ok, err := e.reader.DateClose(date)
	if err != nil {
		return 0, err
	}
	if !ok {
		return current, nil
	}
	return p, nil
}
