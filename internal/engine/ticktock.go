package engine

import (
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// agingMove is supply created at height that crosses an age cohort
// boundary between the previous block and this one.
type agingMove struct {
	height   uint64
	supply   types.SupplyState
	price    types.Dollars
	fromDays uint64
	toDays   uint64
}

// tickTock finds, against the previous block's chain state, every height
// whose coins change age cohort when time advances to ts.
func (e *Engine) tickTock(h, ts uint64) ([]agingMove, error) {
	if h == 0 {
		return nil, nil
	}
	prev := e.blocks[h-1].Timestamp
	if prev == ts {
		return nil, nil
	}
	type moves struct{ list []agingMove }
	res, err := mapReduce(e.opts.Workers, chunks(0, h, e.opts.Workers),
		func() *moves { return &moves{} },
		func(acc *moves, o uint64) error {
			b := e.blocks[o]
			if b.Supply.IsZero() {
				return nil
			}
			from := types.DaysBetween(b.Timestamp, prev)
			to := types.DaysBetween(b.Timestamp, ts)
			if e.cohorts.AgeBoundaries(from, to) {
				acc.list = append(acc.list, agingMove{
					height:   o,
					supply:   b.Supply,
					price:    price(b),
					fromDays: from,
					toDays:   to,
				})
			}
			return nil
		},
		func(into, from *moves) { into.list = append(into.list, from.list...) },
	)
	if err != nil {
		return nil, err
	}
	return res.list, nil
}

// applyAging moves the found supply between age cohorts in height order.
func (e *Engine) applyAging(list []agingMove) error {
	for _, m := range list {
		if err := e.cohorts.TickTock(m.supply, m.price, m.fromDays, m.toDays); err != nil {
			return err
		}
	}
	tickTockMoves.Add(len(list))
	return nil
}
