package engine

import (
	"cmp"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// minChunk is the smallest slice of outputs or inputs handed to a worker.
const minChunk = 256

type addressKey struct {
	typ   types.OutputType
	index uint64
}

func compareAddressKeys(a, b addressKey) int {
	if c := cmp.Compare(a.typ, b.typ); c != 0 {
		return c
	}
	return cmp.Compare(a.index, b.index)
}

type addressSpend struct {
	value  types.Sats
	origin uint64
}

// addressDelta is everything one address received and spent in a block,
// in index order.
type addressDelta struct {
	received []types.Sats
	sent     []addressSpend
}

// received aggregates a block's created outputs.
type received struct {
	tx          cohort.Transacted
	unspendable types.Sats
	opReturn    types.Sats
	addresses   map[addressKey]*addressDelta
}

func newReceived() *received {
	return &received{addresses: make(map[addressKey]*addressDelta)}
}

func (r *received) merge(o *received) {
	r.tx.Merge(&o.tx)
	r.unspendable += o.unspendable
	r.opReturn += o.opReturn
	for k, d := range o.addresses {
		if cur, ok := r.addresses[k]; ok {
			cur.received = append(cur.received, d.received...)
		} else {
			r.addresses[k] = d
		}
	}
}

// sent aggregates a block's spent outputs by the height that created them.
type sent struct {
	byOrigin  map[uint64]*cohort.Transacted
	addresses map[addressKey]*addressDelta
}

func newSent() *sent {
	return &sent{
		byOrigin:  make(map[uint64]*cohort.Transacted),
		addresses: make(map[addressKey]*addressDelta),
	}
}

func (s *sent) origin(h uint64) *cohort.Transacted {
	tx, ok := s.byOrigin[h]
	if !ok {
		tx = new(cohort.Transacted)
		s.byOrigin[h] = tx
	}
	return tx
}

func (s *sent) merge(o *sent) {
	for h, tx := range o.byOrigin {
		s.origin(h).Merge(tx)
	}
	for k, d := range o.addresses {
		if cur, ok := s.addresses[k]; ok {
			cur.sent = append(cur.sent, d.sent...)
		} else {
			s.addresses[k] = d
		}
	}
}

// origins returns the spent origin heights in ascending order.
func (s *sent) origins() []uint64 {
	out := make([]uint64, 0, len(s.byOrigin))
	for h := range s.byOrigin {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// chunks splits [first, first+count) into at most workers ranges.
func chunks(first, count uint64, workers int) [][2]uint64 {
	if count == 0 {
		return nil
	}
	size := max(count/uint64(max(workers, 1)), minChunk)
	var out [][2]uint64
	for lo := first; lo < first+count; lo += size {
		out = append(out, [2]uint64{lo, min(lo+size, first+count)})
	}
	return out
}

// mapReduce folds every chunk into its own accumulator concurrently, then
// reduces them in chunk order.
func mapReduce[A any](workers int, parts [][2]uint64, fresh func() A, fold func(acc A, i uint64) error, reduce func(into, from A)) (A, error) {
	accs := make([]A, len(parts))
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for n, p := range parts {
		g.Go(func() error {
			acc := fresh()
			for i := p[0]; i < p[1]; i++ {
				if err := fold(acc, i); err != nil {
					return err
				}
			}
			accs[n] = acc
			return nil
		})
	}
	out := fresh()
	if err := g.Wait(); err != nil {
		return out, err
	}
	for _, acc := range accs {
		reduce(out, acc)
	}
	return out, nil
}

// classifyOutputs sorts a block's new outputs into spendable supply by
// type and amount, unspendable supply, and per-address receipts.
func (e *Engine) classifyOutputs(h uint64, b indexer.BlockInfo) (*received, error) {
	genesis := h == 0 && e.opts.Params.GenesisUnspendable
	return mapReduce(e.opts.Workers, chunks(b.FirstOutput, b.OutputCount, e.opts.Workers), newReceived,
		func(acc *received, i uint64) error {
			out, err := e.reader.Output(i)
			if err != nil {
				return err
			}
			switch {
			case genesis:
				acc.unspendable += out.Value
				return nil
			case !out.Type.IsSpendable():
				acc.unspendable += out.Value
				acc.opReturn += out.Value
				return nil
			}
			acc.tx.Add(out.Value, out.Type)
			if out.Type.HasAddress() {
				k := addressKey{out.Type, out.TypeIndex}
				d, ok := acc.addresses[k]
				if !ok {
					d = &addressDelta{}
					acc.addresses[k] = d
				}
				d.received = append(d.received, out.Value)
			}
			return nil
		},
		(*received).merge,
	)
}

// classifyInputs resolves a block's spent outputs to the heights that
// created them. Coinbase inputs spend nothing and are skipped.
func (e *Engine) classifyInputs(h uint64, b indexer.BlockInfo) (*sent, error) {
	return mapReduce(e.opts.Workers, chunks(b.FirstInput, b.InputCount, e.opts.Workers), newSent,
		func(acc *sent, i uint64) error {
			in, err := e.reader.Input(i)
			if err != nil {
				return err
			}
			if in.Coinbase {
				return nil
			}
			out, err := e.reader.Output(in.OutputIndex)
			if err != nil {
				return err
			}
			if !out.Type.IsSpendable() {
				return fmt.Errorf("input %d spends unspendable output %d", i, in.OutputIndex)
			}
			// Outputs may be spent in the block that creates them.
			origin, err := indexer.OriginHeight(e.reader, in.OutputIndex, h+1)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			acc.origin(origin).Add(out.Value, out.Type)
			if out.Type.HasAddress() {
				k := addressKey{out.Type, out.TypeIndex}
				d, ok := acc.addresses[k]
				if !ok {
					d = &addressDelta{}
					acc.addresses[k] = d
				}
				d.sent = append(d.sent, addressSpend{value: out.Value, origin: origin})
			}
			return nil
		},
		(*sent).merge,
	)
}
