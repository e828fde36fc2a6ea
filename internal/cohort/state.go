// Package cohort maintains per-cohort ledgers: supply, price-bucketed cost
// basis, realized and unrealized profit and loss, and their persisted
// per-height series.
package cohort

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// ErrCostBasisUnderflow is returned when coins are removed from a price
// bucket that does not hold them.
var ErrCostBasisUnderflow = errors.New("cost basis underflow")

const btreeDegree = 32

// OneHour is the minimum holding time, in seconds, for a spend to count
// toward adjusted value created and destroyed.
const OneHour = 3600

type priceBucket struct {
	price  types.Cents
	supply types.SupplyState
}

func bucketLess(a, b priceBucket) bool { return a.price < b.price }

// Realized holds the realized cap and the per-height realized flows.
type Realized struct {
	Cap                    types.Dollars
	Profit                 types.Dollars
	Loss                   types.Dollars
	ValueCreated           types.Dollars
	ValueDestroyed         types.Dollars
	AdjustedValueCreated   types.Dollars
	AdjustedValueDestroyed types.Dollars
}

// Age describes how long spent coins were held.
type Age struct {
	Blocks        uint64
	Days          uint64
	OlderThanHour bool
}

// AgeBetween computes the holding age of coins created at height h with
// timestamp then, spent at height now with timestamp ts.
func AgeBetween(h, then, height, ts uint64) Age {
	a := Age{Days: types.DaysBetween(then, ts)}
	if height > h {
		a.Blocks = height - h
	}
	a.OlderThanHour = ts > then && ts-then >= OneHour
	return a
}

// State is the in-memory ledger of one cohort.
type State struct {
	priced bool

	Supply             types.SupplyState
	Realized           Realized
	SatBlocksDestroyed uint256.Int
	SatDaysDestroyed   uint256.Int

	prices *btree.BTreeG[priceBucket]
}

// NewState returns an empty state. Without a price feed only supply and
// destruction counters are kept.
func NewState(priced bool) *State {
	s := &State{priced: priced}
	if priced {
		s.prices = btree.NewG[priceBucket](btreeDegree, bucketLess)
	}
	return s
}

// Priced reports whether cost basis and realized values are tracked.
func (s *State) Priced() bool { return s.priced }

// ResetFlows zeroes the per-height counters before a new height.
func (s *State) ResetFlows() {
	s.Realized = Realized{Cap: s.Realized.Cap}
	s.SatBlocksDestroyed.Clear()
	s.SatDaysDestroyed.Clear()
}

// IncrementAt adds supply to the given bucket with an explicit cost basis.
func (s *State) IncrementAt(supply types.SupplyState, bucket types.Cents, costBasis types.Dollars) {
	if supply.IsZero() {
		return
	}
	s.Supply.Add(supply)
	if !s.priced {
		return
	}
	s.Realized.Cap += costBasis
	b, ok := s.prices.Get(priceBucket{price: bucket})
	if !ok {
		b = priceBucket{price: bucket}
	}
	b.supply.Add(supply)
	s.prices.ReplaceOrInsert(b)
}

// DecrementAt removes supply from the given bucket with an explicit cost basis.
func (s *State) DecrementAt(supply types.SupplyState, bucket types.Cents, costBasis types.Dollars) error {
	if supply.IsZero() {
		return nil
	}
	if s.priced {
		b, ok := s.prices.Get(priceBucket{price: bucket})
		if !ok {
			return fmt.Errorf("%w: no bucket at %d cents", ErrCostBasisUnderflow, bucket)
		}
		if err := b.supply.Sub(supply); err != nil {
			return fmt.Errorf("%w: bucket %d cents: %v", ErrCostBasisUnderflow, bucket, err)
		}
		if b.supply.IsZero() {
			s.prices.Delete(b)
		} else {
			s.prices.ReplaceOrInsert(b)
		}
	}
	if err := s.Supply.Sub(supply); err != nil {
		return err
	}
	if s.priced {
		rc := s.Realized.Cap - costBasis
		var err error
		if s.Supply.Value == 0 {
			rc, err = rc.SettleZero(s.Realized.Cap)
		} else {
			rc, err = rc.Settle(s.Realized.Cap)
		}
		if err != nil {
			return fmt.Errorf("%w: realized cap: %v", ErrCostBasisUnderflow, err)
		}
		s.Realized.Cap = rc
	}
	return nil
}

// Increment adds coins bought at price.
func (s *State) Increment(supply types.SupplyState, price types.Dollars) {
	s.IncrementAt(supply, price.ToCents(), price.Value(supply.Value))
}

// Decrement removes coins bought at price.
func (s *State) Decrement(supply types.SupplyState, price types.Dollars) error {
	return s.DecrementAt(supply, price.ToCents(), price.Value(supply.Value))
}

// Receive adds newly created coins at the block price.
func (s *State) Receive(supply types.SupplyState, price types.Dollars) {
	s.Increment(supply, price)
}

// Send removes coins bought at acquired and realizes their profit or loss
// at the current price.
func (s *State) Send(supply types.SupplyState, current, acquired types.Dollars, age Age) error {
	if err := s.Decrement(supply, acquired); err != nil {
		return err
	}
	s.Realize(supply.Value, current, acquired, age)
	return nil
}

// Realize records the flows of spending v bought at acquired, without
// touching supply or cost basis.
func (s *State) Realize(v types.Sats, current, acquired types.Dollars, age Age) {
	if v == 0 {
		return
	}
	var tmp uint256.Int
	tmp.SetUint64(uint64(v))
	tmp.Mul(&tmp, uint256.NewInt(age.Blocks))
	s.SatBlocksDestroyed.Add(&s.SatBlocksDestroyed, &tmp)
	tmp.SetUint64(uint64(v))
	tmp.Mul(&tmp, uint256.NewInt(age.Days))
	s.SatDaysDestroyed.Add(&s.SatDaysDestroyed, &tmp)

	if !s.priced {
		return
	}
	created := current.Value(v)
	destroyed := acquired.Value(v)
	s.Realized.ValueCreated += created
	s.Realized.ValueDestroyed += destroyed
	if age.OlderThanHour {
		s.Realized.AdjustedValueCreated += created
		s.Realized.AdjustedValueDestroyed += destroyed
	}
	switch {
	case created > destroyed:
		s.Realized.Profit += created - destroyed
	case created < destroyed:
		s.Realized.Loss += destroyed - created
	}
}

// Unrealized is the mark-to-market split of a cohort's supply.
type Unrealized struct {
	SupplyInProfit types.Sats
	SupplyInLoss   types.Sats
	SupplyEven     types.Sats
	Profit         types.Dollars
	Loss           types.Dollars
	MinPrice       types.Dollars
	MaxPrice       types.Dollars
}

// ComputeUnrealized marks every price bucket against price in one
// ascending scan.
func (s *State) ComputeUnrealized(price types.Dollars) Unrealized {
	var u Unrealized
	if !s.priced || s.prices.Len() == 0 {
		return u
	}
	at := price.ToCents()
	if lo, ok := s.prices.Min(); ok {
		u.MinPrice = lo.price.Dollars()
	}
	if hi, ok := s.prices.Max(); ok {
		u.MaxPrice = hi.price.Dollars()
	}
	s.prices.Ascend(func(b priceBucket) bool {
		v := b.supply.Value
		switch {
		case b.price < at:
			u.SupplyInProfit += v
			u.Profit += price.Value(v) - b.price.Value(v)
		case b.price > at:
			u.SupplyInLoss += v
			u.Loss += b.price.Value(v) - price.Value(v)
		default:
			u.SupplyEven += v
		}
		return true
	})
	return u
}

// CostBasisTotal sums every price bucket.
func (s *State) CostBasisTotal() types.SupplyState {
	var total types.SupplyState
	if s.priced {
		s.prices.Ascend(func(b priceBucket) bool {
			total.Add(b.supply)
			return true
		})
	}
	return total
}

// BucketCount returns the number of distinct price buckets.
func (s *State) BucketCount() int {
	if !s.priced {
		return 0
	}
	return s.prices.Len()
}

// snapshot is the persisted form of the parts of State that cannot be
// recovered from the height series.
type snapshot struct {
	Supply      types.SupplyState `json:"supply"`
	RealizedCap types.Dollars     `json:"realized_cap"`
	AddrCount   uint64            `json:"addr_count,omitempty"`
	Buckets     [][3]uint64       `json:"buckets,omitempty"` // cents, utxo count, sats
}

func (s *State) snapshot() snapshot {
	snap := snapshot{Supply: s.Supply, RealizedCap: s.Realized.Cap}
	if s.priced {
		snap.Buckets = make([][3]uint64, 0, s.prices.Len())
		s.prices.Ascend(func(b priceBucket) bool {
			snap.Buckets = append(snap.Buckets, [3]uint64{uint64(b.price), b.supply.UTXOCount, uint64(b.supply.Value)})
			return true
		})
	}
	return snap
}

func (s *State) restore(snap snapshot) {
	*s = *NewState(s.priced)
	s.Supply = snap.Supply
	s.Realized.Cap = snap.RealizedCap
	if !s.priced {
		return
	}
	for _, b := range snap.Buckets {
		s.prices.ReplaceOrInsert(priceBucket{
			price:  types.Cents(b[0]),
			supply: types.SupplyState{UTXOCount: b[1], Value: types.Sats(b[2])},
		})
	}
}
