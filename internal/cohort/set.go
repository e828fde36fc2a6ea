package cohort

import (
	"fmt"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// Set is every cohort ledger the engine maintains.
type Set struct {
	UTXO    []*Ledger
	Address []*Ledger

	workers  int
	byName   map[string]*Ledger
	ageEdges []uint64 // ascending day counts where age cohort membership changes
}

// OpenSet opens every UTXO and address ledger in db. workers bounds the
// goroutines used by Parallel; zero or less means unbounded.
func OpenSet(db storage.DB, priced bool, keep, workers int) (*Set, error) {
	s := &Set{workers: workers, byName: make(map[string]*Ledger)}
	for _, f := range UTXOFilters() {
		l, err := OpenLedger(db, f, false, priced, keep)
		if err != nil {
			return nil, err
		}
		s.UTXO = append(s.UTXO, l)
		s.byName[l.Name()] = l
		if f.AgeBased() {
			s.ageEdges = append(s.ageEdges, f.Low, f.High)
		}
	}
	s.ageEdges = edges(s.ageEdges)
	for _, f := range AddressFilters() {
		l, err := OpenLedger(db, f, true, priced, keep)
		if err != nil {
			return nil, err
		}
		s.Address = append(s.Address, l)
		s.byName[l.Name()] = l
	}
	return s, nil
}

// All returns every ledger, UTXO cohorts first.
func (s *Set) All() []*Ledger {
	out := make([]*Ledger, 0, len(s.UTXO)+len(s.Address))
	out = append(out, s.UTXO...)
	return append(out, s.Address...)
}

// ByName returns the ledger stored under name.
func (s *Set) ByName(name string) (*Ledger, bool) {
	l, ok := s.byName[name]
	return l, ok
}

// Parallel runs fn on every ledger concurrently and returns the first error.
func (s *Set) Parallel(fn func(*Ledger) error) error {
	var g errgroup.Group
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for _, l := range s.All() {
		g.Go(func() error { return fn(l) })
	}
	return g.Wait()
}

// MinHeightLen returns the shortest height series over every ledger.
func (s *Set) MinHeightLen() uint64 {
	all := s.All()
	n := all[0].HeightLen()
	for _, l := range all[1:] {
		if h := l.HeightLen(); h < n {
			n = h
		}
	}
	return n
}

// Stamp returns the lowest stamp over every ledger.
func (s *Set) Stamp() types.Stamp {
	all := s.All()
	lowest := all[0].Stamp()
	for _, l := range all[1:] {
		if st := l.Stamp(); st < lowest {
			lowest = st
		}
	}
	return lowest
}

// ResetFlows zeroes per-height flows on every ledger.
func (s *Set) ResetFlows() {
	for _, l := range s.All() {
		l.ResetFlows()
	}
}

// ReceiveUTXO credits coins created in epoch at price to every matching
// UTXO cohort.
func (s *Set) ReceiveUTXO(tx *Transacted, epoch uint64, price types.Dollars) {
	if tx.IsZero() {
		return
	}
	for _, l := range s.UTXO {
		if part := l.Filter.Portion(tx, 0, epoch); !part.IsZero() {
			l.state.Receive(part, price)
		}
	}
}

// SendUTXO debits coins created in epoch at price acquired and held for
// age from every matching UTXO cohort.
func (s *Set) SendUTXO(tx *Transacted, age Age, epoch uint64, current, acquired types.Dollars) error {
	if tx.IsZero() {
		return nil
	}
	for _, l := range s.UTXO {
		part := l.Filter.Portion(tx, age.Days, epoch)
		if part.IsZero() {
			continue
		}
		if err := l.state.Send(part, current, acquired, age); err != nil {
			return fmt.Errorf("%s: %w", l.name, err)
		}
	}
	return nil
}

// TickTock moves supply created at price from the age cohorts matching
// fromDays to those matching toDays.
func (s *Set) TickTock(supply types.SupplyState, price types.Dollars, fromDays, toDays uint64) error {
	if supply.IsZero() || fromDays == toDays {
		return nil
	}
	for _, l := range s.UTXO {
		if !l.Filter.AgeBased() {
			continue
		}
		was, is := l.Filter.MatchesAge(fromDays), l.Filter.MatchesAge(toDays)
		switch {
		case was && !is:
			if err := l.state.Decrement(supply, price); err != nil {
				return fmt.Errorf("%s: age out: %w", l.name, err)
			}
		case !was && is:
			l.state.Increment(supply, price)
		}
	}
	return nil
}

// AgeBoundaries reports whether any age cohort's membership differs
// between the two ages.
func (s *Set) AgeBoundaries(fromDays, toDays uint64) bool {
	lo, hi := fromDays, toDays
	if lo > hi {
		lo, hi = hi, lo
	}
	// First edge above lo.
	i := sort.Search(len(s.ageEdges), func(i int) bool { return s.ageEdges[i] > lo })
	return i < len(s.ageEdges) && s.ageEdges[i] <= hi
}

func edges(v []uint64) []uint64 {
	slices.Sort(v)
	v = slices.Compact(v)
	out := v[:0]
	for _, e := range v {
		if e != 0 && e != unbounded {
			out = append(out, e)
		}
	}
	return out
}

// AddressLedgers returns the address cohorts a balance belongs to.
func (s *Set) AddressLedgers(balance types.Sats) []*Ledger {
	var out []*Ledger
	for _, l := range s.Address {
		if l.Filter.MatchesAmount(balance) {
			out = append(out, l)
		}
	}
	return out
}

// SupplyTotal sums the supply of one partition of the UTXO cohorts.
func (s *Set) SupplyTotal(kind Kind) types.SupplyState {
	var total types.SupplyState
	for _, l := range s.UTXO {
		if l.Filter.Kind == kind {
			total.Add(l.state.Supply)
		}
	}
	return total
}
