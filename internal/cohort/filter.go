package cohort

import (
	"math"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// Kind is the dimension a cohort filters on.
type Kind uint8

const (
	KindAll Kind = iota
	KindTerm
	KindAgeRange
	KindEpoch
	KindAmountRange
	KindGEAmount
	KindLTAmount
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindTerm:
		return "term"
	case KindAgeRange:
		return "age_range"
	case KindEpoch:
		return "epoch"
	case KindAmountRange:
		return "amount_range"
	case KindGEAmount:
		return "ge_amount"
	case KindLTAmount:
		return "lt_amount"
	case KindType:
		return "type"
	}
	return "unknown"
}

// Filter selects the coins a ledger tracks. Low and High bound a half-open
// range: days for age kinds, sats for amount kinds. Epoch and type kinds
// use Low as the value to match.
type Filter struct {
	Kind Kind
	Name string
	Low  uint64
	High uint64
}

// AgeBased reports whether coins move in and out of the cohort as they age.
func (f Filter) AgeBased() bool {
	return f.Kind == KindTerm || f.Kind == KindAgeRange
}

// MatchesAge reports whether coins of the given age in days belong here.
// Non-age kinds match every age.
func (f Filter) MatchesAge(days uint64) bool {
	if !f.AgeBased() {
		return true
	}
	return days >= f.Low && days < f.High
}

// MatchesEpoch reports whether coins created in epoch belong here.
func (f Filter) MatchesEpoch(epoch uint64) bool {
	return f.Kind != KindEpoch || f.Low == epoch
}

// MatchesAmount reports whether a balance or output value belongs here.
func (f Filter) MatchesAmount(v types.Sats) bool {
	switch f.Kind {
	case KindAmountRange, KindGEAmount, KindLTAmount:
		return uint64(v) >= f.Low && uint64(v) < f.High
	}
	return true
}

// coversAmountRange reports whether amount range i lies inside the filter.
func (f Filter) coversAmountRange(i int) bool {
	lo, hi := AmountRangeBounds(i)
	return lo >= f.Low && hi <= f.High
}

// Portion returns the part of tx that belongs to this cohort, for coins
// aged days that were created in epoch.
func (f Filter) Portion(tx *Transacted, days, epoch uint64) types.SupplyState {
	if !f.MatchesAge(days) || !f.MatchesEpoch(epoch) {
		return types.SupplyState{}
	}
	switch f.Kind {
	case KindType:
		return tx.ByType[f.Low]
	case KindAmountRange, KindGEAmount, KindLTAmount:
		var s types.SupplyState
		for i := range tx.ByAmount {
			if f.coversAmountRange(i) {
				s.Add(tx.ByAmount[i])
			}
		}
		return s
	}
	return tx.Total
}

const unbounded = math.MaxUint64
