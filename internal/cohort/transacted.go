package cohort

import "github.com/Klingon-tech/klingnet-cohorts/pkg/types"

// Transacted aggregates spendable outputs created or spent together, broken
// down by output type and amount range.
type Transacted struct {
	Total    types.SupplyState
	ByType   [types.NumOutputTypes]types.SupplyState
	ByAmount [NumAmountRanges]types.SupplyState
}

// Add records one output.
func (t *Transacted) Add(v types.Sats, typ types.OutputType) {
	s := types.NewSupply(v)
	t.Total.Add(s)
	t.ByType[typ].Add(s)
	t.ByAmount[AmountRange(v)].Add(s)
}

// AddSupply records s with a single type and amount range, for synthetic
// spends where only the total is known.
func (t *Transacted) AddSupply(s types.SupplyState, typ types.OutputType, v types.Sats) {
	t.Total.Add(s)
	t.ByType[typ].Add(s)
	t.ByAmount[AmountRange(v)].Add(s)
}

// Merge adds o into t.
func (t *Transacted) Merge(o *Transacted) {
	t.Total.Add(o.Total)
	for i := range t.ByType {
		t.ByType[i].Add(o.ByType[i])
	}
	for i := range t.ByAmount {
		t.ByAmount[i].Add(o.ByAmount[i])
	}
}

// IsZero reports whether nothing was recorded.
func (t *Transacted) IsZero() bool {
	return t.Total.IsZero()
}
