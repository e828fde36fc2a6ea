package cohort

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// ShortTermDays is the age at which coins become long-term holdings.
const ShortTermDays = 155

type bound struct {
	at   uint64
	name string
}

var ageBounds = []bound{
	{0, "up_to_1d"}, {1, "1d_to_1w"}, {7, "1w_to_1m"}, {30, "1m_to_2m"},
	{60, "2m_to_3m"}, {90, "3m_to_4m"}, {120, "4m_to_5m"}, {150, "5m_to_6m"},
	{180, "6m_to_1y"}, {365, "1y_to_2y"}, {730, "2y_to_3y"}, {1095, "3y_to_4y"},
	{1460, "4y_to_5y"}, {1825, "5y_to_6y"}, {2190, "6y_to_7y"}, {2555, "7y_to_8y"},
	{2920, "8y_to_10y"}, {3650, "10y_to_12y"}, {4380, "12y_to_15y"}, {5475, "from_15y"},
}

var amountBounds = [...]bound{
	{0, "0sats"},
	{1, "1sat_to_10sats"},
	{10, "10sats_to_100sats"},
	{100, "100sats_to_1k_sats"},
	{1_000, "1k_sats_to_10k_sats"},
	{10_000, "10k_sats_to_100k_sats"},
	{100_000, "100k_sats_to_1m_sats"},
	{1_000_000, "1m_sats_to_10m_sats"},
	{10_000_000, "10m_sats_to_1btc"},
	{100_000_000, "1btc_to_10btc"},
	{1_000_000_000, "10btc_to_100btc"},
	{10_000_000_000, "100btc_to_1k_btc"},
	{100_000_000_000, "1k_btc_to_10k_btc"},
	{1_000_000_000_000, "10k_btc_to_100k_btc"},
	{10_000_000_000_000, "100k_btc_or_more"},
}

var amountThresholds = []bound{
	{1_000, "1k_sats"},
	{1_000_000, "1m_sats"},
	{100_000_000, "1btc"},
	{10_000_000_000, "100btc"},
	{1_000_000_000_000, "10k_btc"},
}

// NumAmountRanges is the number of amount range buckets.
const NumAmountRanges = len(amountBounds)

// NumEpochs is the number of halving epochs given their own cohort.
const NumEpochs = 5

// AmountRange returns the index of the amount range containing v.
func AmountRange(v types.Sats) int {
	i := len(amountBounds) - 1
	for i > 0 && uint64(v) < amountBounds[i].at {
		i--
	}
	return i
}

// AmountRangeBounds returns the half-open sats range of bucket i.
func AmountRangeBounds(i int) (lo, hi uint64) {
	lo = amountBounds[i].at
	hi = unbounded
	if i+1 < len(amountBounds) {
		hi = amountBounds[i+1].at
	}
	return lo, hi
}

// UTXOFilters returns every UTXO cohort filter in ledger order.
func UTXOFilters() []Filter {
	out := []Filter{{Kind: KindAll, Name: "all"}}
	out = append(out,
		Filter{Kind: KindTerm, Name: "short_term", Low: 0, High: ShortTermDays},
		Filter{Kind: KindTerm, Name: "long_term", Low: ShortTermDays, High: unbounded},
	)
	for i, b := range ageBounds {
		hi := uint64(unbounded)
		if i+1 < len(ageBounds) {
			hi = ageBounds[i+1].at
		}
		out = append(out, Filter{Kind: KindAgeRange, Name: b.name, Low: b.at, High: hi})
	}
	for e := uint64(0); e < NumEpochs; e++ {
		out = append(out, Filter{Kind: KindEpoch, Name: fmt.Sprintf("epoch_%d", e), Low: e})
	}
	out = append(out, amountFilters()...)
	for _, t := range types.OutputTypes {
		if t.IsSpendable() {
			out = append(out, Filter{Kind: KindType, Name: t.String(), Low: uint64(t)})
		}
	}
	return out
}

// AddressFilters returns every address cohort filter in ledger order.
// Address cohorts are keyed by balance.
func AddressFilters() []Filter {
	return amountFilters()
}

func amountFilters() []Filter {
	var out []Filter
	for i, b := range amountBounds {
		lo, hi := AmountRangeBounds(i)
		out = append(out, Filter{Kind: KindAmountRange, Name: b.name, Low: lo, High: hi})
	}
	for _, b := range amountThresholds {
		out = append(out, Filter{Kind: KindGEAmount, Name: "ge_" + b.name, Low: b.at, High: unbounded})
	}
	for _, b := range amountThresholds {
		out = append(out, Filter{Kind: KindLTAmount, Name: "lt_" + b.name, Low: 0, High: b.at})
	}
	return out
}
