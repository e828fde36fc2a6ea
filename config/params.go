package config

import "github.com/Klingon-tech/klingnet-cohorts/pkg/types"

// =============================================================================
// Chain Parameters (fixed per network)
// These MUST match the indexed chain or every derived value is wrong.
// =============================================================================

// DefaultHalvingInterval is the number of blocks between subsidy halvings.
const DefaultHalvingInterval = 210_000

// DuplicateCoinbase is a coinbase whose transaction id repeats an earlier
// unspent coinbase. The earlier output becomes unspendable, so its value is
// destroyed at Height and debited from the Origin height.
type DuplicateCoinbase struct {
	Height uint64
	Origin uint64
	Value  types.Sats
	Type   types.OutputType
}

// ChainParams holds the rules the engine needs to interpret the chain.
type ChainParams struct {
	Name            string
	HalvingInterval uint64

	// GenesisUnspendable marks every output of height 0 as unspendable.
	GenesisUnspendable bool

	DuplicateCoinbases []DuplicateCoinbase
}

// MainnetParams returns the mainnet chain parameters.
func MainnetParams() *ChainParams {
	return &ChainParams{
		Name:               string(Mainnet),
		HalvingInterval:    DefaultHalvingInterval,
		GenesisUnspendable: true,
		DuplicateCoinbases: []DuplicateCoinbase{
			{Height: 91_842, Origin: 91_812, Value: 50 * types.OneBTC, Type: types.P2PK65},
			{Height: 91_880, Origin: 91_722, Value: 50 * types.OneBTC, Type: types.P2PK65},
		},
	}
}

// TestnetParams returns the testnet chain parameters.
func TestnetParams() *ChainParams {
	return &ChainParams{
		Name:               string(Testnet),
		HalvingInterval:    DefaultHalvingInterval,
		GenesisUnspendable: true,
	}
}

// Params returns the chain parameters for network.
func Params(network NetworkType) *ChainParams {
	if network == Testnet {
		return TestnetParams()
	}
	return MainnetParams()
}

// Epoch returns the halving epoch of height h.
func (p *ChainParams) Epoch(h uint64) uint64 {
	if p.HalvingInterval == 0 {
		return 0
	}
	return h / p.HalvingInterval
}

// DuplicateCoinbaseAt returns the duplicate coinbase destroyed at height h.
func (p *ChainParams) DuplicateCoinbaseAt(h uint64) (DuplicateCoinbase, bool) {
	for _, d := range p.DuplicateCoinbases {
		if d.Height == h {
			return d, true
		}
	}
	return DuplicateCoinbase{}, false
}
