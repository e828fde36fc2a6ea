package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/config"
	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	"github.com/Klingon-tech/klingnet-cohorts/internal/rollup"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

func TestEngine_GenesisIsUnspendable(t *testing.T) {
	db := storage.NewMemory()
	e := newEngine(t, db, genesisChain(), testOptions(config.MainnetParams(), 10))

	require.Equal(t, uint64(1), run(t, e, Resume))
	require.Equal(t, uint64(1), e.Height())
	require.Equal(t, 50*types.OneBTC, e.totals.Unspendable)
	require.Zero(t, e.totals.OpReturn)
	require.Zero(t, satsAt(t, e, "utxo/all/all", 0))
	require.Zero(t, e.registry.LoadedCount())

	v, ok, err := e.totals.unspendable.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 50*types.OneBTC, v)
}

func TestEngine_RealizedProfitOnSpend(t *testing.T) {
	m := genesisChain()
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 86_400,
		Price:     10,
		Outputs:   []indexer.Output{{Value: 10_000, Type: types.P2PKH, TypeIndex: 7}},
	})
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 86_400 + 7_200,
		Price:     20,
		Outputs:   []indexer.Output{{Value: 10_000, Type: types.P2WPKH, TypeIndex: 3}},
		Spends:    []uint64{1},
	})
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	require.Equal(t, uint64(3), run(t, e, Resume))

	all := ledgerOf(t, e, "utxo/all/all")
	profit, ok, err := all.RealizedProfitSeries().Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.001, float64(profit), 1e-12)
	loss, _, err := all.RealizedLossSeries().Get(2)
	require.NoError(t, err)
	require.Zero(t, loss)

	u, err := all.UnrealizedAt(1)
	require.NoError(t, err)
	require.Equal(t, types.Sats(10_000), u.SupplyEven)

	// The address realized while it held 10k sats.
	addr := ledgerOf(t, e, "addr/amount_range/10k_sats_to_100k_sats")
	profit, _, err = addr.RealizedProfitSeries().Get(2)
	require.NoError(t, err)
	require.InDelta(t, 0.001, float64(profit), 1e-12)

	require.Zero(t, e.totals.AddrCount[types.P2PKH])
	require.Equal(t, uint64(1), e.totals.EmptyCount[types.P2PKH])
	require.Equal(t, uint64(1), e.totals.AddrCount[types.P2WPKH])

	idx, found, err := e.registry.Get(types.P2PKH, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, idx.IsEmpty())
	empty, err := e.registry.GetOrReadEmpty(idx.Index())
	require.NoError(t, err)
	require.Equal(t, types.Sats(10_000), empty.Transferred)

	chainState, err := e.chain.Get(1)
	require.NoError(t, err)
	require.True(t, chainState.IsZero())
}

func TestEngine_DuplicateCoinbase(t *testing.T) {
	params := testParams()
	params.DuplicateCoinbases = []config.DuplicateCoinbase{
		{Height: 3, Origin: 1, Value: 50 * types.OneBTC, Type: types.P2PK65},
	}
	m := genesisChain()
	for i := range uint64(3) {
		ti := i + 1
		if i == 2 {
			ti = 1
		}
		m.Append(indexer.BlockSpec{
			Timestamp: genesisTime + (i+1)*600,
			Price:     1,
			Outputs:   []indexer.Output{{Value: 50 * types.OneBTC, Type: types.P2PK65, TypeIndex: ti}},
		})
	}
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(params, 10))
	require.Equal(t, uint64(4), run(t, e, Resume))

	require.Equal(t, 100*types.OneBTC, e.totals.Unspendable)
	require.Equal(t, 100*types.OneBTC, satsAt(t, e, "utxo/all/all", 3))
	require.Equal(t, 100*types.OneBTC, satsAt(t, e, "utxo/all/all", 2))
	require.Equal(t, 100*types.OneBTC, satsAt(t, e, "utxo/type/p2pk65", 3))
	st, err := e.chain.Get(1)
	require.NoError(t, err)
	require.True(t, st.IsZero())

	// Address records are left alone.
	idx, found, err := e.registry.Get(types.P2PK65, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, idx.IsEmpty())
	data, err := e.registry.GetOrReadLoaded(idx.Index())
	require.NoError(t, err)
	require.Equal(t, 100*types.OneBTC, data.Balance())
	require.Equal(t, uint32(2), data.UTXOCount)
}

func TestEngine_SupplyConservation(t *testing.T) {
	m := randomChain(1, 60)
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 16))
	tip := run(t, e, Resume)
	require.Equal(t, m.Height(), tip)

	var unspent types.SupplyState
	for _, b := range e.blocks {
		unspent.Add(b.Supply)
	}
	all := ledgerOf(t, e, "utxo/all/all")
	require.Equal(t, unspent, all.State().Supply)

	kinds := []cohort.Kind{cohort.KindTerm, cohort.KindAgeRange, cohort.KindEpoch, cohort.KindAmountRange, cohort.KindType}
	for _, k := range kinds {
		require.Equal(t, all.State().Supply, e.cohorts.SupplyTotal(k), k.String())
	}
	for _, l := range e.cohorts.All() {
		require.Equal(t, l.State().Supply, l.State().CostBasisTotal(), l.Name())
	}

	// Every loaded address sits in exactly one balance bucket.
	var addrSupply types.SupplyState
	var addrCount uint64
	for _, l := range e.cohorts.Address {
		if l.Filter.Kind == cohort.KindAmountRange {
			addrSupply.Add(l.State().Supply)
			addrCount += l.AddrCount()
		}
	}
	require.Equal(t, e.registry.LoadedCount(), addrCount)
	var loaded uint64
	for _, n := range e.totals.AddrCount {
		loaded += n
	}
	require.Equal(t, loaded, addrCount)
	require.LessOrEqual(t, addrSupply.Value, all.State().Supply.Value)

	// What remains is every spendable output no input consumed.
	spent := make(map[uint64]bool)
	var remaining types.Sats
	for h := range m.Height() {
		b, err := m.Block(h)
		require.NoError(t, err)
		for i := b.FirstInput; i < b.FirstInput+b.InputCount; i++ {
			in, err := m.Input(i)
			require.NoError(t, err)
			if !in.Coinbase {
				spent[in.OutputIndex] = true
			}
		}
	}
	for h := uint64(1); h < m.Height(); h++ {
		b, err := m.Block(h)
		require.NoError(t, err)
		for i := b.FirstOutput; i < b.FirstOutput+b.OutputCount; i++ {
			out, err := m.Output(i)
			require.NoError(t, err)
			if out.Type.IsSpendable() && !spent[i] {
				remaining += out.Value
			}
		}
	}
	require.Equal(t, remaining, all.State().Supply.Value)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	m := randomChain(7, 45)

	db1 := storage.NewMemory()
	run(t, newEngine(t, db1, m, testOptions(testParams(), 10)), Resume)

	db2 := storage.NewMemory()
	run(t, newEngine(t, db2, m, testOptions(testParams(), 10)), Resume)
	require.Equal(t, digest(t, db1), digest(t, db2))

	// Recomputing from 0 over existing data changes nothing.
	run(t, newEngine(t, db2, m, testOptions(testParams(), 10)), 0)
	require.Equal(t, digest(t, db1), digest(t, db2))
}

func TestEngine_Resumable(t *testing.T) {
	m := randomChain(3, 50)

	ref := storage.NewMemory()
	run(t, newEngine(t, ref, m, testOptions(testParams(), 1_000)), Resume)

	db := storage.NewMemory()
	for _, limit := range []uint64{7, 13, 30, 38, m.Height()} {
		e := newEngine(t, db, m.Limit(limit), testOptions(testParams(), 5))
		require.Equal(t, limit, run(t, e, Resume))
	}
	require.Equal(t, digest(t, ref), digest(t, db))
}

func TestEngine_WarmRunIsNoop(t *testing.T) {
	m := randomChain(5, 20)
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 8))
	run(t, e, Resume)
	before := digest(t, db)
	require.Equal(t, m.Height(), run(t, e, Resume))
	require.Equal(t, before, digest(t, db))

	// New blocks continue from the warm state.
	m = newChainGen(5).blocks(26)
	require.Equal(t, m.Height(), run(t, newEngine(t, db, m, testOptions(testParams(), 8)), Resume))
}

// reorgChains returns two chains sharing their first fork heights.
func reorgChains(fork, n int) (*indexer.Memory, *indexer.Memory) {
	a := randomChain(11, n)
	g := newChainGen(11)
	g.blocks(fork - 1)
	g.reseed(99)
	return a, g.blocks(n - fork + 1)
}

func TestEngine_RollbackToCheckpoint(t *testing.T) {
	a, b := reorgChains(35, 40)
	require.Equal(t, uint64(41), a.Height())
	require.Equal(t, uint64(41), b.Height())

	db := storage.NewMemory()
	run(t, newEngine(t, db, a, testOptions(testParams(), 5)), Resume)

	before := rebuilds.Get()
	e := newEngine(t, db, b, testOptions(testParams(), 5))
	require.Equal(t, b.Height(), run(t, e, 35))
	require.Equal(t, before, rebuilds.Get())

	fresh := storage.NewMemory()
	run(t, newEngine(t, fresh, b, testOptions(testParams(), 5)), Resume)
	require.Equal(t, digest(t, fresh), digest(t, db))
}

func TestEngine_RollbackBetweenCheckpoints(t *testing.T) {
	a, b := reorgChains(33, 40)

	db := storage.NewMemory()
	run(t, newEngine(t, db, a, testOptions(testParams(), 5)), Resume)

	before := rebuilds.Get()
	e := newEngine(t, db, b, testOptions(testParams(), 5))
	// 33 is not a checkpoint; every store lands on 30.
	start, err := e.resolveStart(33)
	require.NoError(t, err)
	require.Equal(t, uint64(30), start)
	require.Equal(t, uint64(30), e.Height())
	require.Equal(t, before, rebuilds.Get())

	require.Equal(t, b.Height(), run(t, e, Resume))
	require.Equal(t, before, rebuilds.Get())

	fresh := storage.NewMemory()
	run(t, newEngine(t, fresh, b, testOptions(testParams(), 5)), Resume)
	require.Equal(t, digest(t, fresh), digest(t, db))
}

func TestEngine_RollbackOutOfReachRebuilds(t *testing.T) {
	a, b := reorgChains(33, 40)
	opts := testOptions(testParams(), 5)
	opts.RollbackDepth = 1

	db := storage.NewMemory()
	run(t, newEngine(t, db, a, opts), Resume)

	before := rebuilds.Get()
	e := newEngine(t, db, b, opts)
	// Only the last flush can be reverted, which stays above 33.
	start, err := e.resolveStart(33)
	require.NoError(t, err)
	require.Zero(t, start)
	require.Equal(t, before+1, rebuilds.Get())

	require.Equal(t, b.Height(), run(t, e, Resume))

	fresh := storage.NewMemory()
	run(t, newEngine(t, fresh, b, opts), Resume)
	require.Equal(t, digest(t, fresh), digest(t, db))
}

func TestEngine_AddressLifecycle(t *testing.T) {
	m := genesisChain()
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 86_400,
		Price:     100,
		Outputs: []indexer.Output{
			{Value: types.OneBTC, Type: types.P2WPKH, TypeIndex: 5},
			{Value: 2 * types.OneBTC, Type: types.P2WPKH, TypeIndex: 5},
		},
	})
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 2*86_400,
		Price:     200,
		Outputs:   []indexer.Output{{Value: types.OneBTC, Type: types.P2TR, TypeIndex: 9}},
		Spends:    []uint64{1},
	})
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	run(t, e, Resume)

	bucket := ledgerOf(t, e, "addr/amount_range/1btc_to_10btc")
	idx, _, err := e.registry.Get(types.P2WPKH, 5)
	require.NoError(t, err)
	data, err := e.registry.GetOrReadLoaded(idx.Index())
	require.NoError(t, err)
	require.Equal(t, 2*types.OneBTC, data.Balance())
	require.Equal(t, uint32(1), data.UTXOCount)
	require.InDelta(t, 200, float64(data.RealizedCap), 1e-9)
	require.Equal(t, uint64(2), bucket.AddrCount())
	require.Equal(t, 3*types.OneBTC, bucket.State().Supply.Value)
	profit, _, err := bucket.RealizedProfitSeries().Get(2)
	require.NoError(t, err)
	require.InDelta(t, 100, float64(profit), 1e-9)

	// Drain, then revive in the freed slot.
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 3*86_400,
		Price:     200,
		Outputs:   []indexer.Output{{Value: 2 * types.OneBTC, Type: types.P2TR, TypeIndex: 9}},
		Spends:    []uint64{2},
	})
	run(t, e, Resume)
	require.Equal(t, uint64(1), e.totals.EmptyCount[types.P2WPKH])
	require.Zero(t, e.totals.AddrCount[types.P2WPKH])
	require.Equal(t, uint64(1), bucket.AddrCount())
	require.Equal(t, 3*types.OneBTC, bucket.State().Supply.Value)

	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 4*86_400,
		Price:     300,
		Outputs:   []indexer.Output{{Value: 5_000, Type: types.P2WPKH, TypeIndex: 5}},
	})
	run(t, e, Resume)
	idx, _, err = e.registry.Get(types.P2WPKH, 5)
	require.NoError(t, err)
	require.False(t, idx.IsEmpty())
	require.Equal(t, uint64(0), idx.Index())
	data, err = e.registry.GetOrReadLoaded(idx.Index())
	require.NoError(t, err)
	require.Equal(t, types.Sats(5_000), data.Balance())
	require.Zero(t, e.totals.EmptyCount[types.P2WPKH])
	require.Equal(t, uint64(1), e.totals.AddrCount[types.P2WPKH])
	require.Equal(t, uint64(1), ledgerOf(t, e, "addr/amount_range/1k_sats_to_10k_sats").AddrCount())
}

// An address stays loaded while it holds any output, even a zero-value
// one, and empties when its last output is spent.
func TestEngine_ZeroValueAddressStaysLoaded(t *testing.T) {
	m := genesisChain()
	_, zeroOut := m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 86_400,
		Price:     100,
		Outputs:   []indexer.Output{{Value: 0, Type: types.P2WPKH, TypeIndex: 7}},
	})
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	run(t, e, Resume)

	idx, found, err := e.registry.Get(types.P2WPKH, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, idx.IsEmpty())
	data, err := e.registry.GetOrReadLoaded(idx.Index())
	require.NoError(t, err)
	require.Zero(t, data.Balance())
	require.Equal(t, uint32(1), data.UTXOCount)
	require.Equal(t, uint64(1), e.totals.AddrCount[types.P2WPKH])
	require.Equal(t, uint64(1), ledgerOf(t, e, "addr/amount_range/0sats").AddrCount())

	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime + 2*86_400,
		Price:     100,
		Outputs:   []indexer.Output{{Value: types.OneBTC, Type: types.P2TR, TypeIndex: 1}},
		Spends:    []uint64{zeroOut},
	})
	run(t, e, Resume)

	idx, found, err = e.registry.Get(types.P2WPKH, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, idx.IsEmpty())
	require.Zero(t, e.totals.AddrCount[types.P2WPKH])
	require.Equal(t, uint64(1), e.totals.EmptyCount[types.P2WPKH])
	require.Zero(t, ledgerOf(t, e, "addr/amount_range/0sats").AddrCount())
}

func TestEngine_Unpriced(t *testing.T) {
	m := indexer.NewMemory(false)
	m.Append(indexer.BlockSpec{Timestamp: genesisTime, Outputs: []indexer.Output{{Value: 50 * types.OneBTC, Type: types.P2PK65}}})
	m.Append(indexer.BlockSpec{Timestamp: genesisTime + 600, Outputs: []indexer.Output{{Value: 50 * types.OneBTC, Type: types.P2PKH, TypeIndex: 1}}})
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	run(t, e, Resume)

	all := ledgerOf(t, e, "utxo/all/all")
	require.Nil(t, all.RealizedCapSeries())
	require.Equal(t, 50*types.OneBTC, satsAt(t, e, "utxo/all/all", 1))
	_, ok := e.Rollup().Series("utxo/all/all", rollup.RealizedPrice)
	require.False(t, ok)
}

func TestEngine_Rollup(t *testing.T) {
	m := randomChain(21, 30)
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	run(t, e, Resume)

	rel, ok := e.Rollup().Series("utxo/all/all", rollup.SupplyRelToCirculating)
	require.True(t, ok)
	require.Equal(t, m.Height(), rel.Len())
	for h := uint64(1); h < rel.Len(); h++ {
		v, _, err := rel.Get(h)
		require.NoError(t, err)
		require.InDelta(t, 100, v, 1e-9)
	}

	cum, ok := e.Rollup().Series("utxo/all/all", rollup.CumulativeRealizedProfit)
	require.True(t, ok)
	all := ledgerOf(t, e, "utxo/all/all")
	profits, err := all.RealizedProfitSeries().Collect(0, m.Height())
	require.NoError(t, err)
	var sum float64
	for _, p := range profits {
		sum += float64(p)
	}
	last, _, err := cum.Last()
	require.NoError(t, err)
	require.InDelta(t, sum, last, 1e-6)
}

func TestEngine_CancelAfterCheckpoint(t *testing.T) {
	m := randomChain(2, 30)
	db := storage.NewMemory()
	e := newEngine(t, db, m, testOptions(testParams(), 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := e.Run(ctx, Resume)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(10), n)

	require.Equal(t, m.Height(), run(t, newEngine(t, db, m, testOptions(testParams(), 10)), Resume))
}
