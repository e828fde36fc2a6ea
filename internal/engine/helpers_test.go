package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/klingnet-cohorts/config"
	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// genesisTime is the timestamp of the mainnet genesis block.
const genesisTime = 1_231_006_505

func testParams() *config.ChainParams {
	return &config.ChainParams{
		Name:               "unittest",
		HalvingInterval:    20,
		GenesisUnspendable: true,
	}
}

func testOptions(params *config.ChainParams, checkpoint uint64) Options {
	return Options{
		Params:        params,
		Checkpoint:    checkpoint,
		Workers:       4,
		RollbackDepth: 3,
	}
}

func newEngine(t *testing.T, db storage.DB, r indexer.Reader, opts Options) *Engine {
	t.Helper()
	e, err := New(db, r, opts)
	require.NoError(t, err)
	return e
}

func run(t *testing.T, e *Engine, requested uint64) uint64 {
	t.Helper()
	n, err := e.Run(context.Background(), requested)
	require.NoError(t, err)
	return n
}

// genesisChain returns a reader holding only the genesis block.
func genesisChain() *indexer.Memory {
	m := indexer.NewMemory(true)
	m.Append(indexer.BlockSpec{
		Timestamp: genesisTime,
		Price:     0,
		Outputs:   []indexer.Output{{Value: 50 * types.OneBTC, Type: types.P2PK65}},
	})
	return m
}

func ledgerOf(t *testing.T, e *Engine, name string) *cohort.Ledger {
	t.Helper()
	l, ok := e.cohorts.ByName(name)
	require.True(t, ok, name)
	return l
}

func satsAt(t *testing.T, e *Engine, name string, h uint64) types.Sats {
	t.Helper()
	v, ok, err := ledgerOf(t, e, name).SupplySeries().Get(h)
	require.NoError(t, err)
	require.True(t, ok, "%s at %d", name, h)
	return v
}

// digest hashes every persisted data entry. Stamps, changesets and state
// checkpoints depend on when flushes happened and are left out.
func digest(t *testing.T, db storage.DB) string {
	t.Helper()
	h := blake3.New()
	err := db.ForEach(nil, func(k, v []byte) error {
		i := bytes.IndexByte(k, '#')
		if i < 0 || !bytes.HasPrefix(k[i:], []byte("#d")) {
			return nil
		}
		h.Write(k)
		h.Write(v)
		return nil
	})
	require.NoError(t, err)
	return hex.EncodeToString(h.Sum(nil))
}

type utxo struct {
	index uint64
	value types.Sats
}

// chainGen appends pseudo-random blocks that spend earlier outputs,
// reuse addresses and sometimes step the clock backwards.
type chainGen struct {
	rng     *rand.Rand
	m       *indexer.Memory
	unspent []utxo
	outputs uint64
	ts      uint64
}

func newChainGen(seed int64) *chainGen {
	m := genesisChain()
	return &chainGen{
		rng:     rand.New(rand.NewSource(seed)),
		m:       m,
		outputs: 1,
		ts:      genesisTime,
	}
}

func (g *chainGen) reseed(seed int64) {
	g.rng = rand.New(rand.NewSource(seed))
}

var genTypes = []types.OutputType{types.P2PKH, types.P2WPKH, types.P2SH, types.P2TR, types.P2MS}

func (g *chainGen) block() {
	step := uint64(g.rng.Intn(3*86400)) + 600
	if g.rng.Intn(8) == 0 {
		g.ts -= 1200
	} else {
		g.ts += step
	}

	var spends []uint64
	keep := g.unspent[:0]
	for _, u := range g.unspent {
		if g.rng.Intn(4) == 0 {
			spends = append(spends, u.index)
		} else {
			keep = append(keep, u)
		}
	}
	g.unspent = keep

	first := g.outputs
	outs := []indexer.Output{{Value: 50 * types.OneBTC, Type: types.P2PK65, TypeIndex: uint64(g.rng.Intn(3))}}
	for range g.rng.Intn(5) {
		v := types.Sats(g.rng.Int63n(int64(20 * types.OneBTC)))
		typ := genTypes[g.rng.Intn(len(genTypes))]
		outs = append(outs, indexer.Output{Value: v, Type: typ, TypeIndex: uint64(g.rng.Intn(6))})
	}
	if g.rng.Intn(6) == 0 {
		outs = append(outs, indexer.Output{Value: 1_000, Type: types.OpReturn})
	}
	for i, o := range outs {
		idx := first + uint64(i)
		switch {
		case !o.Type.IsSpendable():
		case i > 0 && g.rng.Intn(10) == 0:
			// Spent by the block that creates it.
			spends = append(spends, idx)
		default:
			g.unspent = append(g.unspent, utxo{index: idx, value: o.Value})
		}
	}
	g.outputs += uint64(len(outs))

	g.m.Append(indexer.BlockSpec{
		Timestamp:        g.ts,
		Price:            types.Dollars(100 + g.rng.Intn(5_000)),
		Outputs:          outs,
		Spends:           spends,
		UnclaimedRewards: types.Sats(g.rng.Intn(2)) * 1_000,
	})
}

func (g *chainGen) blocks(n int) *indexer.Memory {
	for range n {
		g.block()
	}
	return g.m
}

// randomChain returns a reader with n blocks after genesis.
func randomChain(seed int64, n int) *indexer.Memory {
	return newChainGen(seed).blocks(n)
}
