package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/internal/chainstate"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

func TestChunks(t *testing.T) {
	require.Nil(t, chunks(5, 0, 4))
	require.Equal(t, [][2]uint64{{5, 15}}, chunks(5, 10, 4))

	parts := chunks(0, 10_000, 4)
	require.Len(t, parts, 4)
	var covered uint64
	next := uint64(0)
	for _, p := range parts {
		require.Equal(t, next, p[0])
		covered += p[1] - p[0]
		next = p[1]
	}
	require.Equal(t, uint64(10_000), covered)
}

func TestMapReduce_ChunkOrder(t *testing.T) {
	type acc struct{ seen []uint64 }
	res, err := mapReduce(8, chunks(0, 2_000, 8),
		func() *acc { return &acc{} },
		func(a *acc, i uint64) error {
			a.seen = append(a.seen, i)
			return nil
		},
		func(into, from *acc) { into.seen = append(into.seen, from.seen...) },
	)
	require.NoError(t, err)
	require.Len(t, res.seen, 2_000)
	for i, v := range res.seen {
		require.Equal(t, uint64(i), v)
	}
}

func TestTickTock_FindsBoundaryCrossings(t *testing.T) {
	e := newEngine(t, storage.NewMemory(), genesisChain(), testOptions(testParams(), 10))
	day := uint64(86_400)
	e.blocks = []chainstate.BlockState{
		{Timestamp: genesisTime},
		{Timestamp: genesisTime, Price: 10, HasPrice: true, Supply: types.NewSupply(types.OneBTC)},
		{Timestamp: genesisTime + 5*day, Price: 20, HasPrice: true, Supply: types.NewSupply(types.OneBTC)},
	}

	moves, err := e.tickTock(3, genesisTime+5*day+3_600)
	require.NoError(t, err)
	require.Empty(t, moves)

	moves, err = e.tickTock(3, genesisTime+8*day)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	require.Equal(t, agingMove{height: 1, supply: types.NewSupply(types.OneBTC), price: 10, fromDays: 5, toDays: 8}, moves[0])
	require.Equal(t, agingMove{height: 2, supply: types.NewSupply(types.OneBTC), price: 20, fromDays: 0, toDays: 3}, moves[1])
}
