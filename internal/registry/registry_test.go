package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

func flushRegistry(t *testing.T, db storage.DB, r *Registry, stamp types.Stamp) {
	t.Helper()
	b := storage.NewBatch(db)
	require.NoError(t, r.StampedFlush(b, stamp))
	require.NoError(t, b.Commit())
}

func TestAnyAddressIndex(t *testing.T) {
	require.False(t, Loaded(5).IsEmpty())
	require.True(t, Empty(5).IsEmpty())
	require.Equal(t, uint64(5), Empty(5).Index())
	require.NotEqual(t, Loaded(5), Empty(5))
	require.Equal(t, "empty(5)", Empty(5).String())
}

func TestLoadedAddressData_ReceiveSend(t *testing.T) {
	var d LoadedAddressData
	d.Receive(10_000, 10)
	d.Receive(30_000, 20)
	require.Equal(t, types.Sats(40_000), d.Balance())
	require.Equal(t, uint32(2), d.UTXOCount)
	require.InDelta(t, 0.007, float64(d.RealizedCap), 1e-12)
	require.InDelta(t, 17.5, float64(d.AvgPrice()), 1e-9)

	require.NoError(t, d.Send(10_000, 10))
	require.InDelta(t, 0.006, float64(d.RealizedCap), 1e-12)

	require.NoError(t, d.Send(30_000, 20))
	require.Equal(t, types.Sats(0), d.Balance())
	require.Equal(t, types.Dollars(0), d.RealizedCap)

	require.ErrorIs(t, d.Send(1, 1), types.ErrSupplyUnderflow)
	require.Equal(t, EmptyAddressData{Transferred: 40_000}, d.ToEmpty())

	revived := FromEmpty(d.ToEmpty())
	require.Equal(t, types.Sats(0), revived.Balance())
}

func TestLoadedAddressData_SendBeyondCostBasis(t *testing.T) {
	var d LoadedAddressData
	d.Receive(10_000, 10)
	d.Receive(10_000, 10)

	err := d.Send(10_000, 1000)
	require.ErrorIs(t, err, types.ErrNegativeValue)
	require.Equal(t, types.Sats(20_000), d.Balance())
	require.Equal(t, uint32(2), d.UTXOCount)

	// Float residue on the last coin is settled to zero.
	require.NoError(t, d.Send(10_000, 10))
	require.NoError(t, d.Send(10_000, 10+1e-9))
	require.Zero(t, d.RealizedCap)
}

func TestRegistry_Lifecycle(t *testing.T) {
	db := storage.NewMemory()
	r, err := Open(db, 16)
	require.NoError(t, err)

	_, found, err := r.Get(types.P2PKH, 0)
	require.NoError(t, err)
	require.False(t, found)

	// New address: loaded slot 0.
	var d LoadedAddressData
	d.Receive(500, 1)
	i := r.PushLoaded(d)
	require.NoError(t, r.UpdateOrPush(types.P2PKH, 0, Loaded(i)))
	flushRegistry(t, db, r, 1)

	// Drain it: loaded slot becomes a hole, record moves to the empty store.
	require.NoError(t, d.Send(500, 1))
	require.NoError(t, r.DeleteLoaded(i))
	j := r.PushEmpty(d.ToEmpty())
	require.NoError(t, r.UpdateOrPush(types.P2PKH, 0, Empty(j)))
	require.Equal(t, uint64(0), r.LoadedCount())
	require.Equal(t, uint64(1), r.EmptyCount())
	flushRegistry(t, db, r, 2)

	idx, found, err := r.Get(types.P2PKH, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, Empty(0), idx)

	// A second address fills the freed loaded slot.
	var d2 LoadedAddressData
	d2.Receive(7, 1)
	require.Equal(t, uint64(0), r.PushLoaded(d2))
	require.NoError(t, r.UpdateOrPush(types.P2TR, 3, Loaded(0)))
	_, found, err = r.Get(types.P2TR, 1)
	require.NoError(t, err)
	require.False(t, found, "skipped type indices are holes")
	flushRegistry(t, db, r, 3)

	reached, agreed, err := r.RollbackBefore(2)
	require.NoError(t, err)
	require.True(t, agreed)
	require.Equal(t, types.Stamp(2), reached)
	require.Equal(t, uint64(0), r.LoadedCount())
	_, found, err = r.Get(types.P2TR, 3)
	require.NoError(t, err)
	require.False(t, found)

	e, err := r.GetOrReadEmpty(0)
	require.NoError(t, err)
	require.Equal(t, types.Sats(500), e.Transferred)
	_, err = r.GetOrReadLoaded(0)
	require.ErrorIs(t, err, ErrAddressMissing)
}

func TestRegistry_ValidateVersionResets(t *testing.T) {
	db := storage.NewMemory()
	r, err := Open(db, 0)
	require.NoError(t, err)

	reset, err := r.ValidateVersion(1)
	require.NoError(t, err)
	require.False(t, reset)

	r.PushLoaded(LoadedAddressData{Received: 1, UTXOCount: 1})
	flushRegistry(t, db, r, 1)

	reopened, err := Open(db, 0)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(1), reopened.Stamp())

	reset, err = reopened.ValidateVersion(2)
	require.NoError(t, err)
	require.True(t, reset)
	require.Equal(t, uint64(0), reopened.LoadedCount())
	require.Equal(t, types.Stamp(0), reopened.Stamp())
}
