package vec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

type u64 = Uint64Codec[uint64]

func openU64(t *testing.T, db storage.DB, opts ...Option) *Vec[uint64] {
	t.Helper()
	v, err := Open[uint64](db, "test/series", u64{}, opts...)
	require.NoError(t, err)
	return v
}

func flush(t *testing.T, db storage.DB, v *Vec[uint64], stamp types.Stamp) {
	t.Helper()
	b := storage.NewBatch(db)
	require.NoError(t, v.Flush(b, stamp))
	require.NoError(t, b.Commit())
}

func values(t *testing.T, v *Vec[uint64]) []uint64 {
	t.Helper()
	out, err := v.Collect(0, v.Len())
	require.NoError(t, err)
	return out
}

func TestVec_PushFlushReopen(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)

	for i := uint64(0); i < 5; i++ {
		require.Equal(t, i, v.Push(i*10))
	}
	got, ok, err := v.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(30), got)

	flush(t, db, v, 5)

	reopened := openU64(t, db)
	require.Equal(t, uint64(5), reopened.Len())
	require.Equal(t, types.Stamp(5), reopened.Stamp())
	require.Equal(t, []uint64{0, 10, 20, 30, 40}, values(t, reopened))

	_, ok, err = reopened.Get(5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVec_ForcedPushAt(t *testing.T) {
	v := openU64(t, storage.NewMemory())
	require.NoError(t, v.ForcedPushAt(0, 1))
	require.NoError(t, v.ForcedPushAt(1, 2))

	// Already present: skipped, value unchanged.
	require.NoError(t, v.ForcedPushAt(0, 99))
	got, _, _ := v.Get(0)
	require.Equal(t, uint64(1), got)

	err := v.ForcedPushAt(5, 3)
	require.ErrorIs(t, err, ErrGap)
	require.Equal(t, uint64(2), v.Len())
}

func TestVec_HolesFillLowestFirst(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)
	for i := uint64(0); i < 6; i++ {
		v.Push(i)
	}
	require.NoError(t, v.Delete(4))
	require.NoError(t, v.Delete(1))
	require.Equal(t, uint64(2), v.HoleCount())

	_, ok, _ := v.Get(1)
	require.False(t, ok)

	flush(t, db, v, 1)
	reopened := openU64(t, db)
	require.Equal(t, uint64(2), reopened.HoleCount())

	require.Equal(t, uint64(1), reopened.FillFirstHoleOrPush(100))
	require.Equal(t, uint64(4), reopened.FillFirstHoleOrPush(200))
	require.Equal(t, uint64(6), reopened.FillFirstHoleOrPush(300))
	require.Equal(t, []uint64{0, 100, 2, 3, 200, 5, 300}, values(t, reopened))
}

func TestVec_RollbackBefore(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)

	for i := uint64(0); i < 5; i++ {
		v.Push(i)
	}
	flush(t, db, v, 5)

	require.NoError(t, v.Update(0, 50))
	v.Push(5)
	v.Push(6)
	flush(t, db, v, 7)

	require.NoError(t, v.Delete(2))
	v.Truncate(6)
	flush(t, db, v, 9)
	require.Equal(t, []uint64{50, 1, 0, 3, 4, 5}, values(t, v))

	reached, err := v.RollbackBefore(7)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(7), reached)
	require.Equal(t, []uint64{50, 1, 2, 3, 4, 5, 6}, values(t, v))

	reached, err = v.RollbackBefore(6)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(5), reached)
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, values(t, v))

	// The reverted state is what a fresh open sees.
	reopened := openU64(t, db)
	require.Equal(t, types.Stamp(5), reopened.Stamp())
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, values(t, reopened))

	reached, err = v.RollbackBefore(0)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(0), reached)
	require.Equal(t, uint64(0), v.Len())
}

func TestVec_RollbackLimitedByKeep(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db, WithKeep(2))
	for s := types.Stamp(1); s <= 4; s++ {
		v.Push(uint64(s))
		flush(t, db, v, s)
	}

	reached, err := v.RollbackBefore(0)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(2), reached)
	require.Equal(t, []uint64{1, 2}, values(t, v))
}

func TestVec_RollbackDiscardsPending(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)
	v.Push(1)
	flush(t, db, v, 1)
	v.Push(2)

	reached, err := v.RollbackBefore(1)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(1), reached)
	require.Equal(t, []uint64{1}, values(t, v))
}

func TestVec_FlushStampRegression(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)
	v.Push(1)
	flush(t, db, v, 3)
	v.Push(2)
	require.ErrorIs(t, v.Flush(storage.NewBatch(db), 2), ErrStampRegression)
	require.ErrorIs(t, v.Flush(storage.NewBatch(db), 3), ErrStampRegression)
}

// metaDroppingBatch applies everything except meta records, as if the
// process died before the end of a split batch was written.
type metaDroppingBatch struct {
	inner storage.Batch
}

func (b *metaDroppingBatch) Put(key, value []byte) error {
	if bytes.HasSuffix(key, []byte(metaSuffix)) {
		return nil
	}
	return b.inner.Put(key, value)
}

func (b *metaDroppingBatch) Delete(key []byte) error { return b.inner.Delete(key) }
func (b *metaDroppingBatch) Commit() error           { return b.inner.Commit() }

func TestVec_InterruptedFlushReverted(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)
	v.Push(1)
	v.Push(2)
	flush(t, db, v, 2)

	require.NoError(t, v.Update(0, 100))
	v.Push(3)
	b := &metaDroppingBatch{inner: storage.NewBatch(db)}
	require.NoError(t, v.Flush(b, 3))
	require.NoError(t, b.Commit())

	reopened := openU64(t, db)
	require.Equal(t, types.Stamp(2), reopened.Stamp())
	require.Equal(t, []uint64{1, 2}, values(t, reopened))

	has, err := db.Has(reopened.key(dataSuffix, 2))
	require.NoError(t, err)
	require.False(t, has, "pushed slot must be removed")
}

func TestVec_ValidateVersion(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db)

	reset, err := v.ValidateVersion(7)
	require.NoError(t, err)
	require.False(t, reset)

	v.Push(1)
	flush(t, db, v, 1)

	reset, err = v.ValidateVersion(7)
	require.NoError(t, err)
	require.False(t, reset)
	require.Equal(t, uint64(1), v.Len())

	reset, err = v.ValidateVersion(8)
	require.NoError(t, err)
	require.True(t, reset)
	require.Equal(t, uint64(0), v.Len())
	require.Equal(t, types.Stamp(0), v.Stamp())

	reopened := openU64(t, db)
	require.Equal(t, uint64(8), reopened.Version())
	require.Equal(t, uint64(0), reopened.Len())
}

func TestVec_CacheSeesUpdates(t *testing.T) {
	db := storage.NewMemory()
	v := openU64(t, db, WithCache(4))
	v.Push(1)
	flush(t, db, v, 1)

	got, _, _ := v.Get(0)
	require.Equal(t, uint64(1), got)

	require.NoError(t, v.Update(0, 2))
	got, _, _ = v.Get(0)
	require.Equal(t, uint64(2), got)

	require.NoError(t, v.Delete(0))
	_, ok, _ := v.Get(0)
	require.False(t, ok)
}

func TestVec_Badger(t *testing.T) {
	db, err := storage.NewBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	v := openU64(t, db)
	for i := uint64(0); i < 100; i++ {
		v.Push(i)
	}
	flush(t, db, v, 100)
	v.Truncate(50)
	flush(t, db, v, 101)

	reached, err := v.RollbackBefore(100)
	require.NoError(t, err)
	require.Equal(t, types.Stamp(100), reached)
	require.Equal(t, uint64(100), v.Len())
	last, _, err := v.Last()
	require.NoError(t, err)
	require.Equal(t, uint64(99), last)
}

func TestFingerprint(t *testing.T) {
	require.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	require.NotEqual(t, Fingerprint("ab"), Fingerprint("a", "b"))
	require.NotEqual(t, Derive(1, "supply", 0), Derive(1, "supply", 1))
}
