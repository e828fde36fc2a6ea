// Package vec implements a stamped, versioned persistent array on top of a
// storage.DB. Every flush records a changeset so the array can be rolled
// back to an earlier checkpoint stamp.
package vec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// DefaultKeep is the number of changesets retained per array.
const DefaultKeep = 3

var (
	ErrOutOfRange      = errors.New("index out of range")
	ErrGap             = errors.New("push would leave a gap")
	ErrStampRegression = errors.New("flush stamp below stored stamp")
)

// Key layout under the array name: "#m" meta, "#d"+index data, "#c"+stamp changesets.
const (
	metaSuffix      = "#m"
	dataSuffix      = "#d"
	changesetSuffix = "#c"
)

type meta struct {
	Len     uint64      `json:"len"`
	Stamp   types.Stamp `json:"stamp"`
	Version uint64      `json:"version"`
	Holes   []byte      `json:"holes,omitempty"`
}

type changeEntry struct {
	Index   uint64 `json:"i"`
	Present bool   `json:"p"`
	Value   []byte `json:"v,omitempty"`
}

type changeset struct {
	Prev    meta          `json:"prev"`
	Entries []changeEntry `json:"entries"`
}

// Series is the element-type independent part of a Vec.
type Series interface {
	Name() string
	Len() uint64
	Stamp() types.Stamp
	Version() uint64
	Truncate(n uint64)
	Flush(b storage.Batch, stamp types.Stamp) error
	RollbackBefore(target types.Stamp) (types.Stamp, error)
	ValidateVersion(want uint64) (bool, error)
	Reset() error
}

// Option configures an array at open time.
type Option func(*options)

type options struct {
	keep      int
	cacheSize int
}

// WithKeep sets how many changesets are retained for rollback.
func WithKeep(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.keep = n
		}
	}
}

// WithCache enables an LRU read cache of n entries.
func WithCache(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// Vec is a persistent array of T. Writes are buffered in memory until
// Flush; reads see buffered writes.
type Vec[T any] struct {
	name   string
	db     storage.DB
	codec  Codec[T]
	keep   int
	logger zerolog.Logger

	mu          sync.RWMutex
	meta        meta
	stamps      []types.Stamp // retained changeset stamps, ascending
	length      uint64
	holes       *roaring64.Bitmap
	storedHoles *roaring64.Bitmap
	dirty       map[uint64]T
	cache       *lru.Cache[uint64, T]
}

// Open loads the array called name from db. A changeset newer than the
// stored stamp means a flush was interrupted; it is reverted.
func Open[T any](db storage.DB, name string, codec Codec[T], opts ...Option) (*Vec[T], error) {
	o := options{keep: DefaultKeep}
	for _, opt := range opts {
		opt(&o)
	}
	v := &Vec[T]{
		name:   name,
		db:     db,
		codec:  codec,
		keep:   o.keep,
		logger: log.WithSeries(log.Storage, name),
		dirty:  make(map[uint64]T),
	}
	if o.cacheSize > 0 {
		c, err := lru.New[uint64, T](o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("%s: cache: %w", name, err)
		}
		v.cache = c
	}
	if err := v.load(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (v *Vec[T]) key(suffix string, n uint64) []byte {
	k := make([]byte, 0, len(v.name)+len(suffix)+8)
	k = append(k, v.name...)
	k = append(k, suffix...)
	return binary.BigEndian.AppendUint64(k, n)
}

func (v *Vec[T]) metaKey() []byte {
	return []byte(v.name + metaSuffix)
}

func (v *Vec[T]) load() error {
	v.meta = meta{}
	raw, err := v.db.Get(v.metaKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read meta: %w", err)
	default:
		if err := json.Unmarshal(raw, &v.meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
	}

	v.stamps = v.stamps[:0]
	var dangling []types.Stamp
	prefix := []byte(v.name + changesetSuffix)
	err = v.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) != len(prefix)+8 {
			return nil
		}
		s := types.Stamp(binary.BigEndian.Uint64(key[len(prefix):]))
		if s > v.meta.Stamp {
			dangling = append(dangling, s)
		} else {
			v.stamps = append(v.stamps, s)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan changesets: %w", err)
	}
	sort.Slice(dangling, func(i, j int) bool { return dangling[i] > dangling[j] })
	for _, s := range dangling {
		v.logger.Warn().Uint64("stamp", uint64(s)).Msg("Reverting interrupted flush")
		cs, err := v.readChangeset(s)
		if err != nil {
			return err
		}
		b := storage.NewBatch(v.db)
		if err := v.revert(b, cs); err != nil {
			return err
		}
		b.Delete(v.key(changesetSuffix, uint64(s)))
		if err := b.Commit(); err != nil {
			return fmt.Errorf("revert interrupted flush: %w", err)
		}
	}
	return v.resetPending()
}

// resetPending drops buffered writes and restores the stored view.
func (v *Vec[T]) resetPending() error {
	v.length = v.meta.Len
	v.dirty = make(map[uint64]T)
	holes := roaring64.New()
	if len(v.meta.Holes) > 0 {
		if err := holes.UnmarshalBinary(v.meta.Holes); err != nil {
			return fmt.Errorf("decode holes: %w", err)
		}
	}
	v.storedHoles = holes
	v.holes = holes.Clone()
	if v.cache != nil {
		v.cache.Purge()
	}
	return nil
}

// Name returns the array name.
func (v *Vec[T]) Name() string { return v.name }

// Len returns the logical length including buffered pushes.
func (v *Vec[T]) Len() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.length
}

// Stamp returns the stamp of the last flush.
func (v *Vec[T]) Stamp() types.Stamp {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.meta.Stamp
}

// Version returns the stored version fingerprint.
func (v *Vec[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.meta.Version
}

// HoleCount returns the number of deleted slots.
func (v *Vec[T]) HoleCount() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.holes.GetCardinality()
}

// Get returns the value at i. ok is false for holes and indices past the end.
func (v *Vec[T]) Get(i uint64) (val T, ok bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.get(i)
}

func (v *Vec[T]) get(i uint64) (val T, ok bool, err error) {
	if i >= v.length || v.holes.Contains(i) {
		return val, false, nil
	}
	if d, found := v.dirty[i]; found {
		return d, true, nil
	}
	if i >= v.meta.Len {
		return val, false, nil
	}
	if v.cache != nil {
		if c, found := v.cache.Get(i); found {
			return c, true, nil
		}
	}
	raw, err := v.db.Get(v.key(dataSuffix, i))
	if errors.Is(err, storage.ErrNotFound) {
		return val, false, nil
	}
	if err != nil {
		return val, false, fmt.Errorf("%s: read %d: %w", v.name, i, err)
	}
	val, err = v.codec.Decode(raw)
	if err != nil {
		return val, false, fmt.Errorf("%s: decode %d: %w", v.name, i, err)
	}
	if v.cache != nil {
		v.cache.Add(i, val)
	}
	return val, true, nil
}

// Last returns the final element.
func (v *Vec[T]) Last() (val T, ok bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.length == 0 {
		return val, false, nil
	}
	return v.get(v.length - 1)
}

// Collect returns values in [from, to). Holes read as the zero value.
func (v *Vec[T]) Collect(from, to uint64) ([]T, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if to > v.length {
		to = v.length
	}
	if from >= to {
		return nil, nil
	}
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		val, _, err := v.get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// Push appends val and returns its index.
func (v *Vec[T]) Push(val T) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.push(val)
}

func (v *Vec[T]) push(val T) uint64 {
	i := v.length
	v.dirty[i] = val
	v.length++
	return i
}

// ForcedPushAt appends val at index i. Indices below the length are
// already present and are skipped; indices past the length are an error.
func (v *Vec[T]) ForcedPushAt(i uint64, val T) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case i < v.length:
		return nil
	case i > v.length:
		return fmt.Errorf("%s: %w: index %d, length %d", v.name, ErrGap, i, v.length)
	}
	v.push(val)
	return nil
}

// Update overwrites index i, filling it if it was a hole.
func (v *Vec[T]) Update(i uint64, val T) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i >= v.length {
		return fmt.Errorf("%s: %w: update %d, length %d", v.name, ErrOutOfRange, i, v.length)
	}
	v.holes.Remove(i)
	v.dirty[i] = val
	return nil
}

// Delete turns index i into a hole.
func (v *Vec[T]) Delete(i uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i >= v.length {
		return fmt.Errorf("%s: %w: delete %d, length %d", v.name, ErrOutOfRange, i, v.length)
	}
	v.holes.Add(i)
	delete(v.dirty, i)
	if v.cache != nil {
		v.cache.Remove(i)
	}
	return nil
}

// FillFirstHoleOrPush stores val in the lowest hole, or appends it.
func (v *Vec[T]) FillFirstHoleOrPush(val T) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.holes.IsEmpty() {
		return v.push(val)
	}
	i := v.holes.Minimum()
	v.holes.Remove(i)
	v.dirty[i] = val
	return i
}

// Truncate shortens the array to n elements.
func (v *Vec[T]) Truncate(n uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n >= v.length {
		return
	}
	for i := range v.dirty {
		if i >= n {
			delete(v.dirty, i)
		}
	}
	v.holes.RemoveRange(n, v.length)
	v.length = n
	if v.cache != nil {
		v.cache.Purge()
	}
}

// Reset deletes every stored key of the array, keeping its version.
func (v *Vec[T]) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reset()
}

func (v *Vec[T]) reset() error {
	if err := storage.DeletePrefix(v.db, []byte(v.name+"#")); err != nil {
		return fmt.Errorf("%s: reset: %w", v.name, err)
	}
	v.meta = meta{Version: v.meta.Version}
	v.stamps = nil
	if v.meta.Version != 0 {
		if err := v.writeMeta(); err != nil {
			return err
		}
	}
	return v.resetPending()
}

func (v *Vec[T]) writeMeta() error {
	raw, err := json.Marshal(v.meta)
	if err != nil {
		return err
	}
	if err := v.db.Put(v.metaKey(), raw); err != nil {
		return fmt.Errorf("%s: write meta: %w", v.name, err)
	}
	return nil
}

// ValidateVersion compares the stored version with want. On mismatch the
// array is reset and reset is true. A fresh array just records want.
func (v *Vec[T]) ValidateVersion(want uint64) (reset bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.meta.Version == want {
		return false, nil
	}
	fresh := v.meta.Len == 0 && v.meta.Stamp == 0 && len(v.stamps) == 0
	if !fresh {
		v.logger.Warn().
			Uint64("stored", v.meta.Version).
			Uint64("want", want).
			Msg("Version mismatch, resetting series")
		if err := v.reset(); err != nil {
			return false, err
		}
	}
	v.meta.Version = want
	return !fresh, v.writeMeta()
}

// Flush writes buffered changes and a rollback changeset to b, stamped with
// stamp. The changeset is written before the data and the meta record last.
func (v *Vec[T]) Flush(b storage.Batch, stamp types.Stamp) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	changed := len(v.dirty) > 0 || v.length != v.meta.Len || !v.holes.Equals(v.storedHoles)
	if stamp < v.meta.Stamp || (stamp == v.meta.Stamp && changed) {
		return fmt.Errorf("%s: %w: flush at %d, stored %d", v.name, ErrStampRegression, stamp, v.meta.Stamp)
	}
	if stamp == v.meta.Stamp && !changed {
		return nil
	}

	cs := changeset{Prev: v.meta}
	record := func(i uint64) error {
		e := changeEntry{Index: i}
		if i < v.meta.Len {
			raw, err := v.db.Get(v.key(dataSuffix, i))
			switch {
			case errors.Is(err, storage.ErrNotFound):
			case err != nil:
				return fmt.Errorf("%s: read prior %d: %w", v.name, i, err)
			default:
				e.Present, e.Value = true, raw
			}
		}
		cs.Entries = append(cs.Entries, e)
		return nil
	}

	indices := make([]uint64, 0, len(v.dirty))
	for i := range v.dirty {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, c int) bool { return indices[a] < indices[c] })
	for _, i := range indices {
		if err := record(i); err != nil {
			return err
		}
	}
	newHoles := roaring64.AndNot(v.holes, v.storedHoles)
	it := newHoles.Iterator()
	for it.HasNext() {
		if err := record(it.Next()); err != nil {
			return err
		}
	}
	for i := v.length; i < v.meta.Len; i++ {
		if err := record(i); err != nil {
			return err
		}
	}

	rawCS, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	if err := b.Put(v.key(changesetSuffix, uint64(stamp)), rawCS); err != nil {
		return err
	}

	for _, i := range indices {
		if err := b.Put(v.key(dataSuffix, i), v.codec.Encode(v.dirty[i])); err != nil {
			return err
		}
	}
	it = newHoles.Iterator()
	for it.HasNext() {
		if err := b.Delete(v.key(dataSuffix, it.Next())); err != nil {
			return err
		}
	}
	for i := v.length; i < v.meta.Len; i++ {
		if err := b.Delete(v.key(dataSuffix, i)); err != nil {
			return err
		}
	}

	holesRaw, err := v.holes.MarshalBinary()
	if err != nil {
		return err
	}
	next := meta{Len: v.length, Stamp: stamp, Version: v.meta.Version}
	if !v.holes.IsEmpty() {
		next.Holes = holesRaw
	}
	rawMeta, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := b.Put(v.metaKey(), rawMeta); err != nil {
		return err
	}

	v.stamps = append(v.stamps, stamp)
	for len(v.stamps) > v.keep {
		if err := b.Delete(v.key(changesetSuffix, uint64(v.stamps[0]))); err != nil {
			return err
		}
		v.stamps = v.stamps[1:]
	}

	v.meta = next
	v.storedHoles = v.holes.Clone()
	if v.cache != nil {
		for _, i := range indices {
			v.cache.Add(i, v.dirty[i])
		}
	}
	v.dirty = make(map[uint64]T)
	return nil
}

func (v *Vec[T]) readChangeset(s types.Stamp) (changeset, error) {
	var cs changeset
	raw, err := v.db.Get(v.key(changesetSuffix, uint64(s)))
	if err != nil {
		return cs, err
	}
	if err := json.Unmarshal(raw, &cs); err != nil {
		return cs, fmt.Errorf("%s: decode changeset %d: %w", v.name, s, err)
	}
	return cs, nil
}

// revert writes the prior values and meta recorded in cs to b.
func (v *Vec[T]) revert(b storage.Batch, cs changeset) error {
	for _, e := range cs.Entries {
		var err error
		if e.Present {
			err = b.Put(v.key(dataSuffix, e.Index), e.Value)
		} else {
			err = b.Delete(v.key(dataSuffix, e.Index))
		}
		if err != nil {
			return err
		}
	}
	raw, err := json.Marshal(cs.Prev)
	if err != nil {
		return err
	}
	return b.Put(v.metaKey(), raw)
}

// RollbackBefore discards buffered writes and reverts flushes until the
// stored stamp is at most target or no changeset is left. It returns the
// stamp reached.
func (v *Vec[T]) RollbackBefore(target types.Stamp) (types.Stamp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for v.meta.Stamp > target && len(v.stamps) > 0 && v.stamps[len(v.stamps)-1] == v.meta.Stamp {
		s := v.meta.Stamp
		cs, err := v.readChangeset(s)
		if err != nil {
			return v.meta.Stamp, fmt.Errorf("%s: read changeset %d: %w", v.name, s, err)
		}
		b := storage.NewBatch(v.db)
		if err := v.revert(b, cs); err != nil {
			return v.meta.Stamp, err
		}
		if err := b.Delete(v.key(changesetSuffix, uint64(s))); err != nil {
			return v.meta.Stamp, err
		}
		if err := b.Commit(); err != nil {
			return v.meta.Stamp, fmt.Errorf("%s: rollback %d: %w", v.name, s, err)
		}
		v.meta = cs.Prev
		v.stamps = v.stamps[:len(v.stamps)-1]
	}
	if err := v.resetPending(); err != nil {
		return v.meta.Stamp, err
	}
	return v.meta.Stamp, nil
}
